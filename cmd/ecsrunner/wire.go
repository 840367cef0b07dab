package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/terrpan/ecsrunner/internal/config"
	"github.com/terrpan/ecsrunner/internal/controller"
	"github.com/terrpan/ecsrunner/internal/engine"
	"github.com/terrpan/ecsrunner/internal/github"
	"github.com/terrpan/ecsrunner/internal/janitor"
	"github.com/terrpan/ecsrunner/internal/launcher"
	"github.com/terrpan/ecsrunner/internal/notify"
	"github.com/terrpan/ecsrunner/internal/sizeclass"
	"github.com/terrpan/ecsrunner/internal/store"
)

// deps holds the components every command shares.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	engine   engine.Engine
	launcher *launcher.Launcher
	notifier notify.Notifier
	closers  []func() error
}

// newDeps wires the store, scheduler and launcher.  With launching set the
// size-class table and runner credentials are resolved too; commands that
// only stop tasks skip both.
func newDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, launching bool) (*deps, error) {
	d := &deps{cfg: cfg, logger: logger}

	st, closeStore, err := cfg.NewStore(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	d.store = st
	d.closers = append(d.closers, closeStore)

	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	d.engine = eng
	if c, ok := eng.(io.Closer); ok {
		d.closers = append(d.closers, c.Close)
	}

	var (
		sizes sizeclass.Table
		creds github.CredentialProvider
	)
	if launching {
		src, err := cfg.NewSizeSource(ctx)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("initializing size classes: %w", err)
		}
		if sizes, err = src.Load(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("loading size classes: %w", err)
		}
		if creds, err = cfg.NewCredentialProvider(ctx, logger); err != nil {
			d.Close()
			return nil, fmt.Errorf("initializing credentials: %w", err)
		}
	}

	d.launcher, err = launcher.New(launcher.Config{
		Engine:        eng,
		Credentials:   creds,
		Sizes:         sizes,
		RepositoryURL: cfg.GitHub.URL,
		Table:         cfg.Store.Table,
		EventBus:      cfg.Images.EventBus,
		Logger:        logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	if d.notifier, err = cfg.NewNotifier(); err != nil {
		d.Close()
		return nil, fmt.Errorf("initializing notifier: %w", err)
	}
	return d, nil
}

// controller builds the lifecycle controller on top of deps.
func (d *deps) controller(ctx context.Context) (*controller.Controller, error) {
	images, err := d.cfg.NewImages(ctx, d.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing images: %w", err)
	}
	return controller.New(controller.Config{
		Store:              d.store,
		Images:             images,
		Launcher:           d.launcher,
		Notifier:           d.notifier,
		DeleteAfterHandoff: d.cfg.Controller.DeleteAfterHandoff,
		Logger:             d.logger,
	})
}

// janitor builds the stale-record sweeper on top of deps.
func (d *deps) janitor() (*janitor.Janitor, error) {
	return janitor.New(janitor.Config{
		Store:      d.store,
		Terminator: d.launcher,
		Notifier:   d.notifier,
		TTL:        d.cfg.Janitor.TTL,
		Schedule:   d.cfg.Janitor.Schedule,
		RateLimit:  d.cfg.Janitor.RateLimit,
		PageSize:   d.cfg.Janitor.PageSize,
		Logger:     d.logger,
	})
}

// Close releases every resource in reverse acquisition order.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
	d.closers = nil
}
