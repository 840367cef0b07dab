package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/ecsrunner/internal/buildinfo"
	"github.com/terrpan/ecsrunner/internal/events"
	"github.com/terrpan/ecsrunner/internal/otel"
	"github.com/terrpan/ecsrunner/internal/server"
	"github.com/terrpan/ecsrunner/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var noJanitor bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks, runner events and the read API",
		Long: `serve accepts GitHub workflow_job deliveries on POST /webhook and
runner-status / image-build events on POST /events, launching and tracking
one runner per queued job.  The janitor runs in the same process unless
--no-janitor is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, noJanitor)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "Listen address (default :8080)")
	f.StringVar(&flagOverrides.GitHub.URL, "url", "", "GitHub URL runners register against (e.g. https://github.com/org/repo)")
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token")
	f.BoolVar(&noJanitor, "no-janitor", false, "Do not run the janitor in this process")
	return cmd
}

func runServe(ctx context.Context, noJanitor bool) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("scheduler", cfg.Scheduler.Type),
		slog.String("store", cfg.Store.Type),
		slog.String("registry", cfg.Images.Registry),
		slog.String("credentials", cfg.GitHub.Credentials),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	shutdown, err := otel.SetupOTelSDK(ctx, buildinfo.ServiceName, cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Store, scheduler, credentials, launcher
	// ---------------------------------------------------------------
	d, err := newDeps(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer d.Close()

	// ---------------------------------------------------------------
	// 5. Controller
	// ---------------------------------------------------------------
	ctrl, err := d.controller(ctx)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Webhook handler + event router
	// ---------------------------------------------------------------
	hook, err := webhook.NewHandler(cfg.Webhook.Secret, ctrl, logger)
	if err != nil {
		return fmt.Errorf("creating webhook handler: %w", err)
	}
	router := events.NewRouter(ctrl, hook, logger)

	// ---------------------------------------------------------------
	// 7. Janitor
	// ---------------------------------------------------------------
	if !noJanitor {
		j, err := d.janitor()
		if err != nil {
			return fmt.Errorf("creating janitor: %w", err)
		}
		go func() {
			if err := j.Run(ctx); err != nil {
				logger.Error("janitor stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// ---------------------------------------------------------------
	// 8. HTTP server
	// ---------------------------------------------------------------
	srv, err := server.New(server.Config{
		Webhook:  hook,
		Events:   router,
		Store:    d.store,
		Backends: cfg.Backends(),
		Metrics:  cfg.MetricsEnabled(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}
