package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newJanitorCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Reap runners older than the TTL",
		Long: `janitor stops the tasks of non-terminal runners older than janitor.ttl
and marks them OFFLINE or FAILED.  Without --once it sweeps on
janitor.schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runJanitor(ctx, cmd, once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Sweep once and exit")
	cmd.Flags().DurationVar(&flagOverrides.Janitor.TTL, "ttl", 0, "Override janitor.ttl")
	return cmd
}

func runJanitor(ctx context.Context, cmd *cobra.Command, once bool) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	d, err := newDeps(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer d.Close()

	j, err := d.janitor()
	if err != nil {
		return fmt.Errorf("creating janitor: %w", err)
	}

	if !once {
		logger.Info("janitor started",
			slog.String("schedule", cfg.Janitor.Schedule),
			slog.Duration("ttl", cfg.Janitor.TTL),
		)
		return j.Run(ctx)
	}

	res, err := j.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, cleaned %d, failed %d\n", res.Scanned, res.Cleaned, res.Failed)
	return nil
}
