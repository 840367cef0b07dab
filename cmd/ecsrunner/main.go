package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrpan/ecsrunner/internal/config"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flagOverrides = config.Config{}

	cmd := &cobra.Command{
		Use:   "ecsrunner",
		Short: "Ephemeral CI runners on demand -- webhook-driven runner control plane",
		Long: `ecsrunner provisions one ephemeral CI runner per queued workflow job.
It resolves (or builds) the job's runner image, launches a task on the
configured scheduler (ECS, Docker or GCE), tracks the runner through its
heartbeats and reaps stale records on a schedule.

Configuration is read from a YAML file (--config), overlaid with
ECSRUNNER_* environment variables and optional CLI flag overrides.`,
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Backend overrides
	f.StringVar(&flagOverrides.Store.Type, "store", "", "State store (dynamodb, sql, memory)")
	f.StringVar(&flagOverrides.Store.Table, "table", "", "DynamoDB table name")
	f.StringVar(&flagOverrides.Scheduler.Type, "scheduler", "", "Scheduler (ecs, docker, gcp)")
	f.StringVar(&flagOverrides.AWS.Region, "region", "", "AWS region")
	f.StringVar(&flagOverrides.AWS.Profile, "profile", "", "AWS shared config profile")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newJanitorCmd())
	cmd.AddCommand(newRunnersCmd())
	cmd.AddCommand(newClassSizesCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Store.Type != "" {
		cfg.Store.Type = flagOverrides.Store.Type
	}
	if flagOverrides.Store.Table != "" {
		cfg.Store.Table = flagOverrides.Store.Table
	}
	if flagOverrides.Scheduler.Type != "" {
		cfg.Scheduler.Type = flagOverrides.Scheduler.Type
	}
	if flagOverrides.AWS.Region != "" {
		cfg.AWS.Region = flagOverrides.AWS.Region
	}
	if flagOverrides.AWS.Profile != "" {
		cfg.AWS.Profile = flagOverrides.AWS.Profile
	}
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Janitor.TTL != 0 {
		cfg.Janitor.TTL = flagOverrides.Janitor.TTL
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig loads, overrides and validates the configuration.  serve
// additionally requires what webhook ingestion needs.
func loadConfig(serve bool) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	validate := cfg.Validate
	if serve {
		validate = cfg.ValidateServe
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
