// Package config handles loading, validating, and applying configuration
// for the runner control plane.  Configuration is read from a YAML file,
// overlaid with ECSRUNNER_* environment variables, and can be overridden by
// CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/actions/scaleset"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/terrpan/ecsrunner/internal/awsutil"
	"github.com/terrpan/ecsrunner/internal/buildinfo"
	"github.com/terrpan/ecsrunner/internal/sizeclass"
)

// EnvPrefix prefixes every environment override, e.g.
// ECSRUNNER_WEBHOOK_SECRET for webhook.secret.
const EnvPrefix = "ECSRUNNER"

// Scheduler, store, registry and credential kinds.
const (
	SchedulerECS    = "ecs"
	SchedulerDocker = "docker"
	SchedulerGCP    = "gcp"

	StoreDynamoDB = "dynamodb"
	StoreSQL      = "sql"
	StoreMemory   = "memory"

	RegistryECR    = "ecr"
	RegistryStatic = "static"

	CredentialsToken = "token"
	CredentialsJIT   = "jit"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub      GitHubConfig      `mapstructure:"github"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	AWS         awsutil.Config    `mapstructure:"aws"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Images      ImagesConfig      `mapstructure:"images"`
	Store       StoreConfig       `mapstructure:"store"`
	SizeClasses SizeClassesConfig `mapstructure:"size_classes"`
	Controller  ControllerConfig  `mapstructure:"controller"`
	Janitor     JanitorConfig     `mapstructure:"janitor"`
	Server      ServerConfig      `mapstructure:"server"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	OTel        OTelConfig        `mapstructure:"otel"`

	awsCfg *aws.Config
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds the registration target and the credentials used to
// mint runner registration secrets.
type GitHubConfig struct {
	// URL is the repository or organization runners register against
	// (e.g. https://github.com/org/repo).  It is handed to each runner as
	// RUNNER_REPOSITORY_URL.
	URL string `mapstructure:"url"`

	// APIURL targets a GitHub Enterprise Server API (optional).
	APIURL string `mapstructure:"api_url"`

	// Credentials selects how runners register: "token" (classic
	// registration token, default) or "jit" (scale set JIT config).
	Credentials string `mapstructure:"credentials"`

	// Token is a personal access token.  Used directly in token mode and
	// as the PAT alternative to App auth in jit mode.
	Token string `mapstructure:"token"`

	// App holds GitHub App credentials for jit mode.
	App GitHubAppConfig `mapstructure:"app"`

	// ScaleSet is the scale set JIT runners join.
	ScaleSet ScaleSetConfig `mapstructure:"scaleset"`
}

// GitHubAppConfig mirrors scaleset.GitHubAppAuth but adds a
// PrivateKeyPath field so the key can live in a file.
type GitHubAppConfig struct {
	ClientID       string `mapstructure:"client_id"`
	InstallationID int64  `mapstructure:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	// PrivateKey can be set directly (e.g. via env).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `mapstructure:"private_key"`
}

// ScaleSetConfig describes the scale set registered in jit mode.
type ScaleSetConfig struct {
	Name        string   `mapstructure:"name"`
	RunnerGroup string   `mapstructure:"runner_group"`
	Labels      []string `mapstructure:"labels"`
}

// WebhookConfig holds the shared secret GitHub signs deliveries with.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// SchedulerConfig selects and configures the compute backend.
type SchedulerConfig struct {
	// Type selects the backend: "ecs" (default), "docker" or "gcp".
	Type string `mapstructure:"type"`

	ECS    ECSConfig    `mapstructure:"ecs"`
	Docker DockerConfig `mapstructure:"docker"`
	GCP    GCPConfig    `mapstructure:"gcp"`
}

// ECSConfig holds Fargate settings.  Only read when Type == "ecs".
type ECSConfig struct {
	Cluster          string   `mapstructure:"cluster"`
	Subnets          []string `mapstructure:"subnets"`
	SecurityGroups   []string `mapstructure:"security_groups"`
	AssignPublicIP   bool     `mapstructure:"assign_public_ip"`
	ExecutionRoleARN string   `mapstructure:"execution_role_arn"`
	TaskRoleARN      string   `mapstructure:"task_role_arn"`
	ContainerName    string   `mapstructure:"container_name"`

	// CPU and Memory are the task definition defaults.  Default: 1024/2048.
	CPU    int32 `mapstructure:"cpu"`
	Memory int32 `mapstructure:"memory"`

	// LogGroup enables the awslogs driver (optional).
	LogGroup string `mapstructure:"log_group"`
}

// DockerConfig holds local Docker settings.  Only read when Type == "docker".
type DockerConfig struct {
	// Dind bind-mounts the host's Docker socket into each runner.
	Dind bool `mapstructure:"dind"`
	// Network attaches runners to a user-defined network (optional).
	Network string `mapstructure:"network"`
	// Cmd overrides the image's default command (optional).
	Cmd []string `mapstructure:"cmd"`
}

// GCPConfig holds Compute Engine settings.  Only read when Type == "gcp".
//
// Authentication uses Application Default Credentials (ADC); no
// credential fields are needed.
type GCPConfig struct {
	Project string `mapstructure:"project"`
	Zone    string `mapstructure:"zone"`

	// MachineType is the default machine type.  Default: "e2-medium".
	MachineType string `mapstructure:"machine_type"`

	// MachineTypes maps size classes to machine types.
	MachineTypes map[string]string `mapstructure:"machine_types"`

	// BootImage is the Container-Optimized OS image (optional).
	BootImage string `mapstructure:"boot_image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `mapstructure:"disk_size_gb"`

	Network string `mapstructure:"network"`
	Subnet  string `mapstructure:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP *bool `mapstructure:"public_ip"`

	ServiceAccount string `mapstructure:"service_account"`
}

// ---------------------------------------------------------------------------
// Images, store, size classes
// ---------------------------------------------------------------------------

// ImagesConfig configures image resolution and builds.
type ImagesConfig struct {
	// Registry selects "ecr" (default) or "static" (every tag is assumed
	// to exist under RepositoryURL).
	Registry string `mapstructure:"registry"`

	// RepositoryURL is the runner image repository, e.g.
	// 123456789012.dkr.ecr.us-east-1.amazonaws.com/runners.
	RepositoryURL string `mapstructure:"repository_url"`

	// BuildProject is the CodeBuild project that builds missing images.
	// Empty disables builds: a registry miss then fails the runner.
	BuildProject string `mapstructure:"build_project"`

	// EventBus receives image-build and runner-status events.
	EventBus string `mapstructure:"event_bus"`
}

// StoreConfig selects the runner state store.
type StoreConfig struct {
	// Type: "dynamodb" (default), "sql" or "memory".
	Type string `mapstructure:"type"`

	// Table is the DynamoDB table name.  Also handed to runners so they
	// can publish heartbeats against it.
	Table string `mapstructure:"table"`

	SQL SQLConfig `mapstructure:"sql"`
}

// SQLConfig holds gorm settings.  Only read when Type == "sql".
type SQLConfig struct {
	// Driver: "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SizeClassesConfig declares the runner size classes.  When SSMParameter
// is set the table is read from Parameter Store and Classes is ignored.
type SizeClassesConfig struct {
	Classes      map[string]sizeclass.Size `mapstructure:"classes"`
	SSMParameter string                    `mapstructure:"ssm_parameter"`
}

// ---------------------------------------------------------------------------
// Controller, janitor, server, notify
// ---------------------------------------------------------------------------

// ControllerConfig tunes the runner lifecycle.
type ControllerConfig struct {
	// DeleteAfterHandoff removes a record once its post-build task has
	// launched.
	DeleteAfterHandoff bool `mapstructure:"delete_after_handoff"`
}

// JanitorConfig tunes the stale-record sweep.
type JanitorConfig struct {
	// TTL is the maximum age of a non-terminal runner.  Default: 1h.
	TTL time.Duration `mapstructure:"ttl"`
	// Schedule is a cron expression or descriptor.  Default: "@every 5m".
	Schedule string `mapstructure:"schedule"`
	// RateLimit caps reconciled records per second.  Default: 10.
	RateLimit float64 `mapstructure:"rate_limit"`
	PageSize  int     `mapstructure:"page_size"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `mapstructure:"addr"`
	// Metrics mounts /metrics.  Default: true.
	Metrics *bool `mapstructure:"metrics"`
}

// NotifyConfig configures failure notifications.
type NotifyConfig struct {
	Slack SlackConfig `mapstructure:"slack"`
}

// SlackConfig enables Slack notifications when Token and Channel are set.
type SlackConfig struct {
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel"`
}

// ---------------------------------------------------------------------------
// Logging & OpenTelemetry
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `mapstructure:"level"`
	// Format: text, json.  Default: text.
	Format string `mapstructure:"format"`
}

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `mapstructure:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `mapstructure:"stdout"`

	// Prometheus exposes OTel metrics through /metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// ExportInterval is the metric push interval.  Default: 10s.
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path, overlays ECSRUNNER_*
// environment variables and returns the parsed Config.  A missing file is
// not an error: env and flags can supply everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)
}

// bindEnvs registers every scalar and slice key so AutomaticEnv applies to
// keys the config file does not mention.  Maps come from the file only.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		switch ft.Kind() {
		case reflect.Struct:
			bindEnvs(v, ft, key)
		case reflect.Map:
		default:
			_ = v.BindEnv(key)
		}
	}
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.Credentials == "" {
		c.GitHub.Credentials = CredentialsToken
	}
	if c.GitHub.ScaleSet.RunnerGroup == "" {
		c.GitHub.ScaleSet.RunnerGroup = scaleset.DefaultRunnerGroup
	}
	if c.Scheduler.Type == "" {
		c.Scheduler.Type = SchedulerECS
	}
	if c.Scheduler.ECS.ContainerName == "" {
		c.Scheduler.ECS.ContainerName = "runner"
	}
	if c.Scheduler.ECS.CPU == 0 {
		c.Scheduler.ECS.CPU = 1024
	}
	if c.Scheduler.ECS.Memory == 0 {
		c.Scheduler.ECS.Memory = 2048
	}
	if c.Scheduler.GCP.MachineType == "" {
		c.Scheduler.GCP.MachineType = "e2-medium"
	}
	if c.Scheduler.GCP.DiskSizeGB == 0 {
		c.Scheduler.GCP.DiskSizeGB = 50
	}
	if c.Scheduler.GCP.PublicIP == nil {
		t := true
		c.Scheduler.GCP.PublicIP = &t
	}
	if c.Images.Registry == "" {
		c.Images.Registry = RegistryECR
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreDynamoDB
	}
	if c.Store.SQL.Driver == "" {
		c.Store.SQL.Driver = "sqlite"
	}
	if c.Janitor.TTL == 0 {
		c.Janitor.TTL = time.Hour
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 5m"
	}
	if c.Janitor.RateLimit == 0 {
		c.Janitor.RateLimit = 10
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Metrics == nil {
		t := true
		c.Server.Metrics = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the sections every command needs: store, scheduler,
// images and size classes.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Store.Type {
	case StoreDynamoDB:
		if c.Store.Table == "" {
			return fmt.Errorf("store.table is required when store.type is %q", StoreDynamoDB)
		}
	case StoreSQL:
		switch c.Store.SQL.Driver {
		case "sqlite", "mysql":
		default:
			return fmt.Errorf("store.sql.driver %q is not supported (supported: sqlite, mysql)", c.Store.SQL.Driver)
		}
		if c.Store.SQL.DSN == "" {
			return fmt.Errorf("store.sql.dsn is required when store.type is %q", StoreSQL)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.type %q is not supported (supported: dynamodb, sql, memory)", c.Store.Type)
	}

	switch c.Scheduler.Type {
	case SchedulerECS:
		if c.Scheduler.ECS.Cluster == "" {
			return fmt.Errorf("scheduler.ecs.cluster is required when scheduler.type is \"ecs\"")
		}
		if len(c.Scheduler.ECS.Subnets) == 0 {
			return fmt.Errorf("scheduler.ecs.subnets is required when scheduler.type is \"ecs\"")
		}
	case SchedulerDocker:
	case SchedulerGCP:
		if c.Scheduler.GCP.Project == "" {
			return fmt.Errorf("scheduler.gcp.project is required when scheduler.type is \"gcp\"")
		}
		if c.Scheduler.GCP.Zone == "" {
			return fmt.Errorf("scheduler.gcp.zone is required when scheduler.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("scheduler.type %q is not supported (supported: ecs, docker, gcp)", c.Scheduler.Type)
	}

	switch c.Images.Registry {
	case RegistryECR:
		if c.Images.RepositoryURL == "" {
			return fmt.Errorf("images.repository_url is required when images.registry is %q", RegistryECR)
		}
	case RegistryStatic:
	default:
		return fmt.Errorf("images.registry %q is not supported (supported: ecr, static)", c.Images.Registry)
	}

	if c.SizeClasses.SSMParameter == "" {
		if err := sizeclass.Table(c.SizeClasses.Classes).Validate(); err != nil {
			return fmt.Errorf("size_classes: %w", err)
		}
	}

	if c.Janitor.TTL < 0 {
		return fmt.Errorf("janitor.ttl must be positive")
	}
	if c.Janitor.RateLimit < 0 {
		return fmt.Errorf("janitor.rate_limit must not be negative")
	}
	return nil
}

// ValidateServe additionally checks what webhook ingestion needs: the
// registration target, its credentials and the webhook secret.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	switch c.GitHub.Credentials {
	case CredentialsToken:
		if c.GitHub.Token == "" {
			return fmt.Errorf("github.token is required when github.credentials is %q", CredentialsToken)
		}
		if _, err := c.RepositoryPath(); err != nil {
			return err
		}
	case CredentialsJIT:
		if err := c.validateAuth(); err != nil {
			return err
		}
		if c.GitHub.ScaleSet.Name == "" {
			return fmt.Errorf("github.scaleset.name is required when github.credentials is %q", CredentialsJIT)
		}
		for i, l := range c.GitHub.ScaleSet.Labels {
			if strings.TrimSpace(l) == "" {
				return fmt.Errorf("github.scaleset.labels[%d] is empty", i)
			}
		}
	default:
		return fmt.Errorf("github.credentials %q is not supported (supported: token, jit)", c.GitHub.Credentials)
	}
	return nil
}

func (c *Config) validateAuth() error {
	hasToken := c.GitHub.Token != ""
	hasApp := c.GitHub.App.ClientID != "" ||
		c.GitHub.App.InstallationID != 0 ||
		c.GitHub.App.PrivateKey != "" ||
		c.GitHub.App.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return fmt.Errorf("no credentials: provide github.app (recommended) or github.token")
	}

	if hasApp {
		if c.GitHub.App.ClientID == "" {
			return fmt.Errorf("github.app.client_id is required when using GitHub App auth")
		}
		if c.GitHub.App.InstallationID == 0 {
			return fmt.Errorf("github.app.installation_id is required when using GitHub App auth")
		}
		if c.GitHub.App.PrivateKey == "" && c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app.private_key or github.app.private_key_path is required")
		}
	}

	return nil
}

// RepositoryPath returns the "owner/repo" (or "org") path of github.url.
func (c *Config) RepositoryPath() (string, error) {
	u, err := url.Parse(c.GitHub.URL)
	if err != nil {
		return "", fmt.Errorf("github.url: %w", err)
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return "", fmt.Errorf("github.url %q has no owner or repository", c.GitHub.URL)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// systemInfo identifies this control plane to the scale set API.
func systemInfo() scaleset.SystemInfo {
	return scaleset.SystemInfo{
		System:    "ecsrunner",
		Subsystem: "controller",
		Version:   buildinfo.Version,
		CommitSHA: buildinfo.Commit,
	}
}
