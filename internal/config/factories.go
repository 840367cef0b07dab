package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/actions/scaleset"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/terrpan/ecsrunner/internal/awsutil"
	"github.com/terrpan/ecsrunner/internal/engine"
	"github.com/terrpan/ecsrunner/internal/engine/docker"
	"github.com/terrpan/ecsrunner/internal/engine/ecs"
	"github.com/terrpan/ecsrunner/internal/engine/gcp"
	"github.com/terrpan/ecsrunner/internal/github"
	"github.com/terrpan/ecsrunner/internal/health"
	"github.com/terrpan/ecsrunner/internal/image"
	"github.com/terrpan/ecsrunner/internal/image/codebuild"
	"github.com/terrpan/ecsrunner/internal/image/ecr"
	"github.com/terrpan/ecsrunner/internal/notify"
	"github.com/terrpan/ecsrunner/internal/otel"
	"github.com/terrpan/ecsrunner/internal/sizeclass"
	"github.com/terrpan/ecsrunner/internal/store"
	"github.com/terrpan/ecsrunner/internal/store/dynamo"
	"github.com/terrpan/ecsrunner/internal/store/sqlstore"
)

// AWSConfig resolves the shared aws.Config once.
func (c *Config) AWSConfig(ctx context.Context) (aws.Config, error) {
	if c.awsCfg != nil {
		return *c.awsCfg, nil
	}
	awsCfg, err := awsutil.LoadConfig(ctx, c.AWS)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	c.awsCfg = &awsCfg
	return awsCfg, nil
}

// NewStore creates the runner store selected by store.type.  The returned
// close function releases database connections; it is never nil.
func (c *Config) NewStore(ctx context.Context, logger *slog.Logger) (store.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Store.Type {
	case StoreDynamoDB:
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, noop, err
		}
		s, err := dynamo.NewFromConfig(awsCfg, dynamo.Config{Table: c.Store.Table, Logger: logger})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case StoreSQL:
		db, err := sqlstore.Open(sqlstore.Config{Driver: c.Store.SQL.Driver, DSN: c.Store.SQL.DSN, Logger: logger})
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
		return sqlstore.New(db, logger), closeFn, nil
	case StoreMemory:
		return store.NewMemory(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
}

// NewEngine creates the compute engine selected by scheduler.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Scheduler.Type {
	case SchedulerECS:
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		e := c.Scheduler.ECS
		return ecs.NewFromConfig(awsCfg, ecs.Config{
			Cluster:          e.Cluster,
			Subnets:          e.Subnets,
			SecurityGroups:   e.SecurityGroups,
			AssignPublicIP:   e.AssignPublicIP,
			ExecutionRoleARN: e.ExecutionRoleARN,
			TaskRoleARN:      e.TaskRoleARN,
			ContainerName:    e.ContainerName,
			CPU:              e.CPU,
			Memory:           e.Memory,
			LogGroup:         e.LogGroup,
			LogRegion:        awsCfg.Region,
		}, logger.WithGroup("engine.ecs"))
	case SchedulerDocker:
		return docker.New(docker.Config{
			Cmd:     c.Scheduler.Docker.Cmd,
			Dind:    c.Scheduler.Docker.Dind,
			Network: c.Scheduler.Docker.Network,
		}, logger.WithGroup("engine.docker"))
	case SchedulerGCP:
		g := c.Scheduler.GCP
		publicIP := true
		if g.PublicIP != nil {
			publicIP = *g.PublicIP
		}
		return gcp.New(ctx, gcp.Config{
			Project:        g.Project,
			Zone:           g.Zone,
			MachineType:    g.MachineType,
			MachineTypes:   g.MachineTypes,
			BootImage:      g.BootImage,
			DiskSizeGB:     g.DiskSizeGB,
			Network:        g.Network,
			Subnet:         g.Subnet,
			PublicIP:       publicIP,
			ServiceAccount: g.ServiceAccount,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported scheduler type: %s", c.Scheduler.Type)
	}
}

// NewImages creates the image coordinator: the configured registry plus,
// when images.build_project is set, a CodeBuild builder.
func (c *Config) NewImages(ctx context.Context, logger *slog.Logger) (*image.Coordinator, error) {
	cfg := image.Config{
		Repository: c.Images.RepositoryURL,
		EventBus:   c.Images.EventBus,
		Logger:     logger,
	}

	switch c.Images.Registry {
	case RegistryStatic:
		cfg.Registry = image.Static{Repository: c.Images.RepositoryURL}
	case RegistryECR:
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		reg, err := ecr.NewFromConfig(awsCfg, c.Images.RepositoryURL)
		if err != nil {
			return nil, err
		}
		cfg.Registry = reg
	default:
		return nil, fmt.Errorf("unsupported image registry: %s", c.Images.Registry)
	}

	if c.Images.BuildProject != "" {
		awsCfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		b, err := codebuild.NewFromConfig(awsCfg, c.Images.BuildProject)
		if err != nil {
			return nil, err
		}
		cfg.Builder = b
	}
	return image.NewCoordinator(cfg)
}

// NewSizeSource returns the size-class source: SSM when
// size_classes.ssm_parameter is set, otherwise the static table.
func (c *Config) NewSizeSource(ctx context.Context) (sizeclass.Source, error) {
	if c.SizeClasses.SSMParameter == "" {
		return sizeclass.Static(c.SizeClasses.Classes), nil
	}
	awsCfg, err := c.AWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return sizeclass.NewSSM(ssm.NewFromConfig(awsCfg), c.SizeClasses.SSMParameter), nil
}

// NewNotifier returns a Slack notifier when notify.slack is configured and
// a no-op otherwise.
func (c *Config) NewNotifier() (notify.Notifier, error) {
	if c.Notify.Slack.Token == "" && c.Notify.Slack.Channel == "" {
		return notify.Nop{}, nil
	}
	return notify.NewSlack(c.Notify.Slack.Token, c.Notify.Slack.Channel)
}

// NewCredentialProvider returns the runner registration credential source
// selected by github.credentials.  In jit mode the scale set is registered
// first.
func (c *Config) NewCredentialProvider(ctx context.Context, logger *slog.Logger) (github.CredentialProvider, error) {
	switch c.GitHub.Credentials {
	case CredentialsToken, "":
		path, err := c.RepositoryPath()
		if err != nil {
			return nil, err
		}
		owner, repo, err := github.ParseRepository(path)
		if err != nil {
			return nil, err
		}
		client, err := github.NewClient(ctx, c.GitHub.Token, c.GitHub.APIURL)
		if err != nil {
			return nil, fmt.Errorf("creating github client: %w", err)
		}
		return github.NewTokenProvider(client, owner, repo), nil
	case CredentialsJIT:
		client, err := c.NewScalesetClient()
		if err != nil {
			return nil, fmt.Errorf("creating scaleset client: %w", err)
		}
		id, err := github.RegisterScaleSet(ctx, client, github.ScaleSetConfig{
			Name:        c.GitHub.ScaleSet.Name,
			RunnerGroup: c.GitHub.ScaleSet.RunnerGroup,
			Labels:      trimLabels(c.GitHub.ScaleSet.Labels),
		}, logger)
		if err != nil {
			return nil, err
		}
		return github.NewJITProvider(client, id), nil
	default:
		return nil, fmt.Errorf("unsupported credentials mode: %s", c.GitHub.Credentials)
	}
}

// NewScalesetClient creates a scaleset.Client using the configured
// credentials (GitHub App or PAT).
func (c *Config) NewScalesetClient() (*scaleset.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	if c.GitHub.App.ClientID != "" {
		return scaleset.NewClientWithGitHubApp(scaleset.ClientWithGitHubAppConfig{
			GitHubConfigURL: c.GitHub.URL,
			GitHubAppAuth: scaleset.GitHubAppAuth{
				ClientID:       c.GitHub.App.ClientID,
				InstallationID: c.GitHub.App.InstallationID,
				PrivateKey:     c.GitHub.App.PrivateKey,
			},
			SystemInfo: systemInfo(),
		})
	}

	return scaleset.NewClientWithPersonalAccessToken(scaleset.NewClientWithPersonalAccessTokenConfig{
		GitHubConfigURL:     c.GitHub.URL,
		PersonalAccessToken: c.GitHub.Token,
		SystemInfo:          systemInfo(),
	})
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// OTelSettings converts the otel section for otel.SetupOTelSDK.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus,

		ExportInterval: c.OTel.ExportInterval,
		Attributes: map[string]string{
			"ecsrunner.scheduler": c.Scheduler.Type,
			"ecsrunner.store":     c.Store.Type,
			"ecsrunner.registry":  c.Images.Registry,
		},
	}
}

// Backends names the configured backends for the health endpoint.
func (c *Config) Backends() health.Backends {
	return health.Backends{
		Scheduler: c.Scheduler.Type,
		Store:     c.Store.Type,
		Registry:  c.Images.Registry,
	}
}

// MetricsEnabled reports whether /metrics is mounted.
func (c *Config) MetricsEnabled() bool {
	return c.Server.Metrics == nil || *c.Server.Metrics
}

func trimLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
