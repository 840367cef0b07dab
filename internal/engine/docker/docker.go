// Package docker implements the engine.Engine interface using a local
// Docker daemon, running each ephemeral runner as a container.  It is
// meant for development and single-host deployments.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ecsrunner/internal/engine"
)

// Config holds Docker-specific settings.
type Config struct {
	// Cmd overrides the image's default command (optional).
	Cmd []string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container.  This
	// allows workflows to run Docker commands (docker build, docker
	// compose, container actions, etc.).
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool

	// Network attaches runner containers to a user-defined network
	// (optional).
	Network string
}

// dockerAPI is the subset of *dockerclient.Client the engine uses.
type dockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...dockerclient.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Engine manages runners as Docker containers.
type Engine struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine connected to the daemon named by the
// DOCKER_HOST environment (or the default socket).
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newEngine(client, cfg, logger), nil
}

func newEngine(client dockerAPI, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ecsrunner/engine/docker"),
	}
}

// EnsureTemplate makes sure imageURI is present locally, pulling it when
// missing.  The image reference itself is the template.
func (e *Engine) EnsureTemplate(ctx context.Context, family, imageURI string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.EnsureTemplate")
	defer span.End()

	span.SetAttributes(
		attribute.String("docker.family", family),
		attribute.String("docker.image", imageURI),
	)

	if _, err := e.client.ImageInspect(ctx, imageURI); err == nil {
		return imageURI, nil
	} else if !dockerclient.IsErrNotFound(err) {
		return "", fmt.Errorf("image inspect %s: %w", imageURI, err)
	}

	e.logger.Info("pulling runner image", slog.String("image", imageURI))

	pull, err := e.client.ImagePull(ctx, imageURI, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("image pull %s: %w", imageURI, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		_ = pull.Close()
		return "", fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return "", fmt.Errorf("closing image pull stream: %w", err)
	}

	e.logger.Info("runner image ready", slog.String("image", imageURI))
	return imageURI, nil
}

// RunTask creates and starts a runner container.
func (e *Engine) RunTask(ctx context.Context, spec engine.TaskSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.RunTask")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("docker.image", spec.Template),
	)

	env := engine.SortedEnv(spec.Env)
	hostCfg := &container.HostConfig{}
	if spec.Size != nil {
		// 1024 scheduler CPU units = one core.
		hostCfg.Resources.NanoCPUs = int64(spec.Size.CPU) * 1_000_000_000 / 1024
		hostCfg.Resources.Memory = int64(spec.Size.Memory) * 1024 * 1024
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does.  Running as root works on both.
	user := ""
	if e.cfg.Dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
	}

	if e.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(e.cfg.Network)
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  spec.Template,
			User:   user,
			Cmd:    e.cfg.Cmd,
			Env:    env,
			Labels: spec.Tags,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	span.SetAttributes(attribute.String("docker.container_id", resp.ID))
	e.logger.Info("runner container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)
	return resp.ID, nil
}

// StopTask force-removes the container, permanently destroying the
// runner.  A container that no longer exists counts as removed.
func (e *Engine) StopTask(ctx context.Context, taskID, reason string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.StopTask")
	defer span.End()

	span.SetAttributes(
		attribute.String("docker.container_id", taskID),
		attribute.String("docker.stop_reason", reason),
	)

	e.logger.Info("removing runner container",
		slog.String("containerID", taskID),
		slog.String("reason", reason),
	)

	if err := e.client.ContainerRemove(ctx, taskID, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			span.AddEvent("container already removed (idempotent)")
			return nil
		}
		return fmt.Errorf("container remove %s: %w", taskID, err)
	}
	return nil
}
