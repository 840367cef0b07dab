// Package image resolves the container image a runner needs and, when the
// registry does not have it yet, kicks off an asynchronous build.
package image

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
)

// Registry reports whether a tagged runner image exists.
type Registry interface {
	// ImageURI returns the pullable URI for tag and whether it exists.
	// A missing image is not an error.
	ImageURI(ctx context.Context, tag string) (string, bool, error)
}

// Static is a Registry that treats every tag as present under a fixed
// repository.  It suits local schedulers that pull prebuilt images.
type Static struct {
	Repository string
}

// Compile-time check.
var _ Registry = Static{}

// ImageURI implements Registry.
func (s Static) ImageURI(_ context.Context, tag string) (string, bool, error) {
	if s.Repository == "" {
		return tag, true, nil
	}
	return s.Repository + ":" + tag, true, nil
}

// BuildRequest describes one image build.
type BuildRequest struct {
	BaseImage  string
	Tag        string
	Repository string
	RunnerID   string
	EventBus   string
}

// Builder starts image builds.  Completion is reported out of band through
// an image-build event carrying the runner id.
type Builder interface {
	StartBuild(ctx context.Context, req BuildRequest) (string, error)
}

// Resolution is the outcome of Resolve.  Exactly one of ImageURI or Pending
// is meaningful.
type Resolution struct {
	Tag      string
	ImageURI string
	Pending  bool
	BuildID  string
}

// Config holds the coordinator's collaborators.  Builder may be nil, in
// which case missing images cannot be provisioned.
type Config struct {
	Registry   Registry
	Builder    Builder
	Repository string
	EventBus   string
	Logger     *slog.Logger
}

// Coordinator implements the registry-then-build lookup.
type Coordinator struct {
	registry   Registry
	builder    Builder
	repository string
	eventBus   string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewCoordinator returns a Coordinator.  Registry is required.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("image: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		registry:   cfg.Registry,
		builder:    cfg.Builder,
		repository: cfg.Repository,
		eventBus:   cfg.EventBus,
		logger:     cfg.Logger.WithGroup("image"),
		tracer:     otel.Tracer("ecsrunner/image"),
	}, nil
}

// Resolve looks up the sanitized tag for baseImage.  A hit returns the
// image URI; a miss starts a build and returns a pending resolution.
func (c *Coordinator) Resolve(ctx context.Context, runnerID, baseImage string) (Resolution, error) {
	ctx, span := c.tracer.Start(ctx, "image.Resolve")
	defer span.End()

	tag := runner.SanitizeTag(baseImage)
	span.SetAttributes(
		attribute.String("runner.id", runnerID),
		attribute.String("image.tag", tag),
	)

	uri, ok, err := c.registry.ImageURI(ctx, tag)
	if err != nil {
		return Resolution{Tag: tag}, apperrors.New("Resolve", runnerID, apperrors.ErrRegistry, err)
	}
	if ok {
		c.logger.Debug("image present",
			slog.String("runner_id", runnerID),
			slog.String("tag", tag),
		)
		return Resolution{Tag: tag, ImageURI: uri}, nil
	}

	if c.builder == nil {
		return Resolution{Tag: tag}, apperrors.New("Resolve", runnerID, apperrors.ErrBuildService,
			errors.New("image "+tag+" missing and no builder configured"))
	}

	buildID, err := c.builder.StartBuild(ctx, BuildRequest{
		BaseImage:  baseImage,
		Tag:        tag,
		Repository: c.repository,
		RunnerID:   runnerID,
		EventBus:   c.eventBus,
	})
	if err != nil {
		return Resolution{Tag: tag}, apperrors.New("Resolve", runnerID, apperrors.ErrBuildService, err)
	}

	span.SetAttributes(attribute.String("image.build_id", buildID))
	c.logger.Info("image build started",
		slog.String("runner_id", runnerID),
		slog.String("tag", tag),
		slog.String("base_image", baseImage),
		slog.String("build_id", buildID),
	)
	return Resolution{Tag: tag, Pending: true, BuildID: buildID}, nil
}
