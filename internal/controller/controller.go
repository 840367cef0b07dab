// Package controller is the runner lifecycle state machine.  Every inbound
// trigger (job webhook, image build completion, runner heartbeat, operator
// command) is handled by one Controller method that reads the runner
// record, decides the next state and persists it with a conditional write.
//
// Deliveries are at-least-once and unordered, so every write is guarded by
// the state the handler observed; a handler that loses the race drops its
// decision instead of overwriting a newer one.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/image"
	"github.com/terrpan/ecsrunner/internal/launcher"
	"github.com/terrpan/ecsrunner/internal/notify"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
)

// ImageResolver is satisfied by *image.Coordinator.
type ImageResolver interface {
	Resolve(ctx context.Context, runnerID, baseImage string) (image.Resolution, error)
}

// TaskLauncher is satisfied by *launcher.Launcher.
type TaskLauncher interface {
	Launch(ctx context.Context, spec launcher.Spec) (string, error)
	Terminate(ctx context.Context, taskID, reason string) error
}

// Config holds the controller's collaborators.
type Config struct {
	Store    store.Store
	Images   ImageResolver
	Launcher TaskLauncher

	// Notifier is told about every transition into FAILED.  Optional.
	Notifier notify.Notifier

	// DeleteAfterHandoff removes the record once a build hand-off has
	// launched its task, bounding table growth at the cost of losing the
	// heartbeat history for that runner.
	DeleteAfterHandoff bool

	// Now is the clock.  Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Controller implements the runner lifecycle.
type Controller struct {
	store              store.Store
	images             ImageResolver
	launcher           TaskLauncher
	notifier           notify.Notifier
	deleteAfterHandoff bool
	now                func() time.Time
	logger             *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersCreated   metric.Int64Counter
	tasksLaunched    metric.Int64Counter
	tasksTerminated  metric.Int64Counter
	imageBuilds      metric.Int64Counter
	stateTransitions metric.Int64Counter
	launchDuration   metric.Float64Histogram
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Images == nil || cfg.Launcher == nil {
		return nil, errors.New("controller: store, images and launcher are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		store:              cfg.Store,
		images:             cfg.Images,
		launcher:           cfg.Launcher,
		notifier:           cfg.Notifier,
		deleteAfterHandoff: cfg.DeleteAfterHandoff,
		now:                cfg.Now,
		logger:             cfg.Logger.WithGroup("controller"),
		tracer:             otel.Tracer("ecsrunner/controller"),
		meter:              otel.Meter("ecsrunner/controller"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	c.runnersCreated, err = c.meter.Int64Counter(
		"ecsrunner.runners.created",
		metric.WithDescription("Total number of runner records created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create runnersCreated counter", slog.String("error", err.Error()))
	}

	c.tasksLaunched, err = c.meter.Int64Counter(
		"ecsrunner.tasks.launched",
		metric.WithDescription("Total number of runner tasks launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create tasksLaunched counter", slog.String("error", err.Error()))
	}

	c.tasksTerminated, err = c.meter.Int64Counter(
		"ecsrunner.tasks.terminated",
		metric.WithDescription("Total number of runner tasks stopped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create tasksTerminated counter", slog.String("error", err.Error()))
	}

	c.imageBuilds, err = c.meter.Int64Counter(
		"ecsrunner.image.builds",
		metric.WithDescription("Total number of image builds triggered"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create imageBuilds counter", slog.String("error", err.Error()))
	}

	c.stateTransitions, err = c.meter.Int64Counter(
		"ecsrunner.state.transitions",
		metric.WithDescription("Total number of persisted runner state transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create stateTransitions counter", slog.String("error", err.Error()))
	}

	c.launchDuration, err = c.meter.Float64Histogram(
		"ecsrunner.task.launch.duration",
		metric.WithDescription("Time to launch a runner task (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 30, 60),
	)
	if err != nil {
		c.logger.Warn("failed to create launchDuration histogram", slog.String("error", err.Error()))
	}

	return c, nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// commit persists r, which the caller has already moved out of from.  It
// fails with ErrConflict when another writer got there first.
func (c *Controller) commit(ctx context.Context, r *runner.Runner, from runner.State) error {
	r.UpdatedAt = c.now().Unix()
	if err := c.store.PutIf(ctx, r, from); err != nil {
		return err
	}
	if from != r.State && c.stateTransitions != nil {
		c.stateTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(r.State)),
		))
	}
	return nil
}

// fail moves r from its observed state to FAILED, persists it and notifies.
// cause is returned unchanged so callers can surface it.
func (c *Controller) fail(ctx context.Context, r *runner.Runner, reason string, cause error) error {
	from := r.State
	r.State = runner.StateFailed
	r.FailureReason = reason
	r.CompletedAt = runner.Int64(c.now().Unix())

	if err := c.commit(ctx, r, from); err != nil {
		c.logger.Error("failed to persist FAILED state",
			slog.String("runner_id", r.ID),
			slog.String("from", string(from)),
			slog.String("error", err.Error()),
		)
		if cause == nil {
			return err
		}
		return cause
	}

	c.logger.Warn("runner failed",
		slog.String("runner_id", r.ID),
		slog.String("from", string(from)),
		slog.String("reason", reason),
	)
	if err := c.notifier.RunnerFailed(ctx, notify.Failure{
		RunnerID: r.ID,
		Reason:   reason,
		Labels:   r.Labels,
		TaskID:   r.TaskID,
	}); err != nil {
		c.logger.Warn("failure notification not delivered",
			slog.String("runner_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// launch starts a task for r and records launch metrics.
func (c *Controller) launch(ctx context.Context, r *runner.Runner, imageURI string) (string, error) {
	start := c.now()
	taskID, err := c.launcher.Launch(ctx, launcher.Spec{
		RunnerID:   r.ID,
		ImageURI:   imageURI,
		ImageTag:   r.ImageTag,
		Labels:     r.Labels,
		Class:      r.RunnerClass,
		WorkflowID: r.WorkflowID,
	})
	if err != nil {
		return "", err
	}

	if c.launchDuration != nil {
		c.launchDuration.Record(ctx, c.now().Sub(start).Seconds())
	}
	if c.tasksLaunched != nil {
		c.tasksLaunched.Add(ctx, 1)
	}
	return taskID, nil
}

// terminate stops taskID, logging instead of failing.  It reports whether
// the stop call succeeded.
func (c *Controller) terminate(ctx context.Context, runnerID, taskID, reason string) bool {
	if err := c.launcher.Terminate(ctx, taskID, reason); err != nil {
		c.logger.Error("failed to stop runner task",
			slog.String("runner_id", runnerID),
			slog.String("task_id", taskID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return false
	}
	if c.tasksTerminated != nil {
		c.tasksTerminated.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return true
}

func (c *Controller) get(ctx context.Context, op, id string) (*runner.Runner, error) {
	if id == "" {
		return nil, apperrors.New(op, "", apperrors.ErrValidation, errors.New("missing runner_id"))
	}
	r, err := c.store.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, err
		}
		return nil, apperrors.New(op, id, apperrors.ErrStore, err)
	}
	return r, nil
}
