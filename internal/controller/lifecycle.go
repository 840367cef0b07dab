package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
)

// BuildSucceeded is the build status that hands a runner over to launch.
const BuildSucceeded = "SUCCEEDED"

// Request asks for one new runner.
type Request struct {
	Labels    []string
	BaseImage string
	Class     string

	// Correlation with the triggering job; all optional.
	WorkflowID string
	JobID      string
	Repository string
	Workflow   string
}

// BuildEvent reports the end of an image build started for a runner.
type BuildEvent struct {
	RunnerID string
	ImageURI string
	Status   string
}

// NewRunner creates a runner record for req and drives it as far as it can
// go synchronously: either to WAITING_FOR_JOB with a launched task, or to
// IMAGE_CREATING while a build runs.
//
// The returned record reflects the persisted state and is non-nil whenever
// a record was written, including on provisioning failure (state FAILED).
func (c *Controller) NewRunner(ctx context.Context, req Request) (*runner.Runner, error) {
	ctx, span := c.tracer.Start(ctx, "controller.NewRunner")
	defer span.End()

	if req.BaseImage == "" {
		return nil, apperrors.New("NewRunner", "", apperrors.ErrValidation, errors.New("no image label"))
	}

	r, err := runner.New(req.Labels, req.BaseImage, req.Class, c.now())
	if err != nil {
		return nil, apperrors.New("NewRunner", "", apperrors.ErrStore, err)
	}
	r.WorkflowID = req.WorkflowID
	r.JobID = req.JobID
	r.Repository = req.Repository
	r.Workflow = req.Workflow

	span.SetAttributes(
		attribute.String("runner.id", r.ID),
		attribute.String("runner.image", r.ImageTag),
		attribute.String("runner.class", r.RunnerClass),
	)

	if err := c.store.Put(ctx, r); err != nil {
		return nil, apperrors.New("NewRunner", r.ID, apperrors.ErrStore, err)
	}
	if c.runnersCreated != nil {
		c.runnersCreated.Add(ctx, 1)
	}
	c.logger.Info("runner requested",
		slog.String("runner_id", r.ID),
		slog.String("image", r.ImageTag),
		slog.String("class", r.RunnerClass),
		slog.String("workflow_job_id", r.WorkflowID),
	)

	res, err := c.images.Resolve(ctx, r.ID, r.ImageTag)
	if err != nil {
		return r, c.fail(ctx, r, "image resolution failed: "+err.Error(), err)
	}

	if res.Pending {
		if c.imageBuilds != nil {
			c.imageBuilds.Add(ctx, 1)
		}
		r.State = runner.StateImageCreating
		r.BuildID = res.BuildID
		if err := c.commit(ctx, r, runner.StateStarting); err != nil {
			return r, apperrors.New("NewRunner", r.ID, apperrors.ErrStore, err)
		}
		span.SetAttributes(attribute.String("runner.state", string(r.State)))
		return r, nil
	}

	if err := c.launchAndCommit(ctx, r, res.ImageURI, runner.StateStarting); err != nil {
		return r, err
	}
	span.SetAttributes(attribute.String("runner.state", string(r.State)))
	return r, nil
}

// OnImageBuildComplete resumes a runner parked in IMAGE_CREATING.  Events
// for runners in any other state are acknowledged and ignored, which makes
// redelivery harmless.
func (c *Controller) OnImageBuildComplete(ctx context.Context, ev BuildEvent) error {
	ctx, span := c.tracer.Start(ctx, "controller.OnImageBuildComplete")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.id", ev.RunnerID),
		attribute.String("build.status", ev.Status),
	)

	r, err := c.get(ctx, "OnImageBuildComplete", ev.RunnerID)
	if err != nil {
		return err
	}

	if r.State != runner.StateImageCreating {
		c.logger.Debug("ignoring build event for runner not awaiting an image",
			slog.String("runner_id", r.ID),
			slog.String("state", string(r.State)),
		)
		return nil
	}

	if !strings.EqualFold(ev.Status, BuildSucceeded) {
		return c.failBuild(ctx, r, fmt.Sprintf("image build %s", ev.Status))
	}
	if ev.ImageURI == "" {
		return c.failBuild(ctx, r, "image build reported no image")
	}

	if err := c.launchAndCommit(ctx, r, ev.ImageURI, runner.StateImageCreating); err != nil {
		return err
	}

	if c.deleteAfterHandoff {
		if err := c.store.Delete(ctx, r.ID); err != nil {
			c.logger.Warn("failed to delete handed-off runner record",
				slog.String("runner_id", r.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// failBuild marks r FAILED after an unusable build.  Losing the write to a
// concurrent event is a no-op; any other store error is returned so the
// event is redelivered.
func (c *Controller) failBuild(ctx context.Context, r *runner.Runner, reason string) error {
	err := c.fail(ctx, r, reason, nil)
	if err == nil || apperrors.IsConflict(err) {
		return nil
	}
	return apperrors.New("OnImageBuildComplete", r.ID, apperrors.ErrStore, err)
}

// launchAndCommit launches r's task and moves r from `from` to
// WAITING_FOR_JOB.  A launch failure marks r FAILED.  If the record moved
// on while the task was starting, the freshly launched task is stopped so
// it cannot run untracked.
func (c *Controller) launchAndCommit(ctx context.Context, r *runner.Runner, imageURI string, from runner.State) error {
	taskID, err := c.launch(ctx, r, imageURI)
	if err != nil {
		return c.fail(ctx, r, "launch failed: "+err.Error(), err)
	}

	r.State = runner.StateWaitingForJob
	r.TaskID = taskID
	if err := c.commit(ctx, r, from); err != nil {
		c.terminate(ctx, r.ID, taskID, "superseded")
		r.TaskID = ""
		if apperrors.IsConflict(err) {
			c.logger.Warn("runner changed during launch, stopped orphan task",
				slog.String("runner_id", r.ID),
				slog.String("task_id", taskID),
			)
			return nil
		}
		return apperrors.New("launch", r.ID, apperrors.ErrStore, err)
	}

	c.logger.Info("runner waiting for job",
		slog.String("runner_id", r.ID),
		slog.String("task_id", taskID),
	)
	return nil
}
