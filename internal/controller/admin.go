package controller

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
)

// MarkIdle resets a runner that has not started a job back to
// WAITING_FOR_JOB and clears its job correlation.  RUNNING and terminal
// runners are refused with ErrConflict.
func (c *Controller) MarkIdle(ctx context.Context, id string) (*runner.Runner, error) {
	ctx, span := c.tracer.Start(ctx, "controller.MarkIdle")
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", id))

	r, err := c.get(ctx, "MarkIdle", id)
	if err != nil {
		return nil, err
	}

	from := r.State
	if from == runner.StateRunning || from.IsTerminal() {
		return r, apperrors.New("MarkIdle", id, apperrors.ErrConflict,
			errors.New("runner is "+string(from)))
	}

	r.State = runner.StateWaitingForJob
	r.WorkflowID = ""
	r.StartedAt = nil
	r.CompletedAt = nil
	if err := c.commit(ctx, r, from); err != nil {
		if apperrors.IsConflict(err) {
			return nil, err
		}
		return nil, apperrors.New("MarkIdle", id, apperrors.ErrStore, err)
	}

	c.logger.Info("runner marked idle",
		slog.String("runner_id", id),
		slog.String("from", string(from)),
	)
	return r, nil
}

// Terminate stops the runner's task (if any) and marks a non-terminal
// runner OFFLINE.  Terminal runners keep their state; a task id left over
// from a failed stop is retried.
func (c *Controller) Terminate(ctx context.Context, id, reason string) (*runner.Runner, error) {
	ctx, span := c.tracer.Start(ctx, "controller.Terminate")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.id", id),
		attribute.String("reason", reason),
	)

	r, err := c.get(ctx, "Terminate", id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "terminated by operator"
	}

	from := r.State
	var stopErr error
	if r.TaskID != "" {
		if err := c.launcher.Terminate(ctx, r.TaskID, reason); err != nil {
			stopErr = err
		} else {
			if c.tasksTerminated != nil {
				c.tasksTerminated.Add(ctx, 1)
			}
			r.TaskID = ""
		}
	}

	if !from.IsTerminal() {
		r.State = runner.StateOffline
		r.CompletedAt = runner.Int64(c.now().Unix())
	}
	if err := c.commit(ctx, r, from); err != nil {
		if apperrors.IsConflict(err) {
			return nil, err
		}
		return nil, apperrors.New("Terminate", id, apperrors.ErrStore, err)
	}

	c.logger.Info("runner terminated",
		slog.String("runner_id", id),
		slog.String("from", string(from)),
		slog.String("reason", reason),
	)
	if stopErr != nil {
		return r, stopErr
	}
	return r, nil
}
