package controller

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
)

// Status is the heartbeat vocabulary a runner reports.
type Status string

const (
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusOffline   Status = "offline"
	StatusCompleted Status = "completed"
)

// ParseStatus validates a reported status.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusRunning, StatusIdle, StatusOffline, StatusCompleted:
		return s, nil
	}
	return "", fmt.Errorf("unknown runner status %q", v)
}

// StatusEvent is a heartbeat from a runner.
type StatusEvent struct {
	RunnerID string
	Status   string

	// Timestamp is the Unix time the runner observed Status.  Zero means
	// "now".
	Timestamp int64

	WorkflowJobID string
	Repository    string
	Workflow      string
	Job           string
}

// OnStatus applies a heartbeat.  The observed status and timestamp are
// always recorded; the state only moves forward:
//
//	WAITING_FOR_JOB | RUNNING  --running-->   RUNNING
//	WAITING_FOR_JOB | RUNNING  --offline-->   OFFLINE
//	WAITING_FOR_JOB | RUNNING  --completed--> OFFLINE (task stopped)
//
// idle never changes state, and runners still being provisioned or
// already terminal only have the heartbeat recorded.
func (c *Controller) OnStatus(ctx context.Context, ev StatusEvent) error {
	ctx, span := c.tracer.Start(ctx, "controller.OnStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.id", ev.RunnerID),
		attribute.String("runner.status", ev.Status),
	)

	status, err := ParseStatus(ev.Status)
	if err != nil {
		return apperrors.New("OnStatus", ev.RunnerID, apperrors.ErrValidation, err)
	}

	r, err := c.get(ctx, "OnStatus", ev.RunnerID)
	if err != nil {
		return err
	}

	ts := ev.Timestamp
	if ts == 0 {
		ts = c.now().Unix()
	}

	from := r.State
	r.LastHeartbeat = runner.Int64(ts)
	r.JobStatus = string(status)

	active := from == runner.StateWaitingForJob || from == runner.StateRunning
	stopTask := ""

	switch {
	case !active:
		// heartbeat only
	case status == StatusRunning:
		r.State = runner.StateRunning
		if r.StartedAt == nil {
			r.StartedAt = runner.Int64(ts)
		}
		correlate(r, ev)
	case status == StatusOffline:
		r.State = runner.StateOffline
		r.CompletedAt = runner.Int64(ts)
	case status == StatusCompleted:
		r.State = runner.StateOffline
		r.CompletedAt = runner.Int64(ts)
		stopTask = r.TaskID
		correlate(r, ev)
	}

	if err := c.commit(ctx, r, from); err != nil {
		if apperrors.IsConflict(err) {
			// A concurrent event already moved the runner; this heartbeat
			// is stale.
			c.logger.Debug("dropping stale heartbeat",
				slog.String("runner_id", r.ID),
				slog.String("status", string(status)),
			)
			return nil
		}
		return apperrors.New("OnStatus", r.ID, apperrors.ErrStore, err)
	}

	if from != r.State {
		c.logger.Info("runner state changed",
			slog.String("runner_id", r.ID),
			slog.String("from", string(from)),
			slog.String("to", string(r.State)),
			slog.String("workflow_job_id", r.WorkflowID),
		)
	}

	// Only the writer that won the transition to OFFLINE gets here with a
	// task to stop, so the stop is issued once per runner.
	if stopTask != "" && c.terminate(ctx, r.ID, stopTask, "job completed") {
		r.TaskID = ""
		if err := c.commit(ctx, r, r.State); err != nil {
			c.logger.Warn("failed to clear task id after stop",
				slog.String("runner_id", r.ID),
				slog.String("task_id", stopTask),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func correlate(r *runner.Runner, ev StatusEvent) {
	if ev.WorkflowJobID != "" {
		r.WorkflowID = ev.WorkflowJobID
	}
	if ev.Repository != "" {
		r.Repository = ev.Repository
	}
	if ev.Workflow != "" {
		r.Workflow = ev.Workflow
	}
	if ev.Job != "" {
		r.JobID = ev.Job
	}
}
