// Package events routes EventBridge-shaped envelopes to the controller.
// Runner heartbeats arrive as "runner-status" events, image builds report
// back as "image-build" events, and anything else is a webhook delivery.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/controller"
	"github.com/terrpan/ecsrunner/internal/webhook"
)

// Detail types.
const (
	TypeRunnerStatus = "runner-status"
	TypeImageBuild   = "image-build"
)

// Source is the event source runners publish heartbeats under.
const Source = "ecs-runner"

// Envelope is the outer event.
type Envelope struct {
	Source     string          `json:"source,omitempty"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// StatusDetail is a runner heartbeat.
type StatusDetail struct {
	RunnerID      string      `json:"runner_id"`
	Status        string      `json:"status"`
	Timestamp     json.Number `json:"timestamp,omitempty"`
	WorkflowJobID string      `json:"workflow_job_id,omitempty"`
	Repository    string      `json:"repository,omitempty"`
	Workflow      string      `json:"workflow,omitempty"`
	Job           string      `json:"job,omitempty"`
}

// BuildDetail reports an image build result.  Older build projects send
// the runner id as build_id.
type BuildDetail struct {
	RunnerID string `json:"runner_id,omitempty"`
	BuildID  string `json:"build_id,omitempty"`
	ImageURI string `json:"image_uri,omitempty"`
	Status   string `json:"status"`
}

// Controller is the subset of *controller.Controller events drive.
type Controller interface {
	OnStatus(ctx context.Context, ev controller.StatusEvent) error
	OnImageBuildComplete(ctx context.Context, ev controller.BuildEvent) error
}

// WebhookHandler is satisfied by *webhook.Handler.
type WebhookHandler interface {
	Handle(ctx context.Context, env webhook.Envelope) webhook.Response
}

// Router dispatches raw events.
type Router struct {
	ctrl    Controller
	webhook WebhookHandler
	logger  *slog.Logger
}

// NewRouter returns a Router.  hook may be nil when webhooks are not
// accepted on this path.
func NewRouter(ctrl Controller, hook WebhookHandler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{ctrl: ctrl, webhook: hook, logger: logger.WithGroup("events")}
}

// Dispatch handles one raw event.
func (r *Router) Dispatch(ctx context.Context, raw []byte) webhook.Response {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return response(http.StatusBadRequest, "malformed event")
	}

	switch env.DetailType {
	case TypeRunnerStatus:
		var d StatusDetail
		if err := decodeDetail(env.Detail, &d); err != nil {
			return response(http.StatusBadRequest, err.Error())
		}
		return r.status(ctx, d)

	case TypeImageBuild:
		var d BuildDetail
		if err := decodeDetail(env.Detail, &d); err != nil {
			return response(http.StatusBadRequest, err.Error())
		}
		return r.build(ctx, d)

	default:
		if r.webhook == nil {
			return response(http.StatusBadRequest, "unsupported event")
		}
		var w webhook.Envelope
		if err := json.Unmarshal(raw, &w); err != nil {
			return response(http.StatusBadRequest, "malformed webhook envelope")
		}
		return r.webhook.Handle(ctx, w)
	}
}

func (r *Router) status(ctx context.Context, d StatusDetail) webhook.Response {
	var ts int64
	if d.Timestamp != "" {
		v, err := d.Timestamp.Int64()
		if err != nil {
			return response(http.StatusBadRequest, "invalid timestamp")
		}
		ts = v
	}

	err := r.ctrl.OnStatus(ctx, controller.StatusEvent{
		RunnerID:      d.RunnerID,
		Status:        d.Status,
		Timestamp:     ts,
		WorkflowJobID: d.WorkflowJobID,
		Repository:    d.Repository,
		Workflow:      d.Workflow,
		Job:           d.Job,
	})
	return r.result(err, d.RunnerID, "status updated")
}

func (r *Router) build(ctx context.Context, d BuildDetail) webhook.Response {
	id := d.RunnerID
	if id == "" {
		id = d.BuildID
	}
	if id == "" {
		return response(http.StatusBadRequest, "missing runner_id")
	}

	err := r.ctrl.OnImageBuildComplete(ctx, controller.BuildEvent{
		RunnerID: id,
		ImageURI: d.ImageURI,
		Status:   d.Status,
	})
	return r.result(err, id, "build processed")
}

// result maps a controller error onto a response.  Unknown runners are
// acknowledged: redelivering the event cannot make the record appear.
func (r *Router) result(err error, runnerID, ok string) webhook.Response {
	switch {
	case err == nil:
		return response(http.StatusOK, ok)
	case apperrors.IsNotFound(err):
		r.logger.Warn("event for unknown runner dropped", slog.String("runner_id", runnerID))
		return response(http.StatusOK, "no entry")
	case errors.Is(err, apperrors.ErrValidation):
		return response(http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("event handling failed",
			slog.String("runner_id", runnerID),
			slog.String("error", err.Error()),
		)
		return response(http.StatusInternalServerError, "internal error")
	}
}

// decodeDetail accepts the detail either as a JSON object or as a string
// holding one.
func decodeDetail(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("missing detail")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("invalid detail: %w", err)
		}
		raw = []byte(s)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid detail: %w", err)
	}
	return nil
}

func response(status int, msg string) webhook.Response {
	b, _ := json.Marshal(map[string]string{"message": msg})
	return webhook.Response{StatusCode: status, Body: string(b)}
}
