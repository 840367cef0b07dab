// Package webhook turns signed GitHub workflow_job deliveries into runner
// requests.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/controller"
	"github.com/terrpan/ecsrunner/internal/runner"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// MaxBodyBytes bounds a delivery.  GitHub caps webhook payloads at 25 MB.
const MaxBodyBytes = 25 << 20

// ErrBodyTooLarge is returned for deliveries over MaxBodyBytes.
var ErrBodyTooLarge = errors.New("body exceeds 25 MB")

// ActionQueued is the only workflow_job action that provisions a runner.
const ActionQueued = "queued"

// Envelope is an HTTP-shaped delivery: the raw body, its headers and
// whether the body was base64-encoded in transit.
type Envelope struct {
	Body            string            `json:"body"`
	Headers         map[string]string `json:"headers"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
}

// Response is the status and body returned to the sender.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// RunnerCreator is satisfied by *controller.Controller.
type RunnerCreator interface {
	NewRunner(ctx context.Context, req controller.Request) (*runner.Runner, error)
}

// Handler validates deliveries and forwards queued jobs to the controller.
type Handler struct {
	secret  []byte
	creator RunnerCreator
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewHandler returns a Handler verifying signatures with secret.
func NewHandler(secret string, creator RunnerCreator, logger *slog.Logger) (*Handler, error) {
	if secret == "" {
		return nil, errors.New("webhook: secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:  []byte(secret),
		creator: creator,
		logger:  logger.WithGroup("webhook"),
		tracer:  otel.Tracer("ecsrunner/webhook"),
	}, nil
}

// Header returns the value of name in headers, ignoring case.
func Header(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// signature returns the well-formed signature header or an ErrAuth error.
func signature(headers map[string]string) (string, error) {
	sig, ok := Header(headers, SignatureHeader)
	if !ok || sig == "" {
		return "", apperrors.New("Verify", "", apperrors.ErrAuth, errors.New("missing signature"))
	}
	if !strings.HasPrefix(sig, signaturePrefix) {
		return "", apperrors.New("Verify", "", apperrors.ErrAuth, errors.New("signature is not sha256"))
	}
	return sig, nil
}

// Verify checks the signature header against body.  The comparison is
// constant time.
func (h *Handler) Verify(headers map[string]string, body []byte) error {
	sig, err := signature(headers)
	if err != nil {
		return err
	}
	if err := gh.ValidateSignature(sig, body, h.secret); err != nil {
		return apperrors.New("Verify", "", apperrors.ErrAuth, err)
	}
	return nil
}

// Handle processes one delivery.
func (h *Handler) Handle(ctx context.Context, env Envelope) Response {
	ctx, span := h.tracer.Start(ctx, "webhook.Handle")
	defer span.End()

	// Nothing touches the body of a delivery without a usable signature.
	if _, err := signature(env.Headers); err != nil {
		h.logger.Warn("rejected delivery", slog.String("error", err.Error()))
		return respond(http.StatusUnauthorized, "invalid signature")
	}

	body := []byte(env.Body)
	if env.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return respond(http.StatusBadRequest, "body is not valid base64")
		}
		body = decoded
	}

	if err := h.Verify(env.Headers, body); err != nil {
		h.logger.Warn("rejected delivery", slog.String("error", err.Error()))
		return respond(http.StatusUnauthorized, "invalid signature")
	}

	if len(body) == 0 {
		return respond(http.StatusBadRequest, "empty body")
	}

	var ev gh.WorkflowJobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return respond(http.StatusBadRequest, "malformed payload")
	}

	action := ev.GetAction()
	span.SetAttributes(attribute.String("webhook.action", action))
	if action != ActionQueued {
		return respond(http.StatusOK, "ignored action "+action)
	}

	job := ev.GetWorkflowJob()
	if job == nil {
		return respond(http.StatusBadRequest, "missing workflow_job")
	}
	if len(job.Labels) == 0 {
		return respond(http.StatusBadRequest, "missing labels")
	}
	sel := runner.ParseLabels(job.Labels)
	if sel.Image == "" {
		return respond(http.StatusBadRequest, "missing image label")
	}

	req := controller.Request{
		Labels:     job.Labels,
		BaseImage:  sel.Image,
		Class:      sel.Class,
		JobID:      job.GetName(),
		Repository: ev.GetRepo().GetFullName(),
		Workflow:   job.GetWorkflowName(),
	}
	if job.GetRunID() != 0 {
		req.WorkflowID = RunKey(job.GetRunID(), job.GetName())
	}

	r, err := h.creator.NewRunner(ctx, req)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return respond(http.StatusBadRequest, "invalid request")
		}
		h.logger.Error("runner provisioning failed",
			slog.String("workflow_job_id", req.WorkflowID),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, "provisioning failed")
	}

	span.SetAttributes(
		attribute.String("runner.id", r.ID),
		attribute.String("runner.state", string(r.State)),
	)
	if r.State == runner.StateImageCreating {
		return respondRunner(http.StatusAccepted, "image build in progress", r.ID)
	}
	return respondRunner(http.StatusOK, "runner started", r.ID)
}

// RunKey correlates a runner with its workflow job.
func RunKey(runID int64, job string) string {
	return fmt.Sprintf("%d:%s", runID, job)
}

// EnvelopeFromRequest reads an HTTP request into an Envelope.  Bodies
// larger than MaxBodyBytes fail with ErrBodyTooLarge.
func EnvelopeFromRequest(r *http.Request) (Envelope, error) {
	body, err := ReadBody(r.Body)
	if err != nil {
		return Envelope{}, err
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	return Envelope{Body: string(body), Headers: headers}, nil
}

// ReadBody reads at most MaxBodyBytes from body.
func ReadBody(body io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(b) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

func respond(status int, msg string) Response {
	return respondRunner(status, msg, "")
}

func respondRunner(status int, msg, runnerID string) Response {
	payload := struct {
		Message  string `json:"message"`
		RunnerID string `json:"runner_id,omitempty"`
	}{msg, runnerID}
	b, _ := json.Marshal(payload)
	return Response{StatusCode: status, Body: string(b)}
}
