package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/controller"
	"github.com/terrpan/ecsrunner/internal/runner"
)

const (
	testSecret   = "s3cr3t"
	queuedBody   = `{"action":"queued","workflow_job":{"id":7,"run_id":123,"name":"build","workflow_name":"ci","labels":["image:ubuntu-22.04","class:large"]},"repository":{"full_name":"org/repo"}}`
	scenarioBody = `{"action":"queued","workflow_job":{"labels":["image:ubuntu-22.04","class:large"]}}`
)

// ---------------------------------------------------------------------------
// Mock controller
// ---------------------------------------------------------------------------

type mockCreator struct {
	mu       sync.Mutex
	requests []controller.Request
	state    runner.State
	err      error
}

func (m *mockCreator) NewRunner(_ context.Context, req controller.Request) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &runner.Runner{ID: "r1", State: m.state, ImageTag: req.BaseImage, RunnerClass: req.Class}, nil
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type WebhookSuite struct {
	suite.Suite
	ctx     context.Context
	creator *mockCreator
	handler *Handler
}

func (s *WebhookSuite) SetupTest() {
	s.ctx = context.Background()
	s.creator = &mockCreator{state: runner.StateWaitingForJob}
	h, err := NewHandler(testSecret, s.creator, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(s.T(), err)
	s.handler = h
}

func TestWebhookSuite(t *testing.T) {
	suite.Run(t, new(WebhookSuite))
}

func (s *WebhookSuite) deliver(body string) Response {
	return s.handler.Handle(s.ctx, Envelope{
		Body:    body,
		Headers: map[string]string{"x-hub-signature-256": sign(testSecret, body)},
	})
}

func (s *WebhookSuite) TestQueued_TaskStarted() {
	resp := s.deliver(queuedBody)
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Contains(s.T(), resp.Body, `"runner_id":"r1"`)

	require.Len(s.T(), s.creator.requests, 1)
	assert.Equal(s.T(), controller.Request{
		Labels:     []string{"image:ubuntu-22.04", "class:large"},
		BaseImage:  "ubuntu-22.04",
		Class:      "large",
		WorkflowID: "123:build",
		JobID:      "build",
		Repository: "org/repo",
		Workflow:   "ci",
	}, s.creator.requests[0])
}

func (s *WebhookSuite) TestQueued_ImageBuilding() {
	s.creator.state = runner.StateImageCreating

	resp := s.deliver(scenarioBody)
	assert.Equal(s.T(), http.StatusAccepted, resp.StatusCode)

	req := s.creator.requests[0]
	assert.Equal(s.T(), "ubuntu-22.04", req.BaseImage)
	assert.Equal(s.T(), "large", req.Class)
	assert.Empty(s.T(), req.WorkflowID)
}

func (s *WebhookSuite) TestOtherActionIgnored() {
	resp := s.deliver(`{"action":"completed","workflow_job":{"labels":["image:x"]}}`)
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)
	assert.Empty(s.T(), s.creator.requests)
}

func (s *WebhookSuite) TestBadRequests() {
	cases := map[string]string{
		"empty":     "",
		"not json":  "{nope",
		"no job":    `{"action":"queued"}`,
		"no labels": `{"action":"queued","workflow_job":{"labels":[]}}`,
		"no image":  `{"action":"queued","workflow_job":{"labels":["self-hosted","class:large"]}}`,
	}
	for name, body := range cases {
		resp := s.deliver(body)
		assert.Equal(s.T(), http.StatusBadRequest, resp.StatusCode, name)
	}
	assert.Empty(s.T(), s.creator.requests)
}

func (s *WebhookSuite) TestSignature_WrongSecret() {
	resp := s.handler.Handle(s.ctx, Envelope{
		Body:    queuedBody,
		Headers: map[string]string{SignatureHeader: sign("other", queuedBody)},
	})
	assert.Equal(s.T(), http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(s.T(), s.creator.requests)
}

func (s *WebhookSuite) TestSignature_MutatedBody() {
	sig := sign(testSecret, queuedBody)
	mutated := []byte(queuedBody)
	mutated[len(mutated)-2] ^= 0x01

	resp := s.handler.Handle(s.ctx, Envelope{
		Body:    string(mutated),
		Headers: map[string]string{SignatureHeader: sig},
	})
	assert.Equal(s.T(), http.StatusUnauthorized, resp.StatusCode)
}

func (s *WebhookSuite) TestSignature_MissingOrWrongAlgorithm() {
	resp := s.handler.Handle(s.ctx, Envelope{Body: queuedBody, Headers: map[string]string{}})
	assert.Equal(s.T(), http.StatusUnauthorized, resp.StatusCode)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(queuedBody))
	resp = s.handler.Handle(s.ctx, Envelope{
		Body:    queuedBody,
		Headers: map[string]string{SignatureHeader: "sha1=" + hex.EncodeToString(mac.Sum(nil))},
	})
	assert.Equal(s.T(), http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(s.T(), s.creator.requests)
}

func (s *WebhookSuite) TestSignature_HeaderCaseInsensitive() {
	for _, name := range []string{"X-Hub-Signature-256", "x-hub-signature-256", "X-HUB-SIGNATURE-256"} {
		resp := s.handler.Handle(s.ctx, Envelope{
			Body:    queuedBody,
			Headers: map[string]string{name: sign(testSecret, queuedBody)},
		})
		assert.Equal(s.T(), http.StatusOK, resp.StatusCode, name)
	}
}

func (s *WebhookSuite) TestBase64Body() {
	resp := s.handler.Handle(s.ctx, Envelope{
		Body:            base64.StdEncoding.EncodeToString([]byte(queuedBody)),
		Headers:         map[string]string{SignatureHeader: sign(testSecret, queuedBody)},
		IsBase64Encoded: true,
	})
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)

	resp = s.handler.Handle(s.ctx, Envelope{
		Body:            "%%%",
		Headers:         map[string]string{SignatureHeader: sign(testSecret, "%%%")},
		IsBase64Encoded: true,
	})
	assert.Equal(s.T(), http.StatusBadRequest, resp.StatusCode)
}

func (s *WebhookSuite) TestUnsignedBodyNotDecoded() {
	for _, headers := range []map[string]string{
		nil,
		{SignatureHeader: "sha1=abc"},
	} {
		resp := s.handler.Handle(s.ctx, Envelope{Body: "%%%", Headers: headers, IsBase64Encoded: true})
		assert.Equal(s.T(), http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Empty(s.T(), s.creator.requests)
}

func (s *WebhookSuite) TestProvisioningFailure() {
	s.creator.err = apperrors.New("NewRunner", "r1", apperrors.ErrScheduler, errors.New("capacity"))
	assert.Equal(s.T(), http.StatusInternalServerError, s.deliver(queuedBody).StatusCode)

	s.creator.err = apperrors.New("NewRunner", "", apperrors.ErrValidation, errors.New("bad"))
	assert.Equal(s.T(), http.StatusBadRequest, s.deliver(queuedBody).StatusCode)
}

func TestEnvelopeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("payload"))
	req.Header.Set("X-Hub-Signature-256", "sha256=abc")

	env, err := EnvelopeFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "payload", env.Body)
	v, ok := Header(env.Headers, "x-hub-signature-256")
	assert.True(t, ok)
	assert.Equal(t, "sha256=abc", v)
}

func TestEnvelopeFromRequest_TooLarge(t *testing.T) {
	big := strings.NewReader(strings.Repeat("x", MaxBodyBytes+1))
	_, err := EnvelopeFromRequest(httptest.NewRequest(http.MethodPost, "/webhook", big))
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	b, err := ReadBody(strings.NewReader(strings.Repeat("x", MaxBodyBytes)))
	require.NoError(t, err)
	assert.Len(t, b, MaxBodyBytes)
}

func TestNewHandler_RequiresSecret(t *testing.T) {
	_, err := NewHandler("", &mockCreator{}, nil)
	assert.Error(t, err)
}

func TestRunKey(t *testing.T) {
	assert.Equal(t, "123:build", RunKey(123, "build"))
}
