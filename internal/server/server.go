// Package server exposes the control plane over HTTP: GitHub webhook
// deliveries, runner and build events, health, metrics and a read-only view
// of the runner table.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/events"
	"github.com/terrpan/ecsrunner/internal/health"
	"github.com/terrpan/ecsrunner/internal/store"
	"github.com/terrpan/ecsrunner/internal/webhook"
)

// WebhookHandler is satisfied by *webhook.Handler.
type WebhookHandler interface {
	Handle(ctx context.Context, env webhook.Envelope) webhook.Response
}

// EventDispatcher is satisfied by *events.Router.
type EventDispatcher interface {
	Dispatch(ctx context.Context, raw []byte) webhook.Response
}

// Compile-time checks.
var (
	_ WebhookHandler  = (*webhook.Handler)(nil)
	_ EventDispatcher = (*events.Router)(nil)
)

// Config wires the server's collaborators.  Webhook and Events are
// optional; their routes answer 404 when unset.
type Config struct {
	Webhook  WebhookHandler
	Events   EventDispatcher
	Store    store.Store
	Backends health.Backends

	// Metrics mounts promhttp on /metrics.
	Metrics bool

	Logger *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger.WithGroup("server")}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.Handler(s.cfg.Backends))
	r.Get("/readyz", health.ReadyHandler(map[string]health.Check{
		"store": health.StoreCheck(s.cfg.Store),
	}))
	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	if s.cfg.Webhook != nil {
		r.Post("/webhook", s.handleWebhook)
	}
	if s.cfg.Events != nil {
		r.Post("/events", s.handleEvent)
	}
	r.Route("/runners", func(r chi.Router) {
		r.Get("/", s.listRunners)
		r.Get("/{id}", s.getRunner)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	env, err := webhook.EnvelopeFromRequest(r)
	if err != nil {
		writeJSON(w, bodyErrorStatus(err), message(err.Error()))
		return
	}
	writeResponse(w, s.cfg.Webhook.Handle(r.Context(), env))
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := webhook.ReadBody(r.Body)
	if err != nil {
		writeJSON(w, bodyErrorStatus(err), message(err.Error()))
		return
	}
	writeResponse(w, s.cfg.Events.Dispatch(r.Context(), body))
}

func bodyErrorStatus(err error) int {
	if errors.Is(err, webhook.ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := store.List(r.Context(), s.cfg.Store)
	if err != nil {
		s.logger.Error("list runners", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, message("failed to list runners"))
		return
	}
	if runners == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, runners)
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.cfg.Store.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case apperrors.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, message("runner not found"))
	default:
		s.logger.Error("get runner", slog.String("runner_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, message("failed to read runner"))
	}
}

// ---------------------------------------------------------------------------
// Middleware & helpers
// ---------------------------------------------------------------------------

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func message(msg string) map[string]string {
	return map[string]string{"message": msg}
}

func writeResponse(w http.ResponseWriter, resp webhook.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
