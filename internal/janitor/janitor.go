// Package janitor reconciles runners that outlived their TTL.  It is
// stateless: every sweep reads the store from scratch, so any number of
// sweeps may run and a crashed sweep is simply retried by the next one.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/notify"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
)

// Defaults.
const (
	DefaultTTL      = time.Hour
	DefaultSchedule = "@every 5m"
)

// Terminator stops scheduler tasks.  *launcher.Launcher satisfies it.
type Terminator interface {
	Terminate(ctx context.Context, taskID, reason string) error
}

// Config holds the janitor's parameters.
type Config struct {
	Store      store.Store
	Terminator Terminator
	Notifier   notify.Notifier

	// TTL is the maximum age of a non-terminal runner.
	TTL time.Duration

	// Schedule is a cron expression or descriptor ("@every 5m").
	Schedule string

	// RateLimit caps reconciled records per second.  Zero disables it.
	RateLimit float64

	PageSize int
	Now      func() time.Time
	Logger   *slog.Logger
}

// Result summarizes one sweep.
type Result struct {
	Scanned int
	Cleaned int
	Failed  int
}

// Janitor runs TTL sweeps.
type Janitor struct {
	store      store.Store
	terminator Terminator
	notifier   notify.Notifier
	ttl        time.Duration
	schedule   cron.Schedule
	limiter    *rate.Limiter
	pageSize   int
	now        func() time.Time
	logger     *slog.Logger

	tracer  trace.Tracer
	cleaned metric.Int64Counter
}

// New returns a Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Store == nil || cfg.Terminator == nil {
		return nil, errors.New("janitor: store and terminator are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	j := &Janitor{
		store:      cfg.Store,
		terminator: cfg.Terminator,
		notifier:   cfg.Notifier,
		ttl:        cfg.TTL,
		schedule:   sched,
		pageSize:   cfg.PageSize,
		now:        cfg.Now,
		logger:     cfg.Logger.WithGroup("janitor"),
		tracer:     otel.Tracer("ecsrunner/janitor"),
	}
	if cfg.RateLimit > 0 {
		j.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	j.cleaned, err = otel.Meter("ecsrunner/janitor").Int64Counter(
		"ecsrunner.janitor.cleaned",
		metric.WithDescription("Total number of runners reconciled by the janitor"),
		metric.WithUnit("1"),
	)
	if err != nil {
		j.logger.Warn("failed to create cleaned counter", slog.String("error", err.Error()))
	}
	return j, nil
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		res, err := j.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j.logger.Error("sweep aborted", slog.String("error", err.Error()))
			continue
		}
		j.logger.Info("sweep finished",
			slog.Int("scanned", res.Scanned),
			slog.Int("cleaned", res.Cleaned),
			slog.Int("failed", res.Failed),
		)
	}
}

// Sweep walks every record once.  Per-record failures are logged and
// counted; only a failure to read the store aborts the sweep.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	ctx, span := j.tracer.Start(ctx, "janitor.Sweep")
	defer span.End()

	var res Result
	now := j.now()
	err := store.ScanAll(ctx, j.store, j.pageSize, func(r *runner.Runner) error {
		res.Scanned++
		if !j.expired(r, now) {
			return nil
		}

		if j.limiter != nil {
			if err := j.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		state, taskID := r.State, r.TaskID
		var err error
		if state.IsTerminal() {
			err = j.teardown(ctx, r, now)
		} else {
			err = j.reconcile(ctx, r, now)
		}
		if err != nil {
			res.Failed++
			j.logger.Error("reconciliation failed",
				slog.String("runner_id", r.ID),
				slog.String("state", string(state)),
				slog.String("task_id", taskID),
				slog.Duration("age", r.Age(now)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		res.Cleaned++
		return nil
	})

	span.SetAttributes(
		attribute.Int("janitor.scanned", res.Scanned),
		attribute.Int("janitor.cleaned", res.Cleaned),
		attribute.Int("janitor.failed", res.Failed),
	)
	if err != nil {
		return res, fmt.Errorf("sweep: %w", err)
	}
	return res, nil
}

// expired reports whether r is past the TTL and still needs work.  A
// terminal record only needs work while a task is attached to it.
func (j *Janitor) expired(r *runner.Runner, now time.Time) bool {
	if r.Age(now) < j.ttl {
		return false
	}
	return !r.State.IsTerminal() || r.TaskID != ""
}

// stop requests termination of r's task.  A failed stop is logged and the
// task id stays on the record so a later sweep retries the teardown.
func (j *Janitor) stop(ctx context.Context, r *runner.Runner, now time.Time) error {
	if err := j.terminator.Terminate(ctx, r.TaskID, "ttl exceeded"); err != nil {
		j.logger.Warn("task stop failed",
			slog.String("runner_id", r.ID),
			slog.String("state", string(r.State)),
			slog.String("task_id", r.TaskID),
			slog.Duration("age", r.Age(now)),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.TaskID = ""
	return nil
}

// teardown retries the stop of a task left on a terminal record.  The
// state is never changed.
func (j *Janitor) teardown(ctx context.Context, r *runner.Runner, now time.Time) error {
	if err := j.stop(ctx, r, now); err != nil {
		return apperrors.New("Sweep", r.ID, apperrors.ErrReconciliation, err)
	}
	r.UpdatedAt = now.Unix()
	if err := j.store.PutIf(ctx, r, r.State); err != nil {
		return apperrors.New("Sweep", r.ID, apperrors.ErrReconciliation, err)
	}
	j.logger.Info("leftover task stopped",
		slog.String("runner_id", r.ID),
		slog.String("state", string(r.State)),
	)
	return nil
}

// reconcile forces one expired runner into a terminal state.  A failed
// stop does not hold the transition back.
func (j *Janitor) reconcile(ctx context.Context, r *runner.Runner, now time.Time) error {
	from := r.State
	to := runner.StateFailed

	if r.TaskID != "" {
		_ = j.stop(ctx, r, now)
		if from != runner.StateRunning {
			to = runner.StateOffline
		}
	}

	r.State = to
	r.CompletedAt = runner.Int64(now.Unix())
	r.UpdatedAt = now.Unix()
	if to == runner.StateFailed {
		r.FailureReason = fmt.Sprintf("ttl exceeded in %s", from)
	}
	if err := j.store.PutIf(ctx, r, from); err != nil {
		return apperrors.New("Sweep", r.ID, apperrors.ErrReconciliation, err)
	}

	if j.cleaned != nil {
		j.cleaned.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
	}
	j.logger.Info("expired runner reconciled",
		slog.String("runner_id", r.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Duration("age", r.Age(now)),
	)

	if to == runner.StateFailed {
		if err := j.notifier.RunnerFailed(ctx, notify.Failure{
			RunnerID: r.ID,
			Reason:   r.FailureReason,
			Labels:   r.Labels,
		}); err != nil {
			j.logger.Warn("failure notification not delivered",
				slog.String("runner_id", r.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
