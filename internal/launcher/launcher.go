// Package launcher turns a resolved runner image into a running scheduler
// task: it fetches a registration credential, ensures the task template,
// applies the size class and starts the task.
package launcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/engine"
	"github.com/terrpan/ecsrunner/internal/github"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/sizeclass"
)

// Runner container environment.
const (
	EnvRepositoryURL = "RUNNER_REPOSITORY_URL"
	EnvLabels        = "RUNNER_LABELS"
	EnvName          = "RUNNER_NAME"
	EnvRunnerID      = "RUNNER_ID"
	EnvTable         = "RUNNER_TABLE"
	EnvEventBus      = "EVENT_BUS_NAME"
	EnvWorkflowJobID = "WORKFLOW_JOB_ID"
)

// FamilyPrefix prefixes every task template family.
const FamilyPrefix = "github-runner-"

// Spec describes one launch.
type Spec struct {
	RunnerID   string
	ImageURI   string
	ImageTag   string
	Labels     []string
	Class      string
	WorkflowID string
}

// Config holds the launcher's collaborators.
type Config struct {
	Engine engine.Engine

	// Credentials may be nil in processes that only terminate tasks;
	// Launch then fails with ErrAuth.
	Credentials github.CredentialProvider
	Sizes       sizeclass.Table

	// RepositoryURL is the GitHub URL the runner registers against.
	RepositoryURL string

	// Table and EventBus are forwarded to the runner so it can report
	// status on its own.
	Table    string
	EventBus string

	Logger *slog.Logger
}

// Launcher starts and stops runner tasks.
type Launcher struct {
	engine        engine.Engine
	credentials   github.CredentialProvider
	sizes         sizeclass.Table
	repositoryURL string
	table         string
	eventBus      string
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New returns a Launcher.
func New(cfg Config) (*Launcher, error) {
	if cfg.Engine == nil {
		return nil, errors.New("launcher: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Launcher{
		engine:        cfg.Engine,
		credentials:   cfg.Credentials,
		sizes:         cfg.Sizes,
		repositoryURL: cfg.RepositoryURL,
		table:         cfg.Table,
		eventBus:      cfg.EventBus,
		logger:        cfg.Logger.WithGroup("launcher"),
		tracer:        otel.Tracer("ecsrunner/launcher"),
	}, nil
}

// Family returns the task template family for an image tag.
func Family(imageTag string) string {
	return FamilyPrefix + runner.SanitizeTag(imageTag)
}

// Name returns the runner name registered with GitHub.
func Name(runnerID string) string {
	return "ecsrunner-" + runnerID
}

// Launch starts a task for spec and returns the scheduler's task id.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (string, error) {
	ctx, span := l.tracer.Start(ctx, "launcher.Launch")
	defer span.End()

	family := Family(spec.ImageTag)
	name := Name(spec.RunnerID)
	span.SetAttributes(
		attribute.String("runner.id", spec.RunnerID),
		attribute.String("runner.class", spec.Class),
		attribute.String("task.family", family),
	)

	if l.credentials == nil {
		return "", apperrors.New("Launch", spec.RunnerID, apperrors.ErrAuth, errors.New("no credential provider configured"))
	}
	cred, err := l.credentials.Credential(ctx, name)
	if err != nil {
		return "", apperrors.New("Launch", spec.RunnerID, apperrors.ErrAuth, err)
	}

	template, err := l.engine.EnsureTemplate(ctx, family, spec.ImageURI)
	if err != nil {
		return "", apperrors.New("Launch", spec.RunnerID, apperrors.ErrScheduler, err)
	}

	var size *sizeclass.Size
	if spec.Class != "" {
		if sz, ok := l.sizes.Lookup(spec.Class); ok {
			size = &sz
		} else {
			l.logger.Warn("unknown size class, using template defaults",
				slog.String("runner_id", spec.RunnerID),
				slog.String("class", spec.Class),
			)
		}
	}

	env := map[string]string{
		EnvRepositoryURL: l.repositoryURL,
		cred.EnvName:     cred.Value,
		EnvLabels:        strings.Join(spec.Labels, ","),
		EnvName:          name,
		EnvRunnerID:      spec.RunnerID,
		EnvTable:         l.table,
		EnvEventBus:      l.eventBus,
	}
	if spec.WorkflowID != "" {
		env[EnvWorkflowJobID] = spec.WorkflowID
	}

	taskID, err := l.engine.RunTask(ctx, engine.TaskSpec{
		Template: template,
		Name:     name,
		Class:    spec.Class,
		Size:     size,
		Env:      env,
		Tags: map[string]string{
			engine.TagRunnerID: spec.RunnerID,
			engine.TagImageTag: runner.SanitizeTag(spec.ImageTag),
		},
	})
	if err != nil {
		return "", apperrors.New("Launch", spec.RunnerID, apperrors.ErrScheduler, err)
	}
	if taskID == "" {
		return "", apperrors.New("Launch", spec.RunnerID, apperrors.ErrScheduler, errors.New("scheduler returned no task id"))
	}

	span.SetAttributes(attribute.String("task.id", taskID))
	l.logger.Info("runner task launched",
		slog.String("runner_id", spec.RunnerID),
		slog.String("task_id", taskID),
		slog.String("family", family),
		slog.String("class", spec.Class),
	)
	return taskID, nil
}

// Terminate stops taskID.  Callers typically log the error and carry on.
func (l *Launcher) Terminate(ctx context.Context, taskID, reason string) error {
	ctx, span := l.tracer.Start(ctx, "launcher.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("reason", reason),
	)

	if err := l.engine.StopTask(ctx, taskID, reason); err != nil {
		return apperrors.New("Terminate", "", apperrors.ErrScheduler, err)
	}
	l.logger.Info("runner task stopped",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
	)
	return nil
}
