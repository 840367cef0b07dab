// Package engine defines the abstraction for container schedulers that run
// ephemeral CI runners.  Each backend (ECS/Fargate, a local Docker daemon,
// GCP Compute Engine) implements the Engine interface so the launcher and
// controller remain scheduler-agnostic.
package engine

import (
	"context"
	"sort"

	"github.com/terrpan/ecsrunner/internal/sizeclass"
)

// Tag keys attached to every launched task.
const (
	TagRunnerID = "ecsrunner:runner-id"
	TagImageTag = "ecsrunner:image-tag"
)

// TaskSpec describes one runner task launch.
type TaskSpec struct {
	// Template is the value returned by EnsureTemplate.
	Template string

	// Name is the runner name; backends that name resources use it.
	Name string

	// Class is the requested size class, if any.  Backends that size by
	// class name (machine types) read it; others use Size.
	Class string

	// Size overrides the template's CPU and memory when non-nil.
	Size *sizeclass.Size

	// Env is injected into the runner container.
	Env map[string]string

	// Tags are attached to the task for correlation.
	Tags map[string]string
}

// Engine is the contract every scheduler backend must satisfy.
//
// Runners are strictly ephemeral: each task runs exactly one job and is
// then permanently stopped.  The lifecycle is:
//
//	EnsureTemplate → RunTask → (job runs) → StopTask
//
// The task id returned by RunTask is opaque to callers.  It may be an
// ECS task ARN, a Docker container ID or a VM instance name.
type Engine interface {
	// EnsureTemplate makes sure a launch template (task definition,
	// local image, ...) named family exists for imageURI and returns the
	// reference RunTask expects.  It is idempotent; concurrent callers
	// racing on the same family are last-writer-wins.
	EnsureTemplate(ctx context.Context, family, imageURI string) (string, error)

	// RunTask launches one runner task and returns its id.
	RunTask(ctx context.Context, spec TaskSpec) (string, error)

	// StopTask permanently stops the task.  Stopping a task that no
	// longer exists is not an error.
	StopTask(ctx context.Context, taskID, reason string) error
}

// SortedEnv returns env as sorted KEY=VALUE pairs.
func SortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
