// Package runner defines the persisted runner record and the closed set
// of lifecycle states it moves through.
//
// The lifecycle is:
//
//	STARTING ──(image missing)──▶ IMAGE_CREATING ──(build ok)──▶ WAITING_FOR_JOB
//	STARTING ──(image present)──▶ WAITING_FOR_JOB ──(running)──▶ RUNNING ──▶ OFFLINE
//	IMAGE_CREATING ──(build failed)──▶ FAILED
//
// FAILED and OFFLINE are terminal.  Any non-terminal state may be forced
// to FAILED or OFFLINE by the janitor once the runner outlives its TTL.
package runner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a runner lifecycle state.
type State string

const (
	StateStarting      State = "STARTING"
	StateImageCreating State = "IMAGE_CREATING"
	StateWaitingForJob State = "WAITING_FOR_JOB"
	StateRunning       State = "RUNNING"
	StateOffline       State = "OFFLINE"
	StateFailed        State = "FAILED"
)

// States lists every valid state in lifecycle order.
var States = []State{
	StateStarting,
	StateImageCreating,
	StateWaitingForJob,
	StateRunning,
	StateOffline,
	StateFailed,
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is sticky: no event may move a runner out
// of a terminal state.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateOffline
}

// IsInFlight reports whether s represents a runner that is still being
// provisioned or doing work.
func (s State) IsInFlight() bool {
	switch s {
	case StateStarting, StateImageCreating, StateWaitingForJob, StateRunning:
		return true
	}
	return false
}

// ParseState converts a persisted value into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown runner state %q", v)
	}
	return s, nil
}

// Runner is the single source of truth for one provisioned or pending
// runner.  Optional timestamps are nil when absent; optional strings are
// empty when absent.
type Runner struct {
	ID    string `json:"runner_id" yaml:"runner_id"`
	State State  `json:"state" yaml:"state"`

	// Labels is the CI job's requested label set.
	Labels []string `json:"labels" yaml:"labels"`

	// ImageTag is the image requested by the job's "image:" label, as
	// given.  Kept so a build hand-off can resume without the original
	// webhook payload.
	ImageTag string `json:"image_tag,omitempty" yaml:"image_tag,omitempty"`

	// RegistryTag is the registry-safe form of ImageTag (see SanitizeTag).
	RegistryTag string `json:"registry_tag,omitempty" yaml:"registry_tag,omitempty"`

	RunnerClass string `json:"runner_class,omitempty" yaml:"runner_class,omitempty"`

	// TaskID is set iff a scheduler task has been launched for this runner
	// and not yet torn down.
	TaskID string `json:"task_id,omitempty" yaml:"task_id,omitempty"`

	// BuildID identifies the image build triggered for this runner.
	BuildID string `json:"build_id,omitempty" yaml:"build_id,omitempty"`

	CreatedAt     int64  `json:"created_at" yaml:"created_at"`
	UpdatedAt     int64  `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	StartedAt     *int64 `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt   *int64 `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	LastHeartbeat *int64 `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`

	// Correlation fields from the triggering job and its heartbeats.
	WorkflowID string `json:"workflow_job_id,omitempty" yaml:"workflow_job_id,omitempty"`
	JobID      string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	JobStatus  string `json:"job_status,omitempty" yaml:"job_status,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
	Workflow   string `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// FailureReason records why the runner entered FAILED.
	FailureReason string `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
}

// New returns a STARTING runner with a fresh id, created at now.  The
// registry tag is derived from image.
func New(labels []string, image, class string, now time.Time) (*Runner, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	ts := now.Unix()
	return &Runner{
		ID:          id,
		State:       StateStarting,
		Labels:      append([]string(nil), labels...),
		ImageTag:    image,
		RegistryTag: SanitizeTag(image),
		RunnerClass: class,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, nil
}

// NewID returns a time-ordered, collision-resistant runner id (UUIDv7).
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate runner id: %w", err)
	}
	return id.String(), nil
}

// Age returns how long ago the runner was created.
func (r *Runner) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(r.CreatedAt, 0))
}

// Clone returns a deep copy of r.
func (r *Runner) Clone() *Runner {
	if r == nil {
		return nil
	}
	c := *r
	c.Labels = append([]string(nil), r.Labels...)
	c.StartedAt = cloneInt64(r.StartedAt)
	c.CompletedAt = cloneInt64(r.CompletedAt)
	c.LastHeartbeat = cloneInt64(r.LastHeartbeat)
	return &c
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
