// Package notify reports runner failures to humans.
package notify

import (
	"context"
	"fmt"
	"strings"
)

// Failure describes a runner that transitioned to FAILED.
type Failure struct {
	RunnerID string
	Reason   string
	Labels   []string
	TaskID   string
}

// Notifier is told about every runner failure.  Implementations must not
// block the caller for long; failures to notify are logged, never surfaced.
type Notifier interface {
	RunnerFailed(ctx context.Context, f Failure) error
}

// Nop discards notifications.
type Nop struct{}

// RunnerFailed implements Notifier.
func (Nop) RunnerFailed(context.Context, Failure) error { return nil }

// Text renders f as a single human-readable line.
func Text(f Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":x: runner %s failed", f.RunnerID)
	if f.Reason != "" {
		fmt.Fprintf(&b, ": %s", f.Reason)
	}
	if len(f.Labels) > 0 {
		fmt.Fprintf(&b, " (labels: %s)", strings.Join(f.Labels, ", "))
	}
	if f.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", f.TaskID)
	}
	return b.String()
}
