// Package sizeclass resolves named runner size classes ("small", "large")
// into task CPU and memory overrides.
package sizeclass

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Size is a task resource override.  CPU is in scheduler units (1024 = one
// vCPU); Memory is in MiB.
type Size struct {
	CPU    int32 `json:"cpu" yaml:"cpu" mapstructure:"cpu"`
	Memory int32 `json:"memory" yaml:"memory" mapstructure:"memory"`
}

// Table maps class names to sizes.
type Table map[string]Size

// Lookup returns the size for class.  Unknown or empty classes report
// false; callers then fall back to the task template's defaults.
func (t Table) Lookup(class string) (Size, bool) {
	if class == "" {
		return Size{}, false
	}
	s, ok := t[class]
	return s, ok
}

// Names returns the class names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate rejects non-positive sizes.
func (t Table) Validate() error {
	for _, name := range t.Names() {
		s := t[name]
		if s.CPU <= 0 || s.Memory <= 0 {
			return fmt.Errorf("size class %q: cpu and memory must be positive (got cpu=%d memory=%d)", name, s.CPU, s.Memory)
		}
	}
	return nil
}

// Parse decodes a JSON object of the form
// {"large": {"cpu": 4096, "memory": 8192}}.
func Parse(data []byte) (Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode size classes: %w", err)
	}
	if t == nil {
		t = Table{}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Source loads a size-class table.  Tables are loaded once at startup and
// injected into the launcher.
type Source interface {
	Load(ctx context.Context) (Table, error)
}

// Static is a Source backed by configuration.
type Static Table

// Load implements Source.
func (s Static) Load(context.Context) (Table, error) {
	t := make(Table, len(s))
	for k, v := range s {
		t[k] = v
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
