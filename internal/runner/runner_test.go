package runner

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClassification(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		inFlight bool
	}{
		{StateStarting, false, true},
		{StateImageCreating, false, true},
		{StateWaitingForJob, false, true},
		{StateRunning, false, true},
		{StateOffline, true, false},
		{StateFailed, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.True(t, tt.state.Valid())
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.inFlight, tt.state.IsInFlight())
		})
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s)

	_, err = ParseState("image failed")
	assert.Error(t, err)
	assert.False(t, State("").Valid())
}

func TestNew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	labels := []string{"self-hosted", "image:ubuntu-22.04"}

	r, err := New(labels, "ubuntu-22.04", "large", now)
	require.NoError(t, err)

	assert.Equal(t, StateStarting, r.State)
	assert.Equal(t, int64(1_700_000_000), r.CreatedAt)
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	assert.Equal(t, "ubuntu-22.04", r.ImageTag)
	assert.Equal(t, "ubuntu-22-04", r.RegistryTag)
	assert.Equal(t, "large", r.RunnerClass)
	assert.Empty(t, r.TaskID)
	assert.Nil(t, r.StartedAt)

	parsed, err := uuid.Parse(r.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	// The record owns its label slice.
	labels[0] = "mutated"
	assert.Equal(t, "self-hosted", r.Labels[0])
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 500 {
		id, err := NewID()
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestAge(t *testing.T) {
	now := time.Unix(10_000, 0)
	r := &Runner{CreatedAt: 6_300}
	assert.Equal(t, 3700*time.Second, r.Age(now))
}

func TestClone_IsDeep(t *testing.T) {
	orig := &Runner{
		ID:        "r1",
		Labels:    []string{"a"},
		StartedAt: Int64(5),
	}
	c := orig.Clone()
	c.Labels[0] = "b"
	*c.StartedAt = 6

	assert.Equal(t, "a", orig.Labels[0])
	assert.Equal(t, int64(5), *orig.StartedAt)
	assert.Nil(t, (*Runner)(nil).Clone())
}

func TestParseLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   Selection
	}{
		{
			name:   "image and class",
			labels: []string{"image:ubuntu-22.04", "class:large"},
			want:   Selection{Image: "ubuntu-22.04", Class: "large"},
		},
		{
			name:   "image with registry path keeps colons",
			labels: []string{"self-hosted", "image:public.ecr.aws/docker/library/node:20"},
			want:   Selection{Image: "public.ecr.aws/docker/library/node:20"},
		},
		{
			name:   "no selectors",
			labels: []string{"self-hosted", "linux"},
			want:   Selection{},
		},
		{
			name:   "last occurrence wins",
			labels: []string{"class:small", "class:xlarge"},
			want:   Selection{Class: "xlarge"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLabels(tt.labels))
		})
	}
}

func TestSanitizeTag(t *testing.T) {
	tests := map[string]string{
		"ubuntu-22.04":         "ubuntu-22-04",
		"node:20":              "node-20",
		"ghcr.io/org/img:v1.2": "ghcr-io-org-img-v1-2",
		"already_safe-Tag9":    "already_safe-Tag9",
		"":                     "",
		"space and/slash":      "space-and-slash",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeTag(in), in)
	}
}
