package image

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ecsrunner/internal/apperrors"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockRegistry struct {
	mu     sync.Mutex
	images map[string]string
	err    error
	calls  []string
}

func (m *mockRegistry) ImageURI(_ context.Context, tag string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, tag)
	if m.err != nil {
		return "", false, m.err
	}
	uri, ok := m.images[tag]
	return uri, ok, nil
}

type mockBuilder struct {
	mu    sync.Mutex
	calls []BuildRequest
	id    string
	err   error
}

func (m *mockBuilder) StartBuild(_ context.Context, req BuildRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return "", m.err
	}
	return m.id, nil
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type CoordinatorSuite struct {
	suite.Suite
	ctx      context.Context
	registry *mockRegistry
	builder  *mockBuilder
	coord    *Coordinator
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.registry = &mockRegistry{images: map[string]string{
		"ubuntu-22-04": "acct.dkr.ecr.us-east-1.amazonaws.com/runners:ubuntu-22-04",
	}}
	s.builder = &mockBuilder{id: "runner-images:1234"}

	c, err := NewCoordinator(Config{
		Registry:   s.registry,
		Builder:    s.builder,
		Repository: "runners",
		EventBus:   "ci-events",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(s.T(), err)
	s.coord = c
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) TestResolve_ImagePresent() {
	res, err := s.coord.Resolve(s.ctx, "r1", "ubuntu:22.04")
	require.NoError(s.T(), err)

	assert.False(s.T(), res.Pending)
	assert.Equal(s.T(), "ubuntu-22-04", res.Tag)
	assert.Equal(s.T(), "acct.dkr.ecr.us-east-1.amazonaws.com/runners:ubuntu-22-04", res.ImageURI)
	assert.Equal(s.T(), []string{"ubuntu-22-04"}, s.registry.calls)
	assert.Empty(s.T(), s.builder.calls, "no build for a present image")
}

func (s *CoordinatorSuite) TestResolve_ImageMissingStartsBuild() {
	res, err := s.coord.Resolve(s.ctx, "r2", "node:20/alpine")
	require.NoError(s.T(), err)

	assert.True(s.T(), res.Pending)
	assert.Equal(s.T(), "node-20-alpine", res.Tag)
	assert.Equal(s.T(), "runner-images:1234", res.BuildID)
	assert.Empty(s.T(), res.ImageURI)

	require.Len(s.T(), s.builder.calls, 1)
	assert.Equal(s.T(), BuildRequest{
		BaseImage:  "node:20/alpine",
		Tag:        "node-20-alpine",
		Repository: "runners",
		RunnerID:   "r2",
		EventBus:   "ci-events",
	}, s.builder.calls[0])
}

func (s *CoordinatorSuite) TestResolve_RegistryError() {
	s.registry.err = errors.New("throttled")

	_, err := s.coord.Resolve(s.ctx, "r3", "ubuntu")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrRegistry)
	assert.Contains(s.T(), err.Error(), "throttled")
	assert.Empty(s.T(), s.builder.calls)
}

func (s *CoordinatorSuite) TestResolve_BuildError() {
	s.builder.err = errors.New("project not found")

	_, err := s.coord.Resolve(s.ctx, "r4", "debian")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrBuildService)
}

func (s *CoordinatorSuite) TestResolve_NoBuilderConfigured() {
	c, err := NewCoordinator(Config{Registry: s.registry})
	require.NoError(s.T(), err)

	_, err = c.Resolve(s.ctx, "r5", "debian")
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, apperrors.ErrBuildService)

	// A present image still resolves without a builder.
	res, err := c.Resolve(s.ctx, "r6", "ubuntu-22.04")
	require.NoError(s.T(), err)
	assert.NotEmpty(s.T(), res.ImageURI)
}

func TestNewCoordinator_RequiresRegistry(t *testing.T) {
	_, err := NewCoordinator(Config{})
	assert.Error(t, err)
}

func TestStatic_AlwaysPresent(t *testing.T) {
	uri, ok, err := Static{Repository: "ghcr.io/acme/runner"}.ImageURI(context.Background(), "ubuntu-22-04")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ghcr.io/acme/runner:ubuntu-22-04", uri)

	uri, ok, err = Static{}.ImageURI(context.Background(), "alpine")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alpine", uri)
}
