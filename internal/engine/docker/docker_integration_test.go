//go:build integration

package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ecsrunner/internal/engine"
	"github.com/terrpan/ecsrunner/internal/sizeclass"
)

// DockerEngineSuite tests the Docker engine against a real Docker daemon.
//
// These tests require Docker to be available (e.g., Docker Desktop or a
// Docker socket).  They are gated behind the "integration" build tag:
//
//	go test ./internal/engine/docker/ -tags integration -v
type DockerEngineSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerEngineSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	_, err = cli.Ping(context.Background())
	require.NoError(s.T(), err, "Docker daemon must be reachable")
}

func (s *DockerEngineSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerEngineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerEngineSuite) TearDownTest() {
	s.cancel()
}

func TestDockerEngineSuite(t *testing.T) {
	suite.Run(t, new(DockerEngineSuite))
}

// newTestEngine runs alpine with "sleep 300" so containers stay alive long
// enough to be inspected and removed.
func (s *DockerEngineSuite) newTestEngine(dind bool) *Engine {
	return newEngine(s.docker, Config{
		Cmd:  []string{"sleep", "300"},
		Dind: dind,
	}, s.logger)
}

func (s *DockerEngineSuite) runTask(e *Engine, name string) string {
	tmpl, err := e.EnsureTemplate(s.ctx, "github-runner-alpine", s.testImage)
	require.NoError(s.T(), err)

	id, err := e.RunTask(s.ctx, engine.TaskSpec{
		Template: tmpl,
		Name:     name,
		Size:     &sizeclass.Size{CPU: 512, Memory: 256},
		Env:      map[string]string{"RUNNER_NAME": name},
		Tags:     map[string]string{engine.TagRunnerID: name},
	})
	require.NoError(s.T(), err)
	return id
}

// containerExists checks if a container with the given ID exists.
func (s *DockerEngineSuite) containerExists(id string) bool {
	_, err := s.docker.ContainerInspect(s.ctx, id)
	return err == nil
}

func (s *DockerEngineSuite) TestRunAndStopTask() {
	e := s.newTestEngine(false)

	id := s.runTask(e, "test-runner-1")
	assert.True(s.T(), s.containerExists(id))

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "test-runner-1", info.Config.Labels[engine.TagRunnerID])
	assert.Contains(s.T(), info.Config.Env, "RUNNER_NAME=test-runner-1")
	assert.Equal(s.T(), int64(256*1024*1024), info.HostConfig.Memory)

	require.NoError(s.T(), e.StopTask(s.ctx, id, "test"))
	assert.False(s.T(), s.containerExists(id))
}

func (s *DockerEngineSuite) TestStopTask_DoubleStop() {
	e := s.newTestEngine(false)
	id := s.runTask(e, "test-idem")

	require.NoError(s.T(), e.StopTask(s.ctx, id, "test"))
	// Removing a missing container is not an error.
	require.NoError(s.T(), e.StopTask(s.ctx, id, "test"))
}

func (s *DockerEngineSuite) TestRapidRunStop() {
	e := s.newTestEngine(false)

	for i := range 5 {
		id := s.runTask(e, fmt.Sprintf("rapid-%d", i))
		require.NoError(s.T(), e.StopTask(s.ctx, id, "test"))
		assert.False(s.T(), s.containerExists(id))
	}
}

func (s *DockerEngineSuite) TestDindMode_SocketMount() {
	e := s.newTestEngine(true)
	id := s.runTask(e, "test-dind")
	defer func() { _ = s.docker.ContainerRemove(s.ctx, id, container.RemoveOptions{Force: true}) }()

	info, err := s.docker.ContainerInspect(s.ctx, id)
	require.NoError(s.T(), err)

	assert.Contains(s.T(), info.HostConfig.Binds, "/var/run/docker.sock:/var/run/docker.sock")
	assert.Contains(s.T(), info.Config.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	assert.Contains(s.T(), info.Config.Env, "RUNNER_ALLOW_RUNASROOT=1")
}
