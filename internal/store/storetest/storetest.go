// Package storetest provides a conformance suite every store.Store backend
// must pass.
//
// Usage:
//
//	func TestMemoryConformance(t *testing.T) {
//	    suite.Run(t, &storetest.Suite{NewStore: func(t *testing.T) store.Store {
//	        return store.NewMemory()
//	    }})
//	}
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
)

// Suite exercises a store.Store implementation.  NewStore is called once
// per test and must return an empty store.
type Suite struct {
	suite.Suite
	NewStore func(t *testing.T) store.Store

	ctx   context.Context
	store store.Store
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore(s.T())
}

func sample(id string, state runner.State) *runner.Runner {
	return &runner.Runner{
		ID:          id,
		State:       state,
		Labels:      []string{"self-hosted", "image:ubuntu-22.04", "class:large"},
		ImageTag:    "ubuntu-22.04",
		RegistryTag: "ubuntu-22-04",
		RunnerClass: "large",
		CreatedAt:   1_700_000_000,
		UpdatedAt:   1_700_000_000,
	}
}

func (s *Suite) TestGet_Missing() {
	_, err := s.store.Get(s.ctx, "does-not-exist")
	require.Error(s.T(), err)
	assert.True(s.T(), apperrors.IsNotFound(err))
}

func (s *Suite) TestPutGet_RoundTripsAllFields() {
	r := sample("r-1", runner.StateRunning)
	r.TaskID = "t1"
	r.BuildID = "build:1"
	r.StartedAt = runner.Int64(1_700_000_100)
	r.CompletedAt = runner.Int64(1_700_000_200)
	r.LastHeartbeat = runner.Int64(1_700_000_150)
	r.WorkflowID = "123:build"
	r.JobID = "build"
	r.JobStatus = "running"
	r.Repository = "org/repo"
	r.Workflow = "ci"
	r.FailureReason = "none"

	require.NoError(s.T(), s.store.Put(s.ctx, r))

	got, err := s.store.Get(s.ctx, "r-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), r, got)
}

func (s *Suite) TestPutGet_OptionalFieldsAbsent() {
	r := sample("r-2", runner.StateStarting)
	r.RunnerClass = ""

	require.NoError(s.T(), s.store.Put(s.ctx, r))

	got, err := s.store.Get(s.ctx, "r-2")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), got.StartedAt)
	assert.Nil(s.T(), got.CompletedAt)
	assert.Empty(s.T(), got.TaskID)
	assert.Empty(s.T(), got.RunnerClass)
}

func (s *Suite) TestPut_Overwrites() {
	r := sample("r-3", runner.StateStarting)
	require.NoError(s.T(), s.store.Put(s.ctx, r))

	r.State = runner.StateImageCreating
	require.NoError(s.T(), s.store.Put(s.ctx, r))

	got, err := s.store.Get(s.ctx, "r-3")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), runner.StateImageCreating, got.State)
}

func (s *Suite) TestPutIf_MatchingState() {
	r := sample("r-4", runner.StateImageCreating)
	require.NoError(s.T(), s.store.Put(s.ctx, r))

	r.State = runner.StateWaitingForJob
	r.TaskID = "t4"
	require.NoError(s.T(), s.store.PutIf(s.ctx, r, runner.StateImageCreating))

	got, err := s.store.Get(s.ctx, "r-4")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), runner.StateWaitingForJob, got.State)
	assert.Equal(s.T(), "t4", got.TaskID)
}

func (s *Suite) TestPutIf_StaleState() {
	r := sample("r-5", runner.StateFailed)
	require.NoError(s.T(), s.store.Put(s.ctx, r))

	update := sample("r-5", runner.StateWaitingForJob)
	err := s.store.PutIf(s.ctx, update, runner.StateImageCreating)
	require.Error(s.T(), err)
	assert.True(s.T(), apperrors.IsConflict(err))

	got, err := s.store.Get(s.ctx, "r-5")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), runner.StateFailed, got.State)
}

func (s *Suite) TestPutIf_MissingRecord() {
	err := s.store.PutIf(s.ctx, sample("r-6", runner.StateRunning), runner.StateWaitingForJob)
	require.Error(s.T(), err)
	assert.True(s.T(), apperrors.IsConflict(err))

	_, err = s.store.Get(s.ctx, "r-6")
	assert.True(s.T(), apperrors.IsNotFound(err))
}

func (s *Suite) TestDelete() {
	require.NoError(s.T(), s.store.Put(s.ctx, sample("r-7", runner.StateOffline)))
	require.NoError(s.T(), s.store.Delete(s.ctx, "r-7"))

	_, err := s.store.Get(s.ctx, "r-7")
	assert.True(s.T(), apperrors.IsNotFound(err))

	// Idempotent.
	require.NoError(s.T(), s.store.Delete(s.ctx, "r-7"))
}

func (s *Suite) TestScanAll_Paginates() {
	const n = 23
	for i := range n {
		require.NoError(s.T(), s.store.Put(s.ctx, sample(fmt.Sprintf("r-%03d", i), runner.StateStarting)))
	}

	seen := make(map[string]bool)
	err := store.ScanAll(s.ctx, s.store, 5, func(r *runner.Runner) error {
		assert.False(s.T(), seen[r.ID], "duplicate %s", r.ID)
		seen[r.ID] = true
		return nil
	})
	require.NoError(s.T(), err)
	assert.Len(s.T(), seen, n)
}

func (s *Suite) TestScanAll_Empty() {
	calls := 0
	err := store.ScanAll(s.ctx, s.store, 10, func(*runner.Runner) error {
		calls++
		return nil
	})
	require.NoError(s.T(), err)
	assert.Zero(s.T(), calls)
}

func (s *Suite) TestScanAll_StopsOnCallbackError() {
	for i := range 3 {
		require.NoError(s.T(), s.store.Put(s.ctx, sample(fmt.Sprintf("r-%d", i), runner.StateStarting)))
	}
	stop := fmt.Errorf("stop")
	calls := 0
	err := store.ScanAll(s.ctx, s.store, 1, func(*runner.Runner) error {
		calls++
		return stop
	})
	assert.ErrorIs(s.T(), err, stop)
	assert.Equal(s.T(), 1, calls)
}
