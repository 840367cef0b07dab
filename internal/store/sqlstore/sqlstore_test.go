package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
	"github.com/terrpan/ecsrunner/internal/store/storetest"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)

	// A pooled second connection would see a different :memory: database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestSQLiteConformance(t *testing.T) {
	suite.Run(t, &storetest.Suite{NewStore: func(t *testing.T) store.Store {
		return New(openTestDB(t), nil)
	}})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestMySQLDSN_ForcesFoundRows(t *testing.T) {
	dsn, err := mysqlDSN("root@tcp(localhost:3306)/ecsrunner")
	require.NoError(t, err)
	assert.Contains(t, dsn, "clientFoundRows=true")
	assert.Contains(t, dsn, "parseTime=true")

	_, err = mysqlDSN("not a dsn")
	assert.Error(t, err)
}

func TestPutIf_IdenticalRowStillMatches(t *testing.T) {
	s := New(openTestDB(t), nil)
	ctx := context.Background()

	r := &runner.Runner{ID: "r1", State: runner.StateRunning, CreatedAt: 1}
	require.NoError(t, s.Put(ctx, r))
	require.NoError(t, s.PutIf(ctx, r, runner.StateRunning))
}

func TestGet_InvalidStateIsStoreError(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&row{RunnerID: "r1", State: "BOGUS"}).Error)

	s := New(db, nil)
	_, err := s.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, apperrors.ErrStore)

	page, err := s.Scan(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Runners)
}
