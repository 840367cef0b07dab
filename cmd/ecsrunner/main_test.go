package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ecsrunner/internal/config"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store/sqlstore"
)

// CLISuite drives the commands against a SQLite store and the Docker
// scheduler.  No command under test reaches the Docker daemon.
type CLISuite struct {
	suite.Suite
	dir    string
	dbPath string
	cfg    string
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.dbPath = filepath.Join(s.dir, "runners.db")
	s.cfg = filepath.Join(s.dir, "config.yaml")
	body := fmt.Sprintf(`
scheduler:
  type: docker
images:
  registry: static
  repository_url: ghcr.io/acme/runner
store:
  type: sql
  sql:
    driver: sqlite
    dsn: %s
size_classes:
  classes:
    small: {cpu: 512, memory: 1024}
    large: {cpu: 4096, memory: 8192}
janitor:
  ttl: 1h
logging:
  level: error
`, s.dbPath)
	require.NoError(s.T(), os.WriteFile(s.cfg, []byte(body), 0o600))
}

// seed writes records straight into the SQLite file.
func (s *CLISuite) seed(runners ...*runner.Runner) {
	db, err := sqlstore.Open(sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: s.dbPath})
	require.NoError(s.T(), err)
	st := sqlstore.New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, r := range runners {
		require.NoError(s.T(), st.Put(context.Background(), r))
	}
	sqlDB, err := db.DB()
	require.NoError(s.T(), err)
	require.NoError(s.T(), sqlDB.Close())
}

func (s *CLISuite) get(id string) *runner.Runner {
	cfg := &config.Config{Store: config.StoreConfig{Type: config.StoreSQL, SQL: config.SQLConfig{Driver: "sqlite", DSN: s.dbPath}}}
	st, closeFn, err := cfg.NewStore(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(s.T(), err)
	defer func() { _ = closeFn() }()
	r, err := st.Get(context.Background(), id)
	require.NoError(s.T(), err)
	return r
}

func (s *CLISuite) run(args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "--config", s.cfg))
	err := cmd.Execute()
	return buf.String(), err
}

func (s *CLISuite) TestHelp_ListsCommands() {
	out, err := s.run("--help")
	require.NoError(s.T(), err)
	for _, sub := range []string{"serve", "janitor", "runners", "class-sizes", "version"} {
		assert.Contains(s.T(), out, sub)
	}
}

func (s *CLISuite) TestRunnersHelp_ListsSubcommands() {
	out, err := s.run("runners", "--help")
	require.NoError(s.T(), err)
	for _, sub := range []string{"list", "details", "terminate", "mark-idle"} {
		assert.Contains(s.T(), out, sub)
	}
}

func (s *CLISuite) TestVersion() {
	out, err := s.run("version")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "ecsrunner dev")
}

func (s *CLISuite) TestRunnersList_Empty() {
	out, err := s.run("runners", "list")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "RUNNER ID")
	assert.Contains(s.T(), out, "LAST HEARTBEAT")
}

func (s *CLISuite) TestRunnersList_SortedWithTimestamps() {
	s.seed(
		&runner.Runner{ID: "newer", State: runner.StateRunning, ImageTag: "ubuntu", CreatedAt: 1_700_000_100, LastHeartbeat: runner.Int64(1_700_000_200)},
		&runner.Runner{ID: "older", State: runner.StateStarting, CreatedAt: 1_700_000_000},
	)

	out, err := s.run("runners", "list")
	require.NoError(s.T(), err)
	assert.Less(s.T(), bytes.Index([]byte(out), []byte("older")), bytes.Index([]byte(out), []byte("newer")))
	assert.Contains(s.T(), out, "2023-11-14T22:13:20Z")
	assert.Contains(s.T(), out, "2023-11-14T22:16:40Z")
}

func (s *CLISuite) TestRunnersList_FilterByState() {
	s.seed(
		&runner.Runner{ID: "r-run", State: runner.StateRunning, CreatedAt: 1},
		&runner.Runner{ID: "r-off", State: runner.StateOffline, CreatedAt: 2},
	)

	out, err := s.run("runners", "list", "--state", "running", "-o", "json")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "r-run")
	assert.NotContains(s.T(), out, "r-off")

	_, err = s.run("runners", "list", "--state", "sleeping")
	require.Error(s.T(), err)
}

func (s *CLISuite) TestRunnersDetails() {
	s.seed(&runner.Runner{ID: "r1", State: runner.StateRunning, TaskID: "c0ffee", CreatedAt: 1})

	out, err := s.run("runners", "details", "r1")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, `"task_id": "c0ffee"`)

	out, err = s.run("runners", "details", "r1", "-o", "yaml")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "state: RUNNING")

	_, err = s.run("runners", "details", "r1", "-o", "xml")
	require.Error(s.T(), err)
}

func (s *CLISuite) TestRunnersDetails_NotFound() {
	_, err := s.run("runners", "details", "missing")
	require.Error(s.T(), err)
}

func (s *CLISuite) TestRunnersMarkIdle() {
	s.seed(
		&runner.Runner{ID: "r-start", State: runner.StateStarting, CreatedAt: 1},
		&runner.Runner{ID: "r-run", State: runner.StateRunning, CreatedAt: 1},
	)

	out, err := s.run("runners", "mark-idle", "r-start")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "r-start WAITING_FOR_JOB")
	assert.Equal(s.T(), runner.StateWaitingForJob, s.get("r-start").State)

	_, err = s.run("runners", "mark-idle", "r-run")
	require.Error(s.T(), err)
	assert.Equal(s.T(), runner.StateRunning, s.get("r-run").State)
}

func (s *CLISuite) TestRunnersTerminate_WithoutTask() {
	s.seed(&runner.Runner{ID: "r1", State: runner.StateWaitingForJob, CreatedAt: 1})

	out, err := s.run("runners", "terminate", "r1", "--reason", "stuck")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "r1 OFFLINE")
	assert.Equal(s.T(), runner.StateOffline, s.get("r1").State)
}

func (s *CLISuite) TestClassSizes() {
	out, err := s.run("class-sizes")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "CLASS")
	assert.Contains(s.T(), out, "large")
	assert.Contains(s.T(), out, "4096")
	assert.Less(s.T(), bytes.Index([]byte(out), []byte("large")), bytes.Index([]byte(out), []byte("small")))

	out, err = s.run("class-sizes", "-o", "json")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, `"memory": 1024`)
}

func (s *CLISuite) TestJanitorOnce() {
	now := time.Now().Unix()
	s.seed(
		&runner.Runner{ID: "stale", State: runner.StateStarting, CreatedAt: now - 7200},
		&runner.Runner{ID: "fresh", State: runner.StateStarting, CreatedAt: now - 60},
		&runner.Runner{ID: "done", State: runner.StateOffline, CreatedAt: now - 7200},
	)

	out, err := s.run("janitor", "--once")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "scanned 3, cleaned 1, failed 0")
	assert.Equal(s.T(), runner.StateFailed, s.get("stale").State)
	assert.Equal(s.T(), runner.StateStarting, s.get("fresh").State)
	assert.Equal(s.T(), runner.StateOffline, s.get("done").State)
}

func (s *CLISuite) TestJanitorOnce_TTLFlag() {
	now := time.Now().Unix()
	s.seed(&runner.Runner{ID: "r1", State: runner.StateStarting, CreatedAt: now - 600})

	out, err := s.run("janitor", "--once", "--ttl", "5m")
	require.NoError(s.T(), err)
	assert.Contains(s.T(), out, "cleaned 1")
}

func (s *CLISuite) TestServe_RequiresWebhookSecret() {
	_, err := s.run("serve")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "webhook.secret")
}

func (s *CLISuite) TestInvalidConfig() {
	_, err := s.run("runners", "list", "--store", "redis")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "invalid configuration")
}

func TestApplyFlagOverrides(t *testing.T) {
	newRootCmd()
	flagOverrides.Store.Type = config.StoreMemory
	flagOverrides.Logging.Level = "debug"
	flagOverrides.Janitor.TTL = 5 * time.Minute

	cfg := &config.Config{Store: config.StoreConfig{Type: config.StoreDynamoDB, Table: "t"}}
	applyFlagOverrides(cfg)
	assert.Equal(t, config.StoreMemory, cfg.Store.Type)
	assert.Equal(t, "t", cfg.Store.Table)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Minute, cfg.Janitor.TTL)
}

func TestFormatUnix(t *testing.T) {
	assert.Equal(t, "-", formatUnix(nil))
	assert.Equal(t, "-", formatUnix(runner.Int64(0)))
	assert.Equal(t, "1970-01-01T00:00:10Z", formatUnix(runner.Int64(10)))
}
