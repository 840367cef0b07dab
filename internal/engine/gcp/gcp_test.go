package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ecsrunner/internal/engine"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	closed      bool

	insertErr error // returned by Insert
	insertOp  operationWaiter
	deleteErr error // returned by Delete
	deleteOp  operationWaiter
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Mock closer (operations client)
// ---------------------------------------------------------------------------

type mockCloser struct {
	closed bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx      context.Context
	client   *mockInstancesClient
	opCloser *mockCloser
	logger   *slog.Logger
	cfg      Config
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.opCloser = &mockCloser{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-medium",
		MachineTypes: map[string]string{
			"large": "e2-standard-8",
		},
		BootImage:  "projects/cos-cloud/global/images/family/cos-stable",
		DiskSizeGB: 50,
		Network:    "default",
		PublicIP:   true,
	}
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.opCloser, s.cfg, s.logger)
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

func (s *GCPEngineSuite) spec(name string) engine.TaskSpec {
	return engine.TaskSpec{
		Template: "us-docker.pkg.dev/p/runners/ubuntu:22",
		Name:     name,
		Env:      map[string]string{"RUNNER_TOKEN": "tok", "RUNNER_NAME": name},
		Tags:     map[string]string{engine.TagRunnerID: "0190ABCD"},
	}
}

// ---------------------------------------------------------------------------
// RunTask tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestRunTask_Success() {
	e := s.newEngine()

	id, err := e.RunTask(s.ctx, s.spec("runner-abc123"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "runner-abc123", id) // GCP uses instance name as ID

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "runner-abc123", inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-medium")
	assert.Equal(s.T(), "0190abcd", inst.GetLabels()["ecsrunner-runner-id"])

	// The container declaration carries the image and environment.
	var raw string
	for _, item := range inst.GetMetadata().GetItems() {
		if item.GetKey() == containerDeclarationKey {
			raw = item.GetValue()
		}
	}
	require.NotEmpty(s.T(), raw, "container declaration should be in instance metadata")

	var decl containerDeclaration
	require.NoError(s.T(), yaml.Unmarshal([]byte(raw), &decl))
	require.Len(s.T(), decl.Spec.Containers, 1)
	c := decl.Spec.Containers[0]
	assert.Equal(s.T(), "us-docker.pkg.dev/p/runners/ubuntu:22", c.Image)
	assert.Equal(s.T(), []declaredEnv{
		{Name: "RUNNER_NAME", Value: "runner-abc123"},
		{Name: "RUNNER_TOKEN", Value: "tok"},
	}, c.Env)
	assert.Equal(s.T(), "Never", decl.Spec.RestartPolicy)
}

func (s *GCPEngineSuite) TestRunTask_ClassMachineType() {
	e := s.newEngine()

	spec := s.spec("runner-large")
	spec.Class = "large"
	_, err := e.RunTask(s.ctx, spec)
	require.NoError(s.T(), err)
	assert.Contains(s.T(), s.client.insertCalls[0].GetInstanceResource().GetMachineType(), "e2-standard-8")

	spec = s.spec("runner-unknown")
	spec.Class = "gigantic"
	_, err = e.RunTask(s.ctx, spec)
	require.NoError(s.T(), err)
	assert.Contains(s.T(), s.client.insertCalls[1].GetInstanceResource().GetMachineType(), "e2-medium")
}

func (s *GCPEngineSuite) TestRunTask_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-disk"))
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.BootImage, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-balanced")
}

func (s *GCPEngineSuite) TestRunTask_PublicIP() {
	s.cfg.PublicIP = true
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-pub"))
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Len(s.T(), nic.GetAccessConfigs(), 1, "should have access config for public IP")
}

func (s *GCPEngineSuite) TestRunTask_NoPublicIP() {
	s.cfg.PublicIP = false
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-priv"))
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs(), "should have no access configs without public IP")
}

func (s *GCPEngineSuite) TestRunTask_CustomSubnet() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/my-subnet"
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-subnet"))
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Equal(s.T(), s.cfg.Subnet, nic.GetSubnetwork())
}

func (s *GCPEngineSuite) TestRunTask_ServiceAccount() {
	s.cfg.ServiceAccount = "runner@test-project.iam.gserviceaccount.com"
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-sa"))
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), "runner@test-project.iam.gserviceaccount.com", sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCPEngineSuite) TestRunTask_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-fail"))
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
}

func (s *GCPEngineSuite) TestRunTask_OperationWaitError() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()

	_, err := e.RunTask(s.ctx, s.spec("runner-timeout"))
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
}

func (s *GCPEngineSuite) TestEnsureTemplate_PassesImageThrough() {
	e := s.newEngine()

	ref, err := e.EnsureTemplate(s.ctx, "github-runner-x", "img:1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "img:1", ref)

	_, err = e.EnsureTemplate(s.ctx, "github-runner-x", "")
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// StopTask tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestStopTask_Success() {
	e := s.newEngine()

	err := e.StopTask(s.ctx, "runner-destroy", "job completed")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "runner-destroy", req.GetInstance())
}

func (s *GCPEngineSuite) TestStopTask_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	e := s.newEngine()

	err := e.StopTask(s.ctx, "runner-gone", "ttl")
	require.NoError(s.T(), err, "404 on Delete should be treated as success")
}

func (s *GCPEngineSuite) TestStopTask_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	e := s.newEngine()

	err := e.StopTask(s.ctx, "runner-race", "ttl")
	require.NoError(s.T(), err, "404 during Wait should be treated as success")
}

func (s *GCPEngineSuite) TestStopTask_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	e := s.newEngine()

	err := e.StopTask(s.ctx, "runner-perms", "ttl")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestClose_ClosesClients() {
	e := s.newEngine()

	require.NoError(s.T(), e.Close())
	assert.True(s.T(), s.client.closed)
	assert.True(s.T(), s.opCloser.closed)
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestIsNotFound() {
	assert.False(s.T(), isNotFound(nil))
	assert.True(s.T(), isNotFound(fmt.Errorf("googleapi: Error 404: The resource was not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("rpc error: code = NotFound desc = instance not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("some error with notFound in the message")))
	assert.False(s.T(), isNotFound(fmt.Errorf("permission denied: insufficient IAM permissions")))
}

func (s *GCPEngineSuite) TestInstanceName() {
	assert.Equal(s.T(), "runner-0190abcd", instanceName("runner-0190ABCD"))
	assert.Equal(s.T(), "r-0190abcd", instanceName("0190abcd"))
	assert.Equal(s.T(), "runner-a-b", instanceName("runner.a_b"))
	long := instanceName("runner-" + strings.Repeat("x", 100))
	assert.LessOrEqual(s.T(), len(long), 63)
}

func (s *GCPEngineSuite) TestLabels() {
	got := labels(map[string]string{
		engine.TagRunnerID: "0190ABCD-ef",
		engine.TagImageTag: "ubuntu-22-04",
	})
	assert.Equal(s.T(), map[string]string{
		"ecsrunner-runner-id": "0190abcd-ef",
		"ecsrunner-image-tag": "ubuntu-22-04",
	}, got)
	assert.Nil(s.T(), labels(nil))
}
