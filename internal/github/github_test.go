package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/actions/scaleset"
	gh "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Registration token provider
// ---------------------------------------------------------------------------

type TokenProviderSuite struct {
	suite.Suite
	server *httptest.Server
	client *gh.Client

	mu    sync.Mutex
	paths []string
	auth  []string
	fail  bool
}

func TestTokenProviderSuite(t *testing.T) {
	suite.Run(t, new(TokenProviderSuite))
}

func (s *TokenProviderSuite) SetupTest() {
	s.paths = nil
	s.auth = nil
	s.fail = false

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.Method+" "+r.URL.Path)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		fail := s.fail
		s.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"Resource not accessible by integration"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"token":"AABBCC","expires_at":"2030-01-01T00:00:00Z"}`)
	}))

	client, err := NewClient(context.Background(), "ghp_test", "")
	s.Require().NoError(err)
	base, err := url.Parse(s.server.URL + "/")
	s.Require().NoError(err)
	client.BaseURL = base
	s.client = client
}

func (s *TokenProviderSuite) TearDownTest() {
	s.server.Close()
}

func (s *TokenProviderSuite) TestRepositoryToken() {
	p := NewTokenProvider(s.client, "octo", "widgets")
	cred, err := p.Credential(context.Background(), "runner-1")
	s.Require().NoError(err)

	s.Equal(EnvRunnerToken, cred.EnvName)
	s.Equal("AABBCC", cred.Value)
	s.Equal([]string{"POST /repos/octo/widgets/actions/runners/registration-token"}, s.paths)
	s.Equal("Bearer ghp_test", s.auth[0])
}

func (s *TokenProviderSuite) TestOrganizationToken() {
	p := NewTokenProvider(s.client, "octo", "")
	_, err := p.Credential(context.Background(), "runner-1")
	s.Require().NoError(err)
	s.Equal([]string{"POST /orgs/octo/actions/runners/registration-token"}, s.paths)
}

func (s *TokenProviderSuite) TestAPIError() {
	s.fail = true
	p := NewTokenProvider(s.client, "octo", "widgets")
	_, err := p.Credential(context.Background(), "runner-1")
	s.Require().Error(err)
	s.Contains(err.Error(), "octo/widgets")
}

// ---------------------------------------------------------------------------
// JIT provider
// ---------------------------------------------------------------------------

type mockJitGenerator struct {
	mu       sync.Mutex
	settings []*scaleset.RunnerScaleSetJitRunnerSetting
	ids      []int
	err      error
	empty    bool
}

func (m *mockJitGenerator) GenerateJitRunnerConfig(
	_ context.Context,
	setting *scaleset.RunnerScaleSetJitRunnerSetting,
	scaleSetID int,
) (*scaleset.RunnerScaleSetJitRunnerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	m.settings = append(m.settings, setting)
	m.ids = append(m.ids, scaleSetID)
	if m.empty {
		return &scaleset.RunnerScaleSetJitRunnerConfig{}, nil
	}
	return &scaleset.RunnerScaleSetJitRunnerConfig{
		EncodedJITConfig: fmt.Sprintf("jit-config-for-%s", setting.Name),
	}, nil
}

func TestJITProvider_Credential(t *testing.T) {
	gen := &mockJitGenerator{}
	p := NewJITProvider(gen, 42)

	cred, err := p.Credential(context.Background(), "runner-abc")
	require.NoError(t, err)
	assert.Equal(t, EnvJITConfig, cred.EnvName)
	assert.Equal(t, "jit-config-for-runner-abc", cred.Value)
	assert.Equal(t, []int{42}, gen.ids)
	assert.Equal(t, "runner-abc", gen.settings[0].Name)
}

func TestJITProvider_Errors(t *testing.T) {
	_, err := NewJITProvider(&mockJitGenerator{err: errors.New("boom")}, 1).Credential(context.Background(), "r")
	assert.ErrorContains(t, err, "boom")

	_, err = NewJITProvider(&mockJitGenerator{empty: true}, 1).Credential(context.Background(), "r")
	assert.ErrorContains(t, err, "empty config")
}

// ---------------------------------------------------------------------------
// Scale set registration
// ---------------------------------------------------------------------------

type mockScaleSetAPI struct {
	mu      sync.Mutex
	created []*scaleset.RunnerScaleSet
	lookups []string
}

func (m *mockScaleSetAPI) GetRunnerGroupByName(_ context.Context, name string) (*scaleset.RunnerGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, name)
	return &scaleset.RunnerGroup{ID: 7, Name: name}, nil
}

func (m *mockScaleSetAPI) CreateRunnerScaleSet(_ context.Context, set *scaleset.RunnerScaleSet) (*scaleset.RunnerScaleSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, set)
	out := *set
	out.ID = 99
	return &out, nil
}

func TestRegisterScaleSet(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	api := &mockScaleSetAPI{}
	id, err := RegisterScaleSet(context.Background(), api, ScaleSetConfig{
		Name:        "ecs-runners",
		RunnerGroup: "ci",
		Labels:      []string{"self-hosted", "ecs"},
	}, logger)
	require.NoError(t, err)

	assert.Equal(t, 99, id)
	assert.Equal(t, []string{"ci"}, api.lookups)
	require.Len(t, api.created, 1)
	assert.Equal(t, 7, api.created[0].RunnerGroupID)
	assert.Len(t, api.created[0].Labels, 2)
	assert.True(t, api.created[0].RunnerSetting.DisableUpdate)

	// Default group skips the lookup and labels fall back to the name.
	api = &mockScaleSetAPI{}
	_, err = RegisterScaleSet(context.Background(), api, ScaleSetConfig{Name: "ecs-runners"}, logger)
	require.NoError(t, err)
	assert.Empty(t, api.lookups)
	assert.Equal(t, 1, api.created[0].RunnerGroupID)
	assert.Equal(t, "ecs-runners", api.created[0].Labels[0].Name)
}

func TestParseRepository(t *testing.T) {
	tests := []struct {
		in          string
		owner, repo string
		wantErr     bool
	}{
		{in: "octo/widgets", owner: "octo", repo: "widgets"},
		{in: "octo", owner: "octo"},
		{in: "/octo/widgets/", owner: "octo", repo: "widgets"},
		{in: "", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := ParseRepository(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

func TestNewClient_Enterprise(t *testing.T) {
	client, err := NewClient(context.Background(), "", "https://ghe.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/", client.BaseURL.String())
}
