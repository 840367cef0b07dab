// Package github obtains the credentials a freshly launched runner needs to
// register with GitHub Actions.
//
// Two flavours are supported: a classic registration token (the runner
// calls config.sh with it) and a just-in-time runner config issued for a
// runner scale set.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// Environment variable names the runner image reads its credential from.
const (
	EnvRunnerToken = "RUNNER_TOKEN"
	EnvJITConfig   = "ACTIONS_RUNNER_INPUT_JITCONFIG"
)

// Credential is a secret handed to a runner through its environment.
type Credential struct {
	EnvName string
	Value   string
}

// CredentialProvider issues a registration credential for one runner.
type CredentialProvider interface {
	Credential(ctx context.Context, runnerName string) (Credential, error)
}

// NewClient returns a go-github client authenticated with token.  A
// non-empty baseURL targets a GitHub Enterprise Server instance.
func NewClient(ctx context.Context, token, baseURL string) (*gh.Client, error) {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := gh.NewClient(httpClient)
	if baseURL == "" || baseURL == "https://github.com" || baseURL == "https://api.github.com" {
		return client, nil
	}
	return client.WithEnterpriseURLs(baseURL, baseURL)
}

// ParseRepository splits "owner/repo" (or just "owner" for an
// organization-level registration).
func ParseRepository(s string) (owner, repo string, err error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return "", "", fmt.Errorf("empty repository")
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid repository %q", s)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid repository %q: want owner/repo or org", s)
	}
}
