package github

import (
	"context"
	"fmt"

	gh "github.com/google/go-github/v68/github"
)

// TokenProvider issues classic runner registration tokens through the
// REST API.  With an empty repo the token is organization-scoped.
type TokenProvider struct {
	client *gh.Client
	owner  string
	repo   string
}

// Compile-time check.
var _ CredentialProvider = (*TokenProvider)(nil)

// NewTokenProvider returns a provider for owner/repo.
func NewTokenProvider(client *gh.Client, owner, repo string) *TokenProvider {
	return &TokenProvider{client: client, owner: owner, repo: repo}
}

// Credential implements CredentialProvider.  The runner name is not part
// of a registration token; the runner registers itself under RUNNER_NAME.
func (p *TokenProvider) Credential(ctx context.Context, _ string) (Credential, error) {
	var (
		tok *gh.RegistrationToken
		err error
	)
	if p.repo == "" {
		tok, _, err = p.client.Actions.CreateOrganizationRegistrationToken(ctx, p.owner)
	} else {
		tok, _, err = p.client.Actions.CreateRegistrationToken(ctx, p.owner, p.repo)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("create registration token for %s: %w", p.target(), err)
	}
	if tok.GetToken() == "" {
		return Credential{}, fmt.Errorf("create registration token for %s: empty token", p.target())
	}
	return Credential{EnvName: EnvRunnerToken, Value: tok.GetToken()}, nil
}

func (p *TokenProvider) target() string {
	if p.repo == "" {
		return p.owner
	}
	return p.owner + "/" + p.repo
}
