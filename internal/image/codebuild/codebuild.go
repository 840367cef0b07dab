// Package codebuild implements image.Builder on AWS CodeBuild.  The build
// project is expected to push the image and emit an image-build event with
// the runner id when it finishes.
package codebuild

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"

	"github.com/terrpan/ecsrunner/internal/image"
)

// Environment variables passed to the build project.
const (
	EnvBaseImage  = "BASE_IMAGE"
	EnvTag        = "TAG"
	EnvRepository = "REPOSITORY"
	EnvEventBus   = "EVENT_BUS_NAME"
	EnvRunnerID   = "RUNNER_ID"
)

// API is the subset of the CodeBuild client used here.
type API interface {
	StartBuild(ctx context.Context, params *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
}

// Builder starts builds of one CodeBuild project.
type Builder struct {
	api     API
	project string
}

// Compile-time check.
var _ image.Builder = (*Builder)(nil)

// New returns a Builder for project.
func New(api API, project string) (*Builder, error) {
	if project == "" {
		return nil, errors.New("codebuild: project is required")
	}
	return &Builder{api: api, project: project}, nil
}

// NewFromConfig builds a Builder from an AWS config.
func NewFromConfig(awsCfg aws.Config, project string) (*Builder, error) {
	return New(codebuild.NewFromConfig(awsCfg), project)
}

// StartBuild implements image.Builder and returns the CodeBuild build id.
func (b *Builder) StartBuild(ctx context.Context, req image.BuildRequest) (string, error) {
	out, err := b.api.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName: aws.String(b.project),
		EnvironmentVariablesOverride: []types.EnvironmentVariable{
			plaintext(EnvBaseImage, req.BaseImage),
			plaintext(EnvTag, req.Tag),
			plaintext(EnvRepository, req.Repository),
			plaintext(EnvEventBus, req.EventBus),
			plaintext(EnvRunnerID, req.RunnerID),
		},
	})
	if err != nil {
		return "", fmt.Errorf("start build %s: %w", b.project, err)
	}
	if out.Build == nil || aws.ToString(out.Build.Id) == "" {
		return "", fmt.Errorf("start build %s: no build id returned", b.project)
	}
	return aws.ToString(out.Build.Id), nil
}

func plaintext(name, value string) types.EnvironmentVariable {
	return types.EnvironmentVariable{
		Name:  aws.String(name),
		Value: aws.String(value),
		Type:  types.EnvironmentVariableTypePlaintext,
	}
}
