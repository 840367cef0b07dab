// Package ecr implements image.Registry on Amazon ECR.
package ecr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/terrpan/ecsrunner/internal/image"
)

// API is the subset of the ECR client used here.
type API interface {
	DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// Registry looks up tags in a single repository.
type Registry struct {
	api        API
	url        string
	repository string
}

// Compile-time check.
var _ image.Registry = (*Registry)(nil)

// New returns a Registry for repositoryURL, e.g.
// "123456789012.dkr.ecr.us-east-1.amazonaws.com/runners".
func New(api API, repositoryURL string) (*Registry, error) {
	url := strings.TrimRight(repositoryURL, "/")
	if url == "" {
		return nil, errors.New("ecr: repository url is required")
	}
	return &Registry{
		api:        api,
		url:        url,
		repository: RepositoryName(url),
	}, nil
}

// NewFromConfig builds a Registry from an AWS config.
func NewFromConfig(awsCfg aws.Config, repositoryURL string) (*Registry, error) {
	return New(ecr.NewFromConfig(awsCfg), repositoryURL)
}

// RepositoryName returns the repository name part of a repository URL.
func RepositoryName(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// ImageURI implements image.Registry.
func (r *Registry) ImageURI(ctx context.Context, tag string) (string, bool, error) {
	out, err := r.api.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(r.repository),
		ImageIds:       []types.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		var notFound *types.ImageNotFoundException
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("describe image %s:%s: %w", r.repository, tag, err)
	}
	if len(out.ImageDetails) == 0 {
		return "", false, nil
	}
	return r.url + ":" + tag, true, nil
}
