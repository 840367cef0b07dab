package sizeclass

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMAPI is the subset of the SSM client used by SSM.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM is a Source reading a JSON table from a Parameter Store parameter.
type SSM struct {
	api       SSMAPI
	parameter string
}

// Compile-time checks.
var (
	_ Source = Static(nil)
	_ Source = (*SSM)(nil)
)

// NewSSM returns a Source reading parameter.
func NewSSM(api SSMAPI, parameter string) *SSM {
	return &SSM{api: api, parameter: parameter}
}

// Load implements Source.
func (s *SSM) Load(ctx context.Context) (Table, error) {
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get parameter %s: %w", s.parameter, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return nil, fmt.Errorf("parameter %s is empty", s.parameter)
	}
	t, err := Parse([]byte(aws.ToString(out.Parameter.Value)))
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", s.parameter, err)
	}
	return t, nil
}
