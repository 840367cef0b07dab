// Package ecs implements the engine.Engine interface on Amazon ECS,
// running each ephemeral runner as a Fargate task.
package ecs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ecsrunner/internal/awsutil"
	"github.com/terrpan/ecsrunner/internal/engine"
)

// Defaults for task definitions registered by EnsureTemplate.
const (
	DefaultContainerName = "runner"
	DefaultCPU           = 1024
	DefaultMemory        = 2048
)

// API is the subset of the ECS client the engine uses.
type API interface {
	DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput, opts ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, in *ecs.RegisterTaskDefinitionInput, opts ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	RunTask(ctx context.Context, in *ecs.RunTaskInput, opts ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, opts ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
}

// Config holds ECS-specific engine settings.
type Config struct {
	// Cluster is the cluster name or ARN (required).
	Cluster string

	// Subnets and SecurityGroups form the awsvpc network configuration.
	Subnets        []string
	SecurityGroups []string

	// AssignPublicIP gives each task a public address.  Tasks in public
	// subnets without a NAT gateway need it to reach GitHub.
	AssignPublicIP bool

	// ExecutionRoleARN lets ECS pull the image and write logs.
	ExecutionRoleARN string

	// TaskRoleARN is assumed by the runner container (optional).
	TaskRoleARN string

	// ContainerName is the runner container's name.  Default: "runner".
	ContainerName string

	// CPU and Memory are the task definition defaults.  Default: 1024/2048.
	CPU    int32
	Memory int32

	// LogGroup enables the awslogs driver when set.
	LogGroup  string
	LogRegion string
}

// Engine runs runners as ECS Fargate tasks.
type Engine struct {
	api    API
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an ECS engine.
func New(api API, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Cluster == "" {
		return nil, fmt.Errorf("ecs cluster is required")
	}
	if len(cfg.Subnets) == 0 {
		return nil, fmt.Errorf("ecs subnets are required for awsvpc networking")
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = DefaultContainerName
	}
	if cfg.CPU == 0 {
		cfg.CPU = DefaultCPU
	}
	if cfg.Memory == 0 {
		cfg.Memory = DefaultMemory
	}

	logger.Info("ecs engine initialized",
		slog.String("cluster", cfg.Cluster),
		slog.Int("subnets", len(cfg.Subnets)),
		slog.Bool("public_ip", cfg.AssignPublicIP),
	)

	return &Engine{
		api:    api,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ecsrunner/engine/ecs"),
	}, nil
}

// NewFromConfig builds the ECS client from an aws.Config.
func NewFromConfig(awsCfg aws.Config, cfg Config, logger *slog.Logger) (*Engine, error) {
	return New(ecs.NewFromConfig(awsCfg), cfg, logger)
}

// EnsureTemplate returns the ARN of the latest revision of family when it
// already points at imageURI, and registers a new revision otherwise.
func (e *Engine) EnsureTemplate(ctx context.Context, family, imageURI string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ecs.EnsureTemplate")
	defer span.End()

	span.SetAttributes(
		attribute.String("ecs.family", family),
		attribute.String("ecs.image", imageURI),
	)

	out, err := e.api.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(family),
	})
	switch {
	case err == nil && out.TaskDefinition != nil:
		if e.matches(out.TaskDefinition, imageURI) {
			arn := aws.ToString(out.TaskDefinition.TaskDefinitionArn)
			span.SetAttributes(attribute.Bool("ecs.registered", false))
			return arn, nil
		}
		e.logger.Info("task definition image changed, registering new revision",
			slog.String("family", family),
			slog.String("image", imageURI),
		)
	case err != nil && !isMissingTaskDefinition(err):
		return "", fmt.Errorf("describe task definition %s: %w", family, err)
	}

	reg, err := e.api.RegisterTaskDefinition(ctx, e.taskDefinition(family, imageURI))
	if err != nil {
		return "", fmt.Errorf("register task definition %s: %w", family, err)
	}
	arn := aws.ToString(reg.TaskDefinition.TaskDefinitionArn)

	span.SetAttributes(attribute.Bool("ecs.registered", true))
	e.logger.Info("task definition registered",
		slog.String("family", family),
		slog.String("arn", arn),
	)
	return arn, nil
}

func (e *Engine) matches(td *types.TaskDefinition, imageURI string) bool {
	for _, c := range td.ContainerDefinitions {
		if aws.ToString(c.Name) == e.cfg.ContainerName {
			return aws.ToString(c.Image) == imageURI
		}
	}
	return false
}

func (e *Engine) taskDefinition(family, imageURI string) *ecs.RegisterTaskDefinitionInput {
	container := types.ContainerDefinition{
		Name:      aws.String(e.cfg.ContainerName),
		Image:     aws.String(imageURI),
		Essential: aws.Bool(true),
	}
	if e.cfg.LogGroup != "" {
		opts := map[string]string{
			"awslogs-group":         e.cfg.LogGroup,
			"awslogs-stream-prefix": family,
		}
		if e.cfg.LogRegion != "" {
			opts["awslogs-region"] = e.cfg.LogRegion
		}
		container.LogConfiguration = &types.LogConfiguration{
			LogDriver: types.LogDriverAwslogs,
			Options:   opts,
		}
	}

	in := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(family),
		RequiresCompatibilities: []types.Compatibility{types.CompatibilityFargate},
		NetworkMode:             types.NetworkModeAwsvpc,
		Cpu:                     aws.String(strconv.Itoa(int(e.cfg.CPU))),
		Memory:                  aws.String(strconv.Itoa(int(e.cfg.Memory))),
		ContainerDefinitions:    []types.ContainerDefinition{container},
	}
	if e.cfg.ExecutionRoleARN != "" {
		in.ExecutionRoleArn = aws.String(e.cfg.ExecutionRoleARN)
	}
	if e.cfg.TaskRoleARN != "" {
		in.TaskRoleArn = aws.String(e.cfg.TaskRoleARN)
	}
	return in
}

// RunTask launches one Fargate task from spec.Template.
func (e *Engine) RunTask(ctx context.Context, spec engine.TaskSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ecs.RunTask")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("ecs.cluster", e.cfg.Cluster),
		attribute.String("ecs.task_definition", spec.Template),
	)

	assignPublicIP := types.AssignPublicIpDisabled
	if e.cfg.AssignPublicIP {
		assignPublicIP = types.AssignPublicIpEnabled
	}

	override := types.ContainerOverride{
		Name:        aws.String(e.cfg.ContainerName),
		Environment: keyValuePairs(spec.Env),
	}
	overrides := &types.TaskOverride{
		ContainerOverrides: []types.ContainerOverride{override},
	}
	if spec.Size != nil {
		overrides.Cpu = aws.String(strconv.Itoa(int(spec.Size.CPU)))
		overrides.Memory = aws.String(strconv.Itoa(int(spec.Size.Memory)))
		overrides.ContainerOverrides[0].Cpu = aws.Int32(spec.Size.CPU)
		overrides.ContainerOverrides[0].Memory = aws.Int32(spec.Size.Memory)
		span.SetAttributes(
			attribute.Int("ecs.cpu", int(spec.Size.CPU)),
			attribute.Int("ecs.memory", int(spec.Size.Memory)),
		)
	}

	out, err := e.api.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(e.cfg.Cluster),
		TaskDefinition: aws.String(spec.Template),
		LaunchType:     types.LaunchTypeFargate,
		Count:          aws.Int32(1),
		StartedBy:      aws.String("ecsrunner"),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        e.cfg.Subnets,
				SecurityGroups: e.cfg.SecurityGroups,
				AssignPublicIp: assignPublicIP,
			},
		},
		Overrides: overrides,
		Tags:      tags(spec.Tags),
	})
	if err != nil {
		return "", fmt.Errorf("run task %s: %w", spec.Name, err)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return "", fmt.Errorf("run task %s: %s (%s)", spec.Name, aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 || aws.ToString(out.Tasks[0].TaskArn) == "" {
		return "", fmt.Errorf("run task %s: scheduler returned no task", spec.Name)
	}

	arn := aws.ToString(out.Tasks[0].TaskArn)
	span.SetAttributes(attribute.String("ecs.task_arn", arn))
	e.logger.Info("runner task started",
		slog.String("name", spec.Name),
		slog.String("taskArn", arn),
	)
	return arn, nil
}

// StopTask stops the task.  A task ECS no longer knows about counts as
// stopped.
func (e *Engine) StopTask(ctx context.Context, taskID, reason string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ecs.StopTask")
	defer span.End()

	span.SetAttributes(
		attribute.String("ecs.task_arn", taskID),
		attribute.String("ecs.stop_reason", reason),
	)

	_, err := e.api.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(e.cfg.Cluster),
		Task:    aws.String(taskID),
		Reason:  aws.String(reason),
	})
	if err != nil {
		if isMissingTask(err) {
			span.AddEvent("task already gone (idempotent)")
			e.logger.Info("runner task already stopped", slog.String("taskArn", taskID))
			return nil
		}
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}

	e.logger.Info("runner task stopped",
		slog.String("taskArn", taskID),
		slog.String("reason", reason),
	)
	return nil
}

func keyValuePairs(env map[string]string) []types.KeyValuePair {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}

func tags(m map[string]string) []types.Tag {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

// isMissingTaskDefinition reports whether DescribeTaskDefinition failed
// because the family has no active revision.  ECS reports this as a
// ClientException; other ClientExceptions (access, validation) are real
// failures.
func isMissingTaskDefinition(err error) bool {
	if awsutil.ErrorCode(err) != "ClientException" {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unable to describe task definition")
}

func isMissingTask(err error) bool {
	switch awsutil.ErrorCode(err) {
	case "InvalidParameterException", "ClientException":
		return strings.Contains(strings.ToLower(err.Error()), "not found")
	}
	return false
}
