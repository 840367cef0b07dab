// Package dynamo implements store.Store on a DynamoDB table keyed by
// (runner_id, item_id).  Runner records live under item_id "state".
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/awsutil"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
)

const (
	keyRunnerID = "runner_id"
	keyItemID   = "item_id"

	// stateItemID is the sort key value of the runner record row.
	stateItemID = "state"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config holds the DynamoDB store settings.
type Config struct {
	Table  string
	Logger *slog.Logger
}

// Store is a DynamoDB-backed store.Store.
type Store struct {
	api    API
	table  string
	logger *slog.Logger
}

// Compile-time check.
var _ store.Store = (*Store)(nil)

// New returns a Store on cfg.Table using the given client.
func New(api API, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		api:    api,
		table:  cfg.Table,
		logger: logger.WithGroup("dynamodb"),
	}, nil
}

// NewFromConfig builds the DynamoDB client from an aws.Config.
func NewFromConfig(awsCfg aws.Config, cfg Config) (*Store, error) {
	return New(dynamodb.NewFromConfig(awsCfg), cfg)
}

// item is the persisted shape of a runner record.
type item struct {
	RunnerID      string   `dynamodbav:"runner_id"`
	ItemID        string   `dynamodbav:"item_id"`
	State         string   `dynamodbav:"state"`
	Labels        []string `dynamodbav:"labels,omitempty"`
	ImageTag      string   `dynamodbav:"image_tag,omitempty"`
	RegistryTag   string   `dynamodbav:"registry_tag,omitempty"`
	RunnerClass   string   `dynamodbav:"runner_class,omitempty"`
	TaskID        string   `dynamodbav:"task_id,omitempty"`
	BuildID       string   `dynamodbav:"build_id,omitempty"`
	CreatedAt     int64    `dynamodbav:"created_at"`
	UpdatedAt     int64    `dynamodbav:"updated_at,omitempty"`
	StartedAt     *int64   `dynamodbav:"started_at,omitempty"`
	CompletedAt   *int64   `dynamodbav:"completed_at,omitempty"`
	LastHeartbeat *int64   `dynamodbav:"last_heartbeat,omitempty"`
	WorkflowID    string   `dynamodbav:"workflow_job_id,omitempty"`
	JobID         string   `dynamodbav:"job_id,omitempty"`
	JobStatus     string   `dynamodbav:"job_status,omitempty"`
	Repository    string   `dynamodbav:"repository,omitempty"`
	Workflow      string   `dynamodbav:"workflow,omitempty"`
	FailureReason string   `dynamodbav:"failure_reason,omitempty"`
}

func toItem(r *runner.Runner) item {
	return item{
		RunnerID:      r.ID,
		ItemID:        stateItemID,
		State:         string(r.State),
		Labels:        r.Labels,
		ImageTag:      r.ImageTag,
		RegistryTag:   r.RegistryTag,
		RunnerClass:   r.RunnerClass,
		TaskID:        r.TaskID,
		BuildID:       r.BuildID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		LastHeartbeat: r.LastHeartbeat,
		WorkflowID:    r.WorkflowID,
		JobID:         r.JobID,
		JobStatus:     r.JobStatus,
		Repository:    r.Repository,
		Workflow:      r.Workflow,
		FailureReason: r.FailureReason,
	}
}

func (it item) toRunner() (*runner.Runner, error) {
	state, err := runner.ParseState(it.State)
	if err != nil {
		return nil, err
	}
	return &runner.Runner{
		ID:            it.RunnerID,
		State:         state,
		Labels:        it.Labels,
		ImageTag:      it.ImageTag,
		RegistryTag:   it.RegistryTag,
		RunnerClass:   it.RunnerClass,
		TaskID:        it.TaskID,
		BuildID:       it.BuildID,
		CreatedAt:     it.CreatedAt,
		UpdatedAt:     it.UpdatedAt,
		StartedAt:     it.StartedAt,
		CompletedAt:   it.CompletedAt,
		LastHeartbeat: it.LastHeartbeat,
		WorkflowID:    it.WorkflowID,
		JobID:         it.JobID,
		JobStatus:     it.JobStatus,
		Repository:    it.Repository,
		Workflow:      it.Workflow,
		FailureReason: it.FailureReason,
	}, nil
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyRunnerID: &types.AttributeValueMemberS{Value: id},
		keyItemID:   &types.AttributeValueMemberS{Value: stateItemID},
	}
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*runner.Runner, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.wrapError("Get", id, err)
	}
	if len(out.Item) == 0 {
		return nil, apperrors.New("Get", id, apperrors.ErrNotFound, nil)
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, apperrors.New("Get", id, apperrors.ErrStore, err)
	}
	r, err := it.toRunner()
	if err != nil {
		return nil, apperrors.New("Get", id, apperrors.ErrStore, err)
	}
	return r, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, r *runner.Runner) error {
	av, err := attributevalue.MarshalMap(toItem(r))
	if err != nil {
		return apperrors.New("Put", r.ID, apperrors.ErrStore, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return s.wrapError("Put", r.ID, err)
	}
	return nil
}

// PutIf implements store.Store with a condition expression on the
// persisted state attribute.  A missing record fails the condition too.
func (s *Store) PutIf(ctx context.Context, r *runner.Runner, expected runner.State) error {
	av, err := attributevalue.MarshalMap(toItem(r))
	if err != nil {
		return apperrors.New("PutIf", r.ID, apperrors.ErrStore, err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("#s = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
		},
	})
	if err != nil {
		return s.wrapError("PutIf", r.ID, err)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(id),
	}); err != nil {
		return s.wrapError("Delete", id, err)
	}
	return nil
}

// Scan implements store.Store.  The cursor is the runner id of the last
// evaluated key; since item_id is constant it fully determines the key.
func (s *Store) Scan(ctx context.Context, cursor string, limit int) (*store.Page, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		Limit:            aws.Int32(int32(limit)),
		FilterExpression: aws.String("#i = :state"),
		ExpressionAttributeNames: map[string]string{
			"#i": keyItemID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state": &types.AttributeValueMemberS{Value: stateItemID},
		},
	}
	if cursor != "" {
		in.ExclusiveStartKey = key(cursor)
	}

	out, err := s.api.Scan(ctx, in)
	if err != nil {
		return nil, s.wrapError("Scan", "", err)
	}

	page := &store.Page{Runners: make([]*runner.Runner, 0, len(out.Items))}
	for _, raw := range out.Items {
		var it item
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			s.logger.Warn("skipping undecodable record", slog.String("error", err.Error()))
			continue
		}
		r, err := it.toRunner()
		if err != nil {
			s.logger.Warn("skipping record with invalid state",
				slog.String("runner_id", it.RunnerID),
				slog.String("error", err.Error()),
			)
			continue
		}
		page.Runners = append(page.Runners, r)
	}

	if len(out.LastEvaluatedKey) > 0 {
		var last struct {
			RunnerID string `dynamodbav:"runner_id"`
		}
		if err := attributevalue.UnmarshalMap(out.LastEvaluatedKey, &last); err != nil {
			return nil, apperrors.New("Scan", "", apperrors.ErrStore, err)
		}
		page.Next = last.RunnerID
	}
	return page, nil
}

func (s *Store) wrapError(op, id string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return apperrors.New(op, id, apperrors.ErrConflict, nil)
	}
	if awsutil.IsThrottle(err) {
		s.logger.Warn("dynamodb throttled", slog.String("op", op), slog.String("runner_id", id))
	}
	return apperrors.New(op, id, apperrors.ErrStore, err)
}
