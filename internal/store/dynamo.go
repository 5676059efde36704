package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	sessionPKPrefix = "#SESSION#"
	jobPKPrefix     = "#JOB#"
	tenantPKPrefix  = "TENANT#"
	skMeta          = "META"
	skItem          = "ITEM#"

	// gsi1Name resolves jobs by session. GSI1PK = TENANT#{t}#SESSION#{s},
	// GSI1SK = JOB#{jobId}.
	gsi1Name     = "GSI1"
	gsi1SKPrefix = "JOB#"
)

// DynamoStore implements Store using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

// sessionPK returns the partition key for a session aggregate and its items.
func sessionPK(tenantID, sessionID string) string {
	return tenantPKPrefix + tenantID + sessionPKPrefix + sessionID
}

// jobPK returns the partition key for a job record and its item states.
func jobPK(tenantID, jobID string) string {
	return tenantPKPrefix + tenantID + jobPKPrefix + jobID
}

// expiresAt returns the Unix epoch timestamp for record expiration (now + RecordTTL).
func expiresAt() int64 {
	return time.Now().Add(RecordTTL).Unix()
}

// isConditionalCheckFailed reports whether err is DynamoDB rejecting a
// conditional write.
func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// putItemIfAbsent marshals a domain object and writes it with PK, SK, and TTL,
// conditioned on the record not existing yet. Returns ErrConditionFailed when
// another actor already created it. The domain object should use
// dynamodbav:"-" for fields derived from PK/SK.
func (s *DynamoStore) putItemIfAbsent(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	// Add key and TTL attributes (overwrite any conflicting keys from the data).
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item from DynamoDB and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// queryBySKPrefix queries all items under a partition where SK begins with
// the given prefix. Returns raw DynamoDB items for flexible processing by the
// caller.
func (s *DynamoStore) queryBySKPrefix(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue

	// Handle pagination — DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allItems, nil
}

// applyUpdate runs one UpdateItem call built from an updateExpr, mapping a
// rejected condition to ErrConditionFailed.
func (s *DynamoStore) applyUpdate(ctx context.Context, pk, sk string, expr *updateExpr) error {
	input := &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:          aws.String(expr.expression()),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
	}
	if expr.condition != "" {
		input.ConditionExpression = aws.String(expr.condition)
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("UpdateItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// --- Upload session operations ---

func (s *DynamoStore) CreateSession(ctx context.Context, session *UploadSession) error {
	now := time.Now().Unix()
	if session.CreatedAt == 0 {
		session.CreatedAt = now
	}
	if session.UpdatedAt == 0 {
		session.UpdatedAt = now
	}
	if session.Status == "" {
		session.Status = SessionCollecting
	}

	if err := s.putItemIfAbsent(ctx, sessionPK(session.TenantID, session.ID), skMeta, session); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return err
		}
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}

	log.Debug().
		Str("tenantId", session.TenantID).
		Str("sessionId", session.ID).
		Str("status", session.Status).
		Msg("Session created in DynamoDB")
	return nil
}

func (s *DynamoStore) GetSession(ctx context.Context, tenantID, sessionID string) (*UploadSession, error) {
	var session UploadSession
	found, err := s.getItem(ctx, sessionPK(tenantID, sessionID), skMeta, &session)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if !found {
		return nil, nil
	}

	session.TenantID = tenantID
	session.ID = sessionID
	return &session, nil
}

func (s *DynamoStore) AddSessionItem(ctx context.Context, item *SessionItem) (bool, error) {
	pk := sessionPK(item.TenantID, item.SessionID)

	err := s.putItemIfAbsent(ctx, pk, skItem+item.ObjectKey, item)
	if errors.Is(err, ErrConditionFailed) {
		// Duplicate delivery. The item is already a member; do not bump the count.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add session item %s/%s: %w", item.SessionID, item.ObjectKey, err)
	}

	// First sight: bump the aggregate count in a separate atomic increment.
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("ADD itemCount :one SET updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("bump item count %s: %w", item.SessionID, err)
	}

	log.Debug().
		Str("tenantId", item.TenantID).
		Str("sessionId", item.SessionID).
		Str("objectKey", item.ObjectKey).
		Msg("Session item recorded")
	return true, nil
}

func (s *DynamoStore) ListSessionItems(ctx context.Context, tenantID, sessionID string) ([]SessionItem, error) {
	raw, err := s.queryBySKPrefix(ctx, sessionPK(tenantID, sessionID), skItem)
	if err != nil {
		return nil, fmt.Errorf("list session items %s: %w", sessionID, err)
	}

	items := make([]SessionItem, 0, len(raw))
	for _, av := range raw {
		var item SessionItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("unmarshal session item: %w", err)
		}
		item.TenantID = tenantID
		item.SessionID = sessionID
		if sk, ok := av["SK"].(*types.AttributeValueMemberS); ok {
			item.ObjectKey = sk.Value[len(skItem):]
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *DynamoStore) SetCompletionMarker(ctx context.Context, tenantID, sessionID string, at int64) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(tenantID, sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET completionMarkerAt = :at, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_not_exists(completionMarkerAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":  &types.AttributeValueMemberN{Value: strconv.FormatInt(at, 10)},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// Marker already anchored by an earlier delivery.
			return false, nil
		}
		return false, fmt.Errorf("set completion marker %s: %w", sessionID, err)
	}

	log.Debug().
		Str("tenantId", tenantID).
		Str("sessionId", sessionID).
		Int64("markerAt", at).
		Msg("Completion marker set")
	return true, nil
}

func (s *DynamoStore) UpdateSessionStatus(ctx context.Context, tenantID, sessionID, status string, allowedFrom ...string) error {
	patch := JobPatch{Status: &status, StatusIf: allowedFrom}
	expr, err := buildJobUpdate(patch, time.Now().Unix())
	if err != nil {
		return err
	}

	if err := s.applyUpdate(ctx, sessionPK(tenantID, sessionID), skMeta, expr); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return err
		}
		return fmt.Errorf("update session status %s -> %s: %w", sessionID, status, err)
	}

	log.Debug().
		Str("tenantId", tenantID).
		Str("sessionId", sessionID).
		Str("status", status).
		Msg("Session status updated")
	return nil
}

// --- Job operations ---

func (s *DynamoStore) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	if job.UpdatedAt == 0 {
		job.UpdatedAt = now
	}
	if job.Status == "" {
		job.Status = JobPending
	}

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pk := jobPK(job.TenantID, job.ID)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["GSI1PK"] = &types.AttributeValueMemberS{Value: sessionPK(job.TenantID, job.SessionID)}
	item["GSI1SK"] = &types.AttributeValueMemberS{Value: gsi1SKPrefix + job.ID}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}

	log.Debug().
		Str("tenantId", job.TenantID).
		Str("jobId", job.ID).
		Str("jobType", job.Type).
		Str("sessionId", job.SessionID).
		Msg("Job created in DynamoDB")
	return nil
}

func (s *DynamoStore) GetJob(ctx context.Context, tenantID, jobID string) (*Job, error) {
	var job Job
	found, err := s.getItem(ctx, jobPK(tenantID, jobID), skMeta, &job)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if !found {
		return nil, nil
	}

	job.TenantID = tenantID
	job.ID = jobID
	return &job, nil
}

func (s *DynamoStore) UpdateJob(ctx context.Context, tenantID, jobID string, patch JobPatch) error {
	expr, err := buildJobUpdate(patch, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("build job update %s: %w", jobID, err)
	}

	if err := s.applyUpdate(ctx, jobPK(tenantID, jobID), skMeta, expr); err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return err
		}
		return fmt.Errorf("update job %s: %w", jobID, err)
	}

	evt := log.Debug().Str("tenantId", tenantID).Str("jobId", jobID)
	if patch.Status != nil {
		evt = evt.Str("status", *patch.Status)
	}
	evt.Msg("Job updated")
	return nil
}

func (s *DynamoStore) QueryJobsBySession(ctx context.Context, tenantID, sessionID string) ([]*Job, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: sessionPK(tenantID, sessionID)},
		},
	}

	var jobs []*Job
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query jobs for session %s: %w", sessionID, err)
		}
		for _, av := range result.Items {
			var job Job
			if err := attributevalue.UnmarshalMap(av, &job); err != nil {
				return nil, fmt.Errorf("unmarshal job: %w", err)
			}
			job.TenantID = tenantID
			if sk, ok := av["GSI1SK"].(*types.AttributeValueMemberS); ok {
				job.ID = sk.Value[len(gsi1SKPrefix):]
			}
			jobs = append(jobs, &job)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return jobs, nil
}

// --- Item state operations ---

func (s *DynamoStore) PutItemStateIfAbsent(ctx context.Context, item *ItemState) (bool, error) {
	err := s.putItemIfAbsent(ctx, jobPK(item.TenantID, item.JobID), skItem+item.Ref, item)
	if errors.Is(err, ErrConditionFailed) {
		// Resume path: the persisted state wins.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("put item state %s/%s: %w", item.JobID, item.Ref, err)
	}
	return true, nil
}

func (s *DynamoStore) GetItemStates(ctx context.Context, tenantID, jobID string) ([]ItemState, error) {
	raw, err := s.queryBySKPrefix(ctx, jobPK(tenantID, jobID), skItem)
	if err != nil {
		return nil, fmt.Errorf("get item states %s: %w", jobID, err)
	}

	states := make([]ItemState, 0, len(raw))
	for _, av := range raw {
		var state ItemState
		if err := attributevalue.UnmarshalMap(av, &state); err != nil {
			return nil, fmt.Errorf("unmarshal item state: %w", err)
		}
		state.TenantID = tenantID
		state.JobID = jobID
		if sk, ok := av["SK"].(*types.AttributeValueMemberS); ok {
			state.Ref = sk.Value[len(skItem):]
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Ref < states[j].Ref })
	return states, nil
}

func (s *DynamoStore) UpdateItemState(ctx context.Context, tenantID, jobID, ref string, patch ItemPatch) error {
	expr := buildItemUpdate(patch)
	if err := s.applyUpdate(ctx, jobPK(tenantID, jobID), skItem+ref, expr); err != nil {
		return fmt.Errorf("update item state %s/%s: %w", jobID, ref, err)
	}
	return nil
}
