// Package dedupe remembers which Pub/Sub push deliveries were already
// forwarded to the work queue, so a redelivered developer notification is
// acknowledged without being queued twice.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-purchase-tokens/internal/aws"
)

const (
	DefaultTTL = 48 * time.Hour
	// DefaultLease is how long an in-progress claim blocks redeliveries.
	// A webhook that died mid-request leaves its claim behind; after the
	// lease the message can be claimed again.
	DefaultLease = time.Minute
)

const claimCondition = "attribute_not_exists(message_id) OR #s = :failed OR (#s = :in_progress AND updated_at < :stale)"

// Store encapsulates delivery bookkeeping against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	lease     time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a configured Store. ttlWindow <= 0 means DefaultTTL.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	if ttlWindow <= 0 {
		ttlWindow = DefaultTTL
	}
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		lease:     DefaultLease,
		nowFunc:   time.Now,
	}
}

// Claim marks messageID IN_PROGRESS. It returns false when the message was
// already forwarded or another delivery of it holds a live claim.
func (s *Store) Claim(ctx context.Context, messageID, packageName string) (bool, error) {
	now := s.nowFunc()
	rec := Delivery{
		MessageID:   messageID,
		Status:      StatusInProgress,
		PackageName: packageName,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal delivery: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      awsString(claimCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":      &types.AttributeValueMemberS{Value: StatusFailed},
			":in_progress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":stale":       epoch(now.Add(-s.lease)),
		},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves a delivery by message id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, messageID string) (*Delivery, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       key(messageID),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Delivery
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone records that the message reached the work queue.
func (s *Store) MarkDone(ctx context.Context, messageID string) error {
	return s.mark(ctx, messageID, StatusDone, "")
}

// MarkFailed releases the claim so Pub/Sub's redelivery is forwarded.
func (s *Store) MarkFailed(ctx context.Context, messageID, note string) error {
	return s.mark(ctx, messageID, StatusFailed, note)
}

func (s *Store) mark(ctx context.Context, messageID, status, note string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              key(messageID),
		UpdateExpression: awsString("SET #s = :s, note = :n, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":  &types.AttributeValueMemberS{Value: status},
			":n":  &types.AttributeValueMemberS{Value: note},
			":ua": epoch(s.nowFunc()),
		},
	})
	if err != nil {
		return fmt.Errorf("update item (mark %s): %w", status, err)
	}
	return nil
}

func key(messageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"message_id": &types.AttributeValueMemberS{Value: messageID},
	}
}

func epoch(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// Helper
func awsString(s string) *string { return &s }
