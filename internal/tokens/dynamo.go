package tokens

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-purchase-tokens/internal/aws"
)

// GSI names on the purchase tokens table. Both must project ALL attributes.
const (
	StatusExpiryIndex = "status-expiry_at-index" // PK status, SK expiry_at
	UserIndex         = "user_id-index"          // PK user_id, SK created_at
)

// errExpiryRegression means the status matched but the requested expiry was
// earlier than the stored one.
var errExpiryRegression = errors.New("expiry_at would decrease")

// DynamoStore keeps records in the tokens table (PK id) and enforces raw token
// uniqueness through a guard item in the keys table (PK purchase_token).
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	keysTable string
	nowFunc   func() time.Time
	newID     func() string
}

// NewDynamoStore creates a DynamoDB backed Store.
func NewDynamoStore(client aws.DynamoDBAPI, tableName, keysTable string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		keysTable: keysTable,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// tokenKey is the uniqueness guard item.
type tokenKey struct {
	PurchaseToken string    `dynamodbav:"purchase_token"` // PK
	ID            string    `dynamodbav:"id"`
	UserID        string    `dynamodbav:"user_id"`
	CreatedAt     time.Time `dynamodbav:"created_at,unixtime"`
}

// CreatePending writes the guard item and the record in one transaction.
// The guard put is conditioned on attribute_not_exists(purchase_token).
func (s *DynamoStore) CreatePending(ctx context.Context, userID, purchaseToken string, expiryAt time.Time) (*PurchaseToken, error) {
	now := s.nowFunc().UTC().Truncate(time.Second)
	rec := PurchaseToken{
		ID:            s.newID(),
		UserID:        userID,
		PurchaseToken: purchaseToken,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiryAt:      expiryAt.UTC().Truncate(time.Second),
		UpdatedAt:     now,
	}

	recMap, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal purchase token: %w", err)
	}
	keyMap, err := attributevalue.MarshalMap(tokenKey{
		PurchaseToken: purchaseToken,
		ID:            rec.ID,
		UserID:        userID,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token key: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.keysTable,
					Item:                keyMap,
					ConditionExpression: awsString("attribute_not_exists(purchase_token)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                recMap,
					ConditionExpression: awsString("attribute_not_exists(id)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && guardConditionFailed(tce) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}
	return &rec, nil
}

// guardConditionFailed reports whether the cancellation was caused by the
// key guard (first transact item).
func guardConditionFailed(tce *types.TransactionCanceledException) bool {
	if len(tce.CancellationReasons) == 0 {
		return false
	}
	return sdkaws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

// FindByToken resolves the guard item and then the record, both with strongly
// consistent reads.
func (s *DynamoStore) FindByToken(ctx context.Context, purchaseToken string) (*PurchaseToken, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.keysTable,
		Key: map[string]types.AttributeValue{
			"purchase_token": &types.AttributeValueMemberS{Value: purchaseToken},
		},
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get token key: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var key tokenKey
	if err := attributevalue.UnmarshalMap(out.Item, &key); err != nil {
		return nil, fmt.Errorf("unmarshal token key: %w", err)
	}

	rec, err := s.get(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// the guard and record are written in one transaction
		return nil, fmt.Errorf("%w: key for id=%s has no record", ErrNotFound, key.ID)
	}
	return rec, nil
}

func (s *DynamoStore) get(ctx context.Context, id string) (*PurchaseToken, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return unmarshalToken(out.Item)
}

// Transition conditionally moves the record from t.From to t.To.
// On condition failure the old item is returned by DynamoDB, which tells an
// unknown id apart from a lost race.
func (s *DynamoStore) Transition(ctx context.Context, t Transition) (*PurchaseToken, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.update(ctx, t, !t.ExpiryAt.IsZero())
	if errors.Is(err, errExpiryRegression) {
		// keep the stored (later) expiry and retry the status change alone
		rec, err = s.update(ctx, t, false)
	}
	return rec, err
}

func (s *DynamoStore) update(ctx context.Context, t Transition, withExpiry bool) (*PurchaseToken, error) {
	now := s.nowFunc().UTC()
	updateExpr := "SET #s = :to, updated_at = :ua"
	condExpr := "#s = :from"
	values := map[string]types.AttributeValue{
		":to":   &types.AttributeValueMemberS{Value: string(t.To)},
		":from": &types.AttributeValueMemberS{Value: string(t.From)},
		":ua":   epoch(now),
	}
	if withExpiry {
		updateExpr += ", expiry_at = :exp"
		if !t.ReplaceExpiry {
			condExpr += " AND expiry_at <= :exp"
		}
		values[":exp"] = epoch(t.ExpiryAt)
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: t.ID},
		},
		UpdateExpression:                    &updateExpr,
		ConditionExpression:                 &condExpr,
		ExpressionAttributeNames:            map[string]string{"#s": "status"},
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, conditionFailure(ccf.Item, t.From)
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return unmarshalToken(out.Attributes)
}

func conditionFailure(old map[string]types.AttributeValue, from Status) error {
	if len(old) == 0 {
		return ErrNotFound
	}
	current, err := unmarshalToken(old)
	if err != nil {
		return err
	}
	if current.Status != from {
		return ErrStaleState
	}
	return errExpiryRegression
}

// ListExpiredCandidates queries the status/expiry index page by page.
// The index is eventually consistent; Transition re-checks status anyway.
func (s *DynamoStore) ListExpiredCandidates(ctx context.Context, now time.Time) iter.Seq2[PurchaseToken, error] {
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              sdkaws.String(StatusExpiryIndex),
		KeyConditionExpression: awsString("#s = :pending AND expiry_at <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":now":     epoch(now),
		},
	}
	return s.query(ctx, input, "query expired candidates")
}

// ListByUser queries the user index, oldest record first.
func (s *DynamoStore) ListByUser(ctx context.Context, userID string) ([]PurchaseToken, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              sdkaws.String(UserIndex),
		KeyConditionExpression: awsString("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: sdkaws.Bool(true),
	}
	var out []PurchaseToken
	for rec, err := range s.query(ctx, input, "query user tokens") {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *DynamoStore) query(ctx context.Context, input *dyn.QueryInput, op string) iter.Seq2[PurchaseToken, error] {
	return func(yield func(PurchaseToken, error) bool) {
		p := dyn.NewQueryPaginator(s.client, input)
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield(PurchaseToken{}, fmt.Errorf("%s: %w", op, err))
				return
			}
			for _, item := range page.Items {
				rec, err := unmarshalToken(item)
				if err != nil {
					yield(PurchaseToken{}, err)
					return
				}
				if !yield(*rec, nil) {
					return
				}
			}
		}
	}
}

func unmarshalToken(item map[string]types.AttributeValue) (*PurchaseToken, error) {
	var rec PurchaseToken
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal purchase token: %w", err)
	}
	if _, err := ParseStatus(string(rec.Status)); err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiryAt = rec.ExpiryAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func epoch(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func awsString(s string) *string { return &s }
