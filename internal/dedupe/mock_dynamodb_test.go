package dedupe

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory table keyed by message_id that evaluates the
// claim condition the way DynamoDB would.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	updateCalls int
	err         error
}

func newSimpleMock() *simpleMock {
	return &simpleMock{table: map[string]map[string]types.AttributeValue{}}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.err != nil {
		return nil, m.err
	}
	k := str(params.Item["message_id"])
	if k == "" {
		return nil, errors.New("missing key")
	}
	if cur, ok := m.table[k]; ok && params.ConditionExpression != nil {
		vals := params.ExpressionAttributeValues
		status := str(cur["status"])
		stale := status == str(vals[":in_progress"]) && num(cur["updated_at"]) < num(vals[":stale"])
		if status != str(vals[":failed"]) && !stale {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.table[str(params.Key["message_id"])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	item, ok := m.table[str(params.Key["message_id"])]
	if !ok {
		return nil, errors.New("item not found")
	}
	// SET #s = :s, note = :n, updated_at = :ua
	item["status"] = params.ExpressionAttributeValues[":s"]
	item["note"] = params.ExpressionAttributeValues[":n"]
	item["updated_at"] = params.ExpressionAttributeValues[":ua"]
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used")
}

func (m *simpleMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("not used")
}
