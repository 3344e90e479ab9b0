package tokens

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is an in-memory DynamoDB that understands the exact expressions
// DynamoStore issues. Tables are keyed table -> pk value -> item.
type mockDynamo struct {
	mu     sync.Mutex
	pk     map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	transactCalls int
	updateCalls   int
	failNext      error
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		pk: map[string]string{
			"purchase_tokens":     "id",
			"purchase_token_keys": "purchase_token",
		},
		tables: map[string]map[string]map[string]types.AttributeValue{
			"purchase_tokens":     {},
			"purchase_token_keys": {},
		},
	}
}

func (m *mockDynamo) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *mockDynamo) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	attr, ok := m.pk[table]
	if !ok {
		return "", errors.New("unknown table " + table)
	}
	v, ok := item[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key attribute " + attr)
	}
	return v.Value, nil
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func num(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}

func str(av types.AttributeValue) string {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	table := *params.TableName
	k, err := m.keyOf(table, params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && strings.HasPrefix(*params.ConditionExpression, "attribute_not_exists") {
		if _, exists := m.tables[table][k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.tables[table][k] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	table := *params.TableName
	k, err := m.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	// first pass: evaluate every condition, collecting cancellation reasons
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	canceled := false
	for i, it := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		p := it.Put
		if p == nil || p.ConditionExpression == nil {
			continue
		}
		table := *p.TableName
		k, err := m.keyOf(table, p.Item)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(*p.ConditionExpression, "attribute_not_exists") {
			if _, exists := m.tables[table][k]; exists {
				reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed")}
				canceled = true
			}
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	// second pass: apply all puts
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			table := *p.TableName
			k, _ := m.keyOf(table, p.Item)
			m.tables[table][k] = copyItem(p.Item)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	table := *params.TableName
	k, err := m.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, exists := m.tables[table][k]
	if !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}

	vals := params.ExpressionAttributeValues
	cond := sdkaws.ToString(params.ConditionExpression)
	ok := true
	if strings.Contains(cond, "#s = :from") && str(item["status"]) != str(vals[":from"]) {
		ok = false
	}
	if strings.Contains(cond, "expiry_at <= :exp") && num(item["expiry_at"]) > num(vals[":exp"]) {
		ok = false
	}
	if !ok {
		ccf := &types.ConditionalCheckFailedException{}
		if params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = copyItem(item)
		}
		return nil, ccf
	}

	updated := copyItem(item)
	expr := sdkaws.ToString(params.UpdateExpression)
	if strings.Contains(expr, "#s = :to") {
		updated["status"] = vals[":to"]
	}
	if strings.Contains(expr, "updated_at = :ua") {
		updated["updated_at"] = vals[":ua"]
	}
	if strings.Contains(expr, "expiry_at = :exp") {
		updated["expiry_at"] = vals[":exp"]
	}
	m.tables[table][k] = updated
	return &dyn.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	vals := params.ExpressionAttributeValues
	var items []map[string]types.AttributeValue
	switch sdkaws.ToString(params.IndexName) {
	case StatusExpiryIndex:
		for _, it := range m.tables[*params.TableName] {
			if str(it["status"]) == str(vals[":pending"]) && num(it["expiry_at"]) <= num(vals[":now"]) {
				items = append(items, copyItem(it))
			}
		}
		sort.Slice(items, func(i, j int) bool { return num(items[i]["expiry_at"]) < num(items[j]["expiry_at"]) })
	case UserIndex:
		for _, it := range m.tables[*params.TableName] {
			if str(it["user_id"]) == str(vals[":u"]) {
				items = append(items, copyItem(it))
			}
		}
		sort.Slice(items, func(i, j int) bool {
			if num(items[i]["created_at"]) == num(items[j]["created_at"]) {
				return str(items[i]["id"]) < str(items[j]["id"])
			}
			return num(items[i]["created_at"]) < num(items[j]["created_at"])
		})
	default:
		return nil, errors.New("unknown index")
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}
