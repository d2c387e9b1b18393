// Package storage wraps a single DynamoDB table behind generic key/value
// primitives: put, point get, index query with opaque pagination, and
// conditional update. It knows nothing about the entities stored in the
// table; that layout lives in the repository layer. No retries happen here;
// callers own retry policy.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrPreconditionFailed is returned by ConditionalUpdate when the condition
// expression did not hold (typically "row must already exist"). All other
// backend failures propagate wrapped but otherwise opaque.
var ErrPreconditionFailed = errors.New("storage: precondition failed")

// dynamodbAPI is the minimal DynamoDB surface required by Client.
// *dynamodb.Client satisfies it; tests provide fakes.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps one DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Client for the given table.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("storage: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("storage: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// Put writes an item unconditionally.
func (c *Client) Put(ctx context.Context, item map[string]types.AttributeValue) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("storage: put: %w", err)
	}
	return nil
}

// Get fetches an item by its full primary key. A missing item returns
// (nil, nil); absence is not an error at this layer.
func (c *Client) Get(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// Query describes a key-condition query against the table or one of its
// secondary indexes. Cursor round-trips the opaque continuation token from a
// previous page.
type Query struct {
	Index        string
	KeyCondition string
	Values       map[string]types.AttributeValue
	Names        map[string]string
	Forward      bool
	Limit        int32
	Cursor       string
}

// Query runs q and returns the page of items plus the continuation token for
// the next page ("" when exhausted).
func (c *Client) Query(ctx context.Context, q Query) ([]map[string]types.AttributeValue, string, error) {
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		KeyConditionExpression:    aws.String(q.KeyCondition),
		ExpressionAttributeValues: q.Values,
		ScanIndexForward:          aws.Bool(q.Forward),
	}
	if q.Index != "" {
		in.IndexName = aws.String(q.Index)
	}
	if len(q.Names) > 0 {
		in.ExpressionAttributeNames = q.Names
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(q.Limit)
	}
	if q.Cursor != "" {
		start, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("storage: query: %w", err)
		}
		in.ExclusiveStartKey = start
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("storage: query: %w", err)
	}

	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", fmt.Errorf("storage: query: %w", err)
	}
	return out.Items, next, nil
}

// Update describes a conditional update of a single item.
type Update struct {
	PK         string
	SK         string
	Expression string
	Values     map[string]types.AttributeValue
	Names      map[string]string
	Condition  string
}

// ConditionalUpdate applies u, returning ErrPreconditionFailed when the
// condition expression rejected the write.
func (c *Client) ConditionalUpdate(ctx context.Context, u Update) error {
	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: u.PK},
			"SK": &types.AttributeValueMemberS{Value: u.SK},
		},
		UpdateExpression:          aws.String(u.Expression),
		ExpressionAttributeValues: u.Values,
	}
	if len(u.Names) > 0 {
		in.ExpressionAttributeNames = u.Names
	}
	if u.Condition != "" {
		in.ConditionExpression = aws.String(u.Condition)
	}

	_, err := c.api.UpdateItem(ctx, in)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("storage: update: %w", err)
	}
	return nil
}

// Pagination cursors are base64(JSON) encodings of the DynamoDB
// LastEvaluatedKey. Every key attribute in this table (PK/SK and the GSI
// projections) is a string, so a flat string map is sufficient.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	flat := make(map[string]string, len(key))
	for name, av := range key {
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("cursor attribute %q is not a string", name)
		}
		flat[name] = s.Value
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	key := make(map[string]types.AttributeValue, len(flat))
	for name, v := range flat {
		key[name] = &types.AttributeValueMemberS{Value: v}
	}
	return key, nil
}
