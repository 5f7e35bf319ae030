package attribution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/shopify"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// batchSize is the BatchWriteItem request limit.
const batchSize = 25

// maxUnprocessedRetries bounds resubmission of throttled batch items.
const maxUnprocessedRetries = 5

// Conversion is a tracked order. PK = AGENT#<agent>, SK = CONV#<order id>.
type Conversion struct {
	PK         string  `dynamodbav:"PK" json:"-"`
	SK         string  `dynamodbav:"SK" json:"-"`
	AgentID    string  `dynamodbav:"AgentID" json:"agent_id"`
	OrderID    string  `dynamodbav:"OrderID" json:"order_id"`
	OrderTotal float64 `dynamodbav:"OrderTotal" json:"order_total"`
	Currency   string  `dynamodbav:"Currency" json:"currency"`
	SessionID  string  `dynamodbav:"SessionID,omitempty" json:"session_id,omitempty"`
	CreatedAt  string  `dynamodbav:"CreatedAt" json:"created_at"`
}

func ConversionFromOrder(agentID string, o shopify.Order) Conversion {
	id := strconv.FormatInt(o.ID, 10)
	session, _ := o.Note(NoteSessionID)
	return Conversion{
		PK:         db.AgentPK(agentID),
		SK:         "CONV#" + id,
		AgentID:    agentID,
		OrderID:    id,
		OrderTotal: round2(o.Total()),
		Currency:   o.Currency,
		SessionID:  session,
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Store covers the attribution, conversion and customer analytics tables.
type Store struct {
	ddb              db.API
	attributionTable string
	conversionsTable string
	analyticsTable   string
}

func NewStore(ddb db.API, attributionTable, conversionsTable, analyticsTable string) *Store {
	return &Store{
		ddb:              ddb,
		attributionTable: strings.TrimSpace(attributionTable),
		conversionsTable: strings.TrimSpace(conversionsTable),
		analyticsTable:   strings.TrimSpace(analyticsTable),
	}
}

// PutConversion records the order once. A repeat delivery reports false.
func (s *Store) PutConversion(ctx context.Context, c Conversion) (bool, error) {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return false, err
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.conversionsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if db.IsConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("put conversion: %w", err)
	}
	return true, nil
}

// PutRecord replaces the attribution record for an order.
func (s *Store) PutRecord(ctx context.Context, r Record) error {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return err
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.attributionTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put attribution: %w", err)
	}
	return nil
}

func (s *Store) queryAll(ctx context.Context, in *dynamodb.QueryInput, fn func([]map[string]types.AttributeValue) error) error {
	for {
		out, err := s.ddb.Query(ctx, in)
		if err != nil {
			return err
		}
		if err := fn(out.Items); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) ListRecords(ctx context.Context, agentID string) ([]Record, error) {
	var records []Record
	err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.attributionTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
			":pref": &types.AttributeValueMemberS{Value: "ORDER#"},
		},
	}, func(items []map[string]types.AttributeValue) error {
		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return err
		}
		records = append(records, page...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list attribution: %w", err)
	}
	return records, nil
}

// TrackedOrderIDs returns conversion order ids created within [from, to].
func (s *Store) TrackedOrderIDs(ctx context.Context, agentID string, from, to time.Time) ([]string, error) {
	var ids []string
	err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.conversionsTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		FilterExpression:       aws.String("CreatedAt BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
			":pref": &types.AttributeValueMemberS{Value: "CONV#"},
			":from": &types.AttributeValueMemberS{Value: from.UTC().Format(time.RFC3339)},
			":to":   &types.AttributeValueMemberS{Value: to.UTC().Format(time.RFC3339)},
		},
		ProjectionExpression: aws.String("OrderID"),
	}, func(items []map[string]types.AttributeValue) error {
		for _, it := range items {
			if id := db.AttrS(it["OrderID"]); id != "" {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	return ids, nil
}

// PutAnalytics full-replaces customer rows in batches of 25. Each batch is
// complete before the next starts, so a rerun after a timeout converges.
func (s *Store) PutAnalytics(ctx context.Context, rows []CustomerAnalytics) (int, error) {
	written := 0
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, r := range rows[start:end] {
			item, err := attributevalue.MarshalMap(r)
			if err != nil {
				return written, fmt.Errorf("marshal customer %s: %w", r.CustomerID, err)
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		if err := s.writeBatch(ctx, reqs); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (s *Store) writeBatch(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.analyticsTable: reqs}
	for attempt := 0; len(pending[s.analyticsTable]) > 0; attempt++ {
		if attempt > maxUnprocessedRetries {
			return fmt.Errorf("batch write: %d items left unprocessed", len(pending[s.analyticsTable]))
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		out, err := s.ddb.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		pending = out.UnprocessedItems
		if pending == nil {
			return nil
		}
	}
	return nil
}

func (s *Store) ListAnalytics(ctx context.Context, agentID string) ([]CustomerAnalytics, error) {
	var rows []CustomerAnalytics
	err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.analyticsTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
			":pref": &types.AttributeValueMemberS{Value: "CUSTOMER#"},
		},
	}, func(items []map[string]types.AttributeValue) error {
		var page []CustomerAnalytics
		if err := attributevalue.UnmarshalListOfMaps(items, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return rows, nil
}
