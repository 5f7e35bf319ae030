package carts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/suggestions"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const openCartsIndex = "GSI_OpenCarts"

// ErrRecoveryConflict is returned when the recovery transaction was cancelled,
// typically because checkout completed in the meantime.
var ErrRecoveryConflict = errors.New("cart recovery conflict")

type Store struct {
	ddb         db.API
	table       string
	suggestions *suggestions.Store
}

func NewStore(ddb db.API, table string, sugg *suggestions.Store) *Store {
	return &Store{ddb: ddb, table: strings.TrimSpace(table), suggestions: sugg}
}

func cartKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: CartPK(sessionID)},
	}
}

func (s *Store) Get(ctx context.Context, sessionID string) (*Cart, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       cartKey(sessionID),
	})
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if out.Item == nil {
		return nil, db.ErrNotFound
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// Upsert replaces the cart contents. A non-empty cart goes back on the open
// index; an empty one leaves it. A recovered cart stays recovered: its
// contents are still updated but it never returns to the open index.
// Earlier recovery attempts are kept so the cooldown still applies.
func (s *Store) Upsert(ctx context.Context, c Cart) (*Cart, error) {
	items, err := attributevalue.Marshal(c.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal cart items: %w", err)
	}
	updated := c.LastUpdated.UTC().Format(time.RFC3339Nano)

	set := "SET SessionID = :sid, AgentID = :aid, Items = :items, Total = :total, Currency = :cur, " +
		"LastUpdated = :upd, Recovered = if_not_exists(Recovered, :false), " +
		"RecoveryAttempted = if_not_exists(RecoveryAttempted, :false)"
	in := &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              cartKey(c.SessionID),
		UpdateExpression: aws.String(set + " REMOVE OpenPK, OpenSK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid":   &types.AttributeValueMemberS{Value: c.SessionID},
			":aid":   &types.AttributeValueMemberS{Value: c.AgentID},
			":items": items,
			":total": &types.AttributeValueMemberN{Value: fmt.Sprintf("%.2f", c.Total)},
			":cur":   &types.AttributeValueMemberS{Value: c.Currency},
			":upd":   &types.AttributeValueMemberS{Value: updated},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
		ReturnValues: types.ReturnValueAllNew,
	}

	if c.ItemCount() > 0 {
		open := *in
		open.UpdateExpression = aws.String(set + ", OpenPK = :open, OpenSK = :upd")
		open.ConditionExpression = aws.String("attribute_not_exists(Recovered) OR Recovered = :false")
		open.ExpressionAttributeValues = map[string]types.AttributeValue{
			":open": &types.AttributeValueMemberS{Value: openIndexPK},
		}
		for k, v := range in.ExpressionAttributeValues {
			open.ExpressionAttributeValues[k] = v
		}
		out, err := s.ddb.UpdateItem(ctx, &open)
		if err == nil {
			return decodeAttributes(out.Attributes, c)
		}
		if !db.IsConditionFailed(err) {
			return nil, fmt.Errorf("upsert cart: %w", err)
		}
		// recovered: fall through to the contents-only update
	}

	out, err := s.ddb.UpdateItem(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("upsert cart: %w", err)
	}
	return decodeAttributes(out.Attributes, c)
}

// MarkRecovered flags the cart recovered and drops it from the open index.
func (s *Store) MarkRecovered(ctx context.Context, sessionID string, at time.Time) (*Cart, error) {
	out, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 cartKey(sessionID),
		UpdateExpression:    aws.String("SET Recovered = :true, RecoveredAt = :at REMOVE OpenPK, OpenSK"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":at":   &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if db.IsConditionFailed(err) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark cart recovered: %w", err)
	}
	return decodeAttributes(out.Attributes, Cart{SessionID: sessionID})
}

// openCartsPage is the number of index entries read per query.
const openCartsPage = 100

// EachOpenCart pages through the open-cart index, oldest first, passing carts
// last updated before the cutoff to fn until fn returns false or the index is
// exhausted.
func (s *Store) EachOpenCart(ctx context.Context, before time.Time, fn func([]Cart) bool) error {
	var last map[string]types.AttributeValue
	for {
		page, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(openCartsIndex),
			KeyConditionExpression: aws.String("OpenPK = :open AND OpenSK < :before"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":open":   &types.AttributeValueMemberS{Value: openIndexPK},
				":before": &types.AttributeValueMemberS{Value: before.UTC().Format(time.RFC3339Nano)},
			},
			ScanIndexForward:  aws.Bool(true),
			Limit:             aws.Int32(openCartsPage),
			ExclusiveStartKey: last,
		})
		if err != nil {
			return fmt.Errorf("query open carts: %w", err)
		}

		var batch []Cart
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return fmt.Errorf("unmarshal open carts: %w", err)
		}
		if len(batch) > 0 && !fn(batch) {
			return nil
		}
		if len(page.LastEvaluatedKey) == 0 {
			return nil
		}
		last = page.LastEvaluatedKey
	}
}

// RecordRecovery writes the recovery suggestion, counts it against the
// session's suggestion limit and marks the cart attempted in one transaction.
// Either all writes land or none do. A session at its limit returns
// suggestions.ErrSessionCapped.
func (s *Store) RecordRecovery(ctx context.Context, c Cart, sg suggestions.Suggestion, at time.Time, max int) error {
	mark := types.TransactWriteItem{
		Update: &types.Update{
			TableName:           aws.String(s.table),
			Key:                 cartKey(c.SessionID),
			UpdateExpression:    aws.String("SET RecoveryAttempted = :true, RecoveryAttemptedAt = :at"),
			ConditionExpression: aws.String("attribute_exists(PK) AND Recovered <> :true"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":true": &types.AttributeValueMemberBOOL{Value: true},
				":at":   &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
			},
		},
	}

	err := s.suggestions.RecordWith(ctx, sg, max, mark)
	if err == nil || errors.Is(err, suggestions.ErrSessionCapped) {
		return err
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return fmt.Errorf("%w: %v", ErrRecoveryConflict, err)
	}
	return fmt.Errorf("record cart recovery: %w", err)
}

func decodeAttributes(attrs map[string]types.AttributeValue, fallback Cart) (*Cart, error) {
	if len(attrs) == 0 {
		return &fallback, nil
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(attrs, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}
