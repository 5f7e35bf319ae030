// Package suggestions persists proactive suggestions shown by the widget.
package suggestions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/triggers"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

var (
	// ErrDuplicate is returned when a suggestion with the same key already exists.
	ErrDuplicate = errors.New("suggestion already exists")
	// ErrSessionCapped is returned when the session has already been shown
	// its maximum number of suggestions.
	ErrSessionCapped = errors.New("session suggestion limit reached")
)

// Suggestion is write-once. PK = SESSION#<session>, SK = SUGGESTION#<ts>#<id>.
type Suggestion struct {
	PK          string         `dynamodbav:"PK" json:"-"`
	SK          string         `dynamodbav:"SK" json:"-"`
	ID          string         `dynamodbav:"ID" json:"id"`
	AgentID     string         `dynamodbav:"AgentID" json:"agent_id"`
	SessionID   string         `dynamodbav:"SessionID" json:"session_id"`
	TriggerKind string         `dynamodbav:"TriggerKind" json:"trigger_kind"`
	TriggerName string         `dynamodbav:"TriggerName" json:"trigger_name"`
	Message     string         `dynamodbav:"Message" json:"message"`
	Confidence  float64        `dynamodbav:"Confidence" json:"confidence"`
	Signals     map[string]any `dynamodbav:"Signals,omitempty" json:"signals,omitempty"`
	CreatedAt   string         `dynamodbav:"CreatedAt" json:"created_at"`
}

// New builds a suggestion from an evaluator decision.
func New(agentID, sessionID string, d triggers.Decision, now time.Time) Suggestion {
	id := uuid.NewString()
	ts := now.UTC().Format(time.RFC3339Nano)
	return Suggestion{
		PK:          db.SessionPK(sessionID),
		SK:          fmt.Sprintf("SUGGESTION#%s#%s", ts, id),
		ID:          id,
		AgentID:     agentID,
		SessionID:   sessionID,
		TriggerKind: string(d.Kind),
		TriggerName: d.Trigger.Name,
		Message:     d.Message,
		Confidence:  d.Confidence,
		Signals:     d.Signals,
		CreatedAt:   ts,
	}
}

type Store struct {
	ddb      db.API
	table    string
	sessions string
}

func NewStore(ddb db.API, table string) *Store {
	return &Store{ddb: ddb, table: strings.TrimSpace(table)}
}

// WithSessions names the sessions table whose SuggestionCount Record keeps.
func (s *Store) WithSessions(table string) *Store {
	s.sessions = strings.TrimSpace(table)
	return s
}

// TransactPut returns the write-once put for use inside a TransactWriteItems
// call alongside other writes. A second write of the same key cancels the
// transaction.
func (s *Store) TransactPut(sg Suggestion) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(sg)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal suggestion: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}, nil
}

// Record writes sg and adds one to the session's suggestion counter in a
// single transaction. The counter update only applies while the count is
// below max, so concurrent writers cannot push a session past its limit.
func (s *Store) Record(ctx context.Context, sg Suggestion, max int) error {
	return s.RecordWith(ctx, sg, max)
}

// RecordWith is Record with extra writes joined to the same transaction.
// A cancelled extra write is returned as the TransactionCanceledException.
func (s *Store) RecordWith(ctx context.Context, sg Suggestion, max int, extra ...types.TransactWriteItem) error {
	put, err := s.TransactPut(sg)
	if err != nil {
		return err
	}
	items := []types.TransactWriteItem{put}
	counterAt := -1
	if s.sessions != "" {
		counterAt = len(items)
		items = append(items, s.counterUpdate(sg.AgentID, sg.SessionID, max))
	}
	items = append(items, extra...)

	_, err = s.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return fmt.Errorf("record suggestion: %w", err)
	}
	switch {
	case conditionFailed(tce, 0):
		return ErrDuplicate
	case counterAt >= 0 && conditionFailed(tce, counterAt):
		return ErrSessionCapped
	}
	return err
}

func (s *Store) counterUpdate(agentID, sessionID string, max int) types.TransactWriteItem {
	if max <= 0 {
		max = triggers.DefaultMaxSuggestions
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(s.sessions),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
				"SK": &types.AttributeValueMemberS{Value: "SESSION#" + sessionID},
			},
			UpdateExpression:    aws.String("ADD SuggestionCount :one"),
			ConditionExpression: aws.String("attribute_not_exists(SuggestionCount) OR SuggestionCount < :max"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one": &types.AttributeValueMemberN{Value: "1"},
				":max": &types.AttributeValueMemberN{Value: strconv.Itoa(max)},
			},
		},
	}
}

func conditionFailed(tce *types.TransactionCanceledException, i int) bool {
	if i >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[i].Code) == "ConditionalCheckFailed"
}

// ListForSession returns the newest suggestions for a session, newest first.
func (s *Store) ListForSession(ctx context.Context, sessionID string, limit int) ([]Suggestion, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: db.SessionPK(sessionID)},
			":pref": &types.AttributeValueMemberS{Value: "SUGGESTION#"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}

	items := make([]Suggestion, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return items, nil
}
