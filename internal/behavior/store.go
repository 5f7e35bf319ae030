package behavior

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Store persists sessions and events in their own tables.
type Store struct {
	ddb           db.API
	sessionsTable string
	eventsTable   string
}

func NewStore(ddb db.API, sessionsTable, eventsTable string) *Store {
	return &Store{ddb: ddb, sessionsTable: strings.TrimSpace(sessionsTable), eventsTable: strings.TrimSpace(eventsTable)}
}

func sessionKey(agentID, sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
		"SK": &types.AttributeValueMemberS{Value: "SESSION#" + sessionID},
	}
}

// NewEvent assigns the event keys.
func NewEvent(in EventInput, now time.Time) Event {
	ev := Event{
		PK:              db.SessionPK(in.SessionID),
		SK:              fmt.Sprintf("EVENT#%s#%s", now.UTC().Format(time.RFC3339Nano), uuid.NewString()),
		SessionID:       in.SessionID,
		AgentID:         in.AgentID,
		EventType:       in.EventType,
		PageURL:         in.PageURL,
		ElementSelector: in.ElementSelector,
		EventData:       in.EventData,
		CreatedAt:       now.UTC(),
	}
	if in.ScrollDepth != nil {
		ev.ScrollDepth = *in.ScrollDepth
	}
	if in.TimeOnPage != nil {
		ev.TimeOnPage = *in.TimeOnPage
	}
	return ev
}

// AppendEvent writes an event once; events are never updated.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	item, err := attributevalue.MarshalMap(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.eventsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, agentID, sessionID string) (*Session, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.sessionsTable),
		Key:            sessionKey(agentID, sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if out.Item == nil {
		return nil, db.ErrNotFound
	}
	var sess Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// PutSession overwrites every session attribute except the suggestion counter,
// which only changes when a suggestion is recorded.
// Concurrent events for the same session resolve last-writer-wins.
func (s *Store) PutSession(ctx context.Context, sess *Session) error {
	sess.PK = db.AgentPK(sess.AgentID)
	sess.SK = "SESSION#" + sess.SessionID
	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	delete(item, "SuggestionCount")

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	sets := make([]string, 0, len(item))
	i := 0
	for k, v := range item {
		if k == "PK" || k == "SK" {
			continue
		}
		n, p := fmt.Sprintf("#a%d", i), fmt.Sprintf(":v%d", i)
		names[n] = k
		values[p] = v
		sets = append(sets, n+" = "+p)
		i++
	}

	_, err = s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.sessionsTable),
		Key:                       sessionKey(sess.AgentID, sess.SessionID),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}
