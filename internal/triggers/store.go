package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrMalformedConfig wraps a stored configuration that no longer parses.
// Callers treat the tenant as disabled.
var ErrMalformedConfig = errors.New("malformed trigger config")

// Store keeps one configuration blob per agent: PK = AGENT#<agent>, SK = TRIGGERS.
type Store struct {
	ddb   db.API
	table string
	now   func() time.Time
}

func NewStore(ddb db.API, table string) *Store {
	return &Store{ddb: ddb, table: strings.TrimSpace(table), now: time.Now}
}

func configKey(agentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
		"SK": &types.AttributeValueMemberS{Value: "TRIGGERS"},
	}
}

// Raw returns the stored JSON document, or db.ErrNotFound.
func (s *Store) Raw(ctx context.Context, agentID string) ([]byte, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       configKey(agentID),
	})
	if err != nil {
		return nil, fmt.Errorf("get trigger config: %w", err)
	}
	if out.Item == nil {
		return nil, db.ErrNotFound
	}
	return []byte(db.AttrS(out.Item["Config"])), nil
}

// Get loads and parses the agent's configuration. ok is false when the agent
// has none. A document that fails to parse returns ErrMalformedConfig.
func (s *Store) Get(ctx context.Context, agentID string) (Config, bool, error) {
	raw, err := s.Raw(ctx, agentID)
	if errors.Is(err, db.ErrNotFound) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w: agent %s: %v", ErrMalformedConfig, agentID, err)
	}
	return cfg, true, nil
}

// Put replaces the agent's configuration with raw, which must be valid JSON.
func (s *Store) Put(ctx context.Context, agentID string, raw []byte) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%w: invalid json", ErrMalformedConfig)
	}
	item := configKey(agentID)
	item["Config"] = &types.AttributeValueMemberS{Value: string(raw)}
	item["UpdatedAt"] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)}

	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put trigger config: %w", err)
	}
	return nil
}
