package shopify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/security"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Integration mirrors the integrations item. PK = AGENT#<agent>, SK = SHOPIFY#<shop>.
type Integration struct {
	PK                 string `dynamodbav:"PK" json:"-"`
	SK                 string `dynamodbav:"SK" json:"-"`
	AgentID            string `dynamodbav:"AgentID" json:"agent_id"`
	Shop               string `dynamodbav:"Shop" json:"shop"`
	AccessTokenEnc     string `dynamodbav:"AccessTokenEnc" json:"-"`
	Scope              string `dynamodbav:"Scope" json:"scope"`
	CreatedAt          string `dynamodbav:"CreatedAt" json:"created_at"`
	LastEventAt        string `dynamodbav:"LastEventAt,omitempty" json:"last_event_at,omitempty"`
	LastEventTopic     string `dynamodbav:"LastEventTopic,omitempty" json:"last_event_topic,omitempty"`
	LastEventWebhookID string `dynamodbav:"LastEventWebhookId,omitempty" json:"last_event_webhook_id,omitempty"`
}

func integrationKey(agentID, shop string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
		"SK": &types.AttributeValueMemberS{Value: "SHOPIFY#" + shop},
	}
}

type IntegrationStore struct {
	ddb    db.API
	table  string
	sealer *security.Sealer
}

func NewIntegrationStore(ddb db.API, table string, sealer *security.Sealer) *IntegrationStore {
	return &IntegrationStore{ddb: ddb, table: strings.TrimSpace(table), sealer: sealer}
}

// Save encrypts the access token and stores the integration.
func (s *IntegrationStore) Save(ctx context.Context, agentID, shop string, tok Token, now time.Time) error {
	enc, err := s.sealer.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	item, err := attributevalue.MarshalMap(Integration{
		PK:             db.AgentPK(agentID),
		SK:             "SHOPIFY#" + shop,
		AgentID:        agentID,
		Shop:           shop,
		AccessTokenEnc: enc,
		Scope:          tok.Scope,
		CreatedAt:      now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	item["Provider"] = &types.AttributeValueMemberS{Value: "shopify"}

	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("store integration: %w", err)
	}
	return nil
}

// Load returns the agent's Shopify integration and its decrypted token.
// Returns db.ErrNotFound when the agent has not connected a shop.
func (s *IntegrationStore) Load(ctx context.Context, agentID string) (string, *Integration, error) {
	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pref)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: db.AgentPK(agentID)},
			":pref": &types.AttributeValueMemberS{Value: "SHOPIFY#"},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return "", nil, fmt.Errorf("query integration: %w", err)
	}
	if len(out.Items) == 0 {
		return "", nil, db.ErrNotFound
	}

	var integ Integration
	if err := attributevalue.UnmarshalMap(out.Items[0], &integ); err != nil {
		return "", nil, err
	}
	enc := strings.TrimSpace(integ.AccessTokenEnc)
	if enc == "" {
		return "", nil, errors.New("no AccessTokenEnc on record")
	}
	token, err := s.sealer.Open(enc)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	return token, &integ, nil
}

// TouchEvent records the last webhook received for the integration.
func (s *IntegrationStore) TouchEvent(ctx context.Context, agentID, shop, topic, webhookID string, at time.Time) error {
	updateExpr := "SET LastEventAt=:a, LastEventTopic=:t"
	vals := map[string]types.AttributeValue{
		":a": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)},
		":t": &types.AttributeValueMemberS{Value: topic},
	}
	if strings.TrimSpace(webhookID) != "" {
		updateExpr += ", LastEventWebhookId=:w"
		vals[":w"] = &types.AttributeValueMemberS{Value: webhookID}
	}

	_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       integrationKey(agentID, shop),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: vals,
	})
	if db.IsConditionFailed(err) {
		return db.ErrNotFound
	}
	return err
}

func (s *IntegrationStore) Delete(ctx context.Context, agentID, shop string) error {
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       integrationKey(agentID, shop),
	})
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return nil
}
