// Package tenancy maps Cognito users and Shopify shops to ChatPop agents.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	shopIndex      = "GSI_Shop"
	connectedIndex = "GSI_Connected"
	connectedPK    = "CONNECTED"
)

// ErrForbidden means the caller does not own the agent.
var ErrForbidden = errors.New("forbidden")

type Agent struct {
	PK             string `dynamodbav:"PK" json:"-"`
	AgentID        string `dynamodbav:"AgentID" json:"agent_id"`
	OwnerSub       string `dynamodbav:"OwnerSub" json:"-"`
	ShopDomain     string `dynamodbav:"ShopDomain,omitempty" json:"shop_domain,omitempty"`
	AlertsTopicArn string `dynamodbav:"AlertsTopicArn,omitempty" json:"-"`
	UpdatedAt      string `dynamodbav:"UpdatedAt,omitempty" json:"updated_at,omitempty"`

	// sparse GSI_Connected keys, present only while a shop is attached
	ConnectedPK string `dynamodbav:"ConnectedPK,omitempty" json:"-"`
	ConnectedSK string `dynamodbav:"ConnectedSK,omitempty" json:"-"`
}

// Directory reads and updates agent records.
type Directory struct {
	ddb   db.API
	table string
	now   func() time.Time
}

func NewDirectory(ddb db.API, table string) *Directory {
	return &Directory{ddb: ddb, table: strings.TrimSpace(table), now: time.Now}
}

func agentKey(agentID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK": &ddbtypes.AttributeValueMemberS{Value: db.AgentPK(agentID)},
	}
}

func (d *Directory) Get(ctx context.Context, agentID string) (*Agent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, db.ErrNotFound
	}
	out, err := d.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       agentKey(agentID),
	})
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if out.Item == nil {
		return nil, db.ErrNotFound
	}
	var a Agent
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Authorize returns the agent when sub owns it. An unknown agent is reported
// as ErrForbidden so callers cannot enumerate agent ids.
func (d *Directory) Authorize(ctx context.Context, agentID, sub string) (*Agent, error) {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return nil, ErrForbidden
	}
	a, err := d.Get(ctx, agentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if a.OwnerSub != sub {
		return nil, ErrForbidden
	}
	return a, nil
}

// AgentForShop resolves the agent connected to a shop domain via GSI_Shop.
func (d *Directory) AgentForShop(ctx context.Context, shop string) (string, error) {
	shop = strings.ToLower(strings.TrimSpace(shop))
	if shop == "" {
		return "", db.ErrNotFound
	}
	out, err := d.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(shopIndex),
		KeyConditionExpression: aws.String("#s = :s"),
		ExpressionAttributeNames: map[string]string{
			"#s": "ShopDomain",
			"#a": "AgentID",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":s": &ddbtypes.AttributeValueMemberS{Value: shop},
		},
		ProjectionExpression: aws.String("#a"),
		Limit:                aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("dynamodb query %s failed: %w", shopIndex, err)
	}
	if len(out.Items) == 0 {
		return "", db.ErrNotFound
	}
	id := strings.TrimSpace(db.AttrS(out.Items[0]["AgentID"]))
	if id == "" {
		return "", db.ErrNotFound
	}
	return id, nil
}

// AttachShop links a shop to an owned agent and adds it to the connected index.
func (d *Directory) AttachShop(ctx context.Context, agentID, sub, shop string) error {
	now := d.now().UTC().Format(time.RFC3339)
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 agentKey(agentID),
		UpdateExpression:    aws.String("SET ShopDomain=:s, ConnectedPK=:c, ConnectedSK=:id, UpdatedAt=:u"),
		ConditionExpression: aws.String("attribute_exists(PK) AND OwnerSub = :sub"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":s":   &ddbtypes.AttributeValueMemberS{Value: strings.ToLower(shop)},
			":c":   &ddbtypes.AttributeValueMemberS{Value: connectedPK},
			":id":  &ddbtypes.AttributeValueMemberS{Value: agentID},
			":u":   &ddbtypes.AttributeValueMemberS{Value: now},
			":sub": &ddbtypes.AttributeValueMemberS{Value: sub},
		},
	})
	if db.IsConditionFailed(err) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("attach shop: %w", err)
	}
	return nil
}

// DetachShop clears the shop link after app/uninstalled.
func (d *Directory) DetachShop(ctx context.Context, agentID string) error {
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 agentKey(agentID),
		UpdateExpression:    aws.String("SET UpdatedAt=:u REMOVE ShopDomain, ConnectedPK, ConnectedSK"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":u": &ddbtypes.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339)},
		},
	})
	if db.IsConditionFailed(err) {
		return db.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("detach shop: %w", err)
	}
	return nil
}

func (d *Directory) SetAlertsTopic(ctx context.Context, agentID, topicArn string) error {
	_, err := d.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 agentKey(agentID),
		UpdateExpression:    aws.String("SET AlertsTopicArn=:t, UpdatedAt=:u"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":t": &ddbtypes.AttributeValueMemberS{Value: topicArn},
			":u": &ddbtypes.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339)},
		},
	})
	if db.IsConditionFailed(err) {
		return db.ErrNotFound
	}
	return err
}

// ConnectedAgents lists every agent with an attached shop, following
// LastEvaluatedKey until the index is exhausted.
func (d *Directory) ConnectedAgents(ctx context.Context) ([]string, error) {
	var (
		ids   []string
		start map[string]ddbtypes.AttributeValue
	)
	for {
		out, err := d.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			IndexName:              aws.String(connectedIndex),
			KeyConditionExpression: aws.String("ConnectedPK = :c"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":c": &ddbtypes.AttributeValueMemberS{Value: connectedPK},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb query %s failed: %w", connectedIndex, err)
		}
		for _, it := range out.Items {
			ids = append(ids, db.AttrS(it["AgentID"]))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return uniqueStrings(ids), nil
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		k := strings.TrimSpace(v)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
