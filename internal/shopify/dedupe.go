package shopify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatpop/internal/db"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dedupeTTL is how long a delivered webhook id is remembered.
const dedupeTTL = 7 * 24 * time.Hour

// ClaimWebhook records a webhook delivery id. It reports true when the id was
// already claimed, in which case the caller should stop. An empty table or id
// never blocks processing.
func ClaimWebhook(ctx context.Context, ddb db.API, table, webhookID, shop, topic string, now time.Time) (bool, error) {
	table = strings.TrimSpace(table)
	webhookID = strings.TrimSpace(webhookID)
	if table == "" || webhookID == "" {
		return false, nil
	}

	_, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: "WH#" + webhookID},
			"Shop":      &types.AttributeValueMemberS{Value: shop},
			"Topic":     &types.AttributeValueMemberS{Value: topic},
			"CreatedAt": &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
			"ExpiresAt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(dedupeTTL).Unix())},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if db.IsConditionFailed(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim webhook: %w", err)
	}
	return false, nil
}

// ReleaseWebhook forgets a claimed id so Shopify's retry is processed.
func ReleaseWebhook(ctx context.Context, ddb db.API, table, webhookID string) error {
	table = strings.TrimSpace(table)
	webhookID = strings.TrimSpace(webhookID)
	if table == "" || webhookID == "" {
		return nil
	}
	_, err := ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "WH#" + webhookID},
		},
	})
	if err != nil {
		return fmt.Errorf("release webhook: %w", err)
	}
	return nil
}
