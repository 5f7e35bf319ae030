package db

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var ErrNotFound = errors.New("not found")

func SessionsTableName() string          { return os.Getenv("SESSIONS_TABLE") }
func EventsTableName() string            { return os.Getenv("EVENTS_TABLE") }
func CartsTableName() string             { return os.Getenv("CARTS_TABLE") }
func SuggestionsTableName() string       { return os.Getenv("SUGGESTIONS_TABLE") }
func TriggerConfigTableName() string     { return os.Getenv("TRIGGER_CONFIG_TABLE") }
func CustomerAnalyticsTableName() string { return os.Getenv("CUSTOMER_ANALYTICS_TABLE") }
func AttributionTableName() string       { return os.Getenv("ATTRIBUTION_TABLE") }
func ConversionsTableName() string       { return os.Getenv("CONVERSIONS_TABLE") }
func AgentsTableName() string            { return os.Getenv("AGENTS_TABLE") }
func IntegrationsTableName() string      { return os.Getenv("INTEGRATIONS_TABLE") }
func OAuthStateTableName() string        { return os.Getenv("OAUTH_STATE_TABLE") }
func RateLimitTableName() string         { return os.Getenv("RATE_LIMIT_TABLE") }
func WebhookDedupeTableName() string     { return os.Getenv("SHOPIFY_WEBHOOK_DEDUPE_TABLE") }

// Require returns an error naming an unset table variable, if any.
func Require(names map[string]string) error {
	for env, v := range names {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s not set", env)
		}
	}
	return nil
}

func AgentPK(agentID string) string     { return "AGENT#" + agentID }
func SessionPK(sessionID string) string { return "SESSION#" + sessionID }

func AttrS(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// IsConditionFailed reports whether err is a failed ConditionExpression.
func IsConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}
