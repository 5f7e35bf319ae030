package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	HeaderHmac       = "X-Shopify-Hmac-Sha256"
	HeaderTopic      = "X-Shopify-Topic"
	HeaderShopDomain = "X-Shopify-Shop-Domain"
	HeaderWebhookID  = "X-Shopify-Webhook-Id"
)

const (
	TopicOrdersCreate    = "orders/create"
	TopicCheckoutsUpdate = "checkouts/update"
	TopicAppUninstalled  = "app/uninstalled"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifyWebhook checks the base64 HMAC-SHA256 of the raw body against the
// X-Shopify-Hmac-Sha256 header value.
func VerifyWebhook(body []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || secret == "" {
		return ErrInvalidSignature
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value Shopify would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// graphQLTopics maps REST topic names to the WebhookSubscriptionTopic enum.
var graphQLTopics = map[string]string{
	TopicOrdersCreate:    "ORDERS_CREATE",
	TopicCheckoutsUpdate: "CHECKOUTS_UPDATE",
	TopicAppUninstalled:  "APP_UNINSTALLED",
}

// WebhookTopics are the topics every connected shop subscribes to.
var WebhookTopics = []string{TopicOrdersCreate, TopicCheckoutsUpdate, TopicAppUninstalled}

const webhookCreateMutation = `
mutation webhookSubscriptionCreate($topic: WebhookSubscriptionTopic!, $webhookSubscription: WebhookSubscriptionInput!) {
  webhookSubscriptionCreate(topic: $topic, webhookSubscription: $webhookSubscription) {
    webhookSubscription { id }
    userErrors { field message }
  }
}`

type webhookCreateData struct {
	WebhookSubscriptionCreate struct {
		WebhookSubscription *struct {
			ID string `json:"id"`
		} `json:"webhookSubscription"`
		UserErrors []struct {
			Field   []string `json:"field"`
			Message string   `json:"message"`
		} `json:"userErrors"`
	} `json:"webhookSubscriptionCreate"`
}

// RegisterWebhooks subscribes the shop to every topic, delivering to address.
// It keeps going after a failure and reports per-topic errors.
func (c *Client) RegisterWebhooks(ctx context.Context, shop, accessToken, address string, topics []string) (created []string, failed map[string]string) {
	failed = map[string]string{}
	for _, t := range topics {
		enum, ok := graphQLTopics[t]
		if !ok {
			failed[t] = "unsupported topic"
			continue
		}
		resp, err := PostGraphQL[webhookCreateData](ctx, c, shop, accessToken, webhookCreateMutation, map[string]any{
			"topic": enum,
			"webhookSubscription": map[string]any{
				"uri":    address,
				"format": "JSON",
			},
		})
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			failed[t] = err.Error()
			continue
		}
		if ue := resp.Data.WebhookSubscriptionCreate.UserErrors; len(ue) > 0 {
			msgs := make([]string, 0, len(ue))
			for _, e := range ue {
				msgs = append(msgs, e.Message)
			}
			failed[t] = strings.Join(msgs, "; ")
			continue
		}
		created = append(created, t)
	}
	return created, failed
}
