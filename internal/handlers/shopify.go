package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatpop/internal/attribution"
	"chatpop/internal/carts"
	"chatpop/internal/config"
	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/shopify"
	"chatpop/internal/tenancy"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const oauthStateTTL = 10 * time.Minute

type OrderTracker interface {
	TrackOrder(ctx context.Context, agentID string, o shopify.Order) (attribution.TrackResult, error)
}

type CartRecoverer interface {
	MarkRecovered(ctx context.Context, sessionID string, at time.Time) (*carts.Cart, error)
}

type AlertTopics interface {
	EnsureTopic(ctx context.Context, agentID, email string) (string, error)
}

// ShopifyDeps collects what the Shopify integration handler needs. Alerts
// may be nil.
type ShopifyDeps struct {
	Config       config.ShopifyConfig
	FrontendURL  string
	Client       *shopify.Client
	DB           db.API
	StateTable   string
	DedupeTable  string
	Agents       *tenancy.Directory
	Integrations *shopify.IntegrationStore
	Orders       OrderTracker
	Carts        CartRecoverer
	Alerts       AlertTopics
	Log          *logger.Logger
}

// Shopify serves OAuth connect/callback and the webhook receiver.
type Shopify struct {
	ShopifyDeps
	now func() time.Time
}

func NewShopify(deps ShopifyDeps) *Shopify {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return &Shopify{ShopifyDeps: deps, now: time.Now}
}

func (h *Shopify) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	// Route by path + method
	switch req.RawPath {
	case "/integrations/shopify/connect":
		return h.connect(ctx, req)
	case "/integrations/shopify/callback":
		return h.callback(ctx, req)
	case "/webhooks/shopify":
		if method(req) != "POST" {
			return errResp(405, "method not allowed")
		}
		return h.webhook(ctx, req)
	default:
		return errResp(404, "not found")
	}
}

func (h *Shopify) connect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	// Must be logged in (Cognito JWT authorizer)
	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}

	shop := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["shop"]))
	agentID := strings.TrimSpace(req.QueryStringParameters["agent_id"])
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop (expected like your-store.myshopify.com)")
	}
	if agentID == "" {
		return jsonResp(400, map[string]any{"error": "invalid request", "fields": []string{"agent_id"}})
	}
	if _, err := h.Agents.Authorize(ctx, agentID, sub); err != nil {
		if errors.Is(err, tenancy.ErrForbidden) {
			return errResp(403, "forbidden")
		}
		h.Log.Error("authorize agent failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to load agent")
	}

	c := h.Config
	if c.APIKey == "" || c.Scopes == "" || c.RedirectBase == "" {
		return errResp(500, "missing SHOPIFY_* env vars")
	}

	state, err := shopify.RandomState(24)
	if err != nil {
		return errResp(500, "failed to generate state")
	}

	exp := h.now().UTC().Add(oauthStateTTL).Unix()
	_, err = h.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.StateTable),
		Item: map[string]types.AttributeValue{
			"State":          &types.AttributeValueMemberS{Value: state},
			"UserSub":        &types.AttributeValueMemberS{Value: sub},
			"AgentID":        &types.AttributeValueMemberS{Value: agentID},
			"Shop":           &types.AttributeValueMemberS{Value: shop},
			"ExpiresAtEpoch": &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#s)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "State",
		},
	})
	if err != nil {
		h.Log.Error("store oauth state failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to store oauth state")
	}

	redirectURI := c.RedirectBase + "/integrations/shopify/callback"
	return jsonResp(200, map[string]any{
		"authorizeUrl": shopify.AuthorizeURL(shop, c.APIKey, c.Scopes, redirectURI, state),
	})
}

type oauthState struct {
	UserSub, AgentID, Shop string
	ExpiresAt              time.Time
}

// takeState loads and deletes a one-time OAuth state.
func (h *Shopify) takeState(ctx context.Context, state string) (*oauthState, error) {
	key := map[string]types.AttributeValue{
		"State": &types.AttributeValueMemberS{Value: state},
	}
	out, err := h.DB.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(h.StateTable),
		Key:          key,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, err
	}
	if out.Attributes == nil {
		return nil, db.ErrNotFound
	}
	st := &oauthState{
		UserSub: db.AttrS(out.Attributes["UserSub"]),
		AgentID: db.AttrS(out.Attributes["AgentID"]),
		Shop:    db.AttrS(out.Attributes["Shop"]),
	}
	if n, ok := out.Attributes["ExpiresAtEpoch"].(*types.AttributeValueMemberN); ok {
		if sec, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
			st.ExpiresAt = time.Unix(sec, 0)
		}
	}
	return st, nil
}

func (h *Shopify) callback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	params := req.QueryStringParameters

	shop := strings.ToLower(strings.TrimSpace(params["shop"]))
	code := strings.TrimSpace(params["code"])
	state := strings.TrimSpace(params["state"])
	if !shopify.IsValidShopDomain(shop) || code == "" || state == "" || strings.TrimSpace(params["hmac"]) == "" {
		return errResp(400, "missing required oauth params")
	}

	secret := h.Config.APISecret
	if secret == "" {
		return errResp(500, "SHOPIFY_API_SECRET not set")
	}
	if !shopify.VerifyOAuthQuery(params, secret) {
		return errResp(401, "invalid hmac")
	}

	st, err := h.takeState(ctx, state)
	if err != nil || st.ExpiresAt.Before(h.now()) {
		return errResp(400, "invalid or expired state")
	}
	if st.UserSub == "" || st.AgentID == "" || st.Shop != shop {
		return errResp(400, "state mismatch")
	}

	tok, err := h.Client.ExchangeToken(ctx, shop, h.Config.APIKey, secret, code)
	if err != nil {
		h.Log.Error("token exchange failed", "shop", shop, "error", err)
		return errResp(502, "token exchange failed")
	}

	now := h.now()
	if err := h.Integrations.Save(ctx, st.AgentID, shop, *tok, now); err != nil {
		h.Log.Error("store integration failed", "shop", shop, "agent_id", st.AgentID, "error", err)
		return errResp(500, "failed to store integration")
	}
	if err := h.Agents.AttachShop(ctx, st.AgentID, st.UserSub, shop); err != nil {
		h.Log.Error("attach shop failed", "shop", shop, "agent_id", st.AgentID, "error", err)
		return errResp(500, "failed to link shop")
	}

	log := h.Log.With("shop", shop, "agent_id", st.AgentID)

	info, err := h.Client.GetShop(ctx, shop, tok.AccessToken)
	if err != nil {
		log.Warn("shop metadata unavailable", "error", err)
	}

	if h.Config.WebhookAddress != "" {
		created, failed := h.Client.RegisterWebhooks(ctx, shop, tok.AccessToken, h.Config.WebhookAddress, shopify.WebhookTopics)
		for topic, msg := range failed {
			log.Warn("webhook registration failed", "topic", topic, "reason", msg)
		}
		log.Info("webhooks registered", "topics", created)
	}

	if h.Alerts != nil && info != nil && info.Email != "" {
		if _, err := h.Alerts.EnsureTopic(ctx, st.AgentID, info.Email); err != nil {
			log.Warn("alerts topic setup failed", "error", err)
		}
	}

	// Redirect back to frontend Shopify page
	fe := h.FrontendURL
	if fe == "" {
		fe = "/"
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 302,
		Headers: map[string]string{
			"location": strings.TrimRight(fe, "/") + "/shopify?connected=1&shop=" + url.QueryEscape(shop),
		},
	}, nil
}

// webhook verifies the signature before touching any store.
func (h *Shopify) webhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body, err := rawBody(req)
	if err != nil {
		return errResp(400, "invalid body")
	}
	if err := shopify.VerifyWebhook(body, header(req, shopify.HeaderHmac), h.Config.APISecret); err != nil {
		return errResp(401, "unauthorized")
	}

	topic := strings.TrimSpace(header(req, shopify.HeaderTopic))
	shop := strings.ToLower(strings.TrimSpace(header(req, shopify.HeaderShopDomain)))
	webhookID := strings.TrimSpace(header(req, shopify.HeaderWebhookID))
	log := h.Log.With("shop", shop, "topic", topic, "webhook_id", webhookID)

	dup, err := shopify.ClaimWebhook(ctx, h.DB, h.DedupeTable, webhookID, shop, topic, h.now())
	if err != nil {
		log.Error("webhook dedupe failed", "error", err)
		return errResp(500, "dedupe failed")
	}
	if dup {
		return jsonResp(200, map[string]any{"ok": true, "duplicate": true})
	}

	result, err := h.dispatch(ctx, log, shop, topic, webhookID, body)
	if err != nil {
		log.Error("webhook processing failed", "error", err)
		if rerr := shopify.ReleaseWebhook(ctx, h.DB, h.DedupeTable, webhookID); rerr != nil {
			log.Warn("release webhook claim failed", "error", rerr)
		}
		return errResp(500, "processing failed")
	}
	result["ok"] = true
	return jsonResp(200, result)
}

func (h *Shopify) dispatch(ctx context.Context, log *logger.Logger, shop, topic, webhookID string, body []byte) (map[string]any, error) {
	agentID, err := h.Agents.AgentForShop(ctx, shop)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("webhook for unknown shop")
		return map[string]any{"ignored": "unknown shop"}, nil
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	switch topic {
	case shopify.TopicOrdersCreate:
		var o shopify.Order
		if err := json.Unmarshal(body, &o); err != nil {
			log.Warn("undecodable order payload", "error", err)
			return map[string]any{"ignored": "bad payload"}, nil
		}
		res, err := h.Orders.TrackOrder(ctx, agentID, o)
		if err != nil {
			return nil, fmt.Errorf("track order %d: %w", o.ID, err)
		}
		result = map[string]any{"order": res}

	case shopify.TopicCheckoutsUpdate:
		var c shopify.Checkout
		if err := json.Unmarshal(body, &c); err != nil {
			log.Warn("undecodable checkout payload", "error", err)
			return map[string]any{"ignored": "bad payload"}, nil
		}
		session, ok := c.Note(attribution.NoteSessionID)
		if c.CompletedAt == nil || !ok {
			result = map[string]any{"recovered": false}
			break
		}
		_, err := h.Carts.MarkRecovered(ctx, session, *c.CompletedAt)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("mark cart recovered: %w", err)
		}
		result = map[string]any{"recovered": err == nil}

	case shopify.TopicAppUninstalled:
		if err := h.Integrations.Delete(ctx, agentID, shop); err != nil {
			return nil, err
		}
		if err := h.Agents.DetachShop(ctx, agentID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		log.Info("shop uninstalled", "agent_id", agentID)
		return map[string]any{"uninstalled": true}, nil

	default:
		return map[string]any{"ignored": "unsupported topic"}, nil
	}

	if err := h.Integrations.TouchEvent(ctx, agentID, shop, topic, webhookID, h.now()); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Warn("record last event failed", "error", err)
	}
	return result, nil
}
