package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"chatpop/internal/behavior"
	"chatpop/internal/carts"
	"chatpop/internal/logger"
	"chatpop/internal/resilience"
	"chatpop/internal/suggestions"
	"chatpop/internal/triggers"
	"chatpop/internal/validate"

	"github.com/aws/aws-lambda-go/events"
)

type EventIngester interface {
	Ingest(ctx context.Context, in behavior.EventInput) (*suggestions.Suggestion, error)
}

type CartApplier interface {
	Apply(ctx context.Context, in carts.EventInput) (*carts.Cart, error)
}

type SuggestionLister interface {
	ListForSession(ctx context.Context, sessionID string, limit int) ([]suggestions.Suggestion, error)
}

type TriggerConfigs interface {
	Get(ctx context.Context, agentID string) (triggers.Config, bool, error)
}

// Widget serves the storefront widget. Every route is rate limited per
// agent and session.
type Widget struct {
	collector   EventIngester
	carts       CartApplier
	suggestions SuggestionLister
	configs     TriggerConfigs
	limiter     resilience.Limiter
	log         *logger.Logger
}

func NewWidget(collector EventIngester, cartSvc CartApplier, sugg SuggestionLister, configs TriggerConfigs, limiter resilience.Limiter, log *logger.Logger) *Widget {
	if log == nil {
		log = logger.Nop()
	}
	return &Widget{collector: collector, carts: cartSvc, suggestions: sugg, configs: configs, limiter: limiter, log: log}
}

func (w *Widget) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if method(req) == "OPTIONS" {
		return preflight()
	}
	switch req.RawPath {
	case "/widget/events":
		if method(req) != "POST" {
			return errResp(405, "method not allowed")
		}
		return w.events(ctx, req)
	case "/widget/cart":
		if method(req) != "POST" {
			return errResp(405, "method not allowed")
		}
		return w.cart(ctx, req)
	case "/widget/suggestions":
		if method(req) != "GET" {
			return errResp(405, "method not allowed")
		}
		return w.listSuggestions(ctx, req)
	default:
		return errResp(404, "not found")
	}
}

// limited reports a ready 429 response when the caller is over its budget.
// Limiter failures let the request through.
func (w *Widget) limited(ctx context.Context, agentID, sessionID string) (events.APIGatewayV2HTTPResponse, bool) {
	if w.limiter == nil || agentID == "" || sessionID == "" {
		return events.APIGatewayV2HTTPResponse{}, false
	}
	d, err := w.limiter.Allow(ctx, agentID+":"+sessionID)
	if err != nil {
		w.log.Warn("rate limiter unavailable", "agent_id", agentID, "error", err)
		return events.APIGatewayV2HTTPResponse{}, false
	}
	if d.Allowed {
		return events.APIGatewayV2HTTPResponse{}, false
	}
	resp, _ := errResp(429, "rate limit exceeded")
	retry := int(time.Until(d.ResetAt).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	resp.Headers["retry-after"] = strconv.Itoa(retry)
	resp.Headers["x-ratelimit-remaining"] = strconv.Itoa(d.Remaining)
	return resp, true
}

func (w *Widget) events(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var in behavior.EventInput
	if err := decodeJSON(req, &in); err != nil {
		return errResp(400, "invalid json")
	}
	if resp, ok := w.limited(ctx, in.AgentID, in.SessionID); ok {
		return resp, nil
	}

	sg, err := w.collector.Ingest(ctx, in)
	var fe *validate.FieldError
	if errors.As(err, &fe) {
		return invalidResp(err)
	}
	if err != nil {
		w.log.Error("ingest event failed", "agent_id", in.AgentID, "session_id", in.SessionID, "error", err)
		return errResp(500, "failed to record event")
	}

	body := map[string]any{"ok": true}
	if sg != nil {
		body["suggestion"] = sg
	}
	return jsonResp(200, body)
}

func (w *Widget) cart(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var in carts.EventInput
	if err := decodeJSON(req, &in); err != nil {
		return errResp(400, "invalid json")
	}
	if resp, ok := w.limited(ctx, in.AgentID, in.SessionID); ok {
		return resp, nil
	}

	c, err := w.carts.Apply(ctx, in)
	var fe *validate.FieldError
	if errors.As(err, &fe) {
		return invalidResp(err)
	}
	if err != nil {
		w.log.Error("apply cart event failed", "agent_id", in.AgentID, "session_id", in.SessionID, "error", err)
		return errResp(500, "failed to record cart")
	}
	return jsonResp(200, map[string]any{"ok": true, "cart": c})
}

func (w *Widget) listSuggestions(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sessionID := strings.TrimSpace(req.QueryStringParameters["session_id"])
	agentID := strings.TrimSpace(req.QueryStringParameters["agent_id"])
	if sessionID == "" || agentID == "" {
		return jsonResp(400, map[string]any{"error": "invalid request", "fields": missing(map[string]string{"agent_id": agentID, "session_id": sessionID})})
	}
	if resp, ok := w.limited(ctx, agentID, sessionID); ok {
		return resp, nil
	}

	items, err := w.suggestions.ListForSession(ctx, sessionID, 20)
	if err != nil {
		w.log.Error("list suggestions failed", "session_id", sessionID, "error", err)
		return errResp(500, "failed to load suggestions")
	}
	// a session id is only meaningful under the agent that issued it
	out := make([]suggestions.Suggestion, 0, len(items))
	for _, sg := range items {
		if sg.AgentID == agentID {
			out = append(out, sg)
		}
	}

	autoHide := triggers.Config{}.AutoHideSeconds()
	cfg, ok, err := w.configs.Get(ctx, agentID)
	switch {
	case errors.Is(err, triggers.ErrMalformedConfig):
		w.log.Warn("malformed trigger config", "agent_id", agentID, "error", err)
	case err != nil:
		w.log.Warn("load trigger config failed", "agent_id", agentID, "error", err)
	case ok:
		autoHide = cfg.AutoHideSeconds()
	}

	return jsonResp(200, map[string]any{
		"items":             out,
		"auto_hide_seconds": autoHide,
	})
}

func missing(fields map[string]string) []string {
	var out []string
	for _, k := range []string{"agent_id", "session_id"} {
		if v, ok := fields[k]; ok && v == "" {
			out = append(out, k)
		}
	}
	return out
}
