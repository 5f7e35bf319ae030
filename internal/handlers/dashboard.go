package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"chatpop/internal/attribution"
	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/resilience"
	"chatpop/internal/tenancy"
	"chatpop/internal/triggers"

	"github.com/aws/aws-lambda-go/events"
)

type AgentAuthorizer interface {
	Authorize(ctx context.Context, agentID, sub string) (*tenancy.Agent, error)
}

type TriggerDocuments interface {
	Raw(ctx context.Context, agentID string) ([]byte, error)
	Put(ctx context.Context, agentID string, raw []byte) error
}

type AttributionReader interface {
	ListRecords(ctx context.Context, agentID string) ([]attribution.Record, error)
	ListAnalytics(ctx context.Context, agentID string) ([]attribution.CustomerAnalytics, error)
}

type Auditor interface {
	Audit(ctx context.Context, agentID string, from, to time.Time) (attribution.Reconciliation, error)
}

type Aggregator interface {
	Run(ctx context.Context, agentID string) (attribution.RunResult, error)
}

// maxReconcileRange bounds one reconciliation window.
const maxReconcileRange = 92 * 24 * time.Hour

// Dashboard serves the authenticated /agents/{agent}/... API.
type Dashboard struct {
	agents     AgentAuthorizer
	triggers   TriggerDocuments
	reports    AttributionReader
	auditor    Auditor
	aggregator Aggregator
	log        *logger.Logger
	now        func() time.Time
}

func NewDashboard(agents AgentAuthorizer, trig TriggerDocuments, reports AttributionReader, auditor Auditor, aggregator Aggregator, log *logger.Logger) *Dashboard {
	if log == nil {
		log = logger.Nop()
	}
	return &Dashboard{agents: agents, triggers: trig, reports: reports, auditor: auditor, aggregator: aggregator, log: log, now: time.Now}
}

// agentRoute splits "/agents/{agent}/{resource}".
func agentRoute(path string) (agentID, resource string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "agents" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (d *Dashboard) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if method(req) == "OPTIONS" {
		return preflight()
	}
	agentID, resource, ok := agentRoute(req.RawPath)
	if !ok {
		return errResp(404, "not found")
	}
	if id := strings.TrimSpace(req.PathParameters["agent"]); id != "" {
		agentID = id
	}

	sub, _, err := userSub(req)
	if err != nil {
		return errResp(401, "unauthorized")
	}
	if _, err := d.agents.Authorize(ctx, agentID, sub); err != nil {
		if errors.Is(err, tenancy.ErrForbidden) {
			return errResp(403, "forbidden")
		}
		d.log.Error("authorize agent failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to load agent")
	}

	switch resource + " " + method(req) {
	case "triggers GET":
		return d.getTriggers(ctx, agentID)
	case "triggers PUT":
		return d.putTriggers(ctx, req, agentID)
	case "attribution GET":
		return d.attribution(ctx, agentID)
	case "reconcile GET":
		return d.reconcile(ctx, req, agentID)
	case "clv POST":
		return d.runCLV(ctx, agentID)
	case "customers GET":
		return d.customers(ctx, agentID)
	}
	switch resource {
	case "triggers", "attribution", "reconcile", "clv", "customers":
		return errResp(405, "method not allowed")
	}
	return errResp(404, "not found")
}

func (d *Dashboard) getTriggers(ctx context.Context, agentID string) (events.APIGatewayV2HTTPResponse, error) {
	raw, err := d.triggers.Raw(ctx, agentID)
	if errors.Is(err, db.ErrNotFound) {
		return jsonResp(200, map[string]any{"config": nil})
	}
	if err != nil {
		d.log.Error("load trigger config failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to load triggers")
	}
	return jsonResp(200, map[string]any{"config": json.RawMessage(raw)})
}

func (d *Dashboard) putTriggers(ctx context.Context, req events.APIGatewayV2HTTPRequest, agentID string) (events.APIGatewayV2HTTPResponse, error) {
	raw, err := rawBody(req)
	if err != nil {
		return errResp(400, "invalid body")
	}
	cfg, err := triggers.ParseConfig(raw)
	if err != nil {
		return errResp(400, "invalid json")
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return jsonResp(400, map[string]any{"error": "invalid trigger config", "problems": problems})
	}
	if err := d.triggers.Put(ctx, agentID, raw); err != nil {
		d.log.Error("store trigger config failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to save triggers")
	}
	d.log.Info("trigger config updated", "agent_id", agentID)
	return jsonResp(200, map[string]any{"ok": true, "config": json.RawMessage(raw)})
}

func (d *Dashboard) attribution(ctx context.Context, agentID string) (events.APIGatewayV2HTTPResponse, error) {
	records, err := d.reports.ListRecords(ctx, agentID)
	if err != nil {
		d.log.Error("list attribution failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to load attribution")
	}
	return jsonResp(200, attribution.BuildReport(records))
}

func (d *Dashboard) reconcile(ctx context.Context, req events.APIGatewayV2HTTPRequest, agentID string) (events.APIGatewayV2HTTPResponse, error) {
	now := d.now().UTC()
	from, to := now.Add(-30*24*time.Hour), now
	var bad []string
	if v := strings.TrimSpace(req.QueryStringParameters["from"]); v != "" {
		t, err := parseDay(v)
		if err != nil {
			bad = append(bad, "from")
		}
		from = t
	}
	if v := strings.TrimSpace(req.QueryStringParameters["to"]); v != "" {
		t, err := parseDay(v)
		if err != nil {
			bad = append(bad, "to")
		}
		to = t
	}
	if len(bad) > 0 {
		return jsonResp(400, map[string]any{"error": "invalid request", "fields": bad})
	}
	if !to.After(from) || to.Sub(from) > maxReconcileRange {
		return jsonResp(400, map[string]any{"error": "invalid request", "fields": []string{"from", "to"}})
	}

	out, err := d.auditor.Audit(ctx, agentID, from, to)
	if err != nil {
		return d.upstreamErr(agentID, "reconcile", err)
	}
	return jsonResp(200, map[string]any{
		"from":           from.Format(time.RFC3339),
		"to":             to.Format(time.RFC3339),
		"reconciliation": out,
	})
}

// parseDay accepts RFC3339 or YYYY-MM-DD.
func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}

func (d *Dashboard) runCLV(ctx context.Context, agentID string) (events.APIGatewayV2HTTPResponse, error) {
	res, err := d.aggregator.Run(ctx, agentID)
	if err != nil {
		return d.upstreamErr(agentID, "clv aggregation", err)
	}
	return jsonResp(200, map[string]any{"ok": true, "result": res})
}

func (d *Dashboard) customers(ctx context.Context, agentID string) (events.APIGatewayV2HTTPResponse, error) {
	rows, err := d.reports.ListAnalytics(ctx, agentID)
	if err != nil {
		d.log.Error("list customers failed", "agent_id", agentID, "error", err)
		return errResp(500, "failed to load customers")
	}
	if rows == nil {
		rows = []attribution.CustomerAnalytics{}
	}
	return jsonResp(200, map[string]any{"items": rows})
}

// upstreamErr maps Shopify-facing failures. Detail stays in the log.
func (d *Dashboard) upstreamErr(agentID, op string, err error) (events.APIGatewayV2HTTPResponse, error) {
	d.log.Error(op+" failed", "agent_id", agentID, "error", err)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return errResp(409, "shopify not connected")
	case errors.Is(err, resilience.ErrCircuitOpen):
		return errResp(503, "shopify temporarily unavailable")
	default:
		return errResp(502, "sync failed")
	}
}
