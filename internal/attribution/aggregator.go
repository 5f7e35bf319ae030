package attribution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatpop/internal/carts"
	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/shopify"

	"golang.org/x/sync/errgroup"
)

type TokenSource interface {
	Load(ctx context.Context, agentID string) (string, *shopify.Integration, error)
}

type OrderSource interface {
	ListOrders(ctx context.Context, shop, accessToken string, q shopify.OrderQuery, fn func([]shopify.Order) error) error
	ListCustomers(ctx context.Context, shop, accessToken string, fn func([]shopify.Customer) error) error
}

type AnalyticsWriter interface {
	PutAnalytics(ctx context.Context, rows []CustomerAnalytics) (int, error)
}

// SnapshotExporter persists a copy of a run outside DynamoDB.
type SnapshotExporter interface {
	Export(ctx context.Context, agentID string, at time.Time, rows []CustomerAnalytics) (string, error)
}

var orderFields = []string{"id", "created_at", "cancelled_at", "total_price", "currency", "customer"}

type RunResult struct {
	AgentID     string `json:"agent_id"`
	Shop        string `json:"shop"`
	Orders      int    `json:"orders"`
	Customers   int    `json:"customers"`
	Written     int    `json:"written"`
	SnapshotKey string `json:"snapshot_key,omitempty"`
}

type CLVAggregator struct {
	tokens   TokenSource
	shopify  OrderSource
	store    AnalyticsWriter
	exporter SnapshotExporter
	log      *logger.Logger
	now      func() time.Time
}

// NewCLVAggregator wires an aggregator. exporter may be nil.
func NewCLVAggregator(tokens TokenSource, shop OrderSource, store AnalyticsWriter, exporter SnapshotExporter, log *logger.Logger) *CLVAggregator {
	if log == nil {
		log = logger.Nop()
	}
	return &CLVAggregator{tokens: tokens, shopify: shop, store: store, exporter: exporter, log: log, now: time.Now}
}

// Run recomputes every customer of the agent from the shop's full order
// history. Orders and customers are paged concurrently; nothing is written
// until both walks are exhausted.
func (a *CLVAggregator) Run(ctx context.Context, agentID string) (RunResult, error) {
	res := RunResult{AgentID: agentID}
	token, integ, err := a.tokens.Load(ctx, agentID)
	if err != nil {
		return res, fmt.Errorf("load integration: %w", err)
	}
	res.Shop = integ.Shop

	var (
		orders []shopify.Order
		emails = map[int64]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.shopify.ListOrders(gctx, integ.Shop, token, shopify.OrderQuery{Fields: orderFields}, func(page []shopify.Order) error {
			orders = append(orders, page...)
			return nil
		})
	})
	g.Go(func() error {
		return a.shopify.ListCustomers(gctx, integ.Shop, token, func(page []shopify.Customer) error {
			for _, c := range page {
				if c.Email != "" {
					emails[c.ID] = c.Email
				}
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("fetch shopify history: %w", err)
	}

	now := a.now()
	rows := Rollup(agentID, orders, emails, now)
	res.Orders = len(orders)
	res.Customers = len(rows)

	written, err := a.store.PutAnalytics(ctx, rows)
	res.Written = written
	if err != nil {
		return res, fmt.Errorf("write analytics: %w", err)
	}

	if a.exporter != nil && len(rows) > 0 {
		key, err := a.exporter.Export(ctx, agentID, now, rows)
		if err != nil {
			a.log.Warn("clv snapshot export failed", "agent_id", agentID, "error", err)
		} else {
			res.SnapshotKey = key
		}
	}

	a.log.Info("clv aggregation complete",
		"agent_id", agentID,
		"shop", integ.Shop,
		"orders", res.Orders,
		"customers", res.Customers,
		"written", res.Written,
	)
	return res, nil
}

// TrackedSource lists order ids recorded by conversion tracking.
type TrackedSource interface {
	TrackedOrderIDs(ctx context.Context, agentID string, from, to time.Time) ([]string, error)
}

type Reconciler struct {
	tokens  TokenSource
	shopify OrderSource
	tracked TrackedSource
}

func NewReconciler(tokens TokenSource, shop OrderSource, tracked TrackedSource) *Reconciler {
	return &Reconciler{tokens: tokens, shopify: shop, tracked: tracked}
}

// Audit compares the shop's orders created in [from, to] against tracked
// conversions. It only reads.
func (r *Reconciler) Audit(ctx context.Context, agentID string, from, to time.Time) (Reconciliation, error) {
	token, integ, err := r.tokens.Load(ctx, agentID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load integration: %w", err)
	}
	var storefront []string
	q := shopify.OrderQuery{CreatedMin: from, CreatedMax: to, Fields: []string{"id"}}
	if err := r.shopify.ListOrders(ctx, integ.Shop, token, q, func(page []shopify.Order) error {
		for _, o := range page {
			storefront = append(storefront, strconv.FormatInt(o.ID, 10))
		}
		return nil
	}); err != nil {
		return Reconciliation{}, fmt.Errorf("list storefront orders: %w", err)
	}
	tracked, err := r.tracked.TrackedOrderIDs(ctx, agentID, from, to)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconcile(storefront, tracked), nil
}

type OrderWriter interface {
	PutConversion(ctx context.Context, c Conversion) (bool, error)
	PutRecord(ctx context.Context, r Record) error
}

type CartMarker interface {
	MarkRecovered(ctx context.Context, sessionID string, at time.Time) (*carts.Cart, error)
}

type TrackResult struct {
	OrderID    string `json:"order_id"`
	Tracked    bool   `json:"tracked"`
	Duplicate  bool   `json:"duplicate"`
	Attributed bool   `json:"attributed"`
	Recovered  bool   `json:"recovered"`
}

// Tracker turns orders/create webhooks into conversions and attribution
// records.
type Tracker struct {
	store OrderWriter
	carts CartMarker
	log   *logger.Logger
}

func NewTracker(store OrderWriter, cartMarker CartMarker, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{store: store, carts: cartMarker, log: log}
}

func (t *Tracker) TrackOrder(ctx context.Context, agentID string, o shopify.Order) (TrackResult, error) {
	conv := ConversionFromOrder(agentID, o)
	res := TrackResult{OrderID: conv.OrderID}

	created, err := t.store.PutConversion(ctx, conv)
	if err != nil {
		return res, err
	}
	res.Tracked = true
	res.Duplicate = !created

	if rec, ok := FromOrder(agentID, o); ok {
		if err := t.store.PutRecord(ctx, rec); err != nil {
			return res, err
		}
		res.Attributed = true
	}

	if conv.SessionID != "" && t.carts != nil {
		_, err := t.carts.MarkRecovered(ctx, conv.SessionID, o.CreatedAt)
		switch {
		case err == nil:
			res.Recovered = true
		case errors.Is(err, db.ErrNotFound):
		default:
			t.log.Warn("mark cart recovered failed", "agent_id", agentID, "session_id", conv.SessionID, "error", err)
		}
	}
	return res, nil
}
