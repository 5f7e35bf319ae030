package attribution

import (
	"math"
	"sort"
	"strconv"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/shopify"
)

type SegmentName string

const (
	SegmentRegular SegmentName = "regular"
	SegmentVIP     SegmentName = "vip"
	SegmentAtRisk  SegmentName = "at_risk"
	SegmentLapsed  SegmentName = "lapsed"
)

const (
	vipSpend    = 1000.0
	lapsedDays  = 180
	atRiskDays  = 90
	hoursPerDay = 24
)

// Segment buckets a customer by lifetime spend and recency. Spend wins over
// recency; a nil recency (no orders) is regular unless spend says vip.
func Segment(totalSpent float64, daysSinceLastOrder *int) SegmentName {
	switch {
	case totalSpent > vipSpend:
		return SegmentVIP
	case daysSinceLastOrder != nil && *daysSinceLastOrder > lapsedDays:
		return SegmentLapsed
	case daysSinceLastOrder != nil && *daysSinceLastOrder > atRiskDays:
		return SegmentAtRisk
	default:
		return SegmentRegular
	}
}

// DaysSince returns whole days elapsed, floored. Zero for a future timestamp.
func DaysSince(last, now time.Time) int {
	d := now.Sub(last)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Hours() / hoursPerDay))
}

// CustomerAnalytics is the per-agent, per-customer rollup.
// PK = AGENT#<agent>, SK = CUSTOMER#<external id>.
type CustomerAnalytics struct {
	PK                 string      `dynamodbav:"PK" json:"-"`
	SK                 string      `dynamodbav:"SK" json:"-"`
	AgentID            string      `dynamodbav:"AgentID" json:"agent_id"`
	CustomerID         string      `dynamodbav:"CustomerID" json:"customer_id"`
	Email              string      `dynamodbav:"Email,omitempty" json:"email,omitempty"`
	TotalOrders        int         `dynamodbav:"TotalOrders" json:"total_orders"`
	TotalSpent         float64     `dynamodbav:"TotalSpent" json:"total_spent"`
	AverageOrderValue  float64     `dynamodbav:"AverageOrderValue" json:"average_order_value"`
	DaysSinceLastOrder *int        `dynamodbav:"DaysSinceLastOrder" json:"days_since_last_order"`
	Segment            SegmentName `dynamodbav:"Segment" json:"segment"`
	LastOrderAt        string      `dynamodbav:"LastOrderAt,omitempty" json:"last_order_at,omitempty"`
	ComputedAt         string      `dynamodbav:"ComputedAt" json:"computed_at"`
}

func CustomerSK(customerID string) string { return "CUSTOMER#" + customerID }

type rollup struct {
	orders int
	spent  float64
	last   time.Time
}

// Rollup groups orders by customer and computes analytics for every customer
// with at least one order. Orders without a customer and cancelled orders are
// ignored. Rows come back sorted by customer id.
func Rollup(agentID string, orders []shopify.Order, emails map[int64]string, now time.Time) []CustomerAnalytics {
	byCustomer := map[int64]*rollup{}
	for _, o := range orders {
		if o.Customer == nil || o.Customer.ID == 0 || o.CancelledAt != nil {
			continue
		}
		r, ok := byCustomer[o.Customer.ID]
		if !ok {
			r = &rollup{}
			byCustomer[o.Customer.ID] = r
		}
		r.orders++
		r.spent += o.Total()
		if o.CreatedAt.After(r.last) {
			r.last = o.CreatedAt
		}
		if emails != nil && emails[o.Customer.ID] == "" && o.Customer.Email != "" {
			emails[o.Customer.ID] = o.Customer.Email
		}
	}

	ids := make([]int64, 0, len(byCustomer))
	for id := range byCustomer {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	computed := now.UTC().Format(time.RFC3339)
	out := make([]CustomerAnalytics, 0, len(ids))
	for _, id := range ids {
		r := byCustomer[id]
		cid := strconv.FormatInt(id, 10)
		row := CustomerAnalytics{
			PK:                db.AgentPK(agentID),
			SK:                CustomerSK(cid),
			AgentID:           agentID,
			CustomerID:        cid,
			TotalOrders:       r.orders,
			TotalSpent:        round2(r.spent),
			AverageOrderValue: round2(r.spent / float64(r.orders)),
			ComputedAt:        computed,
		}
		if emails != nil {
			row.Email = emails[id]
		}
		if !r.last.IsZero() {
			days := DaysSince(r.last, now)
			row.DaysSinceLastOrder = &days
			row.LastOrderAt = r.last.UTC().Format(time.RFC3339)
		}
		row.Segment = Segment(row.TotalSpent, row.DaysSinceLastOrder)
		out = append(out, row)
	}
	return out
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
