// Package attribution links Shopify orders back to ChatPop conversations and
// rolls customers up into lifetime-value segments.
package attribution

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/shopify"
)

type Type string

const (
	TypeDirect     Type = "direct"
	TypeMultiTouch Type = "multi-touch"
	TypeAssisted   Type = "assisted"
)

// Note attributes the storefront script copies onto the checkout.
const (
	NoteSessionID       = "chatpop_session_id"
	NoteConversationIDs = "chatpop_conversation_ids"
	NoteConfidence      = "chatpop_confidence"
	NoteType            = "chatpop_attribution_type"
	NoteRecommended     = "chatpop_recommended"
)

// Record is one attributed order. PK = AGENT#<agent>, SK = ORDER#<order id>.
type Record struct {
	PK                  string   `dynamodbav:"PK" json:"-"`
	SK                  string   `dynamodbav:"SK" json:"-"`
	AgentID             string   `dynamodbav:"AgentID" json:"agent_id"`
	OrderID             string   `dynamodbav:"OrderID" json:"order_id"`
	OrderTotal          float64  `dynamodbav:"OrderTotal" json:"order_total"`
	AttributedRevenue   float64  `dynamodbav:"AttributedRevenue" json:"attributed_revenue"`
	Confidence          float64  `dynamodbav:"Confidence" json:"confidence"`
	Type                Type     `dynamodbav:"Type" json:"type"`
	ConversationIDs     []string `dynamodbav:"ConversationIDs,stringset,omitempty" json:"conversation_ids"`
	RecommendedProducts []string `dynamodbav:"RecommendedProducts,omitempty" json:"recommended_products"`
	PurchasedProducts   []string `dynamodbav:"PurchasedProducts,omitempty" json:"purchased_products"`
	SessionID           string   `dynamodbav:"SessionID,omitempty" json:"session_id,omitempty"`
	Timestamp           string   `dynamodbav:"Timestamp" json:"timestamp"`
}

func OrderSK(orderID string) string { return "ORDER#" + orderID }

// FromOrder builds an attribution record from the ChatPop note attributes on
// an order. It reports false when the order carries neither a session id nor
// a conversation id.
func FromOrder(agentID string, o shopify.Order) (Record, bool) {
	session, _ := o.Note(NoteSessionID)
	convs := splitList(noteOr(o, NoteConversationIDs))
	if session == "" && len(convs) == 0 {
		return Record{}, false
	}

	orderID := strconv.FormatInt(o.ID, 10)
	total := round2(o.Total())
	rec := Record{
		PK:                  db.AgentPK(agentID),
		SK:                  OrderSK(orderID),
		AgentID:             agentID,
		OrderID:             orderID,
		OrderTotal:          total,
		Confidence:          ClampConfidence(parseFloat(noteOr(o, NoteConfidence))),
		Type:                parseType(noteOr(o, NoteType), len(convs)),
		ConversationIDs:     convs,
		RecommendedProducts: splitList(noteOr(o, NoteRecommended)),
		SessionID:           session,
		Timestamp:           o.CreatedAt.UTC().Format(time.RFC3339),
	}

	recommended := set(rec.RecommendedProducts)
	var fromRecommended float64
	for _, li := range o.LineItems {
		pid := strconv.FormatInt(li.ProductID, 10)
		rec.PurchasedProducts = append(rec.PurchasedProducts, pid)
		if recommended[pid] {
			fromRecommended += li.Amount()
		}
	}
	rec.PurchasedProducts = dedupe(rec.PurchasedProducts)

	if rec.Type == TypeDirect {
		rec.AttributedRevenue = total
	} else {
		rec.AttributedRevenue = round2(fromRecommended)
	}
	if rec.AttributedRevenue > total {
		rec.AttributedRevenue = total
	}
	return rec, true
}

// ClampConfidence forces an externally supplied score into [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func parseType(s string, conversations int) Type {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeDirect:
		return TypeDirect
	case TypeMultiTouch:
		return TypeMultiTouch
	case TypeAssisted:
		return TypeAssisted
	}
	if conversations > 1 {
		return TypeMultiTouch
	}
	return TypeAssisted
}

func noteOr(o shopify.Order, name string) string {
	v, _ := o.Note(name)
	return v
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func set(in []string) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, v := range in {
		m[v] = true
	}
	return m
}

// ProductDiff compares what was recommended with what was bought.
type ProductDiff struct {
	OrderID                string   `json:"order_id"`
	Converted              []string `json:"converted"`
	NotPurchased           []string `json:"not_purchased"`
	UnrecommendedPurchases []string `json:"unrecommended_purchases"`
}

type TimelineEvent struct {
	OrderID           string  `json:"order_id"`
	Timestamp         string  `json:"timestamp"`
	AttributedRevenue float64 `json:"attributed_revenue"`
	Confidence        float64 `json:"confidence"`
}

type Report struct {
	Orders            int                        `json:"orders"`
	TotalRevenue      float64                    `json:"total_revenue"`
	AttributedRevenue float64                    `json:"attributed_revenue"`
	AverageConfidence float64                    `json:"average_confidence"`
	ByType            map[Type]int               `json:"by_type"`
	Products          []ProductDiff              `json:"products"`
	Timelines         map[string][]TimelineEvent `json:"timelines"`
}

// BuildReport aggregates attribution records. Confidence is averaged as
// stored; it is never recomputed here.
func BuildReport(records []Record) Report {
	rep := Report{
		ByType:    map[Type]int{},
		Products:  []ProductDiff{},
		Timelines: map[string][]TimelineEvent{},
	}
	var confSum float64
	for _, r := range records {
		rep.Orders++
		rep.TotalRevenue += r.OrderTotal
		rep.AttributedRevenue += r.AttributedRevenue
		confSum += ClampConfidence(r.Confidence)
		rep.ByType[r.Type]++

		recommended, purchased := set(r.RecommendedProducts), set(r.PurchasedProducts)
		diff := ProductDiff{OrderID: r.OrderID, Converted: []string{}, NotPurchased: []string{}, UnrecommendedPurchases: []string{}}
		for _, p := range r.RecommendedProducts {
			if purchased[p] {
				diff.Converted = append(diff.Converted, p)
			} else {
				diff.NotPurchased = append(diff.NotPurchased, p)
			}
		}
		for _, p := range r.PurchasedProducts {
			if !recommended[p] {
				diff.UnrecommendedPurchases = append(diff.UnrecommendedPurchases, p)
			}
		}
		rep.Products = append(rep.Products, diff)

		for _, c := range r.ConversationIDs {
			rep.Timelines[c] = append(rep.Timelines[c], TimelineEvent{
				OrderID:           r.OrderID,
				Timestamp:         r.Timestamp,
				AttributedRevenue: r.AttributedRevenue,
				Confidence:        r.Confidence,
			})
		}
	}
	if rep.Orders > 0 {
		rep.AverageConfidence = confSum / float64(rep.Orders)
	}
	rep.TotalRevenue = round2(rep.TotalRevenue)
	rep.AttributedRevenue = round2(rep.AttributedRevenue)

	// RFC3339 UTC timestamps sort lexically
	for c := range rep.Timelines {
		tl := rep.Timelines[c]
		sort.SliceStable(tl, func(i, j int) bool {
			if tl[i].Timestamp != tl[j].Timestamp {
				return tl[i].Timestamp < tl[j].Timestamp
			}
			return tl[i].OrderID < tl[j].OrderID
		})
	}
	return rep
}

type Reconciliation struct {
	Total     int      `json:"total"`
	Tracked   int      `json:"tracked"`
	Missing   []string `json:"missing"`
	MatchRate float64  `json:"match_rate"`
}

// Reconcile compares storefront order ids against tracked conversions.
// Tracked ids that the storefront does not know about are ignored.
func Reconcile(storefront, tracked []string) Reconciliation {
	known := set(tracked)
	seen := map[string]bool{}
	out := Reconciliation{Missing: []string{}}
	for _, id := range storefront {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out.Total++
		if known[id] {
			out.Tracked++
		} else {
			out.Missing = append(out.Missing, id)
		}
	}
	sort.Strings(out.Missing)
	out.MatchRate = 1
	if out.Total > 0 {
		out.MatchRate = float64(out.Tracked) / float64(out.Total)
	}
	return out
}
