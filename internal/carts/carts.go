// Package carts tracks storefront carts and recovers abandoned ones.
package carts

import (
	"time"
)

type EventType string

const (
	EventAddToCart         EventType = "add_to_cart"
	EventCartUpdated       EventType = "cart_updated"
	EventCheckoutStarted   EventType = "checkout_started"
	EventCheckoutCompleted EventType = "checkout_completed"
)

const (
	DefaultCurrency = "USD"
	openIndexPK     = "OPEN"
)

type Item struct {
	ProductID string  `dynamodbav:"ProductID" json:"product_id"`
	VariantID string  `dynamodbav:"VariantID,omitempty" json:"variant_id,omitempty"`
	Title     string  `dynamodbav:"Title,omitempty" json:"title,omitempty"`
	Quantity  int     `dynamodbav:"Quantity" json:"quantity"`
	UnitPrice float64 `dynamodbav:"UnitPrice" json:"unit_price"`
}

// Cart is keyed PK = CART#<session>. OpenPK/OpenSK are present only while the
// cart is unrecovered, which keeps GSI_OpenCarts sparse.
type Cart struct {
	PK                  string     `dynamodbav:"PK" json:"-"`
	SessionID           string     `dynamodbav:"SessionID" json:"session_id"`
	AgentID             string     `dynamodbav:"AgentID" json:"agent_id"`
	Items               []Item     `dynamodbav:"Items" json:"items"`
	Total               float64    `dynamodbav:"Total" json:"cart_total"`
	Currency            string     `dynamodbav:"Currency" json:"currency"`
	LastUpdated         time.Time  `dynamodbav:"LastUpdated" json:"last_updated"`
	RecoveryAttempted   bool       `dynamodbav:"RecoveryAttempted" json:"recovery_attempted"`
	RecoveryAttemptedAt *time.Time `dynamodbav:"RecoveryAttemptedAt,omitempty" json:"recovery_attempted_at,omitempty"`
	Recovered           bool       `dynamodbav:"Recovered" json:"recovered"`
	RecoveredAt         *time.Time `dynamodbav:"RecoveredAt,omitempty" json:"recovered_at,omitempty"`
	OpenPK              string     `dynamodbav:"OpenPK,omitempty" json:"-"`
	OpenSK              string     `dynamodbav:"OpenSK,omitempty" json:"-"`
}

func CartPK(sessionID string) string { return "CART#" + sessionID }

func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// IdleMinutes is the whole number of minutes since the last cart change.
func (c Cart) IdleMinutes(now time.Time) int {
	if c.LastUpdated.IsZero() || now.Before(c.LastUpdated) {
		return 0
	}
	return int(now.Sub(c.LastUpdated) / time.Minute)
}

// Options control which carts a sweep selects.
type Options struct {
	Threshold time.Duration
	Cooldown  time.Duration
	Batch     int
}

func DefaultOptions() Options {
	return Options{Threshold: 15 * time.Minute, Cooldown: 60 * time.Minute, Batch: 50}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = d.Cooldown
	}
	if o.Batch <= 0 {
		o.Batch = d.Batch
	}
	return o
}

// Eligible reports whether a cart may receive a recovery suggestion at now:
// unrecovered and non-empty, idle past the threshold, and outside the cooldown
// of any earlier attempt.
func Eligible(c Cart, now time.Time, o Options) bool {
	if c.Recovered || c.ItemCount() == 0 {
		return false
	}
	if !c.LastUpdated.Before(now.Add(-o.Threshold)) {
		return false
	}
	if c.RecoveryAttempted && c.RecoveryAttemptedAt != nil && !c.RecoveryAttemptedAt.Before(now.Add(-o.Cooldown)) {
		return false
	}
	return true
}
