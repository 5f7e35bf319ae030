package carts

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/validate"
)

type ItemInput struct {
	ProductID string  `json:"product_id" validate:"required,max=128"`
	VariantID string  `json:"variant_id,omitempty" validate:"omitempty,max=128"`
	Title     string  `json:"title,omitempty" validate:"omitempty,max=512"`
	Quantity  int     `json:"quantity" validate:"min=1,max=10000"`
	UnitPrice float64 `json:"unit_price" validate:"min=0"`
}

// EventInput is the body of POST /widget/cart.
type EventInput struct {
	SessionID string      `json:"session_id" validate:"required,max=128"`
	AgentID   string      `json:"agent_id" validate:"required,max=128"`
	EventType EventType   `json:"event_type" validate:"required,oneof=add_to_cart cart_updated checkout_started checkout_completed"`
	Items     []ItemInput `json:"items" validate:"omitempty,max=200,dive"`
	CartTotal float64     `json:"cart_total" validate:"min=0"`
	Currency  string      `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

type CartWriter interface {
	Upsert(ctx context.Context, c Cart) (*Cart, error)
	MarkRecovered(ctx context.Context, sessionID string, at time.Time) (*Cart, error)
}

// Service applies widget cart events.
type Service struct {
	store CartWriter
	log   *logger.Logger
	now   func() time.Time
}

func NewService(store CartWriter, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Apply records a cart event. checkout_completed marks the cart recovered;
// every other event replaces the cart contents (last writer wins).
func (s *Service) Apply(ctx context.Context, in EventInput) (*Cart, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if in.EventType == EventCheckoutCompleted {
		c, err := s.store.MarkRecovered(ctx, in.SessionID, now)
		if errors.Is(err, db.ErrNotFound) {
			// checkout without a tracked cart
			s.log.Info("checkout completed for unknown cart", "session_id", in.SessionID, "agent_id", in.AgentID)
			return &Cart{SessionID: in.SessionID, AgentID: in.AgentID, Recovered: true, RecoveredAt: &now}, nil
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("cart recovered", "session_id", in.SessionID, "agent_id", in.AgentID)
		return c, nil
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	items := make([]Item, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, Item(it))
	}

	return s.store.Upsert(ctx, Cart{
		PK:          CartPK(in.SessionID),
		SessionID:   in.SessionID,
		AgentID:     in.AgentID,
		Items:       items,
		Total:       in.CartTotal,
		Currency:    currency,
		LastUpdated: now,
	})
}
