package behavior

import (
	"context"
	"errors"
	"time"

	"chatpop/internal/carts"
	"chatpop/internal/db"
	"chatpop/internal/logger"
	"chatpop/internal/suggestions"
	"chatpop/internal/triggers"
	"chatpop/internal/validate"
)

type SessionStore interface {
	AppendEvent(ctx context.Context, ev Event) error
	GetSession(ctx context.Context, agentID, sessionID string) (*Session, error)
	PutSession(ctx context.Context, sess *Session) error
}

type ConfigSource interface {
	Get(ctx context.Context, agentID string) (triggers.Config, bool, error)
}

// SuggestionRecorder writes a suggestion and counts it against the session
// limit atomically, returning suggestions.ErrSessionCapped at the limit.
type SuggestionRecorder interface {
	Record(ctx context.Context, sg suggestions.Suggestion, max int) error
}

// CartStore reads the session cart and records cart nudges together with the
// cart's attempt marker.
type CartStore interface {
	Get(ctx context.Context, sessionID string) (*carts.Cart, error)
	RecordRecovery(ctx context.Context, c carts.Cart, sg suggestions.Suggestion, at time.Time, max int) error
}

// Collector ingests widget events: it appends the event, folds it into the
// session, evaluates triggers and persists any resulting suggestion.
type Collector struct {
	store       SessionStore
	configs     ConfigSource
	suggestions SuggestionRecorder
	carts       CartStore
	log         *logger.Logger
	now         func() time.Time
}

// NewCollector wires the collector. cartStore may be nil, in which case cart
// abandonment never fires synchronously.
func NewCollector(store SessionStore, configs ConfigSource, sugg SuggestionRecorder, cartStore CartStore, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	return &Collector{store: store, configs: configs, suggestions: sugg, carts: cartStore, log: log, now: time.Now}
}

// Ingest returns the suggestion produced by this event, if any.
func (c *Collector) Ingest(ctx context.Context, in EventInput) (*suggestions.Suggestion, error) {
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	log := c.log.With("agent_id", in.AgentID, "session_id", in.SessionID)

	if err := c.store.AppendEvent(ctx, NewEvent(in, now)); err != nil {
		return nil, err
	}

	sess, err := c.store.GetSession(ctx, in.AgentID, in.SessionID)
	if errors.Is(err, db.ErrNotFound) {
		sess = &Session{SessionID: in.SessionID, AgentID: in.AgentID}
	} else if err != nil {
		return nil, err
	}
	sess.apply(in, now)
	if err := c.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}

	cfg, ok, err := c.configs.Get(ctx, in.AgentID)
	if errors.Is(err, triggers.ErrMalformedConfig) {
		log.Warn("trigger config unreadable, treating as disabled", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	snap := triggers.Snapshot{
		PageViews:        sess.PageViews,
		SecondsOnPage:    sess.secondsOnPage(in, now),
		MaxScrollDepth:   sess.MaxScrollDepth,
		CurrentURL:       in.PageURL,
		VisitedPages:     sess.VisitedPages,
		SuggestionsShown: sess.SuggestionCount,
		SessionSeconds:   sess.TimeOnSite,
		ExitIntent:       in.EventType == EventExitIntent,
	}
	cart := c.addCart(ctx, log, &snap, in.SessionID, now)

	d, fired := triggers.Evaluate(snap, cfg)
	if !fired {
		return nil, nil
	}

	sg := suggestions.New(in.AgentID, in.SessionID, d, now)
	if d.Kind == triggers.KindCartAbandonment && cart != nil {
		err = c.carts.RecordRecovery(ctx, *cart, sg, now, cfg.MaxSuggestions())
	} else {
		err = c.suggestions.Record(ctx, sg, cfg.MaxSuggestions())
	}
	switch {
	case errors.Is(err, suggestions.ErrSessionCapped):
		log.Info("suggestion dropped, session limit reached", "trigger", d.Trigger.Name)
		return nil, nil
	case errors.Is(err, carts.ErrRecoveryConflict):
		log.Info("cart changed before the nudge was recorded", "error", err)
		return nil, nil
	case err != nil:
		return nil, err
	}
	log.Info("suggestion created", "trigger", d.Trigger.Name, "kind", d.Kind, "confidence", d.Confidence)
	return &sg, nil
}

// addCart copies the open cart into the snapshot and returns it.
func (c *Collector) addCart(ctx context.Context, log *logger.Logger, snap *triggers.Snapshot, sessionID string, now time.Time) *carts.Cart {
	if c.carts == nil {
		return nil
	}
	cart, err := c.carts.Get(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		log.Warn("cart lookup failed", "error", err)
		return nil
	}
	if cart.Recovered {
		return nil
	}
	snap.CartItems = cart.ItemCount()
	snap.CartTotal = cart.Total
	snap.CartIdleMinutes = cart.IdleMinutes(now)
	if cart.RecoveryAttemptedAt != nil {
		ago := 0
		if now.After(*cart.RecoveryAttemptedAt) {
			ago = int(now.Sub(*cart.RecoveryAttemptedAt) / time.Minute)
		}
		snap.CartAttemptedMinutesAgo = &ago
	}
	return cart
}
