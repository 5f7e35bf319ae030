package carts

import (
	"context"
	"errors"
	"sort"
	"time"

	"chatpop/internal/logger"
	"chatpop/internal/suggestions"
	"chatpop/internal/triggers"
)

type OpenCartSource interface {
	EachOpenCart(ctx context.Context, before time.Time, fn func([]Cart) bool) error
	RecordRecovery(ctx context.Context, c Cart, sg suggestions.Suggestion, at time.Time, max int) error
}

type ConfigSource interface {
	Get(ctx context.Context, agentID string) (triggers.Config, bool, error)
}

// Notifier tells a merchant how many carts were nudged in a sweep.
type Notifier interface {
	CartRecoveries(ctx context.Context, agentID string, count int) error
}

type SweepResult struct {
	Scanned   int            `json:"scanned"`
	Attempted int            `json:"attempted"`
	Skipped   int            `json:"skipped"`
	Capped    int            `json:"capped"`
	Failed    int            `json:"failed"`
	PerAgent  map[string]int `json:"per_agent,omitempty"`
}

// Detector finds idle carts and records a recovery suggestion for each.
// It assumes a single runner: two concurrent sweeps could both select a cart
// before either marks it.
type Detector struct {
	carts    OpenCartSource
	configs  ConfigSource
	notifier Notifier
	opts     Options
	log      *logger.Logger
}

func NewDetector(carts OpenCartSource, configs ConfigSource, notifier Notifier, opts Options, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.Nop()
	}
	return &Detector{carts: carts, configs: configs, notifier: notifier, opts: opts.normalized(), log: log}
}

type agentTrigger struct {
	trigger triggers.Trigger
	opts    Options
	max     int
	ok      bool
}

// Sweep walks the open-cart index until Batch carts have been attempted (or
// failed) or the index is exhausted. Carts that are skipped, not yet eligible
// or capped do not count against the batch.
func (d *Detector) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	now = now.UTC()
	res := SweepResult{PerAgent: map[string]int{}}
	agents := map[string]agentTrigger{}
	full := func() bool { return res.Attempted+res.Failed >= d.opts.Batch }

	// Agents may shorten the idle threshold, so read every open cart idle for
	// at least a minute and filter per agent below.
	var stop error
	err := d.carts.EachOpenCart(ctx, now.Add(-time.Minute), func(page []Cart) bool {
		for _, c := range page {
			if full() {
				return false
			}
			if stop = d.sweepCart(ctx, c, now, agents, &res); stop != nil {
				return false
			}
		}
		if stop = ctx.Err(); stop != nil {
			return false
		}
		return !full()
	})
	if err == nil {
		err = stop
	}

	d.notify(ctx, res.PerAgent)
	d.log.Info("cart sweep finished", "scanned", res.Scanned, "attempted", res.Attempted, "skipped", res.Skipped, "capped", res.Capped, "failed", res.Failed)
	return res, err
}

func (d *Detector) sweepCart(ctx context.Context, c Cart, now time.Time, agents map[string]agentTrigger, res *SweepResult) error {
	res.Scanned++
	at, err := d.agentTrigger(ctx, c.AgentID, agents)
	if err != nil {
		return err
	}
	if !at.ok {
		res.Skipped++
		return nil
	}
	if !Eligible(c, now, at.opts) {
		return nil
	}

	sg := recoverySuggestion(c, at.trigger, now)
	err = d.carts.RecordRecovery(ctx, c, sg, now, at.max)
	switch {
	case err == nil:
		res.Attempted++
		res.PerAgent[c.AgentID]++
	case errors.Is(err, suggestions.ErrSessionCapped):
		res.Capped++
	default:
		res.Failed++
		d.log.Warn("cart recovery not recorded", "session_id", c.SessionID, "agent_id", c.AgentID, "error", err)
		return ctx.Err()
	}
	return nil
}

func (d *Detector) agentTrigger(ctx context.Context, agentID string, cache map[string]agentTrigger) (agentTrigger, error) {
	if at, ok := cache[agentID]; ok {
		return at, nil
	}
	at := agentTrigger{opts: d.opts}

	cfg, found, err := d.configs.Get(ctx, agentID)
	switch {
	case errors.Is(err, triggers.ErrMalformedConfig):
		d.log.Warn("trigger config unreadable, skipping agent", "agent_id", agentID, "error", err)
	case err != nil:
		return at, err
	case found:
		if t, ok := cfg.CartTrigger(); ok {
			at.trigger, at.ok = t, true
			at.max = cfg.MaxSuggestions()
			if t.InactivityMinutes != nil && *t.InactivityMinutes > 0 {
				at.opts.Threshold = time.Duration(*t.InactivityMinutes) * time.Minute
			}
			if t.CooldownMinutes != nil && *t.CooldownMinutes > 0 {
				at.opts.Cooldown = time.Duration(*t.CooldownMinutes) * time.Minute
			}
		}
	}
	cache[agentID] = at
	return at, nil
}

func (d *Detector) notify(ctx context.Context, perAgent map[string]int) {
	if d.notifier == nil {
		return
	}
	ids := make([]string, 0, len(perAgent))
	for id := range perAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := d.notifier.CartRecoveries(ctx, id, perAgent[id]); err != nil {
			d.log.Warn("recovery alert failed", "agent_id", id, "error", err)
		}
	}
}

func recoverySuggestion(c Cart, t triggers.Trigger, now time.Time) suggestions.Suggestion {
	snap := triggers.Snapshot{CartItems: c.ItemCount(), CartTotal: c.Total, CartIdleMinutes: c.IdleMinutes(now)}
	return suggestions.New(c.AgentID, c.SessionID, triggers.Decision{
		Trigger:    t,
		Kind:       triggers.KindCartAbandonment,
		Message:    triggers.Render(t.Message, snap),
		Confidence: triggers.ConfidenceFor(triggers.KindCartAbandonment),
		Signals: map[string]any{
			"cart_total":   c.Total,
			"item_count":   snap.CartItems,
			"currency":     c.Currency,
			"idle_minutes": snap.CartIdleMinutes,
		},
	}, now)
}
