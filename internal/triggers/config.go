package triggers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Kind string

const (
	KindTimeBased       Kind = "time_based"
	KindScrollBased     Kind = "scroll_based"
	KindPageCount       Kind = "page_count"
	KindExitIntent      Kind = "exit_intent"
	KindCartAbandonment Kind = "cart_abandonment"
)

const (
	DefaultMaxSuggestions  = 3
	DefaultAutoHideSeconds = 30
	DefaultCooldownMinutes = 60
)

// Config is a tenant's proactive engagement configuration. It is stored as an
// opaque JSON document with no version field.
type Config struct {
	Enabled        bool            `json:"enabled"`
	Settings       Settings        `json:"settings"`
	Triggers       BuiltinTriggers `json:"triggers"`
	CustomTriggers []Trigger       `json:"custom_triggers,omitempty"`
}

type Settings struct {
	InitialDelaySeconds      int `json:"initial_delay_seconds"`
	MaxSuggestionsPerSession int `json:"max_suggestions_per_session"`
	AutoHideSeconds          int `json:"auto_hide_seconds"`
}

type BuiltinTriggers struct {
	TimeBased       *Trigger `json:"time_based,omitempty"`
	ScrollBased     *Trigger `json:"scroll_based,omitempty"`
	PageCount       *Trigger `json:"page_count,omitempty"`
	ExitIntent      *Trigger `json:"exit_intent,omitempty"`
	CartAbandonment *Trigger `json:"cart_abandonment,omitempty"`
}

type Trigger struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Enabled bool   `json:"enabled"`

	TimeThreshold     *int  `json:"time_threshold,omitempty"`   // seconds on page
	ScrollThreshold   *int  `json:"scroll_threshold,omitempty"` // percent
	PageThreshold     *int  `json:"page_threshold,omitempty"`   // feature pages
	ExitIntent        *bool `json:"exit_intent,omitempty"`      // false ignores the gesture
	InactivityMinutes *int  `json:"inactivity_minutes,omitempty"`
	CooldownMinutes   *int  `json:"cooldown_minutes,omitempty"`

	URLPatterns []string  `json:"url_patterns,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cooldown is the minimum gap between two cart nudges for the same cart.
func (t Trigger) Cooldown() int {
	if t.CooldownMinutes == nil || *t.CooldownMinutes <= 0 {
		return DefaultCooldownMinutes
	}
	return *t.CooldownMinutes
}

func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse trigger config: %w", err)
	}
	return cfg, nil
}

func (c Config) MaxSuggestions() int {
	if c.Settings.MaxSuggestionsPerSession <= 0 {
		return DefaultMaxSuggestions
	}
	return c.Settings.MaxSuggestionsPerSession
}

func (c Config) AutoHideSeconds() int {
	if c.Settings.AutoHideSeconds <= 0 {
		return DefaultAutoHideSeconds
	}
	return c.Settings.AutoHideSeconds
}

// Ordered returns the triggers in evaluation order: the built-ins in their
// fixed order, then custom triggers by creation time.
func (c Config) Ordered() []Trigger {
	out := make([]Trigger, 0, 5+len(c.CustomTriggers))
	builtins := []struct {
		kind Kind
		t    *Trigger
	}{
		{KindTimeBased, c.Triggers.TimeBased},
		{KindScrollBased, c.Triggers.ScrollBased},
		{KindPageCount, c.Triggers.PageCount},
		{KindExitIntent, c.Triggers.ExitIntent},
		{KindCartAbandonment, c.Triggers.CartAbandonment},
	}
	for _, b := range builtins {
		if b.t == nil {
			continue
		}
		t := *b.t
		t.Kind = b.kind
		if t.Name == "" {
			t.Name = string(b.kind)
		}
		out = append(out, t)
	}

	custom := append([]Trigger(nil), c.CustomTriggers...)
	sort.SliceStable(custom, func(i, j int) bool {
		if !custom[i].CreatedAt.Equal(custom[j].CreatedAt) {
			return custom[i].CreatedAt.Before(custom[j].CreatedAt)
		}
		return custom[i].ID < custom[j].ID
	})
	return append(out, custom...)
}

// CartTrigger returns the cart-abandonment trigger if it is configured and
// enabled, including when the tenant has turned the widget off globally.
func (c Config) CartTrigger() (Trigger, bool) {
	t := c.Triggers.CartAbandonment
	if t == nil || !t.Enabled {
		return Trigger{}, false
	}
	out := *t
	out.Kind = KindCartAbandonment
	if out.Name == "" {
		out.Name = string(KindCartAbandonment)
	}
	return out, true
}

// Validate reports configuration problems for the dashboard. The evaluator
// never depends on it: a trigger that fails validation simply does not fire.
func (c Config) Validate() []string {
	var problems []string
	for _, t := range c.Ordered() {
		if !t.Enabled {
			continue
		}
		label := t.Name
		if label == "" {
			label = t.ID
		}
		if _, ok := strategies[t.Kind]; !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown kind %q", label, t.Kind))
			continue
		}
		if missing := missingThreshold(t); missing != "" {
			problems = append(problems, fmt.Sprintf("%s: %s is required", label, missing))
		}
		if strings.TrimSpace(t.Message) == "" {
			problems = append(problems, fmt.Sprintf("%s: message is required", label))
		}
	}
	return problems
}

func missingThreshold(t Trigger) string {
	switch t.Kind {
	case KindTimeBased:
		if t.TimeThreshold == nil {
			return "time_threshold"
		}
	case KindScrollBased:
		if t.ScrollThreshold == nil {
			return "scroll_threshold"
		}
	case KindPageCount:
		if t.PageThreshold == nil {
			return "page_threshold"
		}
	case KindCartAbandonment:
		if t.InactivityMinutes == nil {
			return "inactivity_minutes"
		}
	}
	return ""
}
