package triggers

import (
	"strconv"
	"strings"
)

// Snapshot is the accumulated behavior of one session at the moment an event
// arrives.
type Snapshot struct {
	PageViews        int
	SecondsOnPage    int
	MaxScrollDepth   int
	CurrentURL       string
	VisitedPages     []string
	SuggestionsShown int
	SessionSeconds   int
	ExitIntent       bool
	CartItems        int
	CartIdleMinutes  int
	CartTotal        float64

	// CartAttemptedMinutesAgo is nil until the cart has been nudged.
	CartAttemptedMinutesAgo *int
}

type Decision struct {
	Trigger    Trigger
	Kind       Kind
	Message    string
	Confidence float64
	Signals    map[string]any
}

const (
	confidenceBehavioral = 0.7
	confidenceExitIntent = 0.95
	confidenceCart       = 0.9
)

// strategy reports whether the kind-specific threshold is met and, if so, the
// signals that caused it. A missing threshold never fires.
type strategy func(s Snapshot, t Trigger) (map[string]any, bool)

var strategies = map[Kind]strategy{
	KindTimeBased: func(s Snapshot, t Trigger) (map[string]any, bool) {
		if t.TimeThreshold == nil || s.SecondsOnPage < *t.TimeThreshold {
			return nil, false
		}
		return map[string]any{"time_on_page": s.SecondsOnPage, "time_threshold": *t.TimeThreshold}, true
	},
	KindScrollBased: func(s Snapshot, t Trigger) (map[string]any, bool) {
		if t.ScrollThreshold == nil || s.MaxScrollDepth < *t.ScrollThreshold {
			return nil, false
		}
		return map[string]any{"scroll_depth": s.MaxScrollDepth, "scroll_threshold": *t.ScrollThreshold}, true
	},
	KindPageCount: func(s Snapshot, t Trigger) (map[string]any, bool) {
		if t.PageThreshold == nil {
			return nil, false
		}
		n := FeaturePages(s.VisitedPages, t.URLPatterns)
		if n < *t.PageThreshold {
			return nil, false
		}
		return map[string]any{"feature_pages": n, "page_threshold": *t.PageThreshold, "page_views": s.PageViews}, true
	},
	KindExitIntent: func(s Snapshot, t Trigger) (map[string]any, bool) {
		if !s.ExitIntent || (t.ExitIntent != nil && !*t.ExitIntent) {
			return nil, false
		}
		return map[string]any{"exit_intent": true, "time_on_page": s.SecondsOnPage}, true
	},
	KindCartAbandonment: func(s Snapshot, t Trigger) (map[string]any, bool) {
		if t.InactivityMinutes == nil || s.CartItems == 0 || s.CartIdleMinutes < *t.InactivityMinutes {
			return nil, false
		}
		if s.CartAttemptedMinutesAgo != nil && *s.CartAttemptedMinutesAgo < t.Cooldown() {
			return nil, false
		}
		return map[string]any{
			"cart_items":         s.CartItems,
			"cart_total":         s.CartTotal,
			"idle_minutes":       s.CartIdleMinutes,
			"inactivity_minutes": *t.InactivityMinutes,
		}, true
	},
}

// ConfidenceFor is the fixed confidence reported for suggestions of kind k.
func ConfidenceFor(k Kind) float64 {
	switch k {
	case KindExitIntent:
		return confidenceExitIntent
	case KindCartAbandonment:
		return confidenceCart
	default:
		return confidenceBehavioral
	}
}

// Evaluate decides whether the current event should produce a suggestion. It
// returns at most one decision: the first qualifying trigger in Ordered order.
// It has no side effects.
func Evaluate(s Snapshot, cfg Config) (Decision, bool) {
	if !cfg.Enabled {
		return Decision{}, false
	}
	if s.SuggestionsShown >= cfg.MaxSuggestions() {
		return Decision{}, false
	}
	if s.SessionSeconds <= cfg.Settings.InitialDelaySeconds {
		return Decision{}, false
	}

	for _, t := range cfg.Ordered() {
		if !t.Enabled {
			continue
		}
		fire, ok := strategies[t.Kind]
		if !ok {
			continue
		}
		if !MatchesURL(t.URLPatterns, s.CurrentURL) {
			continue
		}
		signals, ok := fire(s, t)
		if !ok {
			continue
		}
		signals["page_url"] = s.CurrentURL
		return Decision{
			Trigger:    t,
			Kind:       t.Kind,
			Message:    Render(t.Message, s),
			Confidence: ConfidenceFor(t.Kind),
			Signals:    signals,
		}, true
	}
	return Decision{}, false
}

// Render substitutes {{page_url}}, {{cart_total}} and {{item_count}} in a
// trigger message.
func Render(message string, s Snapshot) string {
	if !strings.Contains(message, "{{") {
		return message
	}
	r := strings.NewReplacer(
		"{{page_url}}", s.CurrentURL,
		"{{cart_total}}", strconv.FormatFloat(s.CartTotal, 'f', 2, 64),
		"{{item_count}}", strconv.Itoa(s.CartItems),
	)
	return r.Replace(message)
}
