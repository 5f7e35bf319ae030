package triggers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func baseConfig() Config {
	return Config{
		Enabled:  true,
		Settings: Settings{InitialDelaySeconds: 5, MaxSuggestionsPerSession: 2},
		Triggers: BuiltinTriggers{
			TimeBased:   &Trigger{Enabled: true, TimeThreshold: intp(30), Message: "Need help?"},
			ScrollBased: &Trigger{Enabled: true, ScrollThreshold: intp(70), Message: "Still reading?"},
			ExitIntent:  &Trigger{Enabled: true, Message: "Before you go..."},
		},
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	s := Snapshot{SecondsOnPage: 45, MaxScrollDepth: 90, ExitIntent: true, SessionSeconds: 60, CurrentURL: "https://shop.test/products/a"}

	d, ok := Evaluate(s, baseConfig())
	require.True(t, ok)
	assert.Equal(t, KindTimeBased, d.Kind)
	assert.Equal(t, "Need help?", d.Message)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.Equal(t, 45, d.Signals["time_on_page"])
	assert.Equal(t, s.CurrentURL, d.Signals["page_url"])
}

func TestEvaluateExitIntentConfidence(t *testing.T) {
	s := Snapshot{SecondsOnPage: 3, MaxScrollDepth: 10, ExitIntent: true, SessionSeconds: 60}

	d, ok := Evaluate(s, baseConfig())
	require.True(t, ok)
	assert.Equal(t, KindExitIntent, d.Kind)
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)
}

func TestEvaluateGuards(t *testing.T) {
	hot := Snapshot{SecondsOnPage: 45, SessionSeconds: 60}

	t.Run("globally disabled", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Enabled = false
		_, ok := Evaluate(hot, cfg)
		assert.False(t, ok)
	})

	t.Run("frequency cap", func(t *testing.T) {
		s := hot
		s.SuggestionsShown = 2
		_, ok := Evaluate(s, baseConfig())
		assert.False(t, ok)

		s.SuggestionsShown = 1
		_, ok = Evaluate(s, baseConfig())
		assert.True(t, ok)
	})

	t.Run("default cap when unset", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Settings.MaxSuggestionsPerSession = 0
		s := hot
		s.SuggestionsShown = DefaultMaxSuggestions
		_, ok := Evaluate(s, cfg)
		assert.False(t, ok)
	})

	t.Run("initial delay", func(t *testing.T) {
		s := hot
		s.SessionSeconds = 5
		_, ok := Evaluate(s, baseConfig())
		assert.False(t, ok)

		s.SessionSeconds = 6
		_, ok = Evaluate(s, baseConfig())
		assert.True(t, ok)
	})

	t.Run("trigger disabled", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Triggers.TimeBased.Enabled = false
		_, ok := Evaluate(hot, cfg)
		assert.False(t, ok)
	})

	t.Run("missing threshold never fires", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Triggers.TimeBased.TimeThreshold = nil
		_, ok := Evaluate(hot, cfg)
		assert.False(t, ok)
	})
}

func TestEvaluateURLAllowList(t *testing.T) {
	cfg := baseConfig()
	cfg.Triggers.TimeBased.URLPatterns = []string{"/pricing", "#faq"}
	s := Snapshot{SecondsOnPage: 45, SessionSeconds: 60}

	s.CurrentURL = "https://shop.test/blog/post"
	_, ok := Evaluate(s, cfg)
	assert.False(t, ok)

	s.CurrentURL = "https://shop.test/pricing?plan=pro"
	_, ok = Evaluate(s, cfg)
	assert.True(t, ok)

	s.CurrentURL = "https://shop.test/help#faq-shipping"
	_, ok = Evaluate(s, cfg)
	assert.True(t, ok)

	// case-sensitive
	s.CurrentURL = "https://shop.test/PRICING"
	_, ok = Evaluate(s, cfg)
	assert.False(t, ok)
}

func TestEvaluatePageCountUsesFeaturePages(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Triggers: BuiltinTriggers{
			PageCount: &Trigger{Enabled: true, PageThreshold: intp(2), URLPatterns: []string{"/products/"}, Message: "Comparing?"},
		},
	}
	s := Snapshot{
		SessionSeconds: 120,
		CurrentURL:     "https://shop.test/products/b",
		VisitedPages: []string{
			"https://shop.test/",
			"https://shop.test/products/a",
			"https://shop.test/products/a",
			"https://shop.test/about",
		},
	}
	_, ok := Evaluate(s, cfg)
	assert.False(t, ok, "one distinct feature page")

	s.VisitedPages = append(s.VisitedPages, "https://shop.test/products/b")
	d, ok := Evaluate(s, cfg)
	require.True(t, ok)
	assert.Equal(t, 2, d.Signals["feature_pages"])
}

func TestEvaluateCartAbandonment(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Triggers: BuiltinTriggers{
			CartAbandonment: &Trigger{Enabled: true, InactivityMinutes: intp(15), Message: "{{item_count}} items, {{cart_total}} waiting"},
		},
	}
	s := Snapshot{SessionSeconds: 3600, CartItems: 2, CartTotal: 59.5, CartIdleMinutes: 14}
	_, ok := Evaluate(s, cfg)
	assert.False(t, ok)

	s.CartIdleMinutes = 15
	d, ok := Evaluate(s, cfg)
	require.True(t, ok)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Equal(t, "2 items, 59.50 waiting", d.Message)

	s.CartItems = 0
	_, ok = Evaluate(s, cfg)
	assert.False(t, ok, "empty cart")
}

func TestEvaluateCartAbandonmentCooldown(t *testing.T) {
	cfg := Config{
		Enabled:  true,
		Settings: Settings{MaxSuggestionsPerSession: 5},
		Triggers: BuiltinTriggers{
			CartAbandonment: &Trigger{Enabled: true, InactivityMinutes: intp(15), CooldownMinutes: intp(60), Message: "Still there?"},
		},
	}
	s := Snapshot{SessionSeconds: 3600, CartItems: 1, CartIdleMinutes: 30, CartAttemptedMinutesAgo: intp(2)}
	_, ok := Evaluate(s, cfg)
	assert.False(t, ok, "nudged two minutes ago")

	s.CartAttemptedMinutesAgo = intp(60)
	_, ok = Evaluate(s, cfg)
	assert.True(t, ok)

	// without a configured cooldown the default applies
	cfg.Triggers.CartAbandonment.CooldownMinutes = nil
	s.CartAttemptedMinutesAgo = intp(59)
	_, ok = Evaluate(s, cfg)
	assert.False(t, ok)
}

func TestEvaluateExitIntentOptOut(t *testing.T) {
	off := false
	cfg := baseConfig()
	cfg.Triggers.ExitIntent.ExitIntent = &off
	s := Snapshot{ExitIntent: true, SessionSeconds: 60}

	_, ok := Evaluate(s, cfg)
	assert.False(t, ok)

	parsed, err := ParseConfig([]byte(`{"enabled":true,"triggers":{"exit_intent":{"enabled":true,"exit_intent":true,"message":"Wait"}}}`))
	require.NoError(t, err)
	require.NotNil(t, parsed.Triggers.ExitIntent.ExitIntent)
	assert.True(t, *parsed.Triggers.ExitIntent.ExitIntent)
	_, ok = Evaluate(s, parsed)
	assert.True(t, ok)
}

func TestOrderedCustomTriggersByCreation(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{
		Enabled: true,
		CustomTriggers: []Trigger{
			{ID: "c", Kind: KindTimeBased, Enabled: true, TimeThreshold: intp(10), CreatedAt: t0.Add(time.Hour), Message: "late"},
			{ID: "b", Kind: KindTimeBased, Enabled: true, TimeThreshold: intp(10), CreatedAt: t0, Message: "tie-b"},
			{ID: "a", Kind: KindTimeBased, Enabled: true, TimeThreshold: intp(10), CreatedAt: t0, Message: "tie-a"},
		},
	}

	ids := []string{}
	for _, tr := range cfg.Ordered() {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	d, ok := Evaluate(Snapshot{SecondsOnPage: 20, SessionSeconds: 20}, cfg)
	require.True(t, ok)
	assert.Equal(t, "tie-a", d.Message)
}

func TestEvaluateNeverReturnsMoreThanOne(t *testing.T) {
	cfg := baseConfig()
	cfg.Settings.MaxSuggestionsPerSession = 10
	s := Snapshot{SecondsOnPage: 100, MaxScrollDepth: 100, ExitIntent: true, SessionSeconds: 100}

	// every trigger qualifies; the caller increments the counter per decision
	for shown := 0; shown < 10; shown++ {
		s.SuggestionsShown = shown
		d, ok := Evaluate(s, cfg)
		require.True(t, ok)
		assert.Equal(t, KindTimeBased, d.Kind)
	}
	s.SuggestionsShown = 10
	_, ok := Evaluate(s, cfg)
	assert.False(t, ok)
}

func TestParseConfigAndValidate(t *testing.T) {
	raw := []byte(`{
		"enabled": true,
		"settings": {"initial_delay_seconds": 3},
		"triggers": {
			"time_based": {"enabled": true, "time_threshold": 20, "message": "hi"},
			"scroll_based": {"enabled": true, "message": ""}
		},
		"custom_triggers": [{"id": "x", "kind": "shake", "enabled": true, "message": "?"}]
	}`)
	cfg, err := ParseConfig(raw)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxSuggestions())
	assert.Equal(t, DefaultAutoHideSeconds, cfg.AutoHideSeconds())

	problems := cfg.Validate()
	assert.Contains(t, problems, "scroll_based: scroll_threshold is required")
	assert.Contains(t, problems, "scroll_based: message is required")
	assert.Contains(t, problems, `x: unknown kind "shake"`)

	_, err = ParseConfig([]byte(`{"enabled":`))
	assert.Error(t, err)

	empty, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.False(t, empty.Enabled)
}

func TestMatchesURL(t *testing.T) {
	assert.True(t, MatchesURL(nil, "https://x.test/anything"))
	assert.True(t, MatchesURL([]string{"/cart"}, "https://x.test/cart"))
	assert.True(t, MatchesURL([]string{"utm_source=ad"}, "https://x.test/?utm_source=ad"))
	assert.True(t, MatchesURL([]string{"#reviews"}, "https://x.test/p#reviews"))
	assert.False(t, MatchesURL([]string{"#reviews"}, "https://x.test/p#specs"))
	assert.False(t, MatchesURL([]string{""}, "https://x.test/p"))
}
