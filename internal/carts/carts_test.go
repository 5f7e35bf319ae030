package carts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"chatpop/internal/db/dbtest"
	"chatpop/internal/suggestions"
	"chatpop/internal/triggers"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

var oneItem = []Item{{ProductID: "p1", Quantity: 1, UnitPrice: 10}}

func ptime(t time.Time) *time.Time { return &t }
func intp(v int) *int              { return &v }

func TestEligibleCooldownExample(t *testing.T) {
	opts := DefaultOptions()
	c := Cart{SessionID: "s1", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-20 * time.Minute)}

	require.True(t, Eligible(c, t0, opts), "idle 20 minutes, never attempted")

	c.RecoveryAttempted = true
	c.RecoveryAttemptedAt = ptime(t0)
	assert.False(t, Eligible(c, t0.Add(10*time.Minute), opts), "inside the 60 minute cooldown")
	assert.True(t, Eligible(c, t0.Add(61*time.Minute), opts))
}

func TestEligibleThreshold(t *testing.T) {
	opts := DefaultOptions()
	assert.False(t, Eligible(Cart{Items: oneItem, LastUpdated: t0.Add(-15 * time.Minute)}, t0, opts), "exactly at threshold")
	assert.True(t, Eligible(Cart{Items: oneItem, LastUpdated: t0.Add(-16 * time.Minute)}, t0, opts))
}

func TestEligibleSkipsEmptyCart(t *testing.T) {
	c := Cart{LastUpdated: t0.Add(-time.Hour)}
	assert.False(t, Eligible(c, t0, DefaultOptions()))
	c.Items = []Item{{ProductID: "p1", Quantity: 0}}
	assert.False(t, Eligible(c, t0, DefaultOptions()))
}

func TestEligibleNeverSelectsRecovered(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	opts := DefaultOptions()
	for i := 0; i < 500; i++ {
		c := Cart{
			Items:             oneItem,
			Recovered:         true,
			LastUpdated:       t0.Add(-time.Duration(r.Intn(10000)) * time.Minute),
			RecoveryAttempted: r.Intn(2) == 0,
		}
		if c.RecoveryAttempted {
			c.RecoveryAttemptedAt = ptime(t0.Add(-time.Duration(r.Intn(10000)) * time.Minute))
		}
		require.False(t, Eligible(c, t0, opts))
	}
}

type fakeSource struct {
	carts    []Cart
	recorded []suggestions.Suggestion
	failFor  map[string]bool
	capped   map[string]bool
	maxSeen  []int
	pages    int
}

func (f *fakeSource) EachOpenCart(_ context.Context, before time.Time, fn func([]Cart) bool) error {
	var open []Cart
	for _, c := range f.carts {
		if !c.Recovered && c.LastUpdated.Before(before) {
			open = append(open, c)
		}
	}
	for start := 0; start < len(open); start += 100 {
		end := start + 100
		if end > len(open) {
			end = len(open)
		}
		f.pages++
		if !fn(open[start:end]) {
			return nil
		}
	}
	return nil
}

func (f *fakeSource) RecordRecovery(_ context.Context, c Cart, sg suggestions.Suggestion, at time.Time, max int) error {
	f.maxSeen = append(f.maxSeen, max)
	if f.failFor[c.SessionID] {
		return ErrRecoveryConflict
	}
	if f.capped[c.SessionID] {
		return suggestions.ErrSessionCapped
	}
	f.recorded = append(f.recorded, sg)
	for i := range f.carts {
		if f.carts[i].SessionID == c.SessionID {
			f.carts[i].RecoveryAttempted = true
			f.carts[i].RecoveryAttemptedAt = ptime(at)
		}
	}
	return nil
}

type fakeConfigs map[string]triggers.Config

func (f fakeConfigs) Get(_ context.Context, agentID string) (triggers.Config, bool, error) {
	if agentID == "broken" {
		return triggers.Config{}, false, triggers.ErrMalformedConfig
	}
	cfg, ok := f[agentID]
	return cfg, ok, nil
}

type fakeNotifier struct{ calls map[string]int }

func (f *fakeNotifier) CartRecoveries(_ context.Context, agentID string, count int) error {
	f.calls[agentID] = count
	return errors.New("sns down")
}

func cartConfig(inactivity, cooldown *int) triggers.Config {
	return triggers.Config{Triggers: triggers.BuiltinTriggers{
		CartAbandonment: &triggers.Trigger{
			Enabled:           true,
			InactivityMinutes: inactivity,
			CooldownMinutes:   cooldown,
			Message:           "You left {{item_count}} items behind",
		},
	}}
}

func TestSweep(t *testing.T) {
	src := &fakeSource{
		carts: []Cart{
			{SessionID: "s1", AgentID: "a1", LastUpdated: t0.Add(-20 * time.Minute), Total: 40, Currency: "USD",
				Items: []Item{{ProductID: "p1", Quantity: 2, UnitPrice: 20}}},
			{SessionID: "s2", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-5 * time.Minute)},
			{SessionID: "s3", AgentID: "no-trigger", Items: oneItem, LastUpdated: t0.Add(-90 * time.Minute)},
			{SessionID: "s4", AgentID: "a2", Items: oneItem, LastUpdated: t0.Add(-7 * time.Minute)},
			{SessionID: "s5", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-30 * time.Minute), Recovered: true},
			{SessionID: "s6", AgentID: "broken", Items: oneItem, LastUpdated: t0.Add(-30 * time.Minute)},
			{SessionID: "s7", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-40 * time.Minute)},
			{SessionID: "s8", AgentID: "a1", LastUpdated: t0.Add(-40 * time.Minute)},
		},
		failFor: map[string]bool{"s7": true},
	}
	configs := fakeConfigs{
		"a1":         cartConfig(nil, nil),
		"a2":         cartConfig(intp(5), nil),
		"no-trigger": {Enabled: true},
	}
	notifier := &fakeNotifier{calls: map[string]int{}}
	d := NewDetector(src, configs, notifier, DefaultOptions(), nil)

	res, err := d.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, map[string]int{"a1": 1, "a2": 1}, notifier.calls)
	assert.Equal(t, triggers.DefaultMaxSuggestions, src.maxSeen[0])

	require.Len(t, src.recorded, 2)
	sessions := []string{src.recorded[0].SessionID, src.recorded[1].SessionID}
	assert.ElementsMatch(t, []string{"s1", "s4"}, sessions)
	for _, sg := range src.recorded {
		assert.Equal(t, "cart_abandonment", sg.TriggerKind)
		assert.InDelta(t, 0.9, sg.Confidence, 1e-9)
		if sg.SessionID == "s1" {
			assert.Equal(t, "You left 2 items behind", sg.Message)
			assert.Equal(t, 20, sg.Signals["idle_minutes"])
			assert.Equal(t, "USD", sg.Signals["currency"])
		}
	}

	// ten minutes later nothing new is selected
	src.failFor = nil
	res, err = d.Sweep(context.Background(), t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted, "only the previously failed cart")
	assert.Equal(t, "s7", src.recorded[2].SessionID)
}

func TestSweepHonorsBatch(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 5; i++ {
		src.carts = append(src.carts, Cart{SessionID: string(rune('a' + i)), AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-time.Hour)})
	}
	d := NewDetector(src, fakeConfigs{"a1": cartConfig(nil, nil)}, nil, Options{Batch: 3}, nil)

	res, err := d.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
}

func TestSweepReachesCartsBehindSkippedOnes(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 1200; i++ {
		src.carts = append(src.carts, Cart{
			SessionID:   fmt.Sprintf("stale-%04d", i),
			AgentID:     "no-trigger",
			Items:       oneItem,
			LastUpdated: t0.Add(-48 * time.Hour),
		})
	}
	src.carts = append(src.carts, Cart{SessionID: "fresh", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-30 * time.Minute)})
	d := NewDetector(src, fakeConfigs{"a1": cartConfig(nil, nil)}, nil, DefaultOptions(), nil)

	for run := 0; run < 2; run++ {
		res, err := d.Sweep(context.Background(), t0.Add(time.Duration(run)*5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1201, res.Scanned)
		assert.Equal(t, 1200, res.Skipped)
	}
	require.Len(t, src.recorded, 1, "second run is inside the cooldown")
	assert.Equal(t, "fresh", src.recorded[0].SessionID)
}

func TestSweepStopsPagingOnceBatchIsFull(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 500; i++ {
		src.carts = append(src.carts, Cart{SessionID: fmt.Sprintf("s%03d", i), AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-time.Hour)})
	}
	d := NewDetector(src, fakeConfigs{"a1": cartConfig(nil, nil)}, nil, Options{Batch: 100}, nil)

	res, err := d.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Attempted)
	assert.Equal(t, 1, src.pages)
}

func TestSweepCappedSessionDoesNotUseBatch(t *testing.T) {
	src := &fakeSource{
		carts: []Cart{
			{SessionID: "s1", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-time.Hour)},
			{SessionID: "s2", AgentID: "a1", Items: oneItem, LastUpdated: t0.Add(-time.Hour)},
		},
		capped: map[string]bool{"s1": true},
	}
	cfg := cartConfig(nil, nil)
	cfg.Settings.MaxSuggestionsPerSession = 4
	d := NewDetector(src, fakeConfigs{"a1": cfg}, nil, Options{Batch: 1}, nil)

	res, err := d.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Capped)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, []int{4, 4}, src.maxSeen)
}

func TestStoreRecordRecoveryIsOneTransaction(t *testing.T) {
	rec := &dbtest.Recorder{}
	st := NewStore(rec, "carts", suggestions.NewStore(rec, "suggestions").WithSessions("sessions"))
	c := Cart{SessionID: "s1", AgentID: "a1"}
	sg := suggestions.New("a1", "s1", triggers.Decision{Kind: triggers.KindCartAbandonment}, t0)

	require.NoError(t, st.RecordRecovery(context.Background(), c, sg, t0, 3))
	require.Len(t, rec.Transact, 1)
	assert.Empty(t, rec.Puts)
	assert.Empty(t, rec.Updates)

	items := rec.Transact[0].TransactItems
	require.Len(t, items, 3)
	assert.Equal(t, "suggestions", *items[0].Put.TableName)
	assert.Equal(t, "sessions", *items[1].Update.TableName)
	assert.Equal(t, "carts", *items[2].Update.TableName)
	assert.Contains(t, *items[2].Update.ConditionExpression, "Recovered <> :true")

	rec.OnTransact = func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
		return nil, dbtest.Cancelled("None", "None", "ConditionalCheckFailed")
	}
	assert.ErrorIs(t, st.RecordRecovery(context.Background(), c, sg, t0, 3), ErrRecoveryConflict)

	rec.OnTransact = func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error) {
		return nil, dbtest.Cancelled("None", "ConditionalCheckFailed", "None")
	}
	assert.ErrorIs(t, st.RecordRecovery(context.Background(), c, sg, t0, 3), suggestions.ErrSessionCapped)
}

func TestStoreMarkRecoveredLeavesOpenIndex(t *testing.T) {
	rec := &dbtest.Recorder{}
	st := NewStore(rec, "carts", nil)

	c, err := st.MarkRecovered(context.Background(), "s1", t0)
	require.NoError(t, err)
	assert.Equal(t, "s1", c.SessionID)

	expr := *rec.Updates[0].UpdateExpression
	assert.True(t, strings.Contains(expr, "REMOVE OpenPK, OpenSK"))
}

func TestServiceApply(t *testing.T) {
	rec := &dbtest.Recorder{}
	svc := NewService(NewStore(rec, "carts", nil), nil)
	svc.now = func() time.Time { return t0 }

	c, err := svc.Apply(context.Background(), EventInput{
		SessionID: "s1", AgentID: "a1", EventType: EventAddToCart,
		Items:     []ItemInput{{ProductID: "p1", Quantity: 1, UnitPrice: 12.5}},
		CartTotal: 12.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", c.Currency)
	assert.Equal(t, "OPEN", rec.Updates[0].ExpressionAttributeValues[":open"].(*types.AttributeValueMemberS).Value)

	_, err = svc.Apply(context.Background(), EventInput{SessionID: "s1", AgentID: "a1", EventType: "bogus"})
	assert.Error(t, err)
	assert.Len(t, rec.Updates, 1)

	rec.OnUpdate = func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	c, err = svc.Apply(context.Background(), EventInput{SessionID: "s9", AgentID: "a1", EventType: EventCheckoutCompleted})
	require.NoError(t, err)
	assert.True(t, c.Recovered)
}

func TestUpsertKeepsRecoveredCartClosed(t *testing.T) {
	rec := &dbtest.Recorder{}
	svc := NewService(NewStore(rec, "carts", nil), nil)
	svc.now = func() time.Time { return t0 }
	ctx := context.Background()

	_, err := svc.Apply(ctx, EventInput{SessionID: "s1", AgentID: "a1", EventType: EventCheckoutCompleted})
	require.NoError(t, err)

	// storefront clears the cart after checkout
	_, err = svc.Apply(ctx, EventInput{SessionID: "s1", AgentID: "a1", EventType: EventCartUpdated})
	require.NoError(t, err)
	empty := rec.Updates[1]
	assert.Contains(t, *empty.UpdateExpression, "REMOVE OpenPK, OpenSK")
	assert.NotContains(t, *empty.UpdateExpression, "Recovered = :false")
	assert.NotContains(t, empty.ExpressionAttributeValues, ":open")

	// new items on a recovered cart: the conditional reopen fails and only the
	// contents are written
	rec.OnUpdate = func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		if in.ConditionExpression != nil {
			return nil, &types.ConditionalCheckFailedException{}
		}
		return &dynamodb.UpdateItemOutput{}, nil
	}
	_, err = svc.Apply(ctx, EventInput{
		SessionID: "s1", AgentID: "a1", EventType: EventAddToCart,
		Items: []ItemInput{{ProductID: "p1", Quantity: 1, UnitPrice: 5}}, CartTotal: 5,
	})
	require.NoError(t, err)
	require.Len(t, rec.Updates, 4)
	reopen, fallback := rec.Updates[2], rec.Updates[3]
	assert.Equal(t, "attribute_not_exists(Recovered) OR Recovered = :false", *reopen.ConditionExpression)
	assert.Contains(t, *reopen.UpdateExpression, "OpenPK = :open")
	assert.Nil(t, fallback.ConditionExpression)
	assert.Contains(t, *fallback.UpdateExpression, "REMOVE OpenPK, OpenSK")
	assert.NotContains(t, fallback.ExpressionAttributeValues, ":open")
}
