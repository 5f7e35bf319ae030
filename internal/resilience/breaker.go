package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned when a call is rejected without running.
var ErrCircuitOpen = errors.New("service unavailable: circuit open")

type BreakerOptions struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Breakers holds the state of every named circuit. State is process-local and
// is lost on restart.
type Breakers struct {
	opts BreakerOptions
	now  func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

func NewBreakers(opts BreakerOptions) *Breakers {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = time.Minute
	}
	return &Breakers{
		opts:     opts,
		now:      time.Now,
		circuits: map[string]*circuit{},
	}
}

// WithClock replaces the time source.
func (b *Breakers) WithClock(now func() time.Time) *Breakers {
	b.now = now
	return b
}

// State reports the circuit's state and current failure count.
func (b *Breakers) State(name string) (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(name)
	return c.state, c.failures
}

// Execute runs op through the named circuit. While the circuit is open op is
// not called: fallback runs if given, otherwise ErrCircuitOpen is returned.
func (b *Breakers) Execute(ctx context.Context, name string, op func(context.Context) error, fallback func(context.Context, error) error) error {
	var fb func(context.Context, error) (struct{}, error)
	if fallback != nil {
		fb = func(ctx context.Context, err error) (struct{}, error) { return struct{}{}, fallback(ctx, err) }
	}
	_, err := Do(ctx, b, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, fb)
	return err
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, b *Breakers, name string, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	allowed, trial := b.acquire(name)
	if !allowed {
		if fallback != nil {
			return fallback(ctx, ErrCircuitOpen)
		}
		var zero T
		return zero, ErrCircuitOpen
	}

	v, err := op(ctx)
	b.record(name, trial, err)
	return v, err
}

func (b *Breakers) get(name string) *circuit {
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[name] = c
	}
	return c
}

func (b *Breakers) acquire(name string) (allowed bool, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	switch c.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if b.now().Sub(c.lastFailure) > b.opts.ResetTimeout {
			c.state = StateHalfOpen
			c.trialInFlight = true
			return true, true
		}
		return false, false
	default:
		// half-open admits a single trial at a time
		if c.trialInFlight {
			return false, false
		}
		c.trialInFlight = true
		return true, true
	}
}

func (b *Breakers) record(name string, trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	if trial {
		c.trialInFlight = false
		if err == nil {
			c.state = StateClosed
			c.failures = 0
			return
		}
		c.state = StateOpen
		c.lastFailure = b.now()
		return
	}

	if c.state != StateClosed {
		return
	}
	if err == nil {
		c.failures = 0
		return
	}
	c.failures++
	c.lastFailure = b.now()
	if c.failures >= b.opts.FailureThreshold {
		c.state = StateOpen
	}
}
