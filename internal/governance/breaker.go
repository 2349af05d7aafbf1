package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// domain.ErrUpstreamTransport so callers treat it like any other outage.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrUpstreamTransport)

// BreakerState is the state of a Breaker.
type BreakerState string

const (
	// StateClosed lets every call through.
	StateClosed BreakerState = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a single probe through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines when a Breaker trips.
type BreakerConfig struct {
	// Failures is the number of consecutive transport failures that opens the
	// breaker. Zero disables the breaker.
	Failures int
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
}

// Breaker stops calling an upstream that keeps failing at the transport level.
// Only transport failures and deadlines count; any other answer proves the
// upstream is reachable.
type Breaker struct {
	mu        sync.Mutex
	config    BreakerConfig
	now       func() time.Time
	state     BreakerState
	failures  int
	openUntil time.Time
	probing   bool
	onChange  func(BreakerState)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock sets the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateListener is called, outside the lock, after every state change.
func WithStateListener(fn func(BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig, opts ...BreakerOption) *Breaker {
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	b := &Breaker{config: config, now: time.Now, state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. A caller that is allowed must
// report the outcome with Done.
func (b *Breaker) Allow() error {
	if b.config.Failures <= 0 {
		return nil
	}
	b.mu.Lock()
	var changed bool
	defer func() {
		state := b.state
		b.mu.Unlock()
		if changed {
			b.notify(state)
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		changed = true
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// Done records the outcome of an allowed call.
func (b *Breaker) Done(err error) {
	if b.config.Failures <= 0 {
		return
	}
	failed := (errors.Is(err, domain.ErrUpstreamTransport) || errors.Is(err, context.DeadlineExceeded)) &&
		!errors.Is(err, ErrCircuitOpen)

	b.mu.Lock()
	prev := b.state
	b.probing = false
	switch {
	case !failed:
		b.failures = 0
		b.state = StateClosed
	case b.state == StateHalfOpen:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.config.Failures {
			b.trip()
		}
	}
	state := b.state
	b.mu.Unlock()

	if state != prev {
		b.notify(state)
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.openUntil = b.now().Add(b.config.Cooldown)
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) notify(state BreakerState) {
	if b.onChange != nil {
		b.onChange(state)
	}
}
