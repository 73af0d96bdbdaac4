// Package guard protects calls to remote dependencies with a circuit breaker
// and an optional rate limiter.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("guard: circuit breaker is open")
	// ErrRateLimited is returned when no permit was available in time.
	ErrRateLimited = errors.New("guard: rate limit exceeded")
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is a consecutive-failure circuit breaker. After threshold failures
// it opens for openTimeout, then lets up to halfOpenProbes calls through; one
// success closes it again, one failure reopens it.
type Breaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	threshold      int
	openTimeout    time.Duration
	halfOpenProbes int
	inFlight       int
	openedAt       time.Time
	now            func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithHalfOpenProbes sets how many calls may run while half-open.
func WithHalfOpenProbes(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenProbes = n
		}
	}
}

// WithBreakerClock replaces the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker returns a closed Breaker.
func NewBreaker(threshold int, openTimeout time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	b := &Breaker{
		threshold:      threshold,
		openTimeout:    openTimeout,
		halfOpenProbes: 1,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, accounting for an elapsed open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.halfOpenProbes {
			return false
		}
		b.inFlight++
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.inFlight = 0
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.inFlight = 0
}

// Guard combines an optional Breaker and an optional rate limiter.
type Guard struct {
	breaker   *Breaker
	limiter   *rate.Limiter
	maxWait   time.Duration
	isFailure func(error) bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithBreaker attaches a circuit breaker.
func WithBreaker(b *Breaker) Option {
	return func(g *Guard) {
		g.breaker = b
	}
}

// WithRateLimit allows limit calls per second with the given burst. A caller
// waits at most maxWait for a permit before failing with ErrRateLimited.
func WithRateLimit(limit rate.Limit, burst int, maxWait time.Duration) Option {
	return func(g *Guard) {
		g.limiter = rate.NewLimiter(limit, burst)
		g.maxWait = maxWait
	}
}

// WithFailureClassifier decides which errors count against the breaker. By
// default every error except caller cancellation does.
func WithFailureClassifier(fn func(error) bool) Option {
	return func(g *Guard) {
		g.isFailure = fn
	}
}

// New returns a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{isFailure: defaultIsFailure}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker returns the attached breaker, if any.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do runs fn once the rate limiter and the breaker allow it.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.wait(ctx); err != nil {
			return err
		}
	}
	if g.breaker == nil {
		return fn(ctx)
	}
	if !g.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if g.isFailure(err) {
		g.breaker.Failure()
	} else {
		g.breaker.Success()
	}
	return err
}

func (g *Guard) wait(ctx context.Context) error {
	if g.limiter.Allow() {
		return nil
	}
	wctx := ctx
	if g.maxWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, g.maxWait)
		defer cancel()
	}
	if err := g.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	return nil
}
