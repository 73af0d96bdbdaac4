package lock

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	googleuuid "github.com/google/uuid"
	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

const (
	// DefaultTTL is how long a lock entry survives in the store if its
	// holder never releases it.
	DefaultTTL = 10 * time.Second
	// DefaultBackoff is the pause between two acquisition attempts.
	DefaultBackoff = 100 * time.Millisecond
	// DefaultTimeout is the acquisition ceiling.
	DefaultTimeout = 10 * time.Second

	defaultReleaseTimeout = 5 * time.Second
)

// Locker acquires and releases named locks in a shared store.
//
// Each Locker owns the process-local view of the locks it currently holds;
// it is never shared through package state. That view is advisory: the store
// alone decides ownership across processes.
type Locker struct {
	store          store.Store
	id             string
	ttl            time.Duration
	backoff        time.Duration
	timeout        time.Duration
	releaseTimeout time.Duration
	bus            syncbus.Bus
	logger         *slog.Logger
	traceEnabled   bool

	mu   sync.Mutex
	held map[key.Key][]byte
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the expiry of lock entries in the store.
func WithTTL(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithBackoff sets the pause between acquisition attempts.
func WithBackoff(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithTimeout sets the acquisition ceiling after which Lock fails with
// ErrLockTimeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithReleaseTimeout bounds the store call issued on release.
func WithReleaseTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.releaseTimeout = d
		}
	}
}

// WithBus announces releases on bus and lets waiters wake up on them.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) {
		l.bus = bus
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTracing enables OpenTelemetry spans for Lock calls.
func WithTracing() Option {
	return func(l *Locker) {
		l.traceEnabled = true
	}
}

// New returns a Locker backed by s.
func New(s store.Store, opts ...Option) *Locker {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = googleuuid.NewString()
	}
	l := &Locker{
		store:          s,
		id:             id,
		ttl:            DefaultTTL,
		backoff:        DefaultBackoff,
		timeout:        DefaultTimeout,
		releaseTimeout: defaultReleaseTimeout,
		logger:         slog.Default(),
		held:           make(map[key.Key][]byte),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ID returns the instance id embedded in every token this Locker writes.
func (l *Locker) ID() string { return l.id }

// holdKey marks a context as running inside a critical section of a given
// Locker for a given key.
type holdKey struct {
	owner string
	key   key.Key
}

// Lock runs fn while holding the lock for k.
//
// It fails with ErrLockTimeout if the lock cannot be obtained within the
// configured ceiling, and with an error wrapping ErrStoreUnavailable if the
// store cannot be reached. Otherwise fn runs exactly once and the lock is
// released before Lock returns, whatever fn does.
//
// Calling Lock for k again from inside fn (with the context fn received)
// runs the nested function directly; the nested call does not own the lock
// and does not release it. Other goroutines of the same process, even ones
// using this Locker, always go through the store.
func (l *Locker) Lock(ctx context.Context, k key.Key, fn func(ctx context.Context) error) (err error) {
	if l.heldBy(ctx, k) {
		return fn(ctx)
	}

	if l.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Locker.Lock",
			trace.WithAttributes(attribute.String("latch.lock.key", k.String())))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	token, err := l.acquire(ctx, k)
	if err != nil {
		return err
	}
	return l.run(ctx, k, token, fn)
}

// TryLock makes a single acquisition attempt. If the lock is free it runs fn
// like Lock and returns true; otherwise it returns false without running fn.
func (l *Locker) TryLock(ctx context.Context, k key.Key, fn func(ctx context.Context) error) (bool, error) {
	if l.heldBy(ctx, k) {
		return true, fn(ctx)
	}
	token := l.newToken()
	ok, err := l.store.SetIfAbsent(ctx, k.String(), token, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	metrics.LockAcquired.Inc()
	return true, l.run(ctx, k, token, fn)
}

// Held reports whether this Locker currently holds k.
func (l *Locker) Held(k key.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[k] != nil
}

// IsLocked asks the store whether anybody holds k.
func (l *Locker) IsLocked(ctx context.Context, k key.Key) (bool, error) {
	_, ok, err := l.store.Get(ctx, k.String())
	return ok, err
}

// Do runs fn under the lock for k and returns its result.
func Do[T any](ctx context.Context, l *Locker, k key.Key, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Lock(ctx, k, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (l *Locker) heldBy(ctx context.Context, k key.Key) bool {
	token, _ := ctx.Value(holdKey{owner: l.id, key: k}).([]byte)
	if token == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Equal(l.held[k], token)
}

func (l *Locker) newToken() []byte {
	return []byte(l.id + ":" + googleuuid.NewString())
}

func releaseTopic(storeKey string) string {
	return "unlock:" + storeKey
}

// acquire spins until the store grants k, the ceiling elapses or ctx ends.
func (l *Locker) acquire(ctx context.Context, k key.Key) ([]byte, error) {
	storeKey := k.String()
	token := l.newToken()
	start := time.Now()

	var wake <-chan struct{}
	defer func() {
		if wake != nil {
			_ = l.bus.Unsubscribe(context.Background(), releaseTopic(storeKey), wake)
		}
	}()

	for spins := 0; ; spins++ {
		ok, err := l.store.SetIfAbsent(ctx, storeKey, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.LockAcquired.Inc()
			metrics.LockWait.Observe(time.Since(start).Seconds())
			if spins > 0 {
				l.logger.Debug("lock acquired after spinning", "key", storeKey, "spins", spins, "waited", time.Since(start))
			}
			return token, nil
		}

		metrics.LockSpins.Inc()
		l.logger.Debug("spin lock", "key", storeKey)
		if wake == nil && l.bus != nil {
			ch, err := l.bus.Subscribe(ctx, releaseTopic(storeKey))
			if err != nil {
				l.logger.Debug("release notifications unavailable, polling only", "key", storeKey, "error", err)
			} else {
				wake = ch
			}
		}

		timer := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case _, open := <-wake:
			timer.Stop()
			if !open {
				wake = nil
			}
		}

		if time.Since(start) >= l.timeout {
			metrics.LockTimeouts.Inc()
			return nil, fmt.Errorf("%w: %s not obtained within %s", latcherrors.ErrLockTimeout, storeKey, l.timeout)
		}
	}
}

// run executes fn as the owner of k and releases k afterwards, including
// when fn panics or ctx is cancelled.
func (l *Locker) run(ctx context.Context, k key.Key, token []byte, fn func(ctx context.Context) error) error {
	acquiredAt := time.Now()
	l.mu.Lock()
	l.held[k] = token
	l.mu.Unlock()
	defer l.release(ctx, k, token, acquiredAt)
	return fn(context.WithValue(ctx, holdKey{owner: l.id, key: k}, token))
}

// release deletes the store entry and clears the local marker unless a later
// holder already replaced it. Store failures are logged only: the entry
// expires on its own after the TTL.
func (l *Locker) release(ctx context.Context, k key.Key, token []byte, acquiredAt time.Time) {
	defer func() {
		l.mu.Lock()
		if bytes.Equal(l.held[k], token) {
			delete(l.held, k)
		}
		l.mu.Unlock()
	}()
	metrics.LockHold.Observe(time.Since(acquiredAt).Seconds())

	storeKey := k.String()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
	defer cancel()

	var err error
	if cd, ok := l.store.(store.CompareDeleter); ok {
		var deleted bool
		deleted, err = cd.DeleteIfEqual(rctx, storeKey, token)
		if err == nil && !deleted {
			l.logger.Warn("lock expired before release", "key", storeKey, "ttl", l.ttl, "held", time.Since(acquiredAt))
		}
	} else {
		_, err = l.store.Delete(rctx, storeKey)
	}
	if err != nil {
		metrics.LockReleaseFailures.Inc()
		l.logger.Warn("lock release failed, entry left to expire", "key", storeKey, "ttl", l.ttl, "error", err)
		return
	}

	if l.bus != nil {
		if err := l.bus.Publish(rctx, releaseTopic(storeKey)); err != nil {
			l.logger.Debug("release notification failed", "key", storeKey, "error", err)
		}
	}
}
