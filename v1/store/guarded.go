package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/guard"
)

// Guarded decorates a Store so that calls go through a guard.Guard. Calls
// rejected by the breaker or the rate limiter fail with ErrStoreUnavailable
// without reaching the inner store. Only ErrStoreUnavailable results count as
// breaker failures.
type Guarded struct {
	inner Store
	g     *guard.Guard
}

// NewGuarded wraps inner with a guard built from opts.
func NewGuarded(inner Store, opts ...guard.Option) *Guarded {
	opts = append([]guard.Option{guard.WithFailureClassifier(func(err error) bool {
		return stdErrors.Is(err, latcherrors.ErrStoreUnavailable)
	})}, opts...)
	return &Guarded{inner: inner, g: guard.New(opts...)}
}

// Guard returns the underlying guard.
func (s *Guarded) Guard() *guard.Guard { return s.g }

func (s *Guarded) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.g.Do(ctx, fn)
	if stdErrors.Is(err, guard.ErrCircuitOpen) || stdErrors.Is(err, guard.ErrRateLimited) {
		return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, err)
	}
	return err
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *Guarded) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.inner.SetIfAbsent(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

// Get implements Store.Get.
func (s *Guarded) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		data []byte
		ok   bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		data, ok, err = s.inner.Get(ctx, key)
		return err
	})
	return data, ok, err
}

// Set implements Store.Set.
func (s *Guarded) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value, ttl)
	})
}

// Delete implements Store.Delete.
func (s *Guarded) Delete(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.inner.Delete(ctx, key)
		return err
	})
	return ok, err
}

// DeleteIfEqual implements CompareDeleter. When the inner store cannot
// compare values it falls back to a plain Delete.
func (s *Guarded) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	cd, ok := s.inner.(CompareDeleter)
	if !ok {
		return s.Delete(ctx, key)
	}
	var deleted bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = cd.DeleteIfEqual(ctx, key, value)
		return err
	})
	return deleted, err
}

var (
	_ Store          = (*Guarded)(nil)
	_ CompareDeleter = (*Guarded)(nil)
)
