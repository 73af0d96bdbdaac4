package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/guard"
	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/lock"
)

func exercise(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	l := b.Locker(lock.WithBackoff(5 * time.Millisecond))
	k := key.New("addBalance", 1)
	if err := l.Lock(ctx, k, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	c := NewCache[string](b)
	got, found, err := c.Get(ctx, key.New("/greeting"), func(context.Context) (string, bool, error) {
		return "hello", true, nil
	})
	if err != nil || !found || got != "hello" {
		t.Fatalf("Get: %q %v %v", got, found, err)
	}
	if ok, err := c.Delete(ctx, key.New("/greeting")); err != nil || !ok {
		t.Fatalf("Delete: %v %v", ok, err)
	}
}

func TestNewInMemory(t *testing.T) {
	b := NewInMemory()
	defer b.Close()
	if b.Bus == nil {
		t.Fatal("in-memory backend should carry a bus")
	}
	exercise(t, b)
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	b := NewRedis(RedisOptions{Addr: mr.Addr()})
	defer b.Close()
	exercise(t, b)
}

func TestNewRedisBreakerOpens(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	breaker := guard.NewBreaker(1, time.Minute)
	b := NewRedis(RedisOptions{Addr: addr, Guard: []guard.Option{guard.WithBreaker(breaker)}})
	defer b.Close()

	ctx := context.Background()
	if _, _, err := b.Store.Get(ctx, "k"); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if breaker.State() != guard.StateOpen {
		t.Fatalf("breaker state %v, want open", breaker.State())
	}
	if _, _, err := b.Store.Get(ctx, "k"); !errors.Is(err, guard.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen once open, got %v", err)
	}
}
