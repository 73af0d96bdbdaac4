package store

import (
	"context"
	"errors"
	"testing"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/guard"
)

func TestGuardedPassesThrough(t *testing.T) {
	inner := NewInMemoryStore(WithSweepInterval(0))
	s := NewGuarded(inner, guard.WithBreaker(guard.NewBreaker(3, time.Minute)))
	ctx := context.Background()
	if ok, err := s.SetIfAbsent(ctx, "k", []byte("v"), time.Minute); err != nil || !ok {
		t.Fatalf("SetIfAbsent: ok %v err %v", ok, err)
	}
	if v, ok, err := s.Get(ctx, "k"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get: %q ok %v err %v", v, ok, err)
	}
	if ok, err := s.DeleteIfEqual(ctx, "k", []byte("v")); err != nil || !ok {
		t.Fatalf("DeleteIfEqual: ok %v err %v", ok, err)
	}
}

func TestGuardedOpensOnStoreFailures(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	mr.Close()
	b := guard.NewBreaker(2, time.Minute)
	g := NewGuarded(s, guard.WithBreaker(b))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := g.Get(ctx, "k"); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	}
	if b.State() != guard.StateOpen {
		t.Fatalf("expected breaker open, got %v", b.State())
	}
	_, _, err := g.Get(ctx, "k")
	if !errors.Is(err, guard.ErrCircuitOpen) || !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected circuit open wrapped as unavailable, got %v", err)
	}
}

func TestGuardedMissIsNotFailure(t *testing.T) {
	b := guard.NewBreaker(1, time.Minute)
	g := NewGuarded(NewInMemoryStore(WithSweepInterval(0)), guard.WithBreaker(b))
	for i := 0; i < 3; i++ {
		if _, ok, err := g.Get(context.Background(), "missing"); err != nil || ok {
			t.Fatalf("Get: ok %v err %v", ok, err)
		}
	}
	if b.State() != guard.StateClosed {
		t.Fatalf("misses must not trip the breaker, got %v", b.State())
	}
}
