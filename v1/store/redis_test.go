package store

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// newRedisStore returns a Redis-backed store plus the miniredis server so
// tests can fast forward TTLs or stop the server.
func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client, WithTimeout(time.Second)), mr, client
}

func TestRedisStoreConformance(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	conformance(t, s, mr.FastForward)
}

func TestRedisStoreSetIfAbsentWritesTTL(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	ctx := context.Background()
	if ok, err := s.SetIfAbsent(ctx, "addBalance:42", []byte("token"), 10*time.Second); err != nil || !ok {
		t.Fatalf("SetIfAbsent: ok %v err %v", ok, err)
	}
	if ttl := mr.TTL("addBalance:42"); ttl != 10*time.Second {
		t.Fatalf("expected 10s ttl, got %v", ttl)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	mr.Close()
	ctx := context.Background()

	if _, err := s.SetIfAbsent(ctx, "k", []byte("v"), time.Second); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("SetIfAbsent: expected ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := s.Get(ctx, "k"); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("Get: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := s.Delete(ctx, "k"); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("Delete: expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRedisStoreSentinelErrors(t *testing.T) {
	t.Run("connection closed", func(t *testing.T) {
		s, _, client := newRedisStore(t)
		_ = client.Close()
		_, _, err := s.Get(context.Background(), "foo")
		if !errors.Is(err, latcherrors.ErrConnectionClosed) || !errors.Is(err, latcherrors.ErrStoreUnavailable) {
			t.Fatalf("expected closed + unavailable, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		s, _, _ := newRedisStore(t)
		tCtx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		if _, _, err := s.Get(tCtx, "foo"); !errors.Is(err, latcherrors.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})

	t.Run("caller deadline during call", func(t *testing.T) {
		s := NewRedisStore(silentRedis(t), WithTimeout(5*time.Second))
		tCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := s.SetIfAbsent(tCtx, "addBalance:42", []byte("token"), time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected the caller's deadline, got %v", err)
		}
		if errors.Is(err, latcherrors.ErrStoreUnavailable) {
			t.Fatalf("caller deadline reported as store failure: %v", err)
		}
	})

	t.Run("store timeout", func(t *testing.T) {
		s := NewRedisStore(silentRedis(t), WithTimeout(50*time.Millisecond))
		_, err := s.SetIfAbsent(context.Background(), "addBalance:42", []byte("token"), time.Second)
		if !errors.Is(err, latcherrors.ErrStoreUnavailable) {
			t.Fatalf("expected store unavailable, got %v", err)
		}
	})
}

// silentRedis returns a client whose server accepts connections but never
// answers.
func silentRedis(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return client
}
