package cacheaside

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/store"
)

type article struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func newRedis(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
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
	return store.NewRedisStore(client, store.WithTimeout(time.Second)), mr
}

func newMemory(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// countingLoader returns v and counts its invocations.
func countingLoader[T any](v T, found bool, calls *atomic.Int32) Loader[T] {
	return func(ctx context.Context) (T, bool, error) {
		calls.Add(1)
		return v, found, nil
	}
}

func TestGetHitSkipsLoader(t *testing.T) {
	s := newMemory(t)
	c := New[article](s)
	ctx := context.Background()
	k := key.New("/article/get", 1)

	var calls atomic.Int32
	load := countingLoader(article{ID: 1, Title: "hello"}, true, &calls)

	got, found, err := c.Get(ctx, k, load)
	if err != nil || !found || got.Title != "hello" {
		t.Fatalf("first Get: %+v %v %v", got, found, err)
	}
	got, found, err = c.Get(ctx, k, load)
	if err != nil || !found || got.ID != 1 {
		t.Fatalf("second Get: %+v %v %v", got, found, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}
}

func TestDeleteForcesReload(t *testing.T) {
	s := newMemory(t)
	c := New[article](s)
	ctx := context.Background()
	k := key.New("/article/get", 2)

	var calls atomic.Int32
	load := countingLoader(article{ID: 2}, true, &calls)
	if _, _, err := c.Get(ctx, k, load); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok, err := c.Delete(ctx, k); err != nil || !ok {
		t.Fatalf("Delete: %v %v", ok, err)
	}
	if ok, err := c.Delete(ctx, k); err != nil || ok {
		t.Fatalf("second Delete: %v %v", ok, err)
	}
	if _, _, err := c.Get(ctx, k, load); err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("loader called %d times, want 2", calls.Load())
	}
}

func TestAbsentIsNotCached(t *testing.T) {
	s := newMemory(t)
	c := New[article](s)
	ctx := context.Background()
	k := key.New("/article/get", 404)

	var calls atomic.Int32
	load := countingLoader(article{}, false, &calls)
	for i := 0; i < 2; i++ {
		_, found, err := c.Get(ctx, k, load)
		if err != nil || found {
			t.Fatalf("Get: found %v err %v", found, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("absent result was cached: loader called %d times", calls.Load())
	}
	if s.Len() != 0 {
		t.Fatalf("store holds %d entries, want 0", s.Len())
	}
}

func TestLoaderErrorPropagates(t *testing.T) {
	s := newMemory(t)
	c := New[article](s)
	boom := errors.New("db down")
	_, _, err := c.Get(context.Background(), key.New("/article/get", 3), func(context.Context) (article, bool, error) {
		return article{ID: 3}, true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatal("failed load was cached")
	}
}

func TestUndecodableValue(t *testing.T) {
	s := newMemory(t)
	c := New[article](s)
	ctx := context.Background()
	k := key.New("/article/get", 5)
	_ = s.Set(ctx, k.String(), []byte("not json"), 0)

	var calls atomic.Int32
	_, _, err := c.Get(ctx, k, countingLoader(article{}, true, &calls))
	if !errors.Is(err, latcherrors.ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("loader should not run when a value is present")
	}
}

func TestNamespaceTTL(t *testing.T) {
	s, mr := newRedis(t)
	policy := NewPolicy(time.Minute).Set("/article/get", 10*time.Second)
	c := New[article](s, WithPolicy(policy))
	ctx := context.Background()
	k := key.New("/article/get", 42)

	var calls atomic.Int32
	load := countingLoader(article{ID: 42, Title: "cached"}, true, &calls)
	if _, _, err := c.Get(ctx, k, load); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ttl := mr.TTL(k.String()); ttl != 10*time.Second {
		t.Fatalf("stored ttl %v, want 10s", ttl)
	}

	mr.FastForward(9 * time.Second)
	if got, _, _ := c.Get(ctx, k, load); got.Title != "cached" || calls.Load() != 1 {
		t.Fatalf("expected cached value within ttl, got %+v after %d loads", got, calls.Load())
	}

	mr.FastForward(2 * time.Second)
	if _, _, err := c.Get(ctx, k, load); err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("loader called %d times, want 2 after expiry", calls.Load())
	}
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()
	ctx := context.Background()
	k := key.New("/article/get", 9)

	var calls atomic.Int32
	strict := New[article](s)
	if _, _, err := strict.Get(ctx, k, countingLoader(article{ID: 9}, true, &calls)); !errors.Is(err, latcherrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("loader ran although the store failed")
	}

	lenient := New[article](s, WithFailOpen())
	got, found, err := lenient.Get(ctx, k, countingLoader(article{ID: 9}, true, &calls))
	if err != nil || !found || got.ID != 9 {
		t.Fatalf("fail-open Get: %+v %v %v", got, found, err)
	}
}

func TestCodecs(t *testing.T) {
	ctx := context.Background()

	t.Run("gob", func(t *testing.T) {
		c := New[article](newMemory(t), WithCodec(GobCodec{}))
		k := key.New("/article/get", 1)
		var calls atomic.Int32
		load := countingLoader(article{ID: 1, Title: "gob"}, true, &calls)
		_, _, _ = c.Get(ctx, k, load)
		got, _, err := c.Get(ctx, k, load)
		if err != nil || got.Title != "gob" || calls.Load() != 1 {
			t.Fatalf("gob Get: %+v %v after %d loads", got, err, calls.Load())
		}
	})

	t.Run("bytes", func(t *testing.T) {
		s := newMemory(t)
		c := New[[]byte](s, WithCodec(ByteCodec{}))
		k := key.New("raw", "blob")
		if err := c.Set(ctx, k, []byte("payload")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		raw, _, _ := s.Get(ctx, k.String())
		if string(raw) != "payload" {
			t.Fatalf("stored %q, want raw bytes", raw)
		}
		got, found, err := c.Get(ctx, k, func(context.Context) ([]byte, bool, error) {
			t.Error("loader should not run")
			return nil, false, nil
		})
		if err != nil || !found || string(got) != "payload" {
			t.Fatalf("bytes Get: %q %v %v", got, found, err)
		}
	})

	t.Run("bytes rejects other types", func(t *testing.T) {
		c := New[string](newMemory(t), WithCodec(ByteCodec{}))
		if err := c.Set(ctx, key.New("raw"), "text"); err == nil {
			t.Fatal("expected encode error")
		}
	})
}

// countingStore counts Get calls reaching the shared store.
type countingStore struct {
	store.Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, k string) ([]byte, bool, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, k)
}

func TestNearCache(t *testing.T) {
	s := &countingStore{Store: newMemory(t)}
	c := New[article](s, WithNearCache(1<<20, time.Minute))
	defer c.Close()
	ctx := context.Background()
	k := key.New("/article/get", 8)

	var calls atomic.Int32
	load := countingLoader(article{ID: 8}, true, &calls)
	if _, _, err := c.Get(ctx, k, load); err != nil {
		t.Fatalf("Get: %v", err)
	}
	before := s.gets.Load()
	if got, _, err := c.Get(ctx, k, load); err != nil || got.ID != 8 {
		t.Fatalf("near Get: %+v %v", got, err)
	}
	if s.gets.Load() != before {
		t.Fatal("near cache hit still reached the store")
	}

	if _, err := c.Delete(ctx, k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := c.Get(ctx, k, load); err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("delete did not clear the near cache: %d loads", calls.Load())
	}
}

func TestNearCacheDropsUndecodableValue(t *testing.T) {
	s := newMemory(t)
	c := New[article](s, WithNearCache(1<<20, time.Minute))
	defer c.Close()
	ctx := context.Background()
	k := key.New("/article/get", 9)
	_ = s.Set(ctx, k.String(), []byte("not json"), 0)

	var calls atomic.Int32
	load := countingLoader(article{ID: 9}, true, &calls)
	if _, _, err := c.Get(ctx, k, load); !errors.Is(err, latcherrors.ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}

	_ = s.Set(ctx, k.String(), []byte(`{"id":9,"title":"fixed"}`), 0)
	got, _, err := c.Get(ctx, k, load)
	if err != nil {
		t.Fatalf("Get after the store was repaired: %v", err)
	}
	if got.Title != "fixed" || calls.Load() != 0 {
		t.Fatalf("expected the repaired store value, got %+v after %d loads", got, calls.Load())
	}
}
