package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Store abstracts the shared key-value store used as the source of truth for
// lock ownership and cached values across processes.
type Store interface {
	// SetIfAbsent atomically stores value under key with the given TTL only
	// if the key does not exist. It reports whether the value was written.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get retrieves the value for key. The boolean reports whether the key
	// was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}

// CompareDeleter is implemented by stores able to delete a key only while it
// still holds a given value.
type CompareDeleter interface {
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)
}

// InMemoryStore is a Store backed by a map. It is meant for tests and single
// process deployments.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time

	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock replaces the time source. Tests use it to expire entries without
// sleeping.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// WithSweepInterval sets the interval at which expired entries are removed.
// A zero or negative duration disables the background sweeper; expired
// entries are then only dropped when touched.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(s *InMemoryStore) {
		s.sweepInterval = d
	}
}

const defaultSweepInterval = time.Minute

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemoryStore{
		items:         make(map[string]entry),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// lookup returns the live entry for key, dropping it if expired.
// The caller must hold s.mu.
func (s *InMemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *InMemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	return true, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	e, ok := s.lookup(key)
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(e.value), true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	delete(s.items, key)
	return ok, nil
}

// DeleteIfEqual implements CompareDeleter.
func (s *InMemoryStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Len returns the number of live entries.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, e := range s.items {
				if e.expired(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.ctx.Done():
			return
		}
	}
}

// Close stops the background sweeper.
func (s *InMemoryStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

var (
	_ Store          = (*InMemoryStore)(nil)
	_ CompareDeleter = (*InMemoryStore)(nil)
)
