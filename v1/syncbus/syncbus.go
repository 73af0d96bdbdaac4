// Package syncbus provides a small pub/sub abstraction used to notify other
// goroutines and processes that a lock was released, so waiters can retry
// before their backoff interval elapses.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus publishes empty notifications on named topics.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel that receives a value for every
	// notification on topic. The subscription ends when ctx is done or
	// Unsubscribe is called; the channel is then closed.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error
}

// Metrics reports bus activity.
type Metrics struct {
	Published uint64
	Delivered uint64
}

type subscriber struct {
	ch   chan struct{}
	done chan struct{}
}

// fanout keeps local subscribers per topic. Deliveries never block: a
// subscriber that has not consumed the previous notification misses the next
// one, which is enough for wake-up semantics.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]*subscriber)}
}

func (f *fanout) add(topic string) *subscriber {
	s := &subscriber{ch: make(chan struct{}, 1), done: make(chan struct{})}
	f.mu.Lock()
	f.subs[topic] = append(f.subs[topic], s)
	f.mu.Unlock()
	return s
}

// remove drops the subscriber owning ch and reports whether it was found and
// whether topic has no subscribers left.
func (f *fanout) remove(topic string, ch <-chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, s := range subs {
		if s.ch == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(s.done)
			close(s.ch)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs[topic] {
		select {
		case s.ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

// watch unsubscribes s once ctx is done.
func (f *fanout) watch(ctx context.Context, s *subscriber, unsubscribe func()) {
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-s.done:
		}
	}()
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	b.f.published.Add(1)
	b.f.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	s := b.f.add(topic)
	b.f.watch(ctx, s, func() { _ = b.Unsubscribe(context.Background(), topic, s.ch) })
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
