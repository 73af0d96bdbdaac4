package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisChannelPrefix = "latch:bus:"

// RedisBus implements Bus on Redis pub/sub. One Redis subscription is held
// per topic regardless of how many local subscribers listen on it.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	f       *fanout
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client redis.UniversalClient
	// Prefix is prepended to every channel name. Defaults to "latch:bus:".
	Prefix string
}

// NewRedisBus returns a new RedisBus.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisChannelPrefix
	}
	return &RedisBus{
		client:  opts.Client,
		prefix:  prefix,
		pubsubs: make(map[string]*redis.PubSub),
		f:       newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, b.prefix+topic, "1").Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pubsubs[topic]; !ok {
		ps := b.client.Subscribe(ctx, b.prefix+topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsubs[topic] = ps
		go b.dispatch(topic, ps)
	}
	s := b.f.add(topic)
	b.f.watch(ctx, s, func() { _ = b.Unsubscribe(context.Background(), topic, s.ch) })
	return s.ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.f.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.f.remove(topic, ch)
	if !last {
		return nil
	}
	ps, ok := b.pubsubs[topic]
	if !ok {
		return nil
	}
	delete(b.pubsubs, topic)
	return ps.Close()
}

// Close drops every Redis subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, topic)
	}
	return firstErr
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}
