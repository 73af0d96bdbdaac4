package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS connection. Topics map to subjects
// under the configured prefix.
type NATSBus struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
	f    *fanout
}

// NewNATSBus returns a new NATSBus. Subjects are named prefix+topic; an empty
// prefix defaults to "latch.bus.".
func NewNATSBus(conn *nats.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = "latch.bus."
	}
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		subs:   make(map[string]*nats.Subscription),
		f:      newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(b.prefix+topic, []byte("1")); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		ns, err := b.conn.Subscribe(b.prefix+topic, func(_ *nats.Msg) {
			b.f.deliver(topic)
		})
		if err != nil {
			return nil, err
		}
		// Make sure the server knows about the interest before returning so
		// a publish right after Subscribe is not lost.
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.subs[topic] = ns
	}
	s := b.f.add(topic)
	b.f.watch(ctx, s, func() { _ = b.Unsubscribe(context.Background(), topic, s.ch) })
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.f.remove(topic, ch)
	if !last {
		return nil
	}
	ns, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
