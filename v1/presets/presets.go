// Package presets wires a store, a release bus and their connections for the
// supported backends, ready to build lockers and caches from.
package presets

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-latch/v1/cacheaside"
	"github.com/mirkobrombin/go-latch/v1/guard"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// Backend bundles the shared store with an optional release bus.
type Backend struct {
	Store store.Store
	// Bus is nil when the backend has no notification channel; lockers then
	// rely on polling alone.
	Bus syncbus.Bus

	closers []func() error
}

// Locker returns a lock.Locker on the backend's store, subscribed to its bus
// when there is one.
func (b *Backend) Locker(opts ...lock.Option) *lock.Locker {
	if b.Bus != nil {
		opts = append([]lock.Option{lock.WithBus(b.Bus)}, opts...)
	}
	return lock.New(b.Store, opts...)
}

// Close releases every connection the backend opened, in reverse order.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return stdErrors.Join(errs...)
}

// NewCache returns a cacheaside.Cache on the backend's store.
func NewCache[T any](b *Backend, opts ...cacheaside.Option) *cacheaside.Cache[T] {
	return cacheaside.New[T](b.Store, opts...)
}

// NewInMemory returns a process-local backend with no external dependencies.
// Useful for tests and single-process tools.
func NewInMemory() *Backend {
	s := store.NewInMemoryStore()
	return &Backend{
		Store:   s,
		Bus:     syncbus.NewInMemoryBus(),
		closers: []func() error{s.Close},
	}
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Guard options applied around the store. A breaker opening after five
	// consecutive failures is used when empty.
	Guard []guard.Option
}

// NewRedis creates a backend using Redis as both the store and the bus.
func NewRedis(opts RedisOptions) *Backend {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	gopts := opts.Guard
	if len(gopts) == 0 {
		gopts = []guard.Option{guard.WithBreaker(guard.NewBreaker(5, 10*time.Second))}
	}
	bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
	return &Backend{
		Store:   store.NewGuarded(store.NewRedisStore(client), gopts...),
		Bus:     bus,
		closers: []func() error{client.Close, bus.Close},
	}
}

// EtcdOptions configures the connection to etcd and, optionally, the bus
// carrying release notifications.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string

	// NATSURL selects a NATS bus. It takes precedence over KafkaBrokers.
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string
}

// NewEtcd creates a backend storing locks and cache entries in etcd. Release
// notifications travel over NATS or Kafka when configured; otherwise lockers
// only poll.
func NewEtcd(ctx context.Context, opts EtcdOptions) (*Backend, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("presets: etcd client: %w", err)
	}
	var sopts []store.EtcdOption
	if opts.Prefix != "" {
		sopts = append(sopts, store.WithEtcdPrefix(opts.Prefix))
	}
	b := &Backend{
		Store:   store.NewEtcdStore(client, sopts...),
		closers: []func() error{client.Close},
	}
	if opts.NATSURL != "" {
		bus, closeBus, err := NewNATSBus(opts.NATSURL)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Bus = bus
		b.closers = append(b.closers, closeBus)
	} else if len(opts.KafkaBrokers) > 0 {
		bus, err := syncbus.NewKafkaBus(opts.KafkaBrokers, nil, opts.KafkaTopic)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Bus = bus
		b.closers = append(b.closers, bus.Close)
	}
	return b, nil
}

// NewNATSBus connects to url and returns a bus on that connection together
// with the function closing it.
func NewNATSBus(url string) (*syncbus.NATSBus, func() error, error) {
	conn, err := nats.Connect(url, nats.Name("latch"))
	if err != nil {
		return nil, nil, fmt.Errorf("presets: nats connect: %w", err)
	}
	return syncbus.NewNATSBus(conn, ""), func() error {
		conn.Close()
		return nil
	}, nil
}
