package cacheaside

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/cacheaside")

// Loader produces the value for a missing key. It returns false when the
// value does not exist; such results are not cached.
type Loader[T any] func(ctx context.Context) (T, bool, error)

type config struct {
	codec        Codec
	policy       *Policy
	logger       *slog.Logger
	traceEnabled bool
	failOpen     bool
	nearCost     int64
	nearTTL      time.Duration
}

// Option configures a Cache.
type Option func(*config)

// WithCodec sets the codec used to encode values. Defaults to JSONCodec.
func WithCodec(c Codec) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.codec = c
		}
	}
}

// WithPolicy sets the TTL policy. Defaults to a policy without expiry.
func WithPolicy(p *Policy) Option {
	return func(cfg *config) {
		if p != nil {
			cfg.policy = p
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans for Get and Delete calls.
func WithTracing() Option {
	return func(cfg *config) {
		cfg.traceEnabled = true
	}
}

// WithFailOpen makes store failures non-fatal: failed reads count as misses
// and failed writes are logged and skipped. Decoding errors still fail.
func WithFailOpen() Option {
	return func(cfg *config) {
		cfg.failOpen = true
	}
}

// WithNearCache keeps recently read entries in a process-local cache for at
// most ttl, bounded to maxCost bytes. Other processes' deletes become visible
// once the local entry expires.
func WithNearCache(maxCost int64, ttl time.Duration) Option {
	return func(cfg *config) {
		cfg.nearCost = maxCost
		cfg.nearTTL = ttl
	}
}

// Cache reads through to a Loader and stores its results in a shared store.
type Cache[T any] struct {
	store store.Store
	cfg   config
	near  *ristretto.Cache
}

// New returns a Cache over s.
func New[T any](s store.Store, opts ...Option) *Cache[T] {
	cfg := config{
		codec:  JSONCodec{},
		policy: NewPolicy(0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Cache[T]{store: s, cfg: cfg}
	if cfg.nearCost > 0 && cfg.nearTTL > 0 {
		rc, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     cfg.nearCost,
			BufferItems: 64,
		})
		if err != nil {
			panic(err)
		}
		c.near = rc
	}
	return c
}

// Policy returns the TTL policy in use.
func (c *Cache[T]) Policy() *Policy { return c.cfg.policy }

// Close releases the near cache, if any.
func (c *Cache[T]) Close() {
	if c.near != nil {
		c.near.Close()
	}
}

// Get returns the value stored under k, calling load on a miss.
//
// The boolean result is false only when load reported the value absent.
// A stored value that cannot be decoded fails with ErrDeserialization.
func (c *Cache[T]) Get(ctx context.Context, k key.Key, load Loader[T]) (v T, found bool, err error) {
	ns, sk := k.Group(), k.String()
	var span trace.Span
	if c.cfg.traceEnabled {
		ctx, span = tracer.Start(ctx, "Cache.Get", trace.WithAttributes(
			attribute.String("latch.cache.namespace", ns),
			attribute.String("latch.cache.key", sk),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	data, ok, err := c.read(ctx, sk)
	if err != nil {
		metrics.CacheErrors.WithLabelValues(ns).Inc()
		if !c.cfg.failOpen || ctx.Err() != nil {
			return v, false, err
		}
		c.cfg.logger.Warn("cache read failed, loading instead", "key", sk, "error", err)
		ok = false
	}
	if ok {
		if err := c.cfg.codec.Unmarshal(data, &v); err != nil {
			metrics.CacheErrors.WithLabelValues(ns).Inc()
			if c.near != nil {
				c.near.Del(sk)
				c.near.Wait()
			}
			var zero T
			return zero, false, fmt.Errorf("%w: %s: %w", latcherrors.ErrDeserialization, sk, err)
		}
		metrics.CacheHits.WithLabelValues(ns).Inc()
		if span != nil {
			span.SetAttributes(attribute.Bool("latch.cache.hit", true))
		}
		return v, true, nil
	}

	metrics.CacheMisses.WithLabelValues(ns).Inc()
	if span != nil {
		span.SetAttributes(attribute.Bool("latch.cache.hit", false))
	}
	v, found, err = load(ctx)
	if err != nil || !found {
		var zero T
		return zero, false, err
	}
	if err := c.Set(ctx, k, v); err != nil {
		var zero T
		return zero, false, err
	}
	metrics.CacheLoads.WithLabelValues(ns).Inc()
	return v, true, nil
}

// Set encodes v and stores it under k with the TTL of k's namespace.
func (c *Cache[T]) Set(ctx context.Context, k key.Key, v T) error {
	sk := k.String()
	data, err := c.cfg.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("cacheaside: encode %s: %w", sk, err)
	}
	ttl := c.cfg.policy.TTL(k.Group())
	if err := c.store.Set(ctx, sk, data, ttl); err != nil {
		metrics.CacheErrors.WithLabelValues(k.Group()).Inc()
		if !c.cfg.failOpen || stdErrors.Is(err, context.Canceled) {
			return err
		}
		c.cfg.logger.Warn("cache write failed, value not cached", "key", sk, "error", err)
		return nil
	}
	c.setNear(sk, data, ttl)
	return nil
}

// Delete removes k from the near cache and the store and reports whether the
// store held it.
func (c *Cache[T]) Delete(ctx context.Context, k key.Key) (_ bool, err error) {
	sk := k.String()
	if c.cfg.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Cache.Delete", trace.WithAttributes(
			attribute.String("latch.cache.namespace", k.Group()),
			attribute.String("latch.cache.key", sk),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	if c.near != nil {
		c.near.Del(sk)
		c.near.Wait()
	}
	ok, err := c.store.Delete(ctx, sk)
	if err != nil {
		metrics.CacheErrors.WithLabelValues(k.Group()).Inc()
		return false, err
	}
	metrics.CacheInvalidations.WithLabelValues(k.Group()).Inc()
	c.cfg.logger.Debug("cache entry deleted", "key", sk, "existed", ok)
	return ok, nil
}

func (c *Cache[T]) read(ctx context.Context, sk string) ([]byte, bool, error) {
	if c.near != nil {
		if v, ok := c.near.Get(sk); ok {
			if data, ok := v.([]byte); ok {
				return data, true, nil
			}
		}
	}
	data, ok, err := c.store.Get(ctx, sk)
	if err != nil || !ok {
		return nil, false, err
	}
	c.setNear(sk, data, c.cfg.nearTTL)
	return data, true, nil
}

func (c *Cache[T]) setNear(sk string, data []byte, ttl time.Duration) {
	if c.near == nil {
		return
	}
	if ttl <= 0 || ttl > c.cfg.nearTTL {
		ttl = c.cfg.nearTTL
	}
	c.near.SetWithTTL(sk, data, int64(len(data)), ttl)
	c.near.Wait()
}
