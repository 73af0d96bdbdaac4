package article

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-latch/v1/cacheaside"
	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/store"
)

// Cache namespaces and lock groups used by the service.
const (
	NamespaceGet    = "/article/get"
	NamespaceGetAll = "/article/get/all"
	LockAddBalance  = "addBalance"

	// CacheTTL is how long article reads stay cached.
	CacheTTL = 10 * time.Second
)

// Service exposes article operations with cached reads and locked balance
// updates.
type Service struct {
	repo   *Repository
	locker *lock.Locker
	one    *cacheaside.Cache[Article]
	all    *cacheaside.Cache[[]Article]
	hold   time.Duration
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*serviceConfig)

type serviceConfig struct {
	hold      time.Duration
	logger    *slog.Logger
	policy    *cacheaside.Policy
	cacheOpts []cacheaside.Option
}

// WithHoldDelay makes AddBalance wait d while holding the lock, which makes
// contention between callers observable.
func WithHoldDelay(d time.Duration) Option {
	return func(c *serviceConfig) { c.hold = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *serviceConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPolicy registers the article namespaces on p instead of a private
// policy, so callers can share one policy across caches.
func WithPolicy(p *cacheaside.Policy) Option {
	return func(c *serviceConfig) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithCacheOptions passes extra options to the article caches.
func WithCacheOptions(opts ...cacheaside.Option) Option {
	return func(c *serviceConfig) { c.cacheOpts = append(c.cacheOpts, opts...) }
}

// NewService builds a Service. Reads are cached in s and balance updates are
// serialised through locker.
func NewService(repo *Repository, locker *lock.Locker, s store.Store, opts ...Option) *Service {
	cfg := serviceConfig{logger: slog.Default(), policy: cacheaside.NewPolicy(0)}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.policy.Set(NamespaceGet, CacheTTL).Set(NamespaceGetAll, CacheTTL)

	copts := append([]cacheaside.Option{
		cacheaside.WithPolicy(cfg.policy),
		cacheaside.WithLogger(cfg.logger),
	}, cfg.cacheOpts...)
	return &Service{
		repo:   repo,
		locker: locker,
		one:    cacheaside.New[Article](s, copts...),
		all:    cacheaside.New[[]Article](s, copts...),
		hold:   cfg.hold,
		logger: cfg.logger,
	}
}

// AddBalance adds amount to the article's balance while holding the
// addBalance lock for id, and returns the updated article.
func (s *Service) AddBalance(ctx context.Context, id, amount int64) (*Article, error) {
	return lock.Do(ctx, s.locker, key.New(LockAddBalance, id), func(ctx context.Context) (*Article, error) {
		a, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.hold > 0 {
			timer := time.NewTimer(s.hold)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		a.Balance += amount
		s.logger.Debug("before commit", "id", a.ID, "balance", a.Balance)
		if err := s.repo.Save(ctx, a); err != nil {
			return nil, err
		}
		s.invalidate(ctx, id)
		return s.repo.FindByID(ctx, id)
	})
}

// Get returns the article with id, served from the cache when possible.
func (s *Service) Get(ctx context.Context, id int64) (*Article, error) {
	a, found, err := s.one.Get(ctx, key.New(NamespaceGet, id), func(ctx context.Context) (Article, bool, error) {
		a, err := s.repo.FindByID(ctx, id)
		if stdErrors.Is(err, ErrNotFound) {
			return Article{}, false, nil
		}
		if err != nil {
			return Article{}, false, err
		}
		return *a, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return &a, nil
}

// GetAll lists the articles matching q, served from the cache when possible.
func (s *Service) GetAll(ctx context.Context, q Query) ([]Article, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	list, _, err := s.all.Get(ctx, key.New(NamespaceGetAll, q), func(ctx context.Context) ([]Article, bool, error) {
		list, err := s.repo.FindAll(ctx, q)
		return list, err == nil, err
	})
	return list, err
}

// Create stores a new article.
func (s *Service) Create(ctx context.Context, in Input) (*Article, error) {
	a := &Article{}
	apply(a, in)
	if err := s.repo.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Update applies the non-nil fields of in to the article and drops its
// cached copy.
func (s *Service) Update(ctx context.Context, id int64, in Input) (*Article, error) {
	a, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	apply(a, in)
	if err := s.repo.Save(ctx, a); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return a, nil
}

// Delete removes the article and drops its cached copy. Deleting a missing
// article is not an error.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.repo.DeleteByID(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// invalidate drops the cached article. The database write already happened,
// so a failure is logged and the entry is left to expire.
func (s *Service) invalidate(ctx context.Context, id int64) {
	if _, err := s.one.Delete(ctx, key.New(NamespaceGet, id)); err != nil {
		s.logger.Warn("failed to invalidate cached article", "id", id, "error", err)
	}
}

func apply(a *Article, in Input) {
	if in.Title != nil {
		a.Title = *in.Title
	}
	if in.Body != nil {
		a.Body = *in.Body
	}
	if in.AuthorID != nil {
		a.AuthorID = *in.AuthorID
	}
}
