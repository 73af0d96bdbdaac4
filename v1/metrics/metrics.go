package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquired counts locks obtained from the shared store.
	LockAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_acquired_total",
		Help: "Total number of locks acquired from the shared store",
	})
	// LockTimeouts counts acquisitions that gave up after the ceiling.
	LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_timeouts_total",
		Help: "Total number of lock acquisitions that timed out",
	})
	// LockSpins counts failed set-if-absent attempts followed by a backoff.
	LockSpins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_spins_total",
		Help: "Total number of spin iterations while waiting for a lock",
	})
	// LockReleaseFailures counts release deletes that failed and were left
	// to expire.
	LockReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_lock_release_failures_total",
		Help: "Total number of lock releases that failed",
	})
	// LockHold observes how long critical sections held a lock.
	LockHold = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_lock_hold_seconds",
		Help:    "Time spent holding a lock",
		Buckets: prometheus.DefBuckets,
	})
	// LockWait observes how long callers waited to acquire a lock.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: prometheus.DefBuckets,
	})

	// CacheHits counts cache-aside reads served from the store.
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_cache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"namespace"})
	// CacheMisses counts cache-aside reads that had to call the loader.
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_cache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"namespace"})
	// CacheLoads counts loader results written to the store.
	CacheLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_cache_loads_total",
		Help: "Total number of loaded values stored",
	}, []string{"namespace"})
	// CacheErrors counts store or codec failures seen by the cache.
	CacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_cache_errors_total",
		Help: "Total number of cache errors",
	}, []string{"namespace"})
	// CacheInvalidations counts deletes issued through the cache.
	CacheInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_cache_invalidations_total",
		Help: "Total number of cache invalidations",
	}, []string{"namespace"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register registers every latch collector on reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquired, LockTimeouts, LockSpins, LockReleaseFailures, LockHold, LockWait,
		CacheHits, CacheMisses, CacheLoads, CacheErrors, CacheInvalidations,
	)
}
