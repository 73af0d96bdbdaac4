package cacheaside

import (
	"strings"
	"sync"
	"time"
)

// Policy maps cache namespaces to TTLs.
//
// A namespace is the group of a key, e.g. "/article/get". Lookups match the
// exact namespace first, then the longest registered namespace that is a path
// prefix of it, then fall back to the default. A zero TTL means the entry
// never expires.
type Policy struct {
	mu   sync.RWMutex
	def  time.Duration
	ttls map[string]time.Duration
}

// NewPolicy returns a Policy whose fallback TTL is def.
func NewPolicy(def time.Duration) *Policy {
	return &Policy{def: def, ttls: make(map[string]time.Duration)}
}

// Set registers ttl for namespace and returns p so calls can be chained.
func (p *Policy) Set(namespace string, ttl time.Duration) *Policy {
	p.mu.Lock()
	p.ttls[namespace] = ttl
	p.mu.Unlock()
	return p
}

// Default returns the fallback TTL.
func (p *Policy) Default() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def
}

// TTL resolves the TTL for namespace.
func (p *Policy) TTL(namespace string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ttl, ok := p.ttls[namespace]; ok {
		return ttl
	}
	best, ttl := -1, p.def
	for ns, d := range p.ttls {
		if len(ns) > best && pathPrefix(ns, namespace) {
			best, ttl = len(ns), d
		}
	}
	return ttl
}

// pathPrefix reports whether prefix covers namespace on a path boundary, so
// "/article" covers "/article/get" but not "/articles".
func pathPrefix(prefix, namespace string) bool {
	if prefix == "" || !strings.HasPrefix(namespace, prefix) {
		return false
	}
	if len(namespace) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return namespace[len(prefix)] == '/'
}
