package authz

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// cacheTTL bounds staleness after policy mutations made by another node.
// Local mutations invalidate immediately.
const cacheTTL = 30 * time.Second

type cacheKey struct {
	domain  uuid.UUID
	subject string
}

type cacheEntry struct {
	policies []model.PolicyRule
	expires  time.Time
}

// policyCache is a small TTL map. Policy sets are tiny (tens of rows), so a
// plain mutex-guarded map is enough; no eviction beyond expiry is needed.
type policyCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

func newPolicyCache() *policyCache {
	return &policyCache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *policyCache) get(domain uuid.UUID, subject string) ([]model.PolicyRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey{domain, subject}]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.policies, true
}

func (c *policyCache) put(domain uuid.UUID, subject string, policies []model.PolicyRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{domain, subject}] = cacheEntry{
		policies: policies,
		expires:  time.Now().Add(cacheTTL),
	}
}

func (c *policyCache) invalidateDomain(domain uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.domain == domain {
			delete(c.entries, k)
		}
	}
}
