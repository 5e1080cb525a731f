package authz

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hivemind-dev/hivemind/internal/model"
)

func TestPolicyCachePutGet(t *testing.T) {
	c := newPolicyCache()
	domain := uuid.New()
	policies := []model.PolicyRule{
		{Subject: "agent-1", Domain: domain, Object: model.ObjectNamespace(domain), Action: model.ActionRead},
	}

	c.put(domain, "agent-1", policies)

	got, ok := c.get(domain, "agent-1")
	assert.True(t, ok)
	assert.Equal(t, policies, got)
}

func TestPolicyCacheMiss(t *testing.T) {
	c := newPolicyCache()
	_, ok := c.get(uuid.New(), "agent-1")
	assert.False(t, ok)
}

func TestPolicyCacheExpiry(t *testing.T) {
	c := newPolicyCache()
	domain := uuid.New()
	c.put(domain, "agent-1", nil)

	// Force the entry past its TTL.
	c.mu.Lock()
	entry := c.entries[cacheKey{domain, "agent-1"}]
	entry.expires = time.Now().Add(-time.Second)
	c.entries[cacheKey{domain, "agent-1"}] = entry
	c.mu.Unlock()

	_, ok := c.get(domain, "agent-1")
	assert.False(t, ok)
}

func TestPolicyCacheInvalidateDomain(t *testing.T) {
	c := newPolicyCache()
	domainA := uuid.New()
	domainB := uuid.New()
	c.put(domainA, "agent-1", nil)
	c.put(domainB, "agent-1", nil)

	c.invalidateDomain(domainA)

	_, okA := c.get(domainA, "agent-1")
	_, okB := c.get(domainB, "agent-1")
	assert.False(t, okA)
	assert.True(t, okB)
}

func TestObjectHelpers(t *testing.T) {
	domain := uuid.New()
	id := uuid.New()
	assert.Equal(t, "namespace:"+domain.String(), model.ObjectNamespace(domain))
	assert.Equal(t, "category:bug_fix", model.ObjectCategory(model.CategoryBugFix))
	assert.Equal(t, "item:"+id.String(), model.ObjectItem(id))
}
