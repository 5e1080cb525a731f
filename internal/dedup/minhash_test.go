package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureStable(t *testing.T) {
	h := newMinHasher(128)
	a := h.Sign("connection pool exhausted under load")
	b := h.Sign("connection pool exhausted under load")
	assert.Equal(t, a, b)
}

func TestSignatureCaseAndWhitespaceInsensitive(t *testing.T) {
	h := newMinHasher(128)
	a := h.Sign("Connection Pool  Exhausted")
	b := h.Sign("connection pool exhausted")
	assert.Equal(t, a, b, "tokenization lowercases and splits on whitespace")
}

func TestOptimalBandsCoverPermutations(t *testing.T) {
	b, r := optimalBands(0.95, 128)
	assert.Positive(t, b)
	assert.Positive(t, r)
	assert.LessOrEqual(t, b*r, 128)
	// A 0.95 threshold wants long rows so dissimilar pairs rarely collide.
	assert.GreaterOrEqual(t, r, 8)
}

func TestIndexFindsNearDuplicate(t *testing.T) {
	idx := NewIndex(128, 0.8)

	base := "postgres connection pool exhausted under load raise max conns to fifty " +
		"and retry idempotent writes with exponential backoff capped at thirty seconds"
	idx.Insert("item-1", base)
	idx.Insert("item-2", "use structured logging with request ids for every http handler in the gateway")

	// Same content with a punctuation-level edit.
	got := idx.Query(base + " now")
	require.Contains(t, got, "item-1")
	assert.NotContains(t, got, "item-2")
}

func TestIndexMissesDissimilarContent(t *testing.T) {
	idx := NewIndex(128, 0.8)
	idx.Insert("item-1", "rotate api keys every ninety days and store hashes only")

	got := idx.Query("the deploy failed because the migration lock was held by a stale pod")
	assert.Empty(t, got)
}

func TestIndexReinsertNoop(t *testing.T) {
	idx := NewIndex(128, 0.8)
	idx.Insert("item-1", "some content here")
	idx.Insert("item-1", "some content here")
	assert.Equal(t, 1, idx.Len())

	got := idx.Query("some content here")
	assert.Equal(t, []string{"item-1"}, got, "reinsert must not duplicate bucket entries")
}

func TestIndexRemove(t *testing.T) {
	idx := NewIndex(128, 0.8)
	content := "expired items leave the index so they stop matching new contributions"
	idx.Insert("item-1", content)
	require.NotEmpty(t, idx.Query(content))

	idx.Remove("item-1")
	assert.Empty(t, idx.Query(content))
	assert.Zero(t, idx.Len())

	// Removing twice is safe.
	idx.Remove("item-1")
}
