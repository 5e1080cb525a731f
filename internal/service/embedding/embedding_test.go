package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vecNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestNormalize(t *testing.T) {
	got := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(got[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(got[1]), 1e-6)

	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero)
}

func TestDeterministicProviderStable(t *testing.T) {
	p := NewDeterministicProvider(64)
	ctx := context.Background()

	a, err := p.Embed(ctx, "retry with backoff")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "retry with backoff")
	require.NoError(t, err)
	assert.Equal(t, a.Slice(), b.Slice(), "identical text must map to the identical vector")

	c, err := p.Embed(ctx, "completely different content")
	require.NoError(t, err)
	assert.NotEqual(t, a.Slice(), c.Slice())

	assert.InDelta(t, 1.0, vecNorm(a.Slice()), 1e-5, "vectors must be unit length")
}

func TestNoopProviderZeroVectors(t *testing.T) {
	p := NewNoopProvider(8)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, make([]float32, 8), vecs[0].Slice())
}

func TestOllamaProviderNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"embedding":[3,4]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 2)
	vec, err := p.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vecNorm(vec.Slice()), 1e-6)
}

func TestOllamaProviderBatchOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Encode the input length so order is observable.
		_, _ = w.Write([]byte(`{"embedding":[` + strconv.Itoa(len(req.Prompt)) + `,1]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "mxbai-embed-large", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "abc", "ab"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// Recover the encoded lengths from the normalized vectors.
	for i, want := range []float64{1, 3, 2} {
		s := vecs[i].Slice()
		assert.InDelta(t, want, float64(s[0]/s[1]), 1e-5, "batch item %d out of order", i)
	}
}

func TestOpenAIProviderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1]},
			{"index":0,"embedding":[1,0]}
		]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "key", "text-embedding-3-small", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1}, vecs[1].Slice())
}
