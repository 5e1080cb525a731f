// Package embedding generates vector embeddings for knowledge content.
//
// All providers return unit-length vectors: the store indexes with cosine
// distance and the dedup thresholds assume normalized inputs, so
// normalization happens here rather than in every consumer.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Normalize scales a vector to unit length in place and returns it.
// Zero vectors pass through unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// NoopProvider returns zero vectors. Used when embeddings are disabled;
// search falls back to lexical ranking only.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}

// DeterministicProvider derives a stable pseudo-embedding from a content
// hash. It carries no semantics, but identical text always maps to the same
// unit vector, which is enough for local development and for exercising the
// vector plumbing in tests without a model server.
type DeterministicProvider struct {
	dims int
}

// NewDeterministicProvider creates a hash-based provider.
func NewDeterministicProvider(dims int) *DeterministicProvider {
	return &DeterministicProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *DeterministicProvider) Dimensions() int { return p.dims }

// Embed derives the vector from repeated hashing of the text.
func (p *DeterministicProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, p.dims)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for i := 0; i < p.dims; i++ {
		off := (i * 4) % len(block)
		if off == 0 && i > 0 {
			block = sha256.Sum256(block[:])
		}
		u := binary.BigEndian.Uint32(block[off : off+4])
		// Map to [-1, 1).
		vec[i] = float32(int64(u)-math.MaxInt32) / float32(math.MaxInt32)
	}
	return pgvector.NewVector(Normalize(vec)), nil
}

// EmbedBatch derives vectors for each text.
func (p *DeterministicProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
