package hivemind

import (
	"context"
	"time"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/noop provider. Uses []float32 (not pgvector.Vector) so external
// consumers don't inherit the pgvector dependency; New() wraps it in an
// adapter for internal use and normalizes the output to unit length.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// InjectionClassifier scores text for prompt-injection likelihood in [0,1].
// When provided via WithInjectionClassifier, replaces the built-in pattern
// classifier. Scores at or above the configured threshold reject the
// contribution.
type InjectionClassifier interface {
	Score(ctx context.Context, text string) (float64, error)
}

// PIIMatch is one detected PII span in analyzed text.
type PIIMatch struct {
	Start  int
	End    int
	Entity string
	Score  float64
}

// PIIAnalyzer detects PII spans for the redaction stage.
// When provided via WithPIIAnalyzer, replaces the built-in pattern analyzer
// (e.g. to call a Presidio sidecar). Implementations must tolerate re-entry:
// the verification pass runs on already-redacted text.
type PIIAnalyzer interface {
	Analyze(ctx context.Context, text string) ([]PIIMatch, error)
}

// LLMClient performs text completion for dedup confirmation, conflict
// resolution, and distillation summaries. When provided via WithLLMClient,
// replaces the Ollama client built from HIVEMIND_LLM_URL.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RateLimitStore holds the shared counters behind tier quotas and burst
// detection. When provided via WithRateLimitStore, replaces the Redis or
// in-memory store selected by config. Implementations must be safe for
// concurrent use.
type RateLimitStore interface {
	// IncrWindow atomically increments a fixed-window counter and returns
	// the new count. The counter resets when the window elapses.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// SlidingCount adds a member at the given time, drops members older
	// than the window, and returns the resulting cardinality.
	SlidingCount(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error)

	// Close releases store resources.
	Close() error
}
