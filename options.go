package hivemind

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port                int
	databaseURL         string
	logger              *slog.Logger
	version             string
	embeddingProvider   EmbeddingProvider
	injectionClassifier InjectionClassifier
	piiAnalyzer         PIIAnalyzer
	llmClient           LLMClient
	rateLimitStore      RateLimitStore
	extraMigrations     []fs.FS
}

// WithPort overrides the TCP port from config (HIVEMIND_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (Ollama/noop).
// The provided implementation must satisfy the EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithInjectionClassifier replaces the built-in pattern-based injection
// classifier. Only the last call wins.
func WithInjectionClassifier(c InjectionClassifier) Option {
	return func(o *resolvedOptions) { o.injectionClassifier = c }
}

// WithPIIAnalyzer replaces the built-in pattern-based PII analyzer.
// Only the last call wins.
func WithPIIAnalyzer(a PIIAnalyzer) Option {
	return func(o *resolvedOptions) { o.piiAnalyzer = a }
}

// WithLLMClient replaces the Ollama completion client used for dedup
// confirmation, conflict resolution, and distillation summaries.
func WithLLMClient(c LLMClient) Option {
	return func(o *resolvedOptions) { o.llmClient = c }
}

// WithRateLimitStore replaces the Redis or in-memory rate counter store
// selected by config. The App takes ownership and closes it on shutdown.
func WithRateLimitStore(s RateLimitStore) Option {
	return func(o *resolvedOptions) { o.rateLimitStore = s }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
