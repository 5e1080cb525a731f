// Package hivemind is the public API for embedding the HiveMind knowledge
// commons server.
//
// Library consumers import this package to construct and extend the server
// without forking it:
//
//	app, err := hivemind.New(
//	    hivemind.WithVersion(version),
//	    hivemind.WithLogger(logger),
//	    hivemind.WithPIIAnalyzer(myPresidioClient{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hivemind (root) imports
// internal/*, but internal/* never imports hivemind (root). Public extension
// interfaces (EmbeddingProvider, PIIAnalyzer, etc.) are standalone types with
// no internal imports; the adapters between them and the internal contracts
// live here because this is the only file that sees both sides of the
// boundary.
package hivemind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/hivemind-dev/hivemind/internal/auth"
	"github.com/hivemind-dev/hivemind/internal/authz"
	"github.com/hivemind-dev/hivemind/internal/config"
	"github.com/hivemind-dev/hivemind/internal/conflict"
	"github.com/hivemind-dev/hivemind/internal/dedup"
	"github.com/hivemind-dev/hivemind/internal/llm"
	"github.com/hivemind-dev/hivemind/internal/mcp"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/pii"
	"github.com/hivemind-dev/hivemind/internal/pipeline"
	"github.com/hivemind-dev/hivemind/internal/quality"
	"github.com/hivemind-dev/hivemind/internal/ratelimit"
	"github.com/hivemind-dev/hivemind/internal/scan"
	"github.com/hivemind-dev/hivemind/internal/scheduler"
	"github.com/hivemind-dev/hivemind/internal/search"
	"github.com/hivemind-dev/hivemind/internal/server"
	"github.com/hivemind-dev/hivemind/internal/service/embedding"
	"github.com/hivemind-dev/hivemind/internal/service/knowledge"
	"github.com/hivemind-dev/hivemind/internal/signals"
	"github.com/hivemind-dev/hivemind/internal/storage"
	"github.com/hivemind-dev/hivemind/internal/telemetry"
	"github.com/hivemind-dev/hivemind/internal/webhook"
	"github.com/hivemind-dev/hivemind/migrations"
)

// defaultConfidence is assumed when a contributor omits the confidence prior.
const defaultConfidence = 0.8

// Webhook dispatcher polling cadence. Deliveries are enqueued transactionally
// with the write that caused them, so a short poll keeps fan-out latency low
// without a notify channel.
const (
	webhookPollInterval = 2 * time.Second
	webhookBatchSize    = 16
)

// shutdownPhaseTimeout bounds each graceful-shutdown phase independently, so
// an early phase finishing fast doesn't steal budget from later ones.
const shutdownPhaseTimeout = 10 * time.Second

// App is the HiveMind server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	sched        *scheduler.Scheduler
	dispatcher   *webhook.Dispatcher
	recorder     *signals.Recorder
	rlStore      ratelimit.Store
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the HiveMind server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections. Call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hivemind starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(cause error) (*App, error) {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, cause
	}

	// Run embedded migrations, then any extra filesystems.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Verify critical tables exist after migration. If the pgvector extension
	// failed to create, the knowledge_items migration fails and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'knowledge_items')`,
	).Scan(&schemaOK); err != nil {
		return fail(fmt.Errorf("schema verification: %w", err))
	}
	if !schemaOK {
		return fail(fmt.Errorf("critical table 'knowledge_items' does not exist after migration: check that the pgvector extension is installed"))
	}

	// JWT manager and authenticator.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	authn := auth.NewAuthenticator(jwtMgr, db, logger)

	// Embedding provider. An external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Rate counter store: external override, then Redis, then in-process.
	var rlStore ratelimit.Store
	switch {
	case o.rateLimitStore != nil:
		rlStore = o.rateLimitStore
		logger.Info("rate limit store: external")
	case cfg.RedisAddr != "":
		rlStore, err = ratelimit.NewRedisStore(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		logger.Info("rate limit store: redis", "addr", cfg.RedisAddr)
	default:
		rlStore = ratelimit.NewMemoryStore()
		logger.Info("rate limit store: memory (single-node only)")
	}
	limiter := ratelimit.NewLimiter(rlStore, cfg.Tiers, logger)
	burst := ratelimit.NewBurstDetector(rlStore, cfg.BurstThreshold, cfg.BurstWindow, logger)

	// Ingestion screens.
	var classifier scan.Classifier = scan.NewPatternClassifier()
	if o.injectionClassifier != nil {
		classifier = o.injectionClassifier
	}
	scanner := scan.NewScanner(classifier, cfg.InjectionThreshold, logger)

	var analyzer pii.Analyzer = pii.NewPatternAnalyzer()
	if o.piiAnalyzer != nil {
		analyzer = &piiAnalyzerAdapter{a: o.piiAnalyzer}
	}
	redactor := pii.NewRedactor(analyzer, cfg.PIIMinVerbatimLen, cfg.PIIRedactionRatioMax)

	// LLM completion client. Nil disables dedup confirmation, conflict
	// classification (everything resolves to ADD), and summary generation.
	var llmClient llm.Client
	switch {
	case o.llmClient != nil:
		llmClient = o.llmClient
		logger.Info("llm: external client")
	case cfg.LLMURL != "":
		llmClient = llm.NewOllamaClient(cfg.LLMURL, cfg.LLMModel, cfg.LLMTimeout)
		logger.Info("llm: ollama", "url", cfg.LLMURL, "model", cfg.LLMModel)
	default:
		logger.Info("llm: disabled (no HIVEMIND_LLM_URL)")
	}

	// Dedup pipeline. The MinHash index is in-process and rebuilt from
	// current items at startup.
	dedupIndex := dedup.NewIndex(cfg.MinHashNumPerm, cfg.MinHashThreshold)
	dedupPipe := dedup.NewPipeline(db, dedupIndex, llmClient, dedup.Config{
		CosineThreshold: cfg.CosineDedupThreshold,
		CosineTopK:      cfg.CosineDedupTopK,
		LLMEnabled:      llmClient != nil,
	}, logger)
	if n, err := dedupPipe.RebuildIndex(context.Background()); err != nil {
		logger.Warn("minhash index rebuild failed", "error", err)
	} else {
		logger.Info("minhash index rebuilt", "items", n)
	}

	resolver := conflict.NewResolver(llmClient, logger)
	engine := authz.NewEngine(db, logger)
	recorder := signals.NewRecorder(db, cfg.SignalBufferAge, logger)

	// Core knowledge service and its ingestion pipeline. The pipeline's
	// terminal stage calls back into the service, so the runner is installed
	// after construction.
	svc := knowledge.New(db, engine, limiter, embedder, dedupPipe, recorder, knowledge.Config{
		DefaultConfidence:   defaultConfidence,
		DefaultSearchLimit:  cfg.DefaultSearchLimit,
		MaxSearchLimit:      cfg.MaxSearchLimit,
		VectorCandidateTopK: cfg.VectorCandidateTopK,
		RRFK:                cfg.RRFK,
		QualityBoostBase:    cfg.QualityBoostBase,
		QualityBoostWeight:  cfg.QualityBoostWeight,
	}, logger)
	runner := pipeline.NewRunner(logger,
		pipeline.RateLimitStage(limiter),
		pipeline.InjectionStage(scanner),
		pipeline.BurstStage(burst),
		pipeline.PIIStage(redactor),
		pipeline.HashStage(),
		pipeline.EmbedStage(embedder),
		pipeline.DedupStage(dedupPipe),
		pipeline.ConflictStage(resolver, db, logger),
		pipeline.ApprovalStage(svc),
	)
	svc.UsePipeline(runner)

	// Optional Qdrant secondary index.
	var index search.Index
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantAddr != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.Config{
			URL:        cfg.QdrantAddr,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		index = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no HIVEMIND_QDRANT_ADDR)")
	}

	// Background workers: quality aggregation, nightly-style distillation,
	// and webhook fan-out.
	aggregator := quality.NewAggregator(db, cfg.QualityHalfLifeDays, cfg.Weights, logger)
	distiller := quality.NewDistiller(db, dedupPipe, llmClient, redactor, embedder, quality.DistillerConfig{
		PendingThreshold:    cfg.DistillPendingThreshold,
		ConflictThreshold:   cfg.DistillConflictThreshold,
		PairDistanceMax:     cfg.DistillPairDistanceMax,
		ClusterMinSize:      cfg.DistillClusterMinSize,
		PreScreenThreshold:  cfg.PreScreenQualityThreshold,
		SummaryQualityScore: cfg.SummaryQualityScore,
		Weights:             cfg.Weights,
	}, logger)
	sched := scheduler.New(logger,
		scheduler.Job{
			Name:     "quality_aggregation",
			Interval: cfg.QualityAggInterval,
			Run: func(ctx context.Context) error {
				n, err := aggregator.RunOnce(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Info("quality aggregation complete", "items_scored", n)
				}
				return nil
			},
		},
		scheduler.Job{
			Name:     "distillation",
			Interval: cfg.DistillationInterval,
			Run: func(ctx context.Context) error {
				stats, err := distiller.RunOnce(ctx)
				if err != nil {
					return err
				}
				if !stats.Skipped {
					logger.Info("distillation complete",
						"merged", stats.DuplicatesMerged,
						"contradictions", stats.Contradictions,
						"summaries", stats.SummariesGenerated,
						"pre_screened", stats.PreScreened,
						"low_quality_flagged", stats.LowQualityFlagged,
					)
				}
				return nil
			},
		},
	)
	dispatcher := webhook.NewDispatcher(db, webhook.Config{
		Timeout:      cfg.WebhookTimeout,
		MaxRetries:   cfg.WebhookRetries,
		RetryDelay:   cfg.WebhookRetryDelay,
		PollInterval: webhookPollInterval,
		BatchSize:    webhookBatchSize,
	}, logger)

	// MCP server, mounted at /mcp on the shared HTTP mux.
	mcpSrv := mcp.New(svc, logger, version)

	// HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Authenticator:       authn,
		KnowledgeSvc:        svc,
		Logger:              logger,
		Index:               index,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed the bootstrap admin identity.
	if err := seedAdmin(context.Background(), db, engine, cfg.AdminAPIKey, cfg.AdminPassword, logger); err != nil {
		return fail(fmt.Errorf("admin seed: %w", err))
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		sched:        sched,
		dispatcher:   dispatcher,
		recorder:     recorder,
		rlStore:      rlStore,
		qdrantIndex:  qdrantIndex,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.dispatcher.Start(ctx)
	a.recorder.Start(ctx)
	a.sched.Start(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) let in-progress scheduler jobs finish,
// (3) flush buffered retrieval signals to Postgres,
// (4) finish in-flight webhook deliveries.
// It then closes the Qdrant client, rate store, OTEL provider, and pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hivemind shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	schedCtx, schedCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	a.sched.Drain(schedCtx)
	schedCancel()

	sigCtx, sigCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	a.recorder.Drain(sigCtx)
	sigCancel()

	whCtx, whCancel := context.WithTimeout(ctx, shutdownPhaseTimeout)
	a.dispatcher.Drain(whCtx)
	whCancel()

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.rlStore.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("hivemind stopped")
	return nil
}

// seedAdmin ensures the HIVEMIND_ADMIN_API_KEY credential resolves to a real
// admin identity: a default org, an "admin" agent with wildcard policy, and
// an enterprise-tier key row. When HIVEMIND_ADMIN_PASSWORD is also set, the
// agent gets an Argon2id console password so operators can use the password
// grant on /auth/token. Idempotent: reruns find the key and return.
func seedAdmin(ctx context.Context, db *storage.DB, engine *authz.Engine, adminKey, adminPassword string, logger *slog.Logger) error {
	if adminKey == "" {
		logger.Info("admin seed: skipped (no HIVEMIND_ADMIN_API_KEY)")
		return nil
	}
	if !model.IsAPIKey(adminKey) {
		return fmt.Errorf("HIVEMIND_ADMIN_API_KEY must start with %q", "hm_")
	}

	keyHash := model.HashKey(adminKey)
	if _, err := db.ValidateAndMeterKey(ctx, keyHash); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lookup admin key: %w", err)
	}

	org, err := db.CreateOrganization(ctx, model.Organization{Name: "default"})
	if err != nil {
		return fmt.Errorf("create default org: %w", err)
	}
	admin := model.Agent{
		ID:          "admin",
		OrgID:       org.ID,
		DisplayName: "Bootstrap Admin",
	}
	if adminPassword != "" {
		hash, err := auth.HashPassword(adminPassword)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
		admin.PasswordHash = &hash
	}
	if _, err := db.CreateAgent(ctx, admin); err != nil {
		return fmt.Errorf("create admin agent: %w", err)
	}
	prefix := adminKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if _, err := db.CreateAPIKey(ctx, model.APIKey{
		KeyPrefix: prefix,
		KeyHash:   keyHash,
		OrgID:     org.ID,
		AgentID:   "admin",
		Tier:      model.TierEnterprise,
	}); err != nil {
		return fmt.Errorf("create admin key: %w", err)
	}
	if err := engine.GrantAdmin(ctx, org.ID, "admin"); err != nil {
		return fmt.Errorf("grant admin: %w", err)
	}
	if err := db.InsertAudit(ctx, &org.ID, "system", "admin.seed", "admin", nil); err != nil {
		logger.Warn("admin seed audit failed", "error", err)
	}

	logger.Info("admin seed: created bootstrap admin", "org_id", org.ID)
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "noop", or "auto" (default). Auto mode uses
// Ollama when reachable, else noop. With noop every item embeds to the zero
// vector and retrieval degrades to lexical ranking.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// embeddingAdapter bridges the public EmbeddingProvider ([]float32) to the
// internal contract (pgvector.Vector). Outputs are normalized here so the
// cosine thresholds downstream hold regardless of the external provider.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(embedding.Normalize(vec)), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(embedding.Normalize(v))
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// piiAnalyzerAdapter bridges the public PIIAnalyzer to the internal contract.
type piiAnalyzerAdapter struct {
	a PIIAnalyzer
}

func (ad *piiAnalyzerAdapter) Analyze(ctx context.Context, text string) ([]pii.Match, error) {
	matches, err := ad.a.Analyze(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make([]pii.Match, len(matches))
	for i, m := range matches {
		out[i] = pii.Match{Start: m.Start, End: m.End, Entity: m.Entity, Score: m.Score}
	}
	return out, nil
}
