package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/firstaid/assistant/internal/api/handlers"
	"github.com/firstaid/assistant/internal/api/middleware"
	"github.com/firstaid/assistant/internal/backends"
	"github.com/firstaid/assistant/internal/confidence"
	"github.com/firstaid/assistant/internal/config"
	"github.com/firstaid/assistant/internal/embeddings"
	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/observability"
	"github.com/firstaid/assistant/internal/pipeline"
	"github.com/firstaid/assistant/internal/query"
	"github.com/firstaid/assistant/internal/repository"
	"github.com/firstaid/assistant/internal/retrieval"
	"github.com/firstaid/assistant/internal/service"
	"github.com/firstaid/assistant/internal/workers"
)

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	db             *pgxpool.Pool
	server         *http.Server
	river          *river.Client[pgx.Tx]
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	metrics        *observability.Metrics
}

const (
	riverQueueDepthInterval = 15 * time.Second
	retentionMaxWorkers     = 2
	retentionMaxAttempts    = 5

	retentionEnqueueMaxRetries     = 3
	retentionEnqueueInitialBackoff = 100 * time.Millisecond
	retentionEnqueueMaxBackoff     = 2 * time.Second
)

// setupMetrics creates the meter provider, the /metrics handler (prometheus only) and the assistant metrics.
// When NewMeterProvider returns nil (unsupported or disabled exporter), all results are nil (metrics disabled).
func setupMetrics(cfg *config.Config) (*sdkmetric.MeterProvider, http.Handler, *observability.Metrics, error) {
	mp, handler, err := observability.NewMeterProvider(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create meter provider: %w", err)
	}

	if mp == nil {
		return nil, nil, nil, nil
	}

	metrics, err := observability.NewMetrics(mp.Meter("firstaid"))
	if err != nil {
		err2 := observability.ShutdownMeterProvider(context.Background(), mp)
		if err2 != nil {
			slog.Error("shutdown meter provider after metrics error", "error", err2)
		}

		return nil, nil, nil, fmt.Errorf("create metrics: %w", err)
	}

	return mp, handler, metrics, nil
}

// policiesFromConfig builds the per-stage retry policies.
func policiesFromConfig(cfg *config.Config) pipeline.Policies {
	policy := func(timeout time.Duration) pipeline.StagePolicy {
		return pipeline.StagePolicy{
			Timeout:        timeout,
			MaxRetries:     cfg.StageMaxRetries,
			InitialBackoff: cfg.StageInitialBackoff,
			MaxBackoff:     cfg.StageMaxBackoff,
		}
	}

	return pipeline.Policies{
		Embedding:  policy(cfg.EmbeddingTimeout),
		Retrieval:  policy(cfg.RetrievalTimeout),
		Generation: policy(cfg.GenerationTimeout),
	}
}

// newPipeline wires the query processor, embedding generator, retriever, response generator and
// confidence scorer into the orchestrator.
func newPipeline(
	ctx context.Context, cfg *config.Config, db *pgxpool.Pool, metrics *observability.Metrics,
) (*pipeline.Pipeline, error) {
	var (
		cacheMetrics    observability.CacheMetrics
		pipelineMetrics observability.PipelineMetrics
	)

	if metrics != nil {
		cacheMetrics = metrics.Cache
		pipelineMetrics = metrics.Pipeline
	}

	embeddingBackend, err := backends.NewEmbeddingBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewGenerator(embeddings.GeneratorParams{
		Backend:          embeddingBackend,
		Model:            embeddingBackend.Model,
		CacheSize:        cfg.EmbeddingCacheSize,
		CacheLoadTimeout: cfg.EmbeddingTimeout,
		CacheMetrics:     cacheMetrics,
		Logger:           slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding generator: %w", err)
	}

	index, err := backends.NewIndex(cfg, db, slog.Default())
	if err != nil {
		return nil, err
	}

	generationBackend, err := backends.NewGenerationBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	generator, err := generation.NewGenerator(generation.GeneratorParams{
		Backend:         generationBackend,
		MaxPromptChunks: cfg.GenerationMaxPromptChunks,
		Logger:          slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("create response generator: %w", err)
	}

	slog.Info("pipeline configured",
		"embedding_provider", cfg.EmbeddingProvider,
		"embedding_model", embeddingBackend.Model,
		"vector_index", cfg.VectorIndex,
		"generation_provider", cfg.GenerationProvider,
	)

	pl, err := pipeline.New(pipeline.Params{
		Processor: query.NewProcessor(query.Options{
			MaxLength:        cfg.QueryMaxLength,
			ContextTurns:     cfg.QueryContextTurns,
			MaxVariants:      cfg.QueryMaxVariants,
			DisableExpansion: !cfg.QueryExpansionEnabled,
			Logger:           slog.Default(),
		}),
		Embedder:  embedder,
		Retriever: retrieval.NewRetriever(index, slog.Default()),
		Generator: generator,
		Scorer:    confidence.Scorer{},
		Policies:  policiesFromConfig(cfg),
		Metrics:   pipelineMetrics,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	return pl, nil
}

// migrateRiver creates or upgrades the River job tables.
func migrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create River migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate River: %w", err)
	}

	if len(res.Versions) > 0 {
		slog.Info("River migrations applied", "count", len(res.Versions))
	}

	return nil
}

// newConversationService wires persistence, the retention worker and its River client.
func newConversationService(
	ctx context.Context, cfg *config.Config, db *pgxpool.Pool, metrics *observability.Metrics,
) (*service.ConversationService, *river.Client[pgx.Tx], error) {
	var conversationMetrics observability.ConversationMetrics
	if metrics != nil {
		conversationMetrics = metrics.Conversations
	}

	if err := migrateRiver(ctx, db); err != nil {
		return nil, nil, err
	}

	conversationsRepo := repository.NewConversationsRepository(db)

	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, workers.NewConversationRetentionWorker(conversationsRepo, conversationMetrics))

	riverClient, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			service.RetentionQueueName: {MaxWorkers: retentionMaxWorkers},
		},
		Workers:      riverWorkers,
		ErrorHandler: &workers.ErrorHandler{},
		MaxAttempts:  retentionMaxAttempts,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create River client: %w", err)
	}

	conversationService := service.NewConversationService(service.ConversationServiceParams{
		Store:            conversationsRepo,
		Inserter:         service.NewRetryingRetentionInserter(riverClient, service.RetryingInserterConfig{
			MaxRetries:     retentionEnqueueMaxRetries,
			InitialBackoff: retentionEnqueueInitialBackoff,
			MaxBackoff:     retentionEnqueueMaxBackoff,
		}),
		MaxConversations: cfg.ConversationMaxPerUser,
		Metrics:          conversationMetrics,
		Logger:           slog.Default(),
	})

	return conversationService, riverClient, nil
}

// NewApp builds and wires all components. db may be nil, in which case conversations are not persisted.
// It does not start the HTTP server or River; call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (*App, error) {
	var (
		err            error
		meterProvider  *sdkmetric.MeterProvider
		metricsHandler http.Handler
		metrics        *observability.Metrics
	)

	if cfg.OtelMetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		meterProvider, metricsHandler, metrics, err = setupMetrics(cfg)
		if err != nil {
			return nil, err
		}
	}

	var tracerProvider *sdktrace.TracerProvider

	if cfg.OtelTracesExporter == "" {
		slog.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		tracerProvider, err = observability.NewTracerProvider(cfg)
		if err != nil {
			if err2 := observability.ShutdownMeterProvider(context.Background(), meterProvider); err2 != nil {
				slog.Error("shutdown meter provider after tracer provider error", "error", err2)
			}

			return nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}

	// Install TraceContextHandler unconditionally so request_id (and trace_id/span_id when tracing is on) appear in logs.
	defaultHandler := slog.Default().Handler()
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(defaultHandler)))

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
	}

	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	app := &App{
		cfg:            cfg,
		db:             db,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		metrics:        metrics,
	}

	pl, err := newPipeline(ctx, cfg, db, metrics)
	if err != nil {
		app.shutdownObservabilityAfterError("pipeline")

		return nil, err
	}

	var conversationService *service.ConversationService

	if db != nil {
		conversationService, app.river, err = newConversationService(ctx, cfg, db, metrics)
		if err != nil {
			app.shutdownObservabilityAfterError("conversation service")

			return nil, err
		}
	} else {
		slog.Warn("conversation persistence disabled (DATABASE_URL unset); every caller is a guest")
	}

	queryService := service.NewQueryService(service.QueryServiceParams{
		Pipeline:      pl,
		Conversations: conversationService,
		HistoryTurns:  cfg.QueryContextTurns,
		Logger:        slog.Default(),
	})

	var (
		apiMetrics observability.APIMetrics
		pinger     handlers.Pinger
	)

	if metrics != nil {
		apiMetrics = metrics.API
	}

	if db != nil {
		pinger = db
	}

	routes := routes{
		health:         handlers.NewHealthHandler(pinger),
		query:          handlers.NewQueryHandler(queryService),
		metricsHandler: metricsHandler,
	}

	if conversationService != nil {
		routes.conversations = handlers.NewConversationsHandler(conversationService)
	}

	app.server = newHTTPServer(cfg, routes, apiMetrics, meterProvider, tracerProvider)

	return app, nil
}

func (a *App) shutdownObservabilityAfterError(component string) {
	if err := shutdownObservability(context.Background(), a.tracerProvider, a.meterProvider); err != nil {
		slog.Error("shutdown observability after error", "component", component, "error", err)
	}
}

// routes groups the handlers served by the HTTP server. Nil handlers are not registered.
type routes struct {
	health         *handlers.HealthHandler
	query          *handlers.QueryHandler
	conversations  *handlers.ConversationsHandler
	metricsHandler http.Handler
}

// newHTTPServer builds the HTTP server. /health and /metrics are public, /v1/query accepts guests,
// and conversation routes require a bearer token.
// Handler chain: RequestID -> otelhttp -> Logging -> MaxBody -> mux, so access logs get trace_id/span_id.
func newHTTPServer(
	cfg *config.Config,
	r routes,
	apiMetrics observability.APIMetrics,
	meterProvider *sdkmetric.MeterProvider,
	tracerProvider *sdktrace.TracerProvider,
) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", r.health.Check)

	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}

	var authFailures middleware.AuthFailureRecorder
	if apiMetrics != nil {
		authFailures = apiMetrics
	}

	var queryHandler http.Handler = http.HandlerFunc(r.query.Ask)

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET unset: bearer tokens are not verified and every caller is a guest")
	} else {
		auth := middleware.NewAuthenticator(cfg.JWTSecret, authFailures)
		queryHandler = auth.Optional(queryHandler)

		// Conversations exist only with a database; without one there is nothing to list.
		if r.conversations != nil {
			mux.Handle("GET /v1/conversations", auth.Required(http.HandlerFunc(r.conversations.List)))
			mux.Handle("GET /v1/conversations/{id}/turns", auth.Required(http.HandlerFunc(r.conversations.Turns)))
			mux.Handle("PATCH /v1/conversations/{id}", auth.Required(http.HandlerFunc(r.conversations.Rename)))
			mux.Handle("DELETE /v1/conversations/{id}", auth.Required(http.HandlerFunc(r.conversations.Delete)))
		}
	}

	mux.Handle("POST /v1/query", queryHandler)

	otelOpts := []otelhttp.Option{
		// Skip tracing and HTTP metrics for health checks and scrapes to reduce noise.
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/health" && req.URL.Path != "/metrics"
		}),
	}
	if meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(meterProvider))
	}

	if tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tracerProvider))
	}

	var bodyTooLarge middleware.RequestBodyTooLargeRecorder
	if apiMetrics != nil {
		bodyTooLarge = apiMetrics
	}

	inner := middleware.Logging(middleware.MaxBody(cfg.MaxRequestBodyBytes, bodyTooLarge)(mux))
	handler := otelhttp.NewHandler(inner, "firstaid-api", otelOpts...)
	handler = middleware.RequestID(handler)

	const (
		readTimeout = 15 * time.Second
		idleTimeout = 60 * time.Second
		// Generation may retry; leave room for the full stage budget.
		writeTimeout = 120 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run starts the HTTP server and River (when configured), then blocks until ctx is cancelled
// or a component fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	riverCtx, cancelRiver := context.WithCancel(ctx)
	defer cancelRiver()

	if a.river != nil {
		if a.metrics != nil && a.metrics.Conversations != nil {
			go runRiverQueueDepthPoller(riverCtx, a.db, a.metrics.Conversations)
		}

		go func() {
			if err := a.river.Start(riverCtx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case runErr <- fmt.Errorf("river: %w", err):
				default:
				}
			}
		}()
	}

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case runErr <- fmt.Errorf("server: %w", err):
			default:
			}
		}
	}()

	select {
	case err := <-runErr:
		cancelRiver()

		return err
	case <-ctx.Done():
		cancelRiver()

		return nil
	}
}

// runRiverQueueDepthPoller periodically updates the retention queue depth gauge.
func runRiverQueueDepthPoller(ctx context.Context, db *pgxpool.Pool, metrics observability.ConversationMetrics) {
	ticker := time.NewTicker(riverQueueDepthInterval)
	defer ticker.Stop()

	update := func() {
		var count int

		err := db.QueryRow(ctx,
			`SELECT COUNT(*) FROM river_job WHERE queue = $1 AND state IN ($2, $3, $4)`,
			service.RetentionQueueName,
			rivertype.JobStateAvailable, rivertype.JobStateRetryable, rivertype.JobStateScheduled,
		).Scan(&count)
		if err != nil {
			slog.WarnContext(ctx, "river queue depth poll failed", "error", err)

			return
		}

		metrics.SetRiverQueueDepth(count)
	}

	update()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// shutdownObservability shuts down tracer and meter providers. Logs secondary errors, returns the first.
func shutdownObservability(ctx context.Context, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) error {
	var first error

	if tracer != nil {
		if err := observability.ShutdownTracerProvider(ctx, tracer); err != nil {
			first = err
		}
	}

	if meter != nil {
		if err := observability.ShutdownMeterProvider(ctx, meter); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	return first
}

// Shutdown stops the server and River in order. Call after Run returns.
// Observability is shut down once via defer; its error is returned only when server and River shut down successfully.
func (a *App) Shutdown(ctx context.Context) (err error) {
	defer func() {
		obsErr := shutdownObservability(ctx, a.tracerProvider, a.meterProvider)
		if err == nil {
			err = obsErr
		} else if obsErr != nil {
			slog.Error("shutdown observability", "error", obsErr)
		}
	}()

	if err = a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if a.river != nil {
			if stopErr := a.river.Stop(ctx); stopErr != nil {
				slog.Error("river stop during server shutdown", "error", stopErr)
			}
		}

		return fmt.Errorf("server shutdown: %w", err)
	}

	if a.river != nil {
		if err = a.river.Stop(ctx); err != nil {
			return fmt.Errorf("river stop: %w", err)
		}
	}

	return nil
}
