package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"docqa/features/chat"
	"docqa/features/document"
	"docqa/features/job"
	"docqa/features/stats"
	"docqa/internal/answer"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/extract"
	"docqa/internal/grounding"
	"docqa/internal/ingest"
	"docqa/internal/middleware"
	"docqa/internal/retrieval"
	"docqa/internal/settings"
	"docqa/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	// ingestTimeout bounds one queued ingestion end to end.
	ingestTimeout = 30 * time.Minute
)

type App struct {
	Handler      http.Handler
	Documents    *document.Service
	Chat         *chat.Service
	Orchestrator *ingest.Orchestrator

	cfg  *config.Config
	pool *worker.PoolDispatcher
}

func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	if deps == nil || deps.DB == nil {
		return nil, errors.New("app: database dependency missing")
	}
	db := deps.DB

	// Feature: Settings
	settingsService := settings.NewService(settings.NewPostgresRepo(db), settings.Settings{
		SearchTopK:       cfg.RetrievalTopK,
		MinScore:         cfg.RetrievalMinScore,
		GateMinSources:   cfg.GateMinSources,
		GateMinMeanScore: cfg.GateMinMeanScore,
	})
	settingsHandler := settings.NewHandler(settingsService)

	embedClient, err := embedding.NewClient(deps.Embeddings, embedding.Config{
		BatchSize:      cfg.EmbeddingBatchSize,
		BatchDelay:     cfg.EmbeddingBatchDelay(),
		MaxRetries:     cfg.EmbeddingMaxRetries,
		Timeout:        cfg.EmbeddingTimeout(),
		QueryCacheSize: cfg.EmbeddingCacheSize,
	})
	if err != nil {
		return nil, err
	}

	// Feature: Job
	docRepo := document.NewPostgresRepo(db)
	jobRepo := job.NewPostgresRepo(db)
	retrier := &documentRetrier{}
	jobService := job.NewService(jobRepo, retrier)
	jobHandler := job.NewHandler(jobService)

	// Ingestion
	orchestrator := ingest.NewOrchestrator(deps.Blobs, extract.New(), embedClient, deps.VectorStore, docRepo, jobService, ingest.Config{
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		EmbedBatchSize: cfg.EmbeddingBatchSize,
		ExtractTimeout: cfg.ExtractTimeout(),
		UpsertTimeout:  cfg.UpsertTimeout(),
	})

	a := &App{cfg: cfg, Orchestrator: orchestrator}

	var dispatcher document.Dispatcher
	switch cfg.IngestDispatch {
	case config.DispatchNSQ:
		if deps.Publisher == nil {
			return nil, errors.New("app: nsq dispatch needs a task publisher")
		}
		dispatcher = worker.NewQueueDispatcher(deps.Publisher, config.TopicIngestDocument)
	default:
		a.pool, err = worker.NewPoolDispatcher(max(cfg.IngestionConcurrency, 1), orchestrator)
		if err != nil {
			return nil, err
		}
		dispatcher = a.pool
	}

	// Feature: Document
	documentService := document.NewService(docRepo, deps.Blobs, deps.VectorStore, dispatcher, cfg.MaxUploadBytes())
	documentHandler := document.NewHandler(documentService)
	retrier.docs = documentService
	a.Documents = documentService

	// Feature: Stats
	statsHandler := stats.NewHandler(docRepo, jobRepo, deps.VectorStore)

	// Feature: Retrieval & Chat
	queryLogger := retrieval.NewQueryLogger(os.Stdout)
	if cfg.QueryLogPath != "" {
		if fl, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath); err != nil {
			slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		} else {
			queryLogger = fl
		}
	}
	retrievalService := retrieval.NewService(embedClient, deps.VectorStore, settingsService, settingsService.Defaults(), queryLogger)

	composerCfg := answer.DefaultConfig()
	if cfg.ChatTemperature > 0 {
		composerCfg.Temperature = cfg.ChatTemperature
	}
	if cfg.ChatMaxOutputTokens > 0 {
		composerCfg.MaxOutputTokens = cfg.ChatMaxOutputTokens
	}
	if cfg.ChatTimeoutSeconds > 0 {
		composerCfg.Timeout = cfg.ChatTimeout()
	}
	composer := answer.NewComposer(deps.ChatModel, composerCfg)

	policy := grounding.DefaultPolicy()
	if cfg.GateMinSources > 0 {
		policy.MinSources = cfg.GateMinSources
	}
	policy.MinMeanScore = cfg.GateMinMeanScore
	chatService := chat.NewService(chat.NewPostgresRepo(db), retrievalService, composer, settingsService, policy)
	chatHandler := chat.NewHandler(chatService)
	a.Chat = chatService

	// Routes
	auth := middleware.NewAuthenticator(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, trusting the owner header")
	}
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(middleware.CORS(auth.Require(h))))
	}

	route("POST /documents", documentHandler.Upload)
	route("GET /documents", documentHandler.List)
	route("DELETE /documents", documentHandler.DeleteAll)
	route("GET /documents/{id}", documentHandler.Get)
	route("DELETE /documents/{id}", documentHandler.Delete)
	route("POST /documents/{id}/retry", documentHandler.Retry)

	route("POST /chat", chatHandler.Chat)
	route("GET /conversations", chatHandler.ListConversations)
	route("GET /conversations/{id}/messages", chatHandler.ListMessages)

	route("GET /settings", settingsHandler.GetSettings)
	route("PUT /settings", settingsHandler.UpdateSettings)

	route("GET /jobs/failed", jobHandler.List)
	route("POST /jobs/{id}/retry", jobHandler.Retry)

	route("GET /stats", statsHandler.GetStats)

	// Preflight never carries credentials.
	mux.Handle("OPTIONS /", middleware.CorrelationID(middleware.CORS(func(w http.ResponseWriter, r *http.Request) {})))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.Warn("failed to write health response", "error", err)
		}
	})

	a.Handler = mux
	return a, nil
}

// Run serves the API until ctx is cancelled, then drains in-process
// ingestion.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort, "dispatch", a.cfg.IngestDispatch)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if cerr := a.Close(); cerr != nil {
		slog.Error("ingest pool did not drain", "error", cerr)
	}
	return err
}

// Close waits for in-process ingestions to finish.
func (a *App) Close() error {
	if a.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.pool.Close(ctx)
}

// StartIngestConsumer subscribes the orchestrator to queued ingest tasks.
// Callers stop the returned consumer on shutdown.
func (a *App) StartIngestConsumer() (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = max(a.cfg.IngestionConcurrency, 1)

	consumer, err := nsq.NewConsumer(config.TopicIngestDocument, config.ChannelIngestWorker, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddConcurrentHandlers(worker.NewIngestConsumer(a.Orchestrator, ingestTimeout), nsqCfg.MaxInFlight)

	if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("failed to connect to NSQLookupd: %w", err)
	}
	slog.Info("NSQ ingest consumer connected", "topic", config.TopicIngestDocument, "channel", config.ChannelIngestWorker)
	return consumer, nil
}

// documentRetrier lets failed-job retries re-ingest through the document
// service.
type documentRetrier struct {
	docs *document.Service
}

func (r *documentRetrier) RetryDocument(ctx context.Context, ownerID, documentID string) (string, error) {
	doc, err := r.docs.Retry(ctx, ownerID, documentID)
	switch {
	case errors.Is(err, document.ErrNotRetryable):
		return "", fmt.Errorf("%w: %w", job.ErrNotRetryable, err)
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: document %s no longer exists", job.ErrNotRetryable, documentID)
	case err != nil:
		return "", err
	}
	return doc.ID, nil
}
