package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"docqa/internal/adapter/gemini"
	wstore "docqa/internal/adapter/weaviate"
	"docqa/internal/answer"
	"docqa/internal/blob"
	"docqa/internal/config"
	"docqa/internal/embedding"
)

type Dependencies struct {
	DB          *sql.DB
	VectorStore VectorStore
	Blobs       blob.Store
	Embeddings  embedding.Provider
	ChatModel   answer.ChatModel
	// Publisher is only set when ingestion is dispatched over NSQ.
	Publisher TaskPublisher

	closers []func() error
}

// Close releases every connection Bootstrap opened, in reverse order.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func OpenDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := cfg.BootstrapRetryDelay()
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func Migrate(db *sql.DB, migrationPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied", "path", migrationPath)
	return nil
}

// Bootstrap connects to every backing service the configuration selects and
// applies pending migrations.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	if err := deps.connect(ctx, cfg); err != nil {
		if cerr := deps.Close(); cerr != nil {
			slog.Warn("failed to release partial bootstrap", "error", cerr)
		}
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) connect(ctx context.Context, cfg *config.Config) error {
	// Database
	db, err := OpenDB(cfg)
	if err != nil {
		return err
	}
	d.DB = db
	d.closers = append(d.closers, db.Close)

	if err := Migrate(db, cfg.MigrationPath); err != nil {
		return err
	}

	// Weaviate
	wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
	if err != nil {
		return fmt.Errorf("weaviate client error: %w", err)
	}
	vecStore := wstore.NewStore(wClient, wstore.Config{
		ClassName:     cfg.WeaviateClass,
		Dimension:     cfg.EmbeddingDimension,
		MaxRetries:    cfg.BootstrapRetryAttempts,
		RetryInterval: cfg.BootstrapRetryDelay(),
	})
	if err := EnsureSchemaWithRetry(ctx, vecStore, cfg.BootstrapRetryAttempts, cfg.BootstrapRetryDelay()); err != nil {
		return fmt.Errorf("weaviate schema error: %w", err)
	}
	d.VectorStore = vecStore

	// Blob storage
	switch cfg.BlobBackend {
	case config.BlobS3:
		d.Blobs, err = blob.NewS3Store(ctx, blob.S3Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
	default:
		d.Blobs, err = blob.NewDiskStore(cfg.UploadDir)
	}
	if err != nil {
		return fmt.Errorf("blob store error: %w", err)
	}

	// Gemini
	genaiClient, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, genaiClient.Close)
	d.Embeddings = gemini.NewEmbedder(genaiClient, cfg.EmbeddingModel)
	d.ChatModel = gemini.NewChatModel(genaiClient, cfg.ChatModel)

	// NSQ Producer
	if cfg.IngestDispatch == config.DispatchNSQ {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq producer error: %w", err)
		}
		d.Publisher = producer
		d.closers = append(d.closers, func() error { producer.Stop(); return nil })

		createTopics(cfg.NSQDHTTP)
	}

	return nil
}

// createTopics pre-creates the ingest topic so consumers looking it up through
// nsqlookupd do not 404 before the first publish.
func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		u := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		resp, err := http.Post(u, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicIngestDocument)
	}()
}

// EnsureSchemaWithRetry retries the vector schema check while Weaviate starts.
func EnsureSchemaWithRetry(ctx context.Context, store VectorStore, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		slog.Warn("failed to ensure weaviate schema, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
