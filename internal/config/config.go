package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	DispatchPool = "pool"
	DispatchNSQ  = "nsq"

	BlobDisk = "disk"
	BlobS3   = "s3"
)

type Config struct {
	DBHost        string `envconfig:"DB_HOST" default:"postgres"`
	DBPort        int    `envconfig:"DB_PORT" default:"5432"`
	DBUser        string `envconfig:"DB_USER" default:"docqa"`
	DBPass        string `envconfig:"DB_PASS" default:"password"`
	DBName        string `envconfig:"DB_NAME" default:"docqa"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	WeaviateHost       string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme     string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	WeaviateClass      string `envconfig:"WEAVIATE_CLASS" default:"DocumentChunk"`
	EmbeddingDimension int    `envconfig:"EMBEDDING_DIMENSION" default:"3072"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Process roles
	EnableAPI            bool   `envconfig:"ENABLE_API" default:"true"`
	EnableIngestWorker   bool   `envconfig:"ENABLE_INGEST_WORKER" default:"true"`
	IngestDispatch       string `envconfig:"INGEST_DISPATCH" default:"pool"`
	IngestionConcurrency int    `envconfig:"INGESTION_CONCURRENCY" default:"8"`

	// Gemini
	GeminiAPIKey          string  `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel        string  `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingBatchSize    int     `envconfig:"EMBEDDING_BATCH_SIZE" default:"100"`
	EmbeddingBatchDelayMS int     `envconfig:"EMBEDDING_BATCH_DELAY_MS" default:"200"`
	EmbeddingMaxRetries   int     `envconfig:"EMBEDDING_MAX_RETRIES" default:"3"`
	EmbeddingTimeoutSecs  int     `envconfig:"EMBEDDING_TIMEOUT_SECONDS" default:"30"`
	EmbeddingCacheSize    int     `envconfig:"EMBEDDING_CACHE_SIZE" default:"1024"`
	ChatModel             string  `envconfig:"CHAT_MODEL" default:"gemini-2.0-flash"`
	ChatTemperature       float32 `envconfig:"CHAT_TEMPERATURE" default:"0.1"`
	ChatMaxOutputTokens   int32   `envconfig:"CHAT_MAX_OUTPUT_TOKENS" default:"1024"`
	ChatTimeoutSeconds    int     `envconfig:"CHAT_TIMEOUT_SECONDS" default:"60"`

	// Pipeline
	ChunkSize             int     `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap          int     `envconfig:"CHUNK_OVERLAP" default:"200"`
	RetrievalTopK         int     `envconfig:"RETRIEVAL_TOP_K" default:"5"`
	RetrievalMinScore     float64 `envconfig:"RETRIEVAL_MIN_SCORE" default:"0.7"`
	GateMinSources        int     `envconfig:"GATE_MIN_SOURCES" default:"2"`
	GateMinMeanScore      float64 `envconfig:"GATE_MIN_MEAN_SCORE" default:"0.7"`
	ExtractTimeoutSeconds int     `envconfig:"EXTRACT_TIMEOUT_SECONDS" default:"120"`
	UpsertTimeoutSeconds  int     `envconfig:"UPSERT_TIMEOUT_SECONDS" default:"120"`

	// Blob storage
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"10"`
	BlobBackend     string `envconfig:"BLOB_BACKEND" default:"disk"`
	UploadDir       string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	S3Bucket        string `envconfig:"S3_BUCKET"`
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint      string `envconfig:"S3_ENDPOINT"`

	// Server
	JWTSecret    string `envconfig:"JWT_SECRET"`
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win; .env files only fill the gaps.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.IngestDispatch != DispatchPool && c.IngestDispatch != DispatchNSQ {
		return fmt.Errorf("%w: INGEST_DISPATCH must be %q or %q, got %q", ErrInvalid, DispatchPool, DispatchNSQ, c.IngestDispatch)
	}
	if c.BlobBackend != BlobDisk && c.BlobBackend != BlobS3 {
		return fmt.Errorf("%w: BLOB_BACKEND must be %q or %q, got %q", ErrInvalid, BlobDisk, BlobS3, c.BlobBackend)
	}
	if c.BlobBackend == BlobS3 && c.S3Bucket == "" {
		return fmt.Errorf("%w: S3_BUCKET", ErrMissingRequired)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalid)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("%w: RETRIEVAL_TOP_K must be positive", ErrInvalid)
	}
	if c.RetrievalMinScore < 0 || c.RetrievalMinScore > 1 {
		return fmt.Errorf("%w: RETRIEVAL_MIN_SCORE must be in [0, 1]", ErrInvalid)
	}
	if c.GateMinMeanScore < 0 || c.GateMinMeanScore > 1 {
		return fmt.Errorf("%w: GATE_MIN_MEAN_SCORE must be in [0, 1]", ErrInvalid)
	}
	if c.IngestionConcurrency <= 0 {
		return fmt.Errorf("%w: INGESTION_CONCURRENCY must be positive", ErrInvalid)
	}
	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("%w: MAX_UPLOAD_SIZE_MB must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

func (c *Config) MaxUploadBytes() int64 { return c.MaxUploadSizeMB << 20 }

func (c *Config) EmbeddingBatchDelay() time.Duration {
	return time.Duration(c.EmbeddingBatchDelayMS) * time.Millisecond
}

func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutSecs) * time.Second
}

func (c *Config) ChatTimeout() time.Duration {
	return time.Duration(c.ChatTimeoutSeconds) * time.Second
}

func (c *Config) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSeconds) * time.Second
}

func (c *Config) UpsertTimeout() time.Duration {
	return time.Duration(c.UpsertTimeoutSeconds) * time.Second
}

func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}
