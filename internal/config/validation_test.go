package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"docqa/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		DBHost:               "localhost",
		DBUser:               "user",
		DBName:               "db",
		IngestDispatch:       config.DispatchPool,
		IngestionConcurrency: 4,
		BlobBackend:          config.BlobDisk,
		ChunkSize:            1000,
		ChunkOverlap:         200,
		RetrievalTopK:        5,
		RetrievalMinScore:    0.7,
		GateMinMeanScore:     0.7,
		MaxUploadSizeMB:      10,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errIs  error
	}{
		{"Valid Config", func(c *config.Config) {}, nil},
		{"Missing DBHost", func(c *config.Config) { c.DBHost = "" }, config.ErrMissingRequired},
		{"Missing DBUser", func(c *config.Config) { c.DBUser = "" }, config.ErrMissingRequired},
		{"Missing DBName", func(c *config.Config) { c.DBName = "" }, config.ErrMissingRequired},
		{"Unknown Dispatch", func(c *config.Config) { c.IngestDispatch = "kafka" }, config.ErrInvalid},
		{"Unknown Blob Backend", func(c *config.Config) { c.BlobBackend = "ftp" }, config.ErrInvalid},
		{"S3 Without Bucket", func(c *config.Config) { c.BlobBackend = config.BlobS3 }, config.ErrMissingRequired},
		{"S3 With Bucket", func(c *config.Config) { c.BlobBackend = config.BlobS3; c.S3Bucket = "docs" }, nil},
		{"Overlap Too Large", func(c *config.Config) { c.ChunkOverlap = 1000 }, config.ErrInvalid},
		{"Negative Overlap", func(c *config.Config) { c.ChunkOverlap = -1 }, config.ErrInvalid},
		{"Zero TopK", func(c *config.Config) { c.RetrievalTopK = 0 }, config.ErrInvalid},
		{"MinScore Above One", func(c *config.Config) { c.RetrievalMinScore = 1.5 }, config.ErrInvalid},
		{"Gate Score Negative", func(c *config.Config) { c.GateMinMeanScore = -0.1 }, config.ErrInvalid},
		{"Zero Concurrency", func(c *config.Config) { c.IngestionConcurrency = 0 }, config.ErrInvalid},
		{"Zero Upload Size", func(c *config.Config) { c.MaxUploadSizeMB = 0 }, config.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errIs == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}
