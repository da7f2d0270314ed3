package app

import (
	"context"

	"docqa/internal/vector"
)

// VectorStore is the chunk index surface the app wires into ingestion,
// retrieval, deletion and stats.
type VectorStore interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, records []vector.Record) ([]string, error)
	Query(ctx context.Context, q vector.Query) ([]vector.Match, error)
	DeleteByDocument(ctx context.Context, documentID, ownerID string) error
	DeleteByOwner(ctx context.Context, ownerID string) error
	CountChunks(ctx context.Context, ownerID string) (int, error)
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}
