// Package vector holds the vector index vocabulary shared by the retriever,
// the ingestion pipeline and the Weaviate adapter, plus schema management.
package vector

import "time"

// Record is one chunk embedding to be written to the index.
type Record struct {
	Vector     []float32
	Content    string
	OwnerID    string
	DocumentID string
	ChunkIndex int
	Filename   string
	MediaType  string
	CreatedAt  time.Time
}

// Query selects the nearest chunks of a single owner. DocumentIDs, when set,
// restricts matches to any of the given documents.
type Query struct {
	Vector      []float32
	OwnerID     string
	TopK        int
	MinScore    float64
	DocumentIDs []string
}

// Match is a scored hit. Score is cosine similarity in [0,1].
type Match struct {
	ID         string
	Score      float64
	Content    string
	OwnerID    string
	DocumentID string
	ChunkIndex int
	Filename   string
}
