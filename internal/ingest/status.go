// Package ingest runs one document through extraction, chunking, embedding,
// indexing and chunk persistence, and records the document's terminal state.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	KindProgress   = "progress"
	KindFailure    = "failure"
	KindCompletion = "completion"
)

// Task is the unit of work handed to a dispatcher. It is also the payload
// stored on failed-job records.
type Task struct {
	DocumentID    string `json:"document_id"`
	OwnerID       string `json:"owner_id"`
	Filename      string `json:"filename"`
	MediaType     string `json:"media_type"`
	BlobKey       string `json:"blob_key"`
	SizeBytes     int64  `json:"size_bytes"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (t Task) Validate() error {
	if t.DocumentID == "" || t.OwnerID == "" || t.BlobKey == "" {
		return fmt.Errorf("ingest task missing required fields (document_id=%q owner_id=%q blob_key=%q)", t.DocumentID, t.OwnerID, t.BlobKey)
	}
	return nil
}

type Progress struct {
	Step    string `json:"step"`
	Percent int    `json:"percent"`
}

type FailureInfo struct {
	Reason         string    `json:"reason"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failedAt"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
}

type CompletionInfo struct {
	WordCount      int     `json:"wordCount"`
	PageCount      int     `json:"pageCount"`
	TotalChunks    int     `json:"totalChunks"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// Metadata is the document metadata column. Exactly one of the payload
// fields is set, selected by Kind.
type Metadata struct {
	Kind       string          `json:"kind"`
	Progress   *Progress       `json:"progress,omitempty"`
	Failure    *FailureInfo    `json:"failure,omitempty"`
	Completion *CompletionInfo `json:"completion,omitempty"`
}

func ProgressMetadata(p Progress) Metadata { return Metadata{Kind: KindProgress, Progress: &p} }
func FailureMetadata(f FailureInfo) Metadata { return Metadata{Kind: KindFailure, Failure: &f} }
func CompletionMetadata(c CompletionInfo) Metadata { return Metadata{Kind: KindCompletion, Completion: &c} }

// ParseMetadata decodes the stored column. An empty column is valid and
// yields the zero Metadata.
func ParseMetadata(raw []byte) (Metadata, error) {
	var m Metadata
	if len(raw) == 0 || string(raw) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode document metadata: %w", err)
	}
	switch m.Kind {
	case "", KindProgress, KindFailure, KindCompletion:
		return m, nil
	default:
		return m, fmt.Errorf("unknown document metadata kind %q", m.Kind)
	}
}

// ChunkRecord is a persisted chunk row pointing at its vector.
type ChunkRecord struct {
	DocumentID  string `json:"document_id"`
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Filename    string `json:"filename"`
	VectorID    string `json:"vector_id"`
}
