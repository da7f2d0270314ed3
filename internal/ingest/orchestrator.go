package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"docqa/internal/apperr"
	"docqa/internal/extract"
	"docqa/internal/middleware"
	"docqa/internal/text"
	"docqa/internal/vector"
)

type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type Extractor interface {
	Extract(ctx context.Context, data []byte, mediaType string) (*extract.Result, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, batchSize int, onProgress func(done, total int)) ([][]float32, error)
}

type VectorWriter interface {
	Upsert(ctx context.Context, records []vector.Record) ([]string, error)
	DeleteByDocument(ctx context.Context, documentID, ownerID string) error
}

// DocumentStore owns the document row. Implementations must only touch rows
// still in StatusProcessing. Status returns "" for a missing document.
type DocumentStore interface {
	Status(ctx context.Context, documentID string) (string, error)
	UpdateProgress(ctx context.Context, documentID string, p Progress) error
	SaveChunks(ctx context.Context, documentID string, chunks []ChunkRecord) error
	MarkCompleted(ctx context.Context, documentID string, info CompletionInfo) error
	MarkFailed(ctx context.Context, documentID string, info FailureInfo) error
}

type FailureRecorder interface {
	RecordFailure(ctx context.Context, task Task, cause error) error
}

type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	EmbedBatchSize   int
	PersistBatchSize int
	ExtractTimeout   time.Duration
	UpsertTimeout    time.Duration
	StatusTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:        text.DefaultChunkSize,
		ChunkOverlap:     text.DefaultChunkOverlap,
		EmbedBatchSize:   100,
		PersistBatchSize: 200,
		ExtractTimeout:   2 * time.Minute,
		UpsertTimeout:    2 * time.Minute,
		StatusTimeout:    10 * time.Second,
	}
}

type Orchestrator struct {
	blobs     BlobReader
	extractor Extractor
	embedder  Embedder
	vectors   VectorWriter
	docs      DocumentStore
	failures  FailureRecorder
	cfg       Config
	now       func() time.Time
}

// NewOrchestrator wires the pipeline. failures may be nil.
func NewOrchestrator(blobs BlobReader, ex Extractor, emb Embedder, vw VectorWriter, docs DocumentStore, failures FailureRecorder, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.PersistBatchSize <= 0 {
		cfg.PersistBatchSize = def.PersistBatchSize
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = def.ExtractTimeout
	}
	if cfg.UpsertTimeout <= 0 {
		cfg.UpsertTimeout = def.UpsertTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = def.StatusTimeout
	}
	return &Orchestrator{
		blobs:     blobs,
		extractor: ex,
		embedder:  emb,
		vectors:   vw,
		docs:      docs,
		failures:  failures,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run ingests one document. It always leaves the document in a terminal state
// (best-effort) and returns the error that failed it, if any.
func (o *Orchestrator) Run(ctx context.Context, task Task) (err error) {
	ctx = taskContext(ctx, task)
	start := o.now()

	// Redelivered or duplicate tasks must not re-run a document that is
	// terminal or gone. A failed lookup falls through to a normal run.
	if status, err := o.docs.Status(ctx, task.DocumentID); err != nil {
		slog.WarnContext(ctx, "could not read document status", "document_id", task.DocumentID, "error", err)
	} else if status != StatusProcessing {
		slog.InfoContext(ctx, "skipping ingestion", "document_id", task.DocumentID, "status", status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "ingestion panicked", "document_id", task.DocumentID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("ingestion panic: %v", r)
		}
		if err != nil {
			o.fail(ctx, task, start, err)
		}
	}()

	slog.InfoContext(ctx, "ingestion started", "document_id", task.DocumentID, "filename", task.Filename, "media_type", task.MediaType, "size_bytes", task.SizeBytes)

	info, err := o.pipeline(ctx, task)
	if err != nil {
		return err
	}

	info.ElapsedSeconds = o.now().Sub(start).Seconds()
	sctx, cancel := o.statusContext(ctx)
	defer cancel()
	if err := o.docs.MarkCompleted(sctx, task.DocumentID, info); err != nil {
		return fmt.Errorf("%w: mark completed: %w", apperr.ErrPersistenceFailure, err)
	}
	if o.sweepIfDeleted(sctx, task) {
		return nil
	}

	slog.InfoContext(ctx, "ingestion completed", "document_id", task.DocumentID, "chunks", info.TotalChunks, "words", info.WordCount, "elapsed_seconds", info.ElapsedSeconds)
	return nil
}

// Abandon fails a task that will never be run, for example because the
// worker pool shut down before it was picked up.
func (o *Orchestrator) Abandon(ctx context.Context, task Task, cause error) {
	ctx = taskContext(ctx, task)
	o.fail(ctx, task, o.now(), cause)
}

func taskContext(ctx context.Context, task Task) context.Context {
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}
	return middleware.WithOwnerID(ctx, task.OwnerID)
}

func (o *Orchestrator) pipeline(ctx context.Context, task Task) (CompletionInfo, error) {
	var info CompletionInfo

	o.progress(ctx, task.DocumentID, "extracting", 10)
	res, err := o.extractStep(ctx, task)
	if err != nil {
		return info, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return info, fmt.Errorf("%w: no text extracted from %s", apperr.ErrEmptyDocument, task.Filename)
	}
	info.WordCount = res.WordCount
	info.PageCount = res.PageCount

	o.progress(ctx, task.DocumentID, "normalizing", 20)
	normalized := text.Normalize(res.Text)

	o.progress(ctx, task.DocumentID, "chunking", 30)
	chunks := text.Split(normalized, task.Filename, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return info, fmt.Errorf("%w: normalization left no content in %s", apperr.ErrEmptyDocument, task.Filename)
	}

	o.progress(ctx, task.DocumentID, "embedding", 35)
	contents := make([]string, len(chunks))
	for i, c := range chunks {
		contents[i] = c.Content
	}
	vecs, err := o.embedder.EmbedBatch(ctx, contents, o.cfg.EmbedBatchSize, func(done, total int) {
		o.progress(ctx, task.DocumentID, "embedding", 35+45*done/total)
	})
	if err != nil {
		return info, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return info, fmt.Errorf("%w: %d vectors for %d chunks", apperr.ErrEmbeddingCountMismatch, len(vecs), len(chunks))
	}

	o.progress(ctx, task.DocumentID, "indexing", 85)
	ids, err := o.upsertStep(ctx, task, chunks, vecs)
	if err != nil {
		return info, err
	}

	o.progress(ctx, task.DocumentID, "saving", 95)
	if err := o.persistStep(ctx, task, chunks, ids); err != nil {
		return info, err
	}

	info.TotalChunks = len(chunks)
	return info, nil
}

func (o *Orchestrator) extractStep(ctx context.Context, task Task) (*extract.Result, error) {
	ectx, cancel := context.WithTimeout(ctx, o.cfg.ExtractTimeout)
	defer cancel()

	data, err := o.blobs.Get(ectx, task.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", task.BlobKey, err)
	}
	res, err := o.extractor.Extract(ectx, data, task.MediaType)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) upsertStep(ctx context.Context, task Task, chunks []text.Chunk, vecs [][]float32) ([]string, error) {
	uctx, cancel := context.WithTimeout(ctx, o.cfg.UpsertTimeout)
	defer cancel()

	createdAt := o.now()
	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			Vector:     vecs[i],
			Content:    c.Content,
			OwnerID:    task.OwnerID,
			DocumentID: task.DocumentID,
			ChunkIndex: c.Index,
			Filename:   task.Filename,
			MediaType:  task.MediaType,
			CreatedAt:  createdAt,
		}
	}

	ids, err := o.vectors.Upsert(uctx, records)
	if err != nil {
		if !errors.Is(err, apperr.ErrVectorStoreFailure) {
			err = fmt.Errorf("%w: %w", apperr.ErrVectorStoreFailure, err)
		}
		return nil, err
	}
	if len(ids) != len(records) {
		return nil, fmt.Errorf("%w: %d ids for %d records", apperr.ErrVectorStoreFailure, len(ids), len(records))
	}
	return ids, nil
}

func (o *Orchestrator) persistStep(ctx context.Context, task Task, chunks []text.Chunk, ids []string) error {
	for start := 0; start < len(chunks); start += o.cfg.PersistBatchSize {
		end := min(start+o.cfg.PersistBatchSize, len(chunks))
		batch := make([]ChunkRecord, 0, end-start)
		for i := start; i < end; i++ {
			c := chunks[i]
			batch = append(batch, ChunkRecord{
				DocumentID:  task.DocumentID,
				ChunkIndex:  c.Index,
				Content:     c.Content,
				StartOffset: c.StartOffset,
				EndOffset:   c.EndOffset,
				Filename:    c.Filename,
				VectorID:    ids[i],
			})
		}
		if err := o.docs.SaveChunks(ctx, task.DocumentID, batch); err != nil {
			return fmt.Errorf("%w: save chunks %d..%d: %w", apperr.ErrPersistenceFailure, start, end, err)
		}
	}
	return nil
}

// progress never fails the pipeline.
func (o *Orchestrator) progress(ctx context.Context, documentID, step string, percent int) {
	sctx, cancel := o.statusContext(ctx)
	defer cancel()
	if err := o.docs.UpdateProgress(sctx, documentID, Progress{Step: step, Percent: percent}); err != nil {
		slog.WarnContext(ctx, "failed to update ingestion progress", "document_id", documentID, "step", step, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, task Task, start time.Time, cause error) {
	info := FailureInfo{
		Reason:         apperr.Reason(cause),
		Error:          cause.Error(),
		FailedAt:       o.now().UTC(),
		ElapsedSeconds: o.now().Sub(start).Seconds(),
	}
	slog.ErrorContext(ctx, "ingestion failed", "document_id", task.DocumentID, "reason", info.Reason, "error", cause)

	sctx, cancel := o.statusContext(ctx)
	defer cancel()
	if o.sweepIfDeleted(sctx, task) {
		return
	}
	if err := o.docs.MarkFailed(sctx, task.DocumentID, info); err != nil {
		slog.ErrorContext(ctx, "failed to mark document failed", "document_id", task.DocumentID, "error", err)
	}
	if o.failures != nil {
		if err := o.failures.RecordFailure(sctx, task, cause); err != nil {
			slog.ErrorContext(ctx, "failed to record failed job", "document_id", task.DocumentID, "error", err)
		}
	}
}

// sweepIfDeleted removes vectors upserted for a document whose row was deleted
// while it was being ingested. It reports whether the row is gone.
func (o *Orchestrator) sweepIfDeleted(ctx context.Context, task Task) bool {
	status, err := o.docs.Status(ctx, task.DocumentID)
	if err != nil || status != "" {
		return false
	}
	slog.WarnContext(ctx, "document deleted during ingestion, sweeping its vectors", "document_id", task.DocumentID)
	if err := o.vectors.DeleteByDocument(ctx, task.DocumentID, task.OwnerID); err != nil {
		slog.ErrorContext(ctx, "failed to sweep vectors of deleted document", "document_id", task.DocumentID, "error", err)
	}
	return true
}

// statusContext outlives cancellation of ctx so terminal writes are still
// attempted after a timeout or shutdown.
func (o *Orchestrator) statusContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StatusTimeout)
}
