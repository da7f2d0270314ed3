package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"docqa/internal/apperr"
	"docqa/internal/blob"
	"docqa/internal/extract"
	"docqa/internal/ingest"
	"docqa/internal/middleware"
)

var (
	ErrFileTooLarge = errors.New("file too large")
	ErrNotRetryable = errors.New("only failed documents can be retried")
	ErrEmptyUpload  = errors.New("uploaded file is empty")
)

type Document struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Filename    string          `json:"filename"`
	MediaType   string          `json:"media_type"`
	SizeBytes   int64           `json:"size_bytes"`
	BlobKey     string          `json:"-"`
	Status      string          `json:"status"`
	TotalChunks int             `json:"total_chunks"`
	Metadata    ingest.Metadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Detail struct {
	Document *Document           `json:"document"`
	Chunks   []ingest.ChunkRecord `json:"chunks,omitempty"`
}

type Repository interface {
	ingest.DocumentStore

	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, ownerID, id string) (*Document, error)
	List(ctx context.Context, ownerID string) ([]Document, error)
	ListChunks(ctx context.Context, documentID string, limit, offset int) ([]ingest.ChunkRecord, error)
	Delete(ctx context.Context, ownerID, id string) error
	DeleteByOwner(ctx context.Context, ownerID string) ([]string, error)
	Count(ctx context.Context, ownerID string) (int, error)
}

type VectorDeleter interface {
	DeleteByDocument(ctx context.Context, documentID, ownerID string) error
	DeleteByOwner(ctx context.Context, ownerID string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, task ingest.Task) error
}

type Service struct {
	repo       Repository
	blobs      blob.Store
	vectors    VectorDeleter
	dispatcher Dispatcher
	maxBytes   int64
}

func NewService(repo Repository, blobs blob.Store, vectors VectorDeleter, dispatcher Dispatcher, maxBytes int64) *Service {
	return &Service{repo: repo, blobs: blobs, vectors: vectors, dispatcher: dispatcher, maxBytes: maxBytes}
}

func (s *Service) MaxBytes() int64 { return s.maxBytes }

// ResolveMediaType picks the declared type when given, otherwise infers it
// from the filename extension.
func ResolveMediaType(declared, filename string) (string, error) {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.HasPrefix(strings.ToLower(declared), "application/octet-stream") {
		if mt, ok := extract.Canonical(declared); ok {
			return mt, nil
		}
		return "", fmt.Errorf("%w: %s", apperr.ErrUnsupportedMediaType, declared)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if mt, ok := extract.Canonical(ext); ok {
		return mt, nil
	}
	return "", fmt.Errorf("%w: cannot infer type of %q", apperr.ErrUnsupportedMediaType, filename)
}

// Upload stores the bytes, creates the processing document and hands it to
// ingestion. It returns as soon as the task is dispatched.
func (s *Service) Upload(ctx context.Context, ownerID, filename, declaredType string, data []byte) (*Document, error) {
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(data), s.maxBytes)
	}
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	mediaType, err := ResolveMediaType(declaredType, filename)
	if err != nil {
		return nil, err
	}

	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	key := blob.NewKey(ownerID, filename)
	if err := s.blobs.Put(ctx, key, data, mediaType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	doc := &Document{
		OwnerID:   ownerID,
		Filename:  filename,
		MediaType: mediaType,
		SizeBytes: int64(len(data)),
		BlobKey:   key,
		Status:    ingest.StatusProcessing,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			slog.WarnContext(ctx, "failed to clean up blob", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("create document: %w", err)
	}

	s.dispatch(ctx, doc)
	return doc, nil
}

// dispatch never fails the request. A document that could not be queued is
// failed right away so it does not sit in processing forever.
func (s *Service) dispatch(ctx context.Context, doc *Document) {
	task := ingest.Task{
		DocumentID:    doc.ID,
		OwnerID:       doc.OwnerID,
		Filename:      doc.Filename,
		MediaType:     doc.MediaType,
		BlobKey:       doc.BlobKey,
		SizeBytes:     doc.SizeBytes,
		CorrelationID: middleware.GetCorrelationID(ctx),
	}
	err := s.dispatcher.Dispatch(ctx, task)
	if err == nil {
		return
	}

	slog.ErrorContext(ctx, "failed to dispatch ingestion", "document_id", doc.ID, "error", err)
	info := ingest.FailureInfo{Reason: "Internal", Error: "dispatch: " + err.Error(), FailedAt: time.Now().UTC()}
	if err := s.repo.MarkFailed(context.WithoutCancel(ctx), doc.ID, info); err != nil {
		slog.ErrorContext(ctx, "failed to mark undispatched document", "document_id", doc.ID, "error", err)
		return
	}
	doc.Status = ingest.StatusFailed
	doc.Metadata = ingest.FailureMetadata(info)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Document, error) {
	return s.repo.List(ctx, ownerID)
}

func (s *Service) Get(ctx context.Context, ownerID, id string, limit, offset int, withChunks bool) (*Detail, error) {
	doc, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	detail := &Detail{Document: doc}
	if !withChunks {
		return detail, nil
	}
	chunks, err := s.repo.ListChunks(ctx, id, limit, offset)
	if err != nil {
		return nil, err
	}
	detail.Chunks = chunks
	return detail, nil
}

// Delete removes vectors first so an interrupted delete can simply be repeated.
// Chunks and failed jobs go with the row.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	doc, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.vectors.DeleteByDocument(ctx, doc.ID, ownerID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := s.repo.Delete(ctx, ownerID, doc.ID); err != nil {
		return err
	}
	// An ingestion still running may have upserted since the first sweep.
	// Once the row is gone it sweeps its own vectors.
	if doc.Status == ingest.StatusProcessing {
		if err := s.vectors.DeleteByDocument(ctx, doc.ID, ownerID); err != nil {
			slog.WarnContext(ctx, "failed to sweep vectors after delete", "document_id", doc.ID, "error", err)
		}
	}
	s.deleteBlob(ctx, doc.BlobKey)
	slog.InfoContext(ctx, "document deleted", "document_id", doc.ID)
	return nil
}

// DeleteAll removes every document and vector of the owner and returns the
// number of documents deleted.
func (s *Service) DeleteAll(ctx context.Context, ownerID string) (int, error) {
	if err := s.vectors.DeleteByOwner(ctx, ownerID); err != nil {
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	keys, err := s.repo.DeleteByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		s.deleteBlob(ctx, key)
	}
	slog.InfoContext(ctx, "owner documents deleted", "count", len(keys))
	return len(keys), nil
}

// Retry re-ingests a failed document as a new document over the same blob.
// Partial vectors and chunks of the old one are swept first.
func (s *Service) Retry(ctx context.Context, ownerID, id string) (*Document, error) {
	old, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if old.Status != ingest.StatusFailed {
		return nil, fmt.Errorf("%w: document is %s", ErrNotRetryable, old.Status)
	}

	if err := s.vectors.DeleteByDocument(ctx, old.ID, ownerID); err != nil {
		return nil, fmt.Errorf("sweep vectors: %w", err)
	}

	doc := &Document{
		OwnerID:   old.OwnerID,
		Filename:  old.Filename,
		MediaType: old.MediaType,
		SizeBytes: old.SizeBytes,
		BlobKey:   old.BlobKey,
		Status:    ingest.StatusProcessing,
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if err := s.repo.Delete(ctx, ownerID, old.ID); err != nil {
		slog.WarnContext(ctx, "failed to delete retried document", "document_id", old.ID, "error", err)
	}

	s.dispatch(ctx, doc)
	slog.InfoContext(ctx, "document retried", "old_document_id", old.ID, "document_id", doc.ID)
	return doc, nil
}

func (s *Service) Count(ctx context.Context, ownerID string) (int, error) {
	return s.repo.Count(ctx, ownerID)
}

func (s *Service) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "failed to delete blob", "key", key, "error", err)
	}
}
