package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docqa/internal/ingest"
)

var ErrNotRetryable = errors.New("job is not retryable")

const retryTimeout = 5 * time.Second

// Retrier re-ingests a failed document and returns the id of the document
// that replaces it.
type Retrier interface {
	RetryDocument(ctx context.Context, ownerID, documentID string) (string, error)
}

type Service struct {
	repo    Repository
	retrier Retrier
}

func NewService(repo Repository, retrier Retrier) *Service {
	return &Service{repo: repo, retrier: retrier}
}

// RecordFailure stores the task that failed so it can be inspected and
// retried later.
func (s *Service) RecordFailure(ctx context.Context, task ingest.Task, cause error) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	j := &Job{
		DocumentID: task.DocumentID,
		OwnerID:    task.OwnerID,
		Handler:    HandlerIngest,
		Payload:    payload,
		Error:      cause.Error(),
	}
	if err := s.repo.Save(ctx, j); err != nil {
		return err
	}
	slog.InfoContext(ctx, "failed job recorded", "job_id", j.ID, "document_id", task.DocumentID)
	return nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Job, error) {
	return s.repo.List(ctx, ownerID)
}

// Retry re-ingests the job's document. The job row goes away with the old
// document; it is also deleted here in case the document was kept.
func (s *Service) Retry(ctx context.Context, ownerID, id string) (string, error) {
	j, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return "", err
	}

	rctx, cancel := context.WithTimeout(ctx, retryTimeout)
	defer cancel()
	docID, err := s.retrier.RetryDocument(rctx, ownerID, j.DocumentID)
	if err != nil {
		return "", err
	}

	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		slog.WarnContext(ctx, "failed to delete retried job", "job_id", id, "error", err)
	}
	return docID, nil
}

func (s *Service) Count(ctx context.Context, ownerID string) (int, error) {
	return s.repo.Count(ctx, ownerID)
}
