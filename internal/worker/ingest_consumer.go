package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"docqa/internal/ingest"
	"docqa/internal/middleware"
)

// IngestConsumer runs ingest tasks delivered over NSQ. Messages are always
// finished: the orchestrator records failures itself, and a redelivered task
// would re-run a document that is already terminal.
type IngestConsumer struct {
	runner        Runner
	timeout       time.Duration
	touchInterval time.Duration
}

func NewIngestConsumer(r Runner, timeout time.Duration) *IngestConsumer {
	return &IngestConsumer{runner: r, timeout: timeout, touchInterval: 30 * time.Second}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task ingest.Task
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid ingest task json", "error", err)
		return nil
	}

	correlationID := task.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err := task.Validate(); err != nil {
		slog.ErrorContext(ctx, "poison pill: invalid ingest task, dropping", "error", err)
		return nil
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	stop := h.keepAlive(m)
	defer stop()

	if err := h.runner.Run(ctx, task); err != nil {
		slog.WarnContext(ctx, "ingest task failed", "document_id", task.DocumentID, "attempts", m.Attempts, "error", err)
		return nil
	}
	slog.InfoContext(ctx, "ingest task done", "document_id", task.DocumentID)
	return nil
}

// keepAlive touches the message until stop is called so long ingestions are
// not redelivered by nsqd's message timeout.
func (h *IngestConsumer) keepAlive(m *nsq.Message) (stop func()) {
	if h.touchInterval <= 0 || m.Delegate == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(h.touchInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				m.Touch()
			}
		}
	}()
	return func() { close(done) }
}
