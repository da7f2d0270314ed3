package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"docqa/internal/ingest"
	"docqa/internal/middleware"
)

// Runner executes one ingestion task to a terminal state.
type Runner interface {
	Run(ctx context.Context, task ingest.Task) error
}

// Dispatcher hands a task off for background ingestion. Dispatch must not
// wait for the ingestion itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, task ingest.Task) error
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

// Abandoner is implemented by runners that can settle a task they will never
// run, so its document does not stay in processing.
type Abandoner interface {
	Abandon(ctx context.Context, task ingest.Task, cause error)
}

// PoolDispatcher runs tasks in-process on a bounded ants pool.
type PoolDispatcher struct {
	pool    *ants.Pool
	runner  Runner
	wg      sync.WaitGroup // accepted tasks until they finish
	pending sync.WaitGroup // goroutines still inside Submit
}

func NewPoolDispatcher(size int, runner Runner) (*PoolDispatcher, error) {
	pool, err := ants.NewPool(size,
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(p interface{}) {
			slog.Error("ingest worker panic recovered", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest pool: %w", err)
	}
	return &PoolDispatcher{pool: pool, runner: runner}, nil
}

// Dispatch queues the task and returns at once. The task runs on a context
// detached from ctx so the caller's cancellation does not reach it.
func (d *PoolDispatcher) Dispatch(ctx context.Context, task ingest.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if d.pool.IsClosed() {
		return fmt.Errorf("ingest pool closed")
	}
	if task.CorrelationID == "" {
		task.CorrelationID = middleware.GetCorrelationID(ctx)
	}
	bg := context.WithoutCancel(ctx)

	d.wg.Add(1)
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		// Submit blocks while every worker is busy; keep that off the request path.
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			if err := d.runner.Run(bg, task); err != nil {
				slog.WarnContext(bg, "ingest task finished with error", "document_id", task.DocumentID, "error", err)
			}
		})
		if err != nil {
			defer d.wg.Done()
			slog.ErrorContext(bg, "failed to submit ingest task", "document_id", task.DocumentID, "error", err)
			if a, ok := d.runner.(Abandoner); ok {
				a.Abandon(bg, task, fmt.Errorf("submit ingest task: %w", err))
			}
		}
	}()

	slog.InfoContext(ctx, "ingest task dispatched", "document_id", task.DocumentID, "mode", "pool")
	return nil
}

func (d *PoolDispatcher) Running() int { return d.pool.Running() }

// Close waits for queued tasks until ctx expires, then releases the pool.
// Tasks still waiting for a worker at that point are abandoned before Close
// returns.
func (d *PoolDispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("ingest pool drain: %w", ctx.Err())
	}
	d.pool.Release()
	d.pending.Wait()
	return err
}

// QueueDispatcher publishes tasks to NSQ for an IngestConsumer to pick up.
type QueueDispatcher struct {
	pub   TaskPublisher
	topic string
}

func NewQueueDispatcher(pub TaskPublisher, topic string) *QueueDispatcher {
	return &QueueDispatcher{pub: pub, topic: topic}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, task ingest.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.CorrelationID == "" {
		task.CorrelationID = middleware.GetCorrelationID(ctx)
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode ingest task: %w", err)
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", d.topic, err)
	}
	slog.InfoContext(ctx, "ingest task dispatched", "document_id", task.DocumentID, "mode", "nsq", "topic", d.topic)
	return nil
}
