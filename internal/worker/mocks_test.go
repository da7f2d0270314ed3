package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"docqa/internal/ingest"
)

type MockRunner struct{ mock.Mock }

func (m *MockRunner) Run(ctx context.Context, task ingest.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

// runnerFunc adapts a function to worker.Runner.
type runnerFunc func(ctx context.Context, task ingest.Task) error

func (f runnerFunc) Run(ctx context.Context, task ingest.Task) error { return f(ctx, task) }

// blockingRunner holds every run until release is closed and records the
// tasks it is asked to abandon.
type blockingRunner struct {
	release   chan struct{}
	started   chan string
	ran       chan string
	abandoned chan string
	causes    chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release:   make(chan struct{}),
		started:   make(chan string, 4),
		ran:       make(chan string, 4),
		abandoned: make(chan string, 4),
		causes:    make(chan error, 4),
	}
}

func (r *blockingRunner) Run(_ context.Context, task ingest.Task) error {
	r.started <- task.DocumentID
	<-r.release
	r.ran <- task.DocumentID
	return nil
}

func (r *blockingRunner) Abandon(_ context.Context, task ingest.Task, cause error) {
	r.abandoned <- task.DocumentID
	r.causes <- cause
}

func sampleTask() ingest.Task {
	return ingest.Task{
		DocumentID: "doc-1",
		OwnerID:    "owner-1",
		Filename:   "lease.txt",
		MediaType:  "text/plain",
		BlobKey:    "owner-1/abc.txt",
		SizeBytes:  42,
	}
}
