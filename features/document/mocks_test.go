package document_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"docqa/features/document"
	"docqa/internal/ingest"
)

type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Create(ctx context.Context, doc *document.Document) error {
	args := m.Called(ctx, doc)
	if args.Error(0) == nil && doc.ID == "" {
		doc.ID = "doc-new"
	}
	return args.Error(0)
}

func (m *MockRepo) Get(ctx context.Context, ownerID, id string) (*document.Document, error) {
	args := m.Called(ctx, ownerID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.Document), args.Error(1)
}

func (m *MockRepo) List(ctx context.Context, ownerID string) ([]document.Document, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]document.Document), args.Error(1)
}

func (m *MockRepo) ListChunks(ctx context.Context, documentID string, limit, offset int) ([]ingest.ChunkRecord, error) {
	args := m.Called(ctx, documentID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ingest.ChunkRecord), args.Error(1)
}

func (m *MockRepo) Delete(ctx context.Context, ownerID, id string) error {
	return m.Called(ctx, ownerID, id).Error(0)
}

func (m *MockRepo) DeleteByOwner(ctx context.Context, ownerID string) ([]string, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRepo) Count(ctx context.Context, ownerID string) (int, error) {
	args := m.Called(ctx, ownerID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepo) Status(ctx context.Context, documentID string) (string, error) {
	args := m.Called(ctx, documentID)
	return args.String(0), args.Error(1)
}

func (m *MockRepo) UpdateProgress(ctx context.Context, documentID string, p ingest.Progress) error {
	return m.Called(ctx, documentID, p).Error(0)
}

func (m *MockRepo) SaveChunks(ctx context.Context, documentID string, chunks []ingest.ChunkRecord) error {
	return m.Called(ctx, documentID, chunks).Error(0)
}

func (m *MockRepo) MarkCompleted(ctx context.Context, documentID string, info ingest.CompletionInfo) error {
	return m.Called(ctx, documentID, info).Error(0)
}

func (m *MockRepo) MarkFailed(ctx context.Context, documentID string, info ingest.FailureInfo) error {
	return m.Called(ctx, documentID, info).Error(0)
}

type MockBlobs struct {
	mock.Mock
}

func (m *MockBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return m.Called(ctx, key, data, contentType).Error(0)
}

func (m *MockBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobs) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockVectors struct {
	mock.Mock
}

func (m *MockVectors) DeleteByDocument(ctx context.Context, documentID, ownerID string) error {
	return m.Called(ctx, documentID, ownerID).Error(0)
}

func (m *MockVectors) DeleteByOwner(ctx context.Context, ownerID string) error {
	return m.Called(ctx, ownerID).Error(0)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, task ingest.Task) error {
	return m.Called(ctx, task).Error(0)
}
