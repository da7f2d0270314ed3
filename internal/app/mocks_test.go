package app

import (
	"context"
	"fmt"
	"sync"

	"docqa/internal/answer"
	"docqa/internal/embedding"
	"docqa/internal/vector"
)

// MockVectorStore is an in-memory VectorStore shared by the app tests.
type MockVectorStore struct {
	EnsureSchemaErr error

	mu      sync.Mutex
	records []vector.Record
}

func (m *MockVectorStore) EnsureSchema(ctx context.Context) error {
	return m.EnsureSchemaErr
}

func (m *MockVectorStore) Upsert(ctx context.Context, records []vector.Record) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = fmt.Sprintf("%s-%d", r.DocumentID, r.ChunkIndex)
		m.records = append(m.records, r)
	}
	return ids, nil
}

func (m *MockVectorStore) Query(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vector.Match
	for _, r := range m.records {
		if r.OwnerID != q.OwnerID {
			continue
		}
		out = append(out, vector.Match{
			Content:    r.Content,
			OwnerID:    r.OwnerID,
			DocumentID: r.DocumentID,
			ChunkIndex: r.ChunkIndex,
			Filename:   r.Filename,
			Score:      0.9,
		})
		if q.TopK > 0 && len(out) == q.TopK {
			break
		}
	}
	return out, nil
}

func (m *MockVectorStore) DeleteByDocument(ctx context.Context, documentID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if r.DocumentID != documentID || r.OwnerID != ownerID {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

func (m *MockVectorStore) DeleteByOwner(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if r.OwnerID != ownerID {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

func (m *MockVectorStore) CountChunks(ctx context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

type fakeEmbeddings struct{}

func (fakeEmbeddings) Embed(ctx context.Context, texts []string, mode embedding.Mode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeChatModel struct{}

func (fakeChatModel) Generate(ctx context.Context, req answer.Request) (*answer.Completion, error) {
	return &answer.Completion{Text: "The lease runs for 12 months."}, nil
}

func (fakeChatModel) Stream(ctx context.Context, req answer.Request, onText func(string) error) (answer.Usage, error) {
	if err := onText("The lease runs for 12 months."); err != nil {
		return answer.Usage{}, err
	}
	return answer.Usage{}, nil
}
