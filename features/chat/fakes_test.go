package chat_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"docqa/features/chat"
	"docqa/internal/answer"
	"docqa/internal/retrieval"
	"docqa/internal/settings"
)

// memRepo is an in-memory chat.Repository.
type memRepo struct {
	mu       sync.Mutex
	convs    map[string]*chat.Conversation
	messages map[string][]chat.Message
	seq      int
}

func newMemRepo() *memRepo {
	return &memRepo{convs: map[string]*chat.Conversation{}, messages: map[string][]chat.Message{}}
}

func (r *memRepo) CreateConversation(_ context.Context, c *chat.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	c.ID = fmt.Sprintf("conv-%d", r.seq)
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	r.convs[c.ID] = &cp
	return nil
}

func (r *memRepo) GetConversation(_ context.Context, ownerID, id string) (*chat.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok || c.OwnerID != ownerID {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) ListConversations(_ context.Context, ownerID string) ([]chat.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chat.Conversation
	for _, c := range r.convs {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memRepo) AppendMessage(_ context.Context, m *chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m.ID = fmt.Sprintf("msg-%d", r.seq)
	m.CreatedAt = time.Now()
	r.messages[m.ConversationID] = append(r.messages[m.ConversationID], *m)
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Message(nil), r.messages[conversationID]...), nil
}

func (r *memRepo) RecentMessages(_ context.Context, conversationID string, n int) ([]chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.messages[conversationID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]chat.Message(nil), all...), nil
}

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, query, ownerID string, opts *retrieval.Options) ([]retrieval.Source, error) {
	args := m.Called(ctx, query, ownerID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Source), args.Error(1)
}

// scriptedComposer answers with fixed fragments in both modes.
type scriptedComposer struct {
	mu        sync.Mutex
	fragments []string
	err       error
	streamErr error
	calls     int
	histories [][]answer.Turn
}

func (c *scriptedComposer) Compose(_ context.Context, _ string, _ []retrieval.Source, history []answer.Turn) (*answer.Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.histories = append(c.histories, history)
	if c.err != nil {
		return nil, c.err
	}
	text := ""
	for _, f := range c.fragments {
		text += f
	}
	return &answer.Answer{Text: text}, nil
}

func (c *scriptedComposer) ComposeStream(ctx context.Context, _ string, _ []retrieval.Source, history []answer.Turn) (<-chan answer.Fragment, error) {
	c.mu.Lock()
	c.calls++
	c.histories = append(c.histories, history)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make(chan answer.Fragment)
	go func() {
		defer close(out)
		for _, f := range c.fragments {
			select {
			case out <- answer.Fragment{Text: f}:
			case <-ctx.Done():
				out <- answer.Fragment{Err: ctx.Err()}
				return
			}
		}
		if c.streamErr != nil {
			out <- answer.Fragment{Err: c.streamErr}
		}
	}()
	return out, nil
}

type staticSettings struct {
	set *settings.Settings
	err error
}

func (s staticSettings) Get(context.Context) (*settings.Settings, error) {
	return s.set, s.err
}

func strongSources() []retrieval.Source {
	return []retrieval.Source{
		{VectorID: "v1", DocumentID: "doc-1", Filename: "lease.pdf", ChunkIndex: 0, Score: 0.9, Content: "Rent is due on the first day of each month."},
		{VectorID: "v2", DocumentID: "doc-1", Filename: "lease.pdf", ChunkIndex: 3, Score: 0.8, Content: "Late payments incur a fee of 5%."},
	}
}
