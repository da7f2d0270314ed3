// Package chat answers questions against the owner's documents and keeps the
// conversation log.
package chat

import (
	"context"
	"errors"
	"time"

	"docqa/internal/grounding"
)

var (
	ErrEmptyQuery    = errors.New("query is required")
	ErrQueryTooLong  = errors.New("query is too long")
	ErrTooManyFilter = errors.New("too many document ids")
)

const (
	maxQueryRunes    = 4000
	maxDocumentIDs   = 100
	maxTitleRunes    = 60
	historyTurns     = 6
	sourcePreviewLen = 300
)

type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceRef is the provenance kept on an assistant message.
type SourceRef struct {
	DocumentID string  `json:"documentId"`
	Filename   string  `json:"filename"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunkIndex"`
}

type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Role           string              `json:"role"`
	Content        string              `json:"content"`
	Sources        []SourceRef         `json:"sources"`
	Analysis       *grounding.Analysis `json:"analysis,omitempty"`
	Failed         bool                `json:"failed"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Repository stores conversations and their append-only message log.
type Repository interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, ownerID, id string) (*Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]Conversation, error)
	AppendMessage(ctx context.Context, m *Message) error
	// ListMessages returns the whole log in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	// RecentMessages returns the newest n messages in creation order.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error)
}
