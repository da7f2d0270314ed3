package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"docqa/internal/grounding"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `INSERT INTO conversations (owner_id, title) VALUES ($1, $2) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, c.OwnerID, c.Title).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *PostgresRepo) GetConversation(ctx context.Context, ownerID, id string) (*Conversation, error) {
	c := &Conversation{}
	query := `SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = $1 AND owner_id = $2`
	err := r.db.QueryRowContext(ctx, query, id, ownerID).Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepo) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE owner_id = $1 ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// AppendMessage inserts the message and bumps the conversation in one
// transaction.
func (r *PostgresRepo) AppendMessage(ctx context.Context, m *Message) (err error) {
	sources := m.Sources
	if sources == nil {
		sources = []SourceRef{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	var analysis any
	if m.Analysis != nil {
		b, err := json.Marshal(m.Analysis)
		if err != nil {
			return fmt.Errorf("encode analysis: %w", err)
		}
		analysis = b
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `INSERT INTO messages (conversation_id, role, content, sources, analysis, failed) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	if err = tx.QueryRowContext(ctx, query, m.ConversationID, m.Role, m.Content, sourcesJSON, analysis, m.Failed).Scan(&m.ID, &m.CreatedAt); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, m.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepo) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, sources, analysis, failed, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`
	return r.queryMessages(ctx, query, conversationID)
}

func (r *PostgresRepo) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, sources, analysis, failed, created_at FROM (SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2) recent ORDER BY created_at ASC, id ASC`
	return r.queryMessages(ctx, query, conversationID, n)
}

func (r *PostgresRepo) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sources, analysis []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sources, &analysis, &m.Failed, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &m.Sources); err != nil {
				return nil, fmt.Errorf("decode sources of message %s: %w", m.ID, err)
			}
		}
		if len(analysis) > 0 && string(analysis) != "null" {
			m.Analysis = &grounding.Analysis{}
			if err := json.Unmarshal(analysis, m.Analysis); err != nil {
				return nil, fmt.Errorf("decode analysis of message %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
