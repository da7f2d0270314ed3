package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"docqa/internal/ingest"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	var metadata []byte
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.MediaType, &d.SizeBytes, &d.BlobKey, &d.Status, &d.TotalChunks, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	md, err := ingest.ParseMetadata(metadata)
	if err != nil {
		return nil, err
	}
	d.Metadata = md
	return d, nil
}

func (r *PostgresRepo) Create(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (owner_id, filename, media_type, size_bytes, blob_key, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, doc.OwnerID, doc.Filename, doc.MediaType, doc.SizeBytes, doc.BlobKey, doc.Status).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, ownerID, id string) (*Document, error) {
	query := `SELECT id, owner_id, filename, media_type, size_bytes, blob_key, status, total_chunks, metadata, created_at, updated_at FROM documents WHERE id = $1 AND owner_id = $2`
	return scanDocument(r.db.QueryRowContext(ctx, query, id, ownerID))
}

func (r *PostgresRepo) List(ctx context.Context, ownerID string) ([]Document, error) {
	query := `SELECT id, owner_id, filename, media_type, size_bytes, blob_key, status, total_chunks, metadata, created_at, updated_at FROM documents WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) ListChunks(ctx context.Context, documentID string, limit, offset int) ([]ingest.ChunkRecord, error) {
	query := `SELECT document_id, chunk_index, content, start_offset, end_offset, filename, vector_id FROM chunks WHERE document_id = $1 ORDER BY chunk_index LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, documentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []ingest.ChunkRecord
	for rows.Next() {
		var c ingest.ChunkRecord
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.Content, &c.StartOffset, &c.EndOffset, &c.Filename, &c.VectorID); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Delete returns sql.ErrNoRows when the owner has no such document.
func (r *PostgresRepo) Delete(ctx context.Context, ownerID, id string) error {
	query := `DELETE FROM documents WHERE id = $1 AND owner_id = $2`
	res, err := r.db.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteByOwner returns the blob keys of the deleted documents.
func (r *PostgresRepo) DeleteByOwner(ctx context.Context, ownerID string) ([]string, error) {
	query := `DELETE FROM documents WHERE owner_id = $1 RETURNING blob_key`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context, ownerID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM documents WHERE owner_id = $1`
	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&count)
	return count, err
}

func (r *PostgresRepo) Status(ctx context.Context, documentID string) (string, error) {
	var status string
	query := `SELECT status FROM documents WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, documentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}

func (r *PostgresRepo) UpdateProgress(ctx context.Context, documentID string, p ingest.Progress) error {
	metadata, err := json.Marshal(ingest.ProgressMetadata(p))
	if err != nil {
		return err
	}
	query := `UPDATE documents SET metadata = $1, updated_at = NOW() WHERE id = $2 AND status = 'processing'`
	_, err = r.db.ExecContext(ctx, query, metadata, documentID)
	return err
}

// SaveChunks writes one batch in a single transaction.
func (r *PostgresRepo) SaveChunks(ctx context.Context, documentID string, chunks []ingest.ChunkRecord) (err error) {
	if len(chunks) == 0 {
		return nil
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

	query := `INSERT INTO chunks (document_id, chunk_index, content, start_offset, end_offset, filename, vector_id) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (document_id, chunk_index) DO UPDATE SET content = EXCLUDED.content, start_offset = EXCLUDED.start_offset, end_offset = EXCLUDED.end_offset, vector_id = EXCLUDED.vector_id`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err = stmt.ExecContext(ctx, documentID, c.ChunkIndex, c.Content, c.StartOffset, c.EndOffset, c.Filename, c.VectorID); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, documentID string, info ingest.CompletionInfo) error {
	metadata, err := json.Marshal(ingest.CompletionMetadata(info))
	if err != nil {
		return err
	}
	query := `UPDATE documents SET status = 'completed', total_chunks = $1, metadata = $2, updated_at = NOW() WHERE id = $3 AND status = 'processing'`
	_, err = r.db.ExecContext(ctx, query, info.TotalChunks, metadata, documentID)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, documentID string, info ingest.FailureInfo) error {
	metadata, err := json.Marshal(ingest.FailureMetadata(info))
	if err != nil {
		return err
	}
	query := `UPDATE documents SET status = 'failed', metadata = $1, updated_at = NOW() WHERE id = $2 AND status = 'processing'`
	_, err = r.db.ExecContext(ctx, query, metadata, documentID)
	return err
}
