package settings

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	query := `SELECT id, search_top_k, min_score, gate_min_sources, gate_min_mean_score FROM settings WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.SearchTopK, &s.MinScore, &s.GateMinSources, &s.GateMinMeanScore)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Update upserts the single settings row.
func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `INSERT INTO settings (id, search_top_k, min_score, gate_min_sources, gate_min_mean_score, updated_at) VALUES (1, $1, $2, $3, $4, NOW()) ON CONFLICT (id) DO UPDATE SET search_top_k = EXCLUDED.search_top_k, min_score = EXCLUDED.min_score, gate_min_sources = EXCLUDED.gate_min_sources, gate_min_mean_score = EXCLUDED.gate_min_mean_score, updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query, s.SearchTopK, s.MinScore, s.GateMinSources, s.GateMinMeanScore)
	return err
}
