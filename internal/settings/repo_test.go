package settings_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"docqa/internal/settings"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "search_top_k", "min_score", "gate_min_sources", "gate_min_mean_score"}).
			AddRow(1, 8, 0.6, 2, 0.75)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, search_top_k, min_score, gate_min_sources, gate_min_mean_score FROM settings WHERE id = 1")).
			WillReturnRows(rows)

		s, err := repo.Get(context.Background())
		assert.NoError(t, err)
		assert.NotNil(t, s)
		assert.Equal(t, 8, s.SearchTopK)
		assert.Equal(t, 0.6, s.MinScore)
		assert.Equal(t, 0.75, s.GateMinMeanScore)
	})

	t.Run("NoRow", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id")).
			WillReturnError(sql.ErrNoRows)

		s, err := repo.Get(context.Background())
		assert.ErrorIs(t, err, sql.ErrNoRows)
		assert.Nil(t, s)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	s := &settings.Settings{SearchTopK: 5, MinScore: 0.7, GateMinSources: 2, GateMinMeanScore: 0.7}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings (id, search_top_k, min_score, gate_min_sources, gate_min_mean_score, updated_at) VALUES (1, $1, $2, $3, $4, NOW()) ON CONFLICT (id) DO UPDATE")).
		WithArgs(s.SearchTopK, s.MinScore, s.GateMinSources, s.GateMinMeanScore).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Update(context.Background(), s)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
