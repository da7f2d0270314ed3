package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"docqa/internal/middleware"
	"docqa/internal/settings"
	"docqa/internal/vector"
)

// Source is one retrieved chunk with its provenance.
type Source struct {
	VectorID   string  `json:"vectorId"`
	DocumentID string  `json:"documentId"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunkIndex"`
	Score      float64 `json:"score"`
	Content    string  `json:"content"`
}

// Preview returns a copy whose content is cut to at most n characters. It is
// meant for transport only; composition always uses the full content.
func (s Source) Preview(n int) Source {
	if n <= 0 || utf8.RuneCountInString(s.Content) <= n {
		return s
	}
	runes := []rune(s.Content)
	s.Content = string(runes[:n]) + "..."
	return s
}

type Options struct {
	TopK        *int
	MinScore    *float64
	DocumentIDs []string
}

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Query(ctx context.Context, q vector.Query) ([]vector.Match, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Service struct {
	embedder Embedder
	store    VectorStore
	settings SettingsProvider
	defaults settings.Settings
	logger   *QueryLogger
}

// NewService wires the retriever. defaults apply when the settings provider
// fails; logger may be nil.
func NewService(e Embedder, s VectorStore, set SettingsProvider, defaults settings.Settings, l *QueryLogger) *Service {
	return &Service{embedder: e, store: s, settings: set, defaults: defaults, logger: l}
}

// Retrieve embeds the query in query mode and returns the owner's best chunks.
func (s *Service) Retrieve(ctx context.Context, query, ownerID string, opts *Options) ([]Source, error) {
	start := time.Now()

	cfg := &s.defaults
	if s.settings != nil {
		if loaded, err := s.settings.Get(ctx); err == nil {
			cfg = loaded
		} else {
			slog.WarnContext(ctx, "falling back to default retrieval settings", "error", err)
		}
	}

	q := vector.Query{OwnerID: ownerID, TopK: cfg.SearchTopK, MinScore: cfg.MinScore}
	if opts != nil {
		if opts.TopK != nil {
			q.TopK = *opts.TopK
		}
		if opts.MinScore != nil {
			q.MinScore = *opts.MinScore
		}
		q.DocumentIDs = opts.DocumentIDs
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q.Vector = vec

	matches, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}

	sources := make([]Source, len(matches))
	for i, m := range matches {
		sources[i] = Source{
			VectorID:   m.ID,
			DocumentID: m.DocumentID,
			Filename:   m.Filename,
			ChunkIndex: m.ChunkIndex,
			Score:      m.Score,
			Content:    m.Content,
		}
	}

	if s.logger != nil {
		entry := QueryLogEntry{
			Query:         query,
			OwnerID:       ownerID,
			TopK:          q.TopK,
			MinScore:      q.MinScore,
			NumResults:    len(sources),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if len(sources) > 0 {
			entry.TopScore = sources[0].Score
		}
		s.logger.Log(entry)
	}

	return sources, nil
}
