package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings are the runtime-tunable retrieval and groundedness thresholds.
// MinScore filters candidates, GateMinMeanScore decides answerability; the two
// are tuned independently.
type Settings struct {
	ID               int     `json:"-"`
	SearchTopK       int     `json:"search_top_k"`
	MinScore         float64 `json:"min_score"`
	GateMinSources   int     `json:"gate_min_sources"`
	GateMinMeanScore float64 `json:"gate_min_mean_score"`
}

var ErrInvalidSettings = errors.New("invalid settings")

func (s *Settings) Validate() error {
	switch {
	case s.SearchTopK < 1 || s.SearchTopK > 50:
		return fmt.Errorf("%w: search_top_k must be between 1 and 50", ErrInvalidSettings)
	case s.MinScore < 0 || s.MinScore > 1:
		return fmt.Errorf("%w: min_score must be between 0 and 1", ErrInvalidSettings)
	case s.GateMinSources < 1:
		return fmt.Errorf("%w: gate_min_sources must be at least 1", ErrInvalidSettings)
	case s.GateMinMeanScore < 0 || s.GateMinMeanScore > 1:
		return fmt.Errorf("%w: gate_min_mean_score must be between 0 and 1", ErrInvalidSettings)
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo     Repository
	defaults Settings
}

// NewService returns a service that falls back to defaults while the settings
// row has not been written yet.
func NewService(repo Repository, defaults Settings) *Service {
	return &Service{repo: repo, defaults: defaults}
}

func (s *Service) Defaults() Settings {
	return s.defaults
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	set, err := s.repo.Get(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		d := s.defaults
		return &d, nil
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, set)
}
