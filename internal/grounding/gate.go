// Package grounding decides whether retrieved evidence is strong enough to
// answer a question.
package grounding

import (
	"fmt"
	"math"

	"docqa/internal/retrieval"
)

// Policy holds the thresholds of the gate. A question is answerable when at
// least MinSources sources were retrieved and their mean score reaches
// MinMeanScore.
type Policy struct {
	MinSources    int
	MinMeanScore  float64
	MaxConfidence float64
}

func DefaultPolicy() Policy {
	return Policy{MinSources: 2, MinMeanScore: 0.7, MaxConfidence: 95}
}

type Analysis struct {
	CanAnswer   bool    `json:"canAnswer"`
	Confidence  int     `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	SourceCount int     `json:"sourceCount"`
	MeanScore   float64 `json:"meanScore"`
}

// Analyze is deterministic and never calls a model. Confidence is the mean
// score as a percentage, capped at MaxConfidence and rounded half away from
// zero.
func (p Policy) Analyze(query string, sources []retrieval.Source) Analysis {
	if len(sources) == 0 {
		return Analysis{Reasoning: "No relevant passages were found in your documents."}
	}

	var sum float64
	for _, s := range sources {
		sum += s.Score
	}
	mean := sum / float64(len(sources))

	maxConfidence := p.MaxConfidence
	if maxConfidence <= 0 {
		maxConfidence = 95
	}

	a := Analysis{
		Confidence:  int(math.Round(math.Min(mean*100, maxConfidence))),
		SourceCount: len(sources),
		MeanScore:   mean,
	}

	switch {
	case len(sources) < p.MinSources:
		a.Reasoning = fmt.Sprintf("Only %d relevant passage(s) found; at least %d are required to answer.", len(sources), p.MinSources)
	case mean < p.MinMeanScore:
		a.Reasoning = fmt.Sprintf("Average relevance %.0f%% is below the %.0f%% required to answer.", mean*100, p.MinMeanScore*100)
	default:
		a.CanAnswer = true
		a.Reasoning = fmt.Sprintf("Found %d relevant passages with average relevance %.0f%%.", len(sources), mean*100)
	}
	return a
}
