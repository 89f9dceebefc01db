package learning

import (
	"context"
	"fmt"

	"github.com/shortontech/clickgate/internal/store"
)

const highConfidence = 0.7

// Insights summarises the learned-pattern table.
type Insights struct {
	Total             int           `json:"total_patterns"`
	Stages            map[Stage]int `json:"stages"`
	AverageConfidence float64       `json:"average_confidence"`
	HighConfidence    int           `json:"high_confidence"`
	PerfectionFlagged int           `json:"perfection_flagged"`
	HighSuspicion     int           `json:"high_suspicion"`
	MediumSuspicion   int           `json:"medium_suspicion"`
	WithAnomalies     int           `json:"with_stability_anomalies"`
}

func Summarize(patterns []store.LearnedPattern) Insights {
	in := Insights{Stages: make(map[Stage]int)}
	var sum float64
	for _, lp := range patterns {
		in.Total++
		in.Stages[Stage(lp.Stage)]++
		sum += lp.Confidence
		if lp.Confidence >= highConfidence {
			in.HighConfidence++
		}

		p := decodeProfile(lp.Profile)
		if len(p.Anomalies) > 0 {
			in.WithAnomalies++
		}
		if p.Perfection == nil {
			continue
		}
		in.PerfectionFlagged++
		switch p.Perfection.Suspicion {
		case SuspicionHigh:
			in.HighSuspicion++
		case SuspicionMedium:
			in.MediumSuspicion++
		}
	}
	if in.Total > 0 {
		in.AverageConfidence = round6(sum / float64(in.Total))
	}
	return in
}

// LoadInsights reads every learned pattern from s and summarises them.
func LoadInsights(ctx context.Context, s store.LearningStore) (Insights, error) {
	patterns, err := s.ListLearnedPatterns(ctx)
	if err != nil {
		return Insights{}, fmt.Errorf("list learned patterns: %w", err)
	}
	return Summarize(patterns), nil
}
