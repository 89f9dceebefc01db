package learning

import "github.com/shortontech/clickgate/internal/observer"

type SuspicionLevel string

const (
	SuspicionNone   SuspicionLevel = "none"
	SuspicionLow    SuspicionLevel = "low"
	SuspicionMedium SuspicionLevel = "medium"
	SuspicionHigh   SuspicionLevel = "high"
)

// PerfectionAnalysis scores how implausibly regular a pattern is.
type PerfectionAnalysis struct {
	Score      float64        `json:"perfection_score"`
	IsPerfect  bool           `json:"is_perfect"`
	Suspicion  SuspicionLevel `json:"suspicion_level"`
	Indicators []string       `json:"indicators,omitempty"`
}

const (
	stabilityRatioMin    = 10.0
	orderEntropyMin      = 0.9
	zeroVariationRepeats = 5
	perfectScoreMin      = 0.6
)

// AnalyzePerfection scores a pattern from its stored features, its total
// occurrences and the distinct contexts it was seen from.
func AnalyzePerfection(f observer.Features, occurrences int64, variations int) PerfectionAnalysis {
	var pa PerfectionAnalysis
	add := func(weight float64, indicator string) {
		pa.Score += weight
		pa.Indicators = append(pa.Indicators, indicator)
	}

	if float64(occurrences)/float64(max(variations, 1)) > stabilityRatioMin {
		add(0.3, "high_stability_ratio")
	}
	if f.HeaderOrderEntropy > orderEntropyMin {
		add(0.2, "canonical_header_order")
	}
	if f.HeaderCaseConsistency {
		add(0.1, "consistent_header_case")
	}
	if f.HasUserAgent && f.HasReferer && f.HasAcceptLanguage {
		add(0.15, "complete_standard_headers")
	}
	if f.IsDirectAccess && f.URLDepth == 0 {
		add(0.1, "linear_direct_access")
	}
	if variations <= 1 && occurrences > zeroVariationRepeats {
		add(0.25, "zero_variation")
	}

	pa.Score = round6(pa.Score)
	pa.IsPerfect = pa.Score >= perfectScoreMin
	switch {
	case pa.Score >= 0.7:
		pa.Suspicion = SuspicionHigh
	case pa.Score >= 0.5:
		pa.Suspicion = SuspicionMedium
	case pa.Score >= 0.3:
		pa.Suspicion = SuspicionLow
	default:
		pa.Suspicion = SuspicionNone
	}
	return pa
}
