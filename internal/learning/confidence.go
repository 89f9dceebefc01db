package learning

import (
	"encoding/json"
	"math"
	"time"
)

// Confidence model.
const (
	occurrenceShare  = 0.5
	occurrenceScale  = 10.0
	variationShare   = 0.3
	variationSat     = 5.0
	persistenceShare = 0.2
	persistenceSat   = 72.0 // hours

	dailyDecay = 0.95

	perfectionPenaltyMin   = 0.6
	perfectionPenaltySlope = 0.3
)

// Stability anomaly thresholds. Both are empirical and may be retuned.
const (
	stabilityMinOccurrences = 10
	highFrequencyPerHour    = 10.0
	highFrequencyFactor     = 0.7
	lowVariationRatio       = 0.05
	lowVariationMinOcc      = 20
	lowVariationFactor      = 0.6
)

const (
	AnomalyHighFrequency = "high_frequency"
	AnomalyLowVariation  = "low_variation"
)

// Anomaly is a stability finding stored in the behavior profile.
type Anomaly struct {
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Factor    float64 `json:"confidence_factor"`
}

// Profile is the behavior_profile document of a learned pattern.
type Profile struct {
	Features   json.RawMessage     `json:"features,omitempty"`
	Perfection *PerfectionAnalysis `json:"perfection_analysis,omitempty"`
	Anomalies  []Anomaly           `json:"stability_anomalies,omitempty"`
}

func decodeProfile(raw json.RawMessage) Profile {
	var p Profile
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// DecayCoefficient is 0.95 per whole day without a sighting, measured at
// asOf.
func DecayCoefficient(lastSeen, asOf time.Time) float64 {
	idle := asOf.Sub(lastSeen)
	if idle <= 0 {
		return 1
	}
	days := math.Floor(idle.Hours() / 24)
	return round6(math.Pow(dailyDecay, days))
}

// BaseConfidence combines volume, context spread and persistence, scaled
// by the decay coefficient.
func BaseConfidence(occurrences int64, variations int, persistence time.Duration, decay float64) float64 {
	c := occurrenceShare*(1-math.Exp(-float64(occurrences)/occurrenceScale)) +
		variationShare*math.Min(1, float64(variations)/variationSat) +
		persistenceShare*math.Min(1, math.Max(0, persistence.Hours())/persistenceSat)
	return c * decay
}

// StabilityAnomalies checks an established pattern for traffic that is too
// frequent or too uniform to be organic.
func StabilityAnomalies(occurrences int64, variations int, firstSeen, lastSeen time.Time) []Anomaly {
	if occurrences < stabilityMinOccurrences {
		return nil
	}
	var out []Anomaly

	hours := math.Max(lastSeen.Sub(firstSeen).Hours(), 1)
	if rate := float64(occurrences) / hours; rate > highFrequencyPerHour {
		out = append(out, Anomaly{
			Type:      AnomalyHighFrequency,
			Value:     round6(rate),
			Threshold: highFrequencyPerHour,
			Factor:    highFrequencyFactor,
		})
	}
	if ratio := float64(variations) / float64(occurrences); ratio < lowVariationRatio && occurrences > lowVariationMinOcc {
		out = append(out, Anomaly{
			Type:      AnomalyLowVariation,
			Value:     round6(ratio),
			Threshold: lowVariationRatio,
			Factor:    lowVariationFactor,
		})
	}
	return out
}

// FinalConfidence applies anomaly factors and the perfection penalty to a
// base confidence and clamps the result to [0,1].
func FinalConfidence(base float64, anomalies []Anomaly, pa *PerfectionAnalysis) float64 {
	c := base
	for _, a := range anomalies {
		c *= a.Factor
	}
	if pa != nil && pa.Score > perfectionPenaltyMin {
		c *= 1 - perfectionPenaltySlope*pa.Score
	}
	return round6(math.Max(0, math.Min(1, c)))
}
