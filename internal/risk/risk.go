// Package risk turns click-id evidence, contradiction signals and session
// context into one routing decision. Assess is a pure function of its input.
package risk

import (
	"fmt"
	"math"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/contradiction"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
)

type Decision string

const (
	DecisionReal         Decision = "real"
	DecisionSafe         Decision = "safe"
	DecisionSafeObserve  Decision = "safe_observe"
	DecisionHumanNoValue Decision = "human_no_value"
)

// Factors break the weighted model down for dashboards.
type Factors struct {
	PlatformTrust     float64 `json:"platform_trust"`
	HeaderCoherence   float64 `json:"header_coherence"`
	BehaviorCoherence float64 `json:"behavior_coherence"`
	TimingNaturalness float64 `json:"timing_naturalness"`
	NavigationPattern float64 `json:"navigation_pattern"`
}

// Assessment is the final per-request verdict.
type Assessment struct {
	FinalRisk         float64        `json:"final_risk"`
	Decision          Decision       `json:"decision"`
	Platform          event.Platform `json:"platform"`
	Network           string         `json:"network,omitempty"`
	Coherence         float64        `json:"coherence_score"`
	HumanNoise        float64        `json:"human_noise_score"`
	PerfectionScore   float64        `json:"perfection_score"`
	PerfectionPenalty float64        `json:"perfection_penalty"`
	TemporalVariance  float64        `json:"temporal_variance"`
	ClickIDScore      float64        `json:"click_id_score"`
	EconomicValue     bool           `json:"economic_value"`
	Factors           Factors        `json:"factors"`
	Reasoning         []string       `json:"reasoning"`
}

func (a *Assessment) reason(format string, args ...any) {
	a.Reasoning = append(a.Reasoning, fmt.Sprintf(format, args...))
}

// Input is everything Assess reads.
type Input struct {
	Request        event.RequestContext
	ClickID        clickid.Evidence
	Contradictions contradiction.Result
	Layers         detection.LayerReport
}

// Engine scores requests. The zero value has no high-trust network.
type Engine struct {
	HighTrustNetwork string
}

func NewEngine(highTrustNetwork string) *Engine {
	return &Engine{HighTrustNetwork: highTrustNetwork}
}

// Assess runs the decision state machine. Identical input always produces
// an identical assessment, reasoning included.
func (e *Engine) Assess(in Input) Assessment {
	rc := in.Request
	ev := in.ClickID
	platform := rc.Platform
	if platform == "" {
		platform = event.PlatformUnknown
	}
	prof := ProfileFor(platform)

	a := Assessment{
		Platform:     platform,
		Network:      ev.Network,
		ClickIDScore: ev.Score(),
	}
	a.reason("platform=%s base_trust=%.2f", platform, prof.BaseTrust)

	switch {
	case ev.HasError(clickid.CodeRulesUnavailable):
		a.FinalRisk = absentRisk
		a.Decision = DecisionSafe
		a.reason("network rules unavailable: failing closed")
		return a

	case !ev.HasClickID:
		a.fillSubScores(rc, in, prof)
		a.FinalRisk = absentRisk
		a.Decision = DecisionSafe
		if a.Coherence > noValueMinCoherence && a.HumanNoise > noValueMinNoise {
			a.Decision = DecisionHumanNoValue
		}
		a.reason("no click id: coherence=%.3f human_noise=%.3f", a.Coherence, a.HumanNoise)
		a.reason("decision=%s risk=%.3f", a.Decision, a.FinalRisk)
		return a

	case !ev.IsValid:
		a.fillSubScores(rc, in, prof)
		a.FinalRisk = invalidRisk
		a.Decision = DecisionSafe
		a.reason("click id %s invalid: %v", ev.Network, ev.Errors)
		a.reason("decision=%s risk=%.3f", a.Decision, a.FinalRisk)
		return a
	}

	highTrust := ev.Network == e.HighTrustNetwork
	if highTrust && !in.Layers.IsDatacenter && !in.Layers.IsBot {
		a.FinalRisk = overrideRisk
		a.Decision = DecisionReal
		a.EconomicValue = true
		a.Coherence, a.HumanNoise, a.TemporalVariance = 1, 1, 1
		a.Factors = Factors{
			PlatformTrust:     prof.BaseTrust,
			HeaderCoherence:   1,
			BehaviorCoherence: 1,
			TimingNaturalness: 1,
			NavigationPattern: 1,
		}
		a.reason("valid %s click id, no datacenter or bot flag: deterministic override", ev.Network)
		a.reason("decision=%s risk=%.3f", a.Decision, a.FinalRisk)
		return a
	}

	a.EconomicValue = true
	a.fillSubScores(rc, in, prof)
	a.weighted(highTrust, in.Layers.PassedAll, prof)
	return a
}

func (a *Assessment) fillSubScores(rc event.RequestContext, in Input, prof Profile) {
	a.Coherence = coherence(rc, in.Contradictions)
	a.HumanNoise = humanNoise(rc)
	a.PerfectionScore = perfectionScore(rc, in.Layers.PassedAll)
	a.PerfectionPenalty = PerfectionPenalty(a.PerfectionScore)
	a.TemporalVariance = temporalVariance(rc)
	a.Factors = Factors{
		PlatformTrust:     prof.BaseTrust,
		HeaderCoherence:   headerCoherence(rc),
		BehaviorCoherence: behaviorCoherence(rc),
		TimingNaturalness: timingNaturalness(rc),
		NavigationPattern: navigationPattern(rc),
	}
}

func (a *Assessment) weighted(highTrust, passedAll bool, prof Profile) {
	w := generalWeights
	if highTrust {
		w = highTrustWeights
	}

	base := 1 - prof.BaseTrust
	ctx := ((1-a.Coherence)*w.Incoherence +
		(1-a.HumanNoise)*w.MissingNoise +
		a.PerfectionPenalty*w.Perfection +
		(1-math.Min(a.TemporalVariance, 1))*w.TemporalFlatness) * prof.ContextWeight
	a.reason("coherence=%.3f human_noise=%.3f perfection=%.3f penalty=%.3f temporal=%.3f",
		a.Coherence, a.HumanNoise, a.PerfectionScore, a.PerfectionPenalty, a.TemporalVariance)

	if !highTrust && a.Platform == event.PlatformDesktop && passedAll &&
		a.PerfectionPenalty < hardeningMaxPenalty && a.HumanNoise < prof.MinHumanNoise {
		ctx += desktopHardening
		a.reason("desktop hardening: clean request without human noise (+%.2f)", desktopHardening)
	}

	risk := baseShare*base + contextShare*ctx
	if highTrust {
		risk = math.Min(risk, highTrustRiskCap)
	}
	a.FinalRisk = round6(clamp(risk))
	a.reason("base=%.3f context=%.3f final=%.3f", base, ctx, a.FinalRisk)

	if highTrust {
		a.Decision = decideHighTrust(a.FinalRisk)
	} else {
		a.Decision = a.decideGeneral(prof)
	}
	a.reason("decision=%s", a.Decision)
}

func decideHighTrust(risk float64) Decision {
	switch {
	case risk <= highTrustRealMax:
		return DecisionReal
	case risk > highTrustSafeMin:
		return DecisionSafe
	}
	return DecisionSafeObserve
}

func (a *Assessment) decideGeneral(prof Profile) Decision {
	switch {
	case a.FinalRisk <= generalRealMax && a.HumanNoise >= prof.MinHumanNoise:
		if a.Platform == event.PlatformDesktop &&
			(a.HumanNoise < desktopRealMinNoise || a.Coherence < desktopRealMinCoherence) {
			a.reason("desktop real requires human_noise>=%.2f and coherence>=%.2f", desktopRealMinNoise, desktopRealMinCoherence)
			return DecisionSafeObserve
		}
		return DecisionReal
	case a.FinalRisk <= generalObserveMax:
		return DecisionSafeObserve
	}
	return DecisionSafe
}
