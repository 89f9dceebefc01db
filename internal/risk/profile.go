package risk

import "github.com/shortontech/clickgate/internal/event"

// Profile holds the per-platform thresholds of the weighted model.
type Profile struct {
	BaseTrust     float64 `json:"base_trust"`
	MinHumanNoise float64 `json:"min_human_noise"`
	MaxPerfection float64 `json:"max_perfection"`
	ContextWeight float64 `json:"context_weight"`
}

var profiles = map[event.Platform]Profile{
	event.PlatformDesktop: {BaseTrust: 0.3, MinHumanNoise: 0.15, MaxPerfection: 0.7, ContextWeight: 1.5},
	event.PlatformMobile:  {BaseTrust: 0.6, MinHumanNoise: 0.05, MaxPerfection: 0.9, ContextWeight: 0.8},
	event.PlatformTablet:  {BaseTrust: 0.5, MinHumanNoise: 0.1, MaxPerfection: 0.8, ContextWeight: 1.0},
	event.PlatformUnknown: {BaseTrust: 0.2, MinHumanNoise: 0.2, MaxPerfection: 0.6, ContextWeight: 2.0},
}

// ProfileFor returns the profile for p; anything unrecognised is unknown.
func ProfileFor(p event.Platform) Profile {
	if prof, ok := profiles[p]; ok {
		return prof
	}
	return profiles[event.PlatformUnknown]
}

// contextWeights blends the four context components.
type contextWeights struct {
	Incoherence, MissingNoise, Perfection, TemporalFlatness float64
}

var (
	generalWeights   = contextWeights{0.25, 0.30, 0.25, 0.20}
	highTrustWeights = contextWeights{0.10, 0.10, 0.05, 0.05}
)

// Final risk blend.
const (
	baseShare    = 0.4
	contextShare = 0.6

	highTrustRiskCap    = 0.35
	overrideRisk        = 0.05
	absentRisk          = 1.0
	invalidRisk         = 0.9
	desktopHardening    = 0.3
	hardeningMaxPenalty = 0.1
)

// Decision thresholds.
const (
	highTrustRealMax = 0.5
	highTrustSafeMin = 0.7

	generalRealMax    = 0.3
	generalObserveMax = 0.5

	desktopRealMinNoise     = 0.2
	desktopRealMinCoherence = 0.7

	noValueMinCoherence = 0.5
	noValueMinNoise     = 0.3
)

// Perfection penalty curve.
const (
	penaltyKnee      = 0.5
	penaltySteepKnee = 0.7
	penaltyLowSlope  = 0.5
	penaltyHighSlope = 2.0
)

// Coherence adjustments.
const (
	coherenceStart          = 0.5
	headerPresenceBonus     = 0.3
	caseMixPenalty          = 0.1
	caseMixTolerance        = 0.7
	ajaxWithoutRefererCost  = 0.15
	depthBonus              = 0.1
	refererBonus            = 0.15
	repeatVisitorBonus      = 0.1
	multiPageBonus          = 0.1
	mobileClaimMismatchCost = 0.3
	desktopClaimMobileCost  = 0.2
	languageMismatchCost    = 0.1
	contradictionCost       = 0.1
)

// Human-noise indicator weights.
const (
	noiseScroll       = 0.1
	noiseMouse        = 0.15
	noiseFocusBlur    = 0.1
	noiseViewport     = 0.1
	noiseInterval     = 0.15
	noiseDetailedUA   = 0.05
	noiseReferer      = 0.1
	noisePerDepth     = 0.05
	noiseDepthCap     = 3
	naturalIntervalLo = 500.0
	naturalIntervalHi = 30000.0
)

// Perfection indicator weights.
const (
	perfectPassedAll      = 0.2
	perfectHeaderCount    = 0.15
	perfectLatency        = 0.15
	perfectStdHeaders     = 0.2
	perfectNoTrail        = 0.15
	perfectSteadyInterval = 0.15

	idealHeaderMin   = 8
	idealHeaderMax   = 15
	idealLatencyMin  = 100.0
	idealLatencyMax  = 500.0
	steadyIntervalCV = 0.1

	steadyIntervalMinRequests = 3
)

// Session timing bands, in milliseconds between requests.
const (
	temporalBurstMS    = 100.0
	temporalIdleMS     = 60000.0
	temporalHumanLoMS  = 1000.0
	temporalHumanHiMS  = 10000.0
	temporalIdleScore  = 0.5
	temporalHumanScore = 0.8
	temporalOtherScore = 0.4

	timingIdealLoMS  = 2000.0
	timingIdealHiMS  = 8000.0
	timingGoodLoMS   = 1000.0
	timingGoodHiMS   = 15000.0
	timingFairLoMS   = 500.0
	timingFairHiMS   = 30000.0
	timingScriptedMS = 200.0

	timingUnknown  = 0.5
	timingIdeal    = 0.9
	timingGood     = 0.7
	timingFair     = 0.5
	timingScripted = 0.1
	timingOther    = 0.3
)

// Navigation factor.
const (
	navigationBase      = 0.5
	navigationReferer   = 0.2
	navigationPerDepth  = 0.1
	navigationDepthCap  = 3
	navigationMultiPage = 0.15
)
