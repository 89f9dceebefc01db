package risk

import (
	"math"
	"regexp"
	"strings"

	"github.com/shortontech/clickgate/internal/contradiction"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
)

var (
	mobileClaimUA  = regexp.MustCompile(`mobile|android|iphone|ipad`)
	desktopClaimUA = regexp.MustCompile(`mobile|android|iphone`)

	keyHeaders      = []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"}
	standardHeaders = []string{"Host", "User-Agent", "Accept", "Accept-Language", "Accept-Encoding", "Connection"}
)

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func userAgent(rc event.RequestContext) string {
	if rc.UserAgent != "" {
		return rc.UserAgent
	}
	return rc.Headers.Get("User-Agent")
}

func hasReferer(rc event.RequestContext) bool {
	return rc.HasReferer() || rc.Headers.Get("Referer") != ""
}

func previousRequests(rc event.RequestContext) int {
	if rc.Session == nil {
		return 0
	}
	return rc.Session.PreviousRequests
}

func pagesVisited(rc event.RequestContext) int {
	if rc.Session == nil {
		return 0
	}
	return len(rc.Session.PagesVisited)
}

func headerCoherence(rc event.RequestContext) float64 {
	s := coherenceStart
	present := 0
	for _, h := range keyHeaders {
		if rc.Headers.Get(h) != "" {
			present++
		}
	}
	s += headerPresenceBonus * float64(present) / float64(len(keyHeaders))

	if len(rc.Headers) > 0 && detection.CaseConsistency(rc.Headers.Keys()) < caseMixTolerance {
		s -= caseMixPenalty
	}
	if strings.EqualFold(rc.Headers.Get("X-Requested-With"), "XMLHttpRequest") && !hasReferer(rc) {
		s -= ajaxWithoutRefererCost
	}
	return clamp(s)
}

func behaviorCoherence(rc event.RequestContext) float64 {
	s := coherenceStart
	if rc.NavigationDepth > 0 {
		s += depthBonus
	}
	if hasReferer(rc) {
		s += refererBonus
	}
	if previousRequests(rc) > 1 {
		s += repeatVisitorBonus
	}
	if pagesVisited(rc) > 1 {
		s += multiPageBonus
	}
	return clamp(s)
}

// coherence blends header and behavior agreement and subtracts for claims
// the request contradicts.
func coherence(rc event.RequestContext, contradictions contradiction.Result) float64 {
	s := ((coherenceStart+headerCoherence(rc))/2 + behaviorCoherence(rc)) / 2

	ua := strings.ToLower(userAgent(rc))
	switch rc.Platform {
	case event.PlatformMobile:
		if !mobileClaimUA.MatchString(ua) {
			s -= mobileClaimMismatchCost
		}
	case event.PlatformDesktop:
		if desktopClaimUA.MatchString(ua) {
			s -= desktopClaimMobileCost
		}
	}

	if al := rc.Headers.Get("Accept-Language"); al != "" {
		if known, match := contradiction.LanguageMatch(rc.Country, al); known && !match {
			s -= languageMismatchCost
		}
	}
	if contradictions.HasContradictions {
		s -= contradictionCost
	}
	return clamp(s)
}

func humanNoise(rc event.RequestContext) float64 {
	var s float64
	if sess := rc.Session; sess != nil {
		if sess.HasScrolled {
			s += noiseScroll
		}
		if sess.HasMouseMovement {
			s += noiseMouse
		}
		if sess.HasFocusBlur {
			s += noiseFocusBlur
		}
		if sess.ViewportChanges > 0 {
			s += noiseViewport
		}
	}
	if avg, ok := rc.AvgInterval(); ok && avg > naturalIntervalLo && avg < naturalIntervalHi {
		s += noiseInterval
	}
	if detection.IsDetailedUA(userAgent(rc)) {
		s += noiseDetailedUA
	}
	if hasReferer(rc) {
		s += noiseReferer
	}
	s += noisePerDepth * float64(min(rc.NavigationDepth, noiseDepthCap))
	return math.Min(1, s)
}

// perfectionScore adds up indicators of a request that looks too ideal.
func perfectionScore(rc event.RequestContext, passedAll bool) float64 {
	var s float64
	if passedAll {
		s += perfectPassedAll
	}
	if n := len(rc.Headers); n >= idealHeaderMin && n <= idealHeaderMax {
		s += perfectHeaderCount
	}
	if ms, ok := rc.LatencyMS(); ok && ms >= idealLatencyMin && ms <= idealLatencyMax {
		s += perfectLatency
	}
	allStandard := true
	for _, h := range standardHeaders {
		if !rc.Headers.Has(h) {
			allStandard = false
			break
		}
	}
	if allStandard {
		s += perfectStdHeaders
	}
	if !hasReferer(rc) && rc.NavigationDepth == 0 {
		s += perfectNoTrail
	}
	if steadyIntervals(rc) {
		s += perfectSteadyInterval
	}
	return round6(s)
}

// PerfectionPenalty maps a perfection score onto a risk penalty. It is zero
// up to 0.5, rises with slope 0.5 to 0.7, then with slope 2, capped at 1.
func PerfectionPenalty(score float64) float64 {
	var p float64
	switch {
	case score <= penaltyKnee:
		return 0
	case score <= penaltySteepKnee:
		p = (score - penaltyKnee) * penaltyLowSlope
	default:
		p = (penaltySteepKnee-penaltyKnee)*penaltyLowSlope + (score-penaltySteepKnee)*penaltyHighSlope
	}
	return round6(math.Min(1, p))
}

// steadyIntervals reports a measured, near-constant request interval. A
// session without a spread (average only, or a single interval) never counts.
func steadyIntervals(rc event.RequestContext) bool {
	avg, ok := rc.AvgInterval()
	if !ok || rc.Session.PreviousRequests < steadyIntervalMinRequests || rc.Session.IntervalStdDev <= 0 {
		return false
	}
	return rc.Session.IntervalStdDev/avg < steadyIntervalCV
}

// temporalVariance rates the session's inter-request timing.
func temporalVariance(rc event.RequestContext) float64 {
	avg, ok := rc.AvgInterval()
	switch {
	case !ok:
		return 0
	case avg < temporalBurstMS:
		return 0
	case avg > temporalIdleMS:
		return temporalIdleScore
	case avg >= temporalHumanLoMS && avg <= temporalHumanHiMS:
		return temporalHumanScore
	}
	return temporalOtherScore
}

func timingNaturalness(rc event.RequestContext) float64 {
	avg, ok := rc.AvgInterval()
	switch {
	case !ok:
		return timingUnknown
	case avg >= timingIdealLoMS && avg <= timingIdealHiMS:
		return timingIdeal
	case avg >= timingGoodLoMS && avg <= timingGoodHiMS:
		return timingGood
	case avg >= timingFairLoMS && avg <= timingFairHiMS:
		return timingFair
	case avg < timingScriptedMS:
		return timingScripted
	}
	return timingOther
}

func navigationPattern(rc event.RequestContext) float64 {
	s := navigationBase
	if hasReferer(rc) {
		s += navigationReferer
	}
	s += navigationPerDepth * float64(min(rc.NavigationDepth, navigationDepthCap))
	if pagesVisited(rc) > 1 {
		s += navigationMultiPage
	}
	return math.Min(1, s)
}
