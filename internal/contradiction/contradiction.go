// Package contradiction looks for claimed request attributes that disagree
// with each other and turns each finding into a weighted human or bot signal.
package contradiction

import (
	"strings"

	"github.com/shortontech/clickgate/internal/event"
)

// Signal is one weighted observation. Weight is in [0,1].
type Signal struct {
	Type     string  `json:"type"`
	Expected string  `json:"expected"`
	Actual   string  `json:"actual"`
	Weight   float64 `json:"weight"`
	IsHuman  bool    `json:"is_human_indicator"`
}

// Result aggregates every signal raised for a request.
type Result struct {
	HasContradictions bool     `json:"has_contradictions"`
	Signals           []Signal `json:"signals"`
	HumanLikelihood   float64  `json:"human_likelihood"`
	BotLikelihood     float64  `json:"bot_likelihood"`
}

const (
	// SofteningFactor scales bot weights when the click carries economic value.
	SofteningFactor = 0.4
	// SignificantBotLikelihood is the bar bot evidence must clear when a
	// valid click identifier is present.
	SignificantBotLikelihood = 0.8
	// AuditMinWeight is the lowest weight persisted as an audit row.
	AuditMinWeight = 0.3
)

type check func(rc event.RequestContext, ua string) []Signal

var checks = []check{
	checkPlatformUA,
	checkLanguageGeo,
	checkHeaderOrder,
	checkTiming,
	checkFingerprint,
	checkNavigation,
	checkAccept,
}

// Analyze runs every check against rc. hasValidClickID enables softening of
// bot weights and raises the bar for HasContradictions. It never fails; a
// request with nothing to inspect yields an even 0.5/0.5 split.
func Analyze(rc event.RequestContext, hasValidClickID bool) Result {
	ua := userAgent(rc)
	var signals []Signal
	for _, c := range checks {
		signals = append(signals, c(rc, ua)...)
	}

	if hasValidClickID {
		for i := range signals {
			if !signals[i].IsHuman {
				signals[i].Weight *= SofteningFactor
			}
		}
	}

	return aggregate(signals, hasValidClickID)
}

func aggregate(signals []Signal, hasValidClickID bool) Result {
	var human, bot float64
	botSignals := 0
	for _, s := range signals {
		if s.IsHuman {
			human += s.Weight
		} else {
			bot += s.Weight
			botSignals++
		}
	}

	r := Result{Signals: signals, HumanLikelihood: 0.5, BotLikelihood: 0.5}
	if total := human + bot; total > 0 {
		r.HumanLikelihood = human / total
		r.BotLikelihood = bot / total
	}

	r.HasContradictions = botSignals > 0
	if hasValidClickID {
		r.HasContradictions = botSignals > 0 && r.BotLikelihood > SignificantBotLikelihood
	}
	return r
}

// AuditSignals returns the signals heavy enough to persist.
func (r Result) AuditSignals() []Signal {
	var out []Signal
	for _, s := range r.Signals {
		if s.Weight >= AuditMinWeight {
			out = append(out, s)
		}
	}
	return out
}

// BotSignals counts signals pointing at automation.
func (r Result) BotSignals() int {
	n := 0
	for _, s := range r.Signals {
		if !s.IsHuman {
			n++
		}
	}
	return n
}

func userAgent(rc event.RequestContext) string {
	if ua := strings.TrimSpace(rc.UserAgent); ua != "" {
		return ua
	}
	return rc.Headers.Get("User-Agent")
}

// ExpectedLanguages maps a country code to accept-language fragments a local
// browser is expected to send.
var ExpectedLanguages = map[string][]string{
	"BR": {"pt", "pt-br", "portuguese"},
	"US": {"en", "en-us", "english"},
	"ES": {"es", "es-es", "spanish"},
	"FR": {"fr", "fr-fr", "french"},
	"DE": {"de", "de-de", "german"},
	"IT": {"it", "it-it", "italian"},
	"JP": {"ja", "jp", "japanese"},
	"CN": {"zh", "cn", "chinese"},
	"RU": {"ru", "russian"},
	"PT": {"pt", "pt-pt", "portuguese"},
	"MX": {"es", "es-mx", "spanish"},
	"AR": {"es", "es-ar", "spanish"},
}

// LanguageMatch reports whether country has an entry in ExpectedLanguages
// and, if so, whether acceptLanguage mentions one of its languages.
func LanguageMatch(country, acceptLanguage string) (known, match bool) {
	langs, ok := ExpectedLanguages[strings.ToUpper(strings.TrimSpace(country))]
	if !ok {
		return false, false
	}
	al := strings.ToLower(acceptLanguage)
	for _, l := range langs {
		if strings.Contains(al, l) {
			return true, true
		}
	}
	return true, false
}
