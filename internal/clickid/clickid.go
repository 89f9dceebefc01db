// Package clickid validates ad-network click identifiers. A valid, first-seen
// click identifier is the only proof of economic value the pipeline accepts.
package clickid

import (
	"net/url"

	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
	"github.com/shortontech/clickgate/pkg/config"
)

// Validation error codes. They are reported, never returned as Go errors.
const (
	CodeNoClickID           = "no_click_id"
	CodeTooShort            = "click_id_too_short"
	CodeTooLong             = "click_id_too_long"
	CodeLowEntropy          = "low_entropy"
	CodeRefererMismatch     = "referer_mismatch"
	CodeSuspiciousPattern   = "suspicious_pattern"
	CodeExcessiveRepetition = "excessive_repetition"
	CodeReused              = "reused"
	CodeRulesUnavailable    = "rules_unavailable"
)

// maxRun is the longest run of one character tolerated in an identifier.
const maxRun = 5

// Evidence is the validator's verdict for one request.
type Evidence struct {
	HasClickID   bool     `json:"has_click_id"`
	Network      string   `json:"network,omitempty"`
	Param        string   `json:"param,omitempty"`
	ClickID      string   `json:"click_id,omitempty"`
	Entropy      float64  `json:"entropy"`
	Length       int      `json:"length"`
	RefererMatch bool     `json:"referer_match"`
	Errors       []string `json:"errors,omitempty"`
	IsValid      bool     `json:"is_valid"`
	Reused       bool     `json:"reused,omitempty"`
	HitCount     int64    `json:"hit_count,omitempty"`
}

// Score maps the evidence onto the risk engine's click-id sub-score.
func (e Evidence) Score() float64 {
	switch {
	case !e.HasClickID:
		return 0
	case !e.IsValid:
		return 0.2
	}
	return 1
}

// HasError reports whether code was recorded.
func (e Evidence) HasError(code string) bool {
	for _, c := range e.Errors {
		if c == code {
			return true
		}
	}
	return false
}

// Validate picks the highest-priority click parameter present in query and
// checks it against its rule. The referer comes from the Referer header,
// falling back to the misspelt Referrer.
func Validate(query url.Values, headers event.Headers, rules []config.NetworkRule) Evidence {
	referer := headers.Get("Referer")
	if referer == "" {
		referer = headers.Get("Referrer")
	}
	return evaluate(query, referer, rules)
}

func evaluate(query url.Values, referer string, rules []config.NetworkRule) Evidence {
	rule, value, ok := selectRule(query, rules)
	if !ok {
		return Evidence{Errors: []string{CodeNoClickID}}
	}

	ev := Evidence{
		HasClickID: true,
		Network:    rule.Network,
		Param:      rule.ClickIDParam,
		ClickID:    value,
		Entropy:    detection.Entropy(value),
		Length:     len([]rune(value)),
	}

	if ev.Length < rule.MinLength {
		ev.Errors = append(ev.Errors, CodeTooShort)
	}
	if ev.Length > rule.MaxLength {
		ev.Errors = append(ev.Errors, CodeTooLong)
	}
	if ev.Entropy < rule.MinEntropy {
		ev.Errors = append(ev.Errors, CodeLowEntropy)
	}

	// A missing referer is normal for in-app browsers, so it only counts
	// against rules that explicitly require one.
	ev.RefererMatch = refererMatches(rule, referer)
	if rule.RequiresReferer && !ev.RefererMatch {
		ev.Errors = append(ev.Errors, CodeRefererMismatch)
	}

	if onlyLowerLetters(value) || onlyDigits(value) {
		ev.Errors = append(ev.Errors, CodeSuspiciousPattern)
	}
	if longestRun(value) > maxRun {
		ev.Errors = append(ev.Errors, CodeExcessiveRepetition)
	}

	ev.IsValid = len(ev.Errors) == 0
	return ev
}

// selectRule returns the highest-priority rule whose parameter is present
// with a non-empty value.
func selectRule(query url.Values, rules []config.NetworkRule) (config.NetworkRule, string, bool) {
	sorted := make([]config.NetworkRule, len(rules))
	copy(sorted, rules)
	config.SortRules(sorted)

	for _, r := range sorted {
		if !r.IsEnabled() {
			continue
		}
		if v := query.Get(r.ClickIDParam); v != "" {
			return r, v, true
		}
	}
	return config.NetworkRule{}, "", false
}

func refererMatches(rule config.NetworkRule, referer string) bool {
	re, err := rule.RefererRegexp()
	if err != nil {
		return false
	}
	if re == nil {
		return true
	}
	if referer == "" {
		return false
	}
	return re.MatchString(referer)
}

func onlyLowerLetters(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return s != ""
}

func onlyDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func longestRun(s string) int {
	best, run := 0, 0
	var prev rune
	for i, r := range []rune(s) {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		best = max(best, run)
	}
	return best
}
