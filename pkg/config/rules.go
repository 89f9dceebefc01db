package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is returned when a network rule fails validation.
var ErrInvalidRule = errors.New("invalid network rule")

// NetworkRule describes how one ad network's click identifier is validated.
type NetworkRule struct {
	Network         string  `yaml:"network" json:"network"`
	ClickIDParam    string  `yaml:"click_id_param" json:"click_id_param"`
	MinLength       int     `yaml:"min_length" json:"min_length"`
	MaxLength       int     `yaml:"max_length" json:"max_length"`
	MinEntropy      float64 `yaml:"min_entropy" json:"min_entropy"`
	RequiresReferer bool    `yaml:"requires_referer" json:"requires_referer"`
	RefererPattern  string  `yaml:"referer_pattern" json:"referer_pattern,omitempty"`
	Priority        int     `yaml:"priority" json:"priority"`
	Enabled         *bool   `yaml:"enabled" json:"enabled,omitempty"`

	referer *regexp.Regexp
}

// IsEnabled treats a missing enabled key as true.
func (r NetworkRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RefererRegexp returns the compiled, case-insensitive referer pattern, or
// nil when none is set.
func (r NetworkRule) RefererRegexp() (*regexp.Regexp, error) {
	if r.referer != nil {
		return r.referer, nil
	}
	if r.RefererPattern == "" {
		return nil, nil
	}
	return regexp.Compile("(?i)" + r.RefererPattern)
}

// Validate checks bounds and compiles the referer pattern.
func (r *NetworkRule) Validate() error {
	switch {
	case strings.TrimSpace(r.Network) == "":
		return fmt.Errorf("%w: network is empty", ErrInvalidRule)
	case strings.TrimSpace(r.ClickIDParam) == "":
		return fmt.Errorf("%w: %s: click_id_param is empty", ErrInvalidRule, r.Network)
	case r.MinLength <= 0 || r.MaxLength < r.MinLength:
		return fmt.Errorf("%w: %s: length bounds [%d,%d]", ErrInvalidRule, r.Network, r.MinLength, r.MaxLength)
	case r.MinEntropy < 0:
		return fmt.Errorf("%w: %s: negative min_entropy", ErrInvalidRule, r.Network)
	case r.RequiresReferer && r.RefererPattern == "":
		return fmt.Errorf("%w: %s: requires_referer without referer_pattern", ErrInvalidRule, r.Network)
	}
	if r.RefererPattern != "" {
		re, err := regexp.Compile("(?i)" + r.RefererPattern)
		if err != nil {
			return fmt.Errorf("%w: %s: referer_pattern: %v", ErrInvalidRule, r.Network, err)
		}
		r.referer = re
	}
	return nil
}

// SortRules orders rules by descending priority. Ties keep file order.
func SortRules(rules []NetworkRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []NetworkRule {
	rules := []NetworkRule{
		{Network: "google_ads", ClickIDParam: "gclid", MinLength: 20, MaxLength: 200, MinEntropy: 3.5, Priority: 100},
		{Network: "google_ads_ios", ClickIDParam: "gbraid", MinLength: 20, MaxLength: 200, MinEntropy: 3.0, Priority: 95},
		{Network: "google_ads_ios", ClickIDParam: "wbraid", MinLength: 20, MaxLength: 200, MinEntropy: 3.0, Priority: 94},
		{Network: "meta_ads", ClickIDParam: "fbclid", MinLength: 20, MaxLength: 500, MinEntropy: 3.0, Priority: 90},
		{Network: "microsoft_ads", ClickIDParam: "msclkid", MinLength: 20, MaxLength: 64, MinEntropy: 3.0, Priority: 80},
		{Network: "tiktok_ads", ClickIDParam: "ttclid", MinLength: 20, MaxLength: 200, MinEntropy: 3.0, Priority: 70},
		{Network: "generic", ClickIDParam: "click_id", MinLength: 10, MaxLength: 200, MinEntropy: 2.5, Priority: 10},
	}
	SortRules(rules)
	return rules
}

type ruleFile struct {
	Rules []NetworkRule `yaml:"rules"`
}

// ParseRules decodes and validates a YAML rule document. Disabled rules are dropped.
func ParseRules(data []byte) ([]NetworkRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidRule, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules defined", ErrInvalidRule)
	}
	out := make([]NetworkRule, 0, len(f.Rules))
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := f.Rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ClickIDParam] {
			return nil, fmt.Errorf("%w: duplicate click_id_param %q", ErrInvalidRule, r.ClickIDParam)
		}
		seen[r.ClickIDParam] = true
		if r.IsEnabled() {
			out = append(out, r)
		}
	}
	SortRules(out)
	return out, nil
}

// LoadRules reads rules from path, or returns DefaultRules when path is empty.
func LoadRules(path string) ([]NetworkRule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// RuleSource hands the active rule set to request-time code. A source that
// failed to load keeps returning its load error.
type RuleSource interface {
	Rules() ([]NetworkRule, error)
}

type staticRules struct {
	rules []NetworkRule
	err   error
}

func (s staticRules) Rules() ([]NetworkRule, error) { return s.rules, s.err }

// StaticRules wraps an already validated rule set.
func StaticRules(rules []NetworkRule) RuleSource {
	return staticRules{rules: rules}
}

// FailedRules is a source that always reports err.
func FailedRules(err error) RuleSource {
	return staticRules{err: err}
}

// NewRuleSource loads path once. Load errors are kept so callers fail closed.
func NewRuleSource(path string) RuleSource {
	rules, err := LoadRules(path)
	if err != nil {
		return FailedRules(err)
	}
	return StaticRules(rules)
}
