package detection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shortontech/clickgate/internal/event"
)

var titleCaseKey = regexp.MustCompile(`^[A-Z][a-z]+(-[A-Z][a-z]+)*$`)

// AnalyzeHeaders performs HTTP header analysis
func AnalyzeHeaders(h event.Headers) HeaderAnalysis {
	return HeaderAnalysis{
		MissingExpected:   checkMissingHeaders(h),
		AutomationHeaders: detectAutomationHeaders(h),
		HeaderCount:       len(h),
		Fingerprint:       Fingerprint(h),
	}
}

// detectAutomationHeaders checks for automation tool signatures in header values
func detectAutomationHeaders(h event.Headers) []string {
	var found []string
	keywords := []string{"headless", "selenium", "webdriver", "puppeteer", "playwright"}
	for _, hd := range h {
		lower := strings.ToLower(hd.Value)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				found = append(found, fmt.Sprintf("%s: %s", hd.Key, hd.Value))
				break
			}
		}
	}
	for _, name := range []string{"X-DevTools-Emulate-Network-Conditions-Client-Id", "Chrome-Proxy"} {
		if h.Has(name) {
			found = append(found, name)
		}
	}
	return found
}

func checkMissingHeaders(h event.Headers) []string {
	var missing []string
	for _, expected := range []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"} {
		if h.Get(expected) == "" {
			missing = append(missing, expected)
		}
	}
	return missing
}

// OrderConformance compares the first len(canonical) header positions with a
// canonical order. A header counts as in place when it sits within tolerance
// slots of its canonical index. The result is matches/checked, and checked
// is zero when none of the leading headers appear in canonical.
func OrderConformance(keys, canonical []string, tolerance int) (score float64, checked int) {
	index := make(map[string]int, len(canonical))
	for i, k := range canonical {
		index[k] = i
	}
	matched := 0
	for i := 0; i < len(keys) && i < len(canonical); i++ {
		want, ok := index[keys[i]]
		if !ok {
			continue
		}
		checked++
		if abs(want-i) <= tolerance {
			matched++
		}
	}
	if checked == 0 {
		return 0, 0
	}
	return float64(matched) / float64(checked), checked
}

// OrderEntropy is the share of all header keys found within tolerance slots
// of their position in canonical.
func OrderEntropy(keys, canonical []string, tolerance int) float64 {
	if len(keys) == 0 {
		return 0
	}
	index := make(map[string]int, len(canonical))
	for i, k := range canonical {
		index[k] = i
	}
	matched := 0
	for i, k := range keys {
		if want, ok := index[k]; ok && abs(want-i) <= tolerance {
			matched++
		}
	}
	return float64(matched) / float64(len(keys))
}

// CaseConsistency is the share of keys following the dominant casing style
// (upper, lower or Title-Case). Empty input is fully consistent.
func CaseConsistency(keys []string) float64 {
	if len(keys) == 0 {
		return 1
	}
	var upper, lower, title int
	for _, k := range keys {
		if k == strings.ToUpper(k) {
			upper++
		}
		if k == strings.ToLower(k) {
			lower++
		}
		if titleCaseKey.MatchString(k) {
			title++
		}
	}
	return float64(max(upper, lower, title)) / float64(len(keys))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
