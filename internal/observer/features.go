package observer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shortontech/clickgate/internal/clickid"
	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
)

// Pattern classifications.
const (
	ClassLegitimate = "legitimate"
	ClassSuspicious = "suspicious"
	ClassBlocked    = "blocked"
)

var (
	mobileUA  = regexp.MustCompile(`mobile|android|iphone|ipad|ipod|blackberry|windows phone`)
	crawlerUA = regexp.MustCompile(`bot|crawler|spider|scraper`)

	observedOrder = []string{
		"HOST", "USER-AGENT", "ACCEPT", "ACCEPT-LANGUAGE",
		"ACCEPT-ENCODING", "REFERER", "CONNECTION",
	}
)

// Features is the coarse per-request vector stored with a pattern. It holds
// no identifying values.
type Features struct {
	HourOfDay             int     `json:"hour_of_day"`
	DayOfWeek             int     `json:"day_of_week"`
	HasUserAgent          bool    `json:"has_user_agent"`
	HasReferer            bool    `json:"has_referer"`
	HasAcceptLanguage     bool    `json:"has_accept_language"`
	HeaderCount           int     `json:"header_count"`
	IsDirectAccess        bool    `json:"is_direct_access"`
	URLDepth              int     `json:"url_depth"`
	HasQueryParams        bool    `json:"has_query_params"`
	QueryParamCount       int     `json:"query_param_count"`
	BypassParamPresent    bool    `json:"bypass_param_present"`
	BypassParamValid      bool    `json:"bypass_param_valid"`
	IsMobile              bool    `json:"is_mobile"`
	PlatformCategory      string  `json:"platform_category"`
	HeaderOrderEntropy    float64 `json:"header_order_entropy"`
	HeaderCaseConsistency bool    `json:"header_case_consistency"`
}

// Extract derives the feature vector. at is read in UTC.
func Extract(rc event.RequestContext, ev clickid.Evidence, at time.Time) Features {
	at = at.UTC()
	ua := rc.UserAgent
	if ua == "" {
		ua = rc.Headers.Get("User-Agent")
	}
	lua := strings.ToLower(ua)
	hasUA := lua != "" && lua != "unknown"
	hasReferer := rc.HasReferer() || rc.Headers.Get("Referer") != ""
	isMobile := mobileUA.MatchString(lua)

	category := "unknown"
	switch {
	case crawlerUA.MatchString(lua):
		category = "bot"
	case isMobile:
		category = "mobile"
	case hasUA:
		category = "desktop"
	}

	return Features{
		HourOfDay:             at.Hour(),
		DayOfWeek:             int(at.Weekday()),
		HasUserAgent:          hasUA,
		HasReferer:            hasReferer,
		HasAcceptLanguage:     rc.Headers.Get("Accept-Language") != "",
		HeaderCount:           len(rc.Headers),
		IsDirectAccess:        !hasReferer,
		URLDepth:              event.URLDepth(rc.Path),
		HasQueryParams:        len(rc.Query) > 0,
		QueryParamCount:       len(rc.Query),
		BypassParamPresent:    ev.HasClickID,
		BypassParamValid:      ev.IsValid,
		IsMobile:              isMobile,
		PlatformCategory:      category,
		HeaderOrderEntropy:    detection.OrderEntropy(rc.Headers.NormalizedKeys(), observedOrder, 2),
		HeaderCaseConsistency: caseConsistent(rc.Headers.Keys()),
	}
}

// caseConsistent reports whether every key is upper case, every key lower
// case, or every dash-separated part of every key starts upper case.
func caseConsistent(keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	upper, lower, title := true, true, true
	for _, k := range keys {
		upper = upper && k == strings.ToUpper(k)
		lower = lower && k == strings.ToLower(k)
		for _, part := range strings.Split(k, "-") {
			if part == "" || part[:1] != strings.ToUpper(part[:1]) {
				title = false
			}
		}
	}
	return upper || lower || title
}

// bucket is the normalized form that gets hashed. Field order is part of
// the hash.
type bucket struct {
	TimeBucket         int    `json:"time_bucket"`
	DayType            string `json:"day_type"`
	HeaderCompleteness int    `json:"header_completeness"`
	NavigationDepth    int    `json:"navigation_depth"`
	BypassStatus       string `json:"bypass_status"`
	Platform           string `json:"platform"`
	HeaderCountBucket  int    `json:"header_count_bucket"`
	IsDirect           bool   `json:"is_direct"`
}

func (f Features) bucket() bucket {
	dayType := "weekday"
	if f.DayOfWeek == int(time.Saturday) || f.DayOfWeek == int(time.Sunday) {
		dayType = "weekend"
	}
	completeness := 0
	for _, ok := range []bool{f.HasUserAgent, f.HasReferer, f.HasAcceptLanguage} {
		if ok {
			completeness++
		}
	}
	return bucket{
		TimeBucket:         f.HourOfDay / 4,
		DayType:            dayType,
		HeaderCompleteness: completeness,
		NavigationDepth:    min(f.URLDepth, 5),
		BypassStatus:       fmt.Sprintf("%t_%t", f.BypassParamPresent, f.BypassParamValid),
		Platform:           f.PlatformCategory,
		HeaderCountBucket:  min(f.HeaderCount/5, 5),
		IsDirect:           f.IsDirectAccess,
	}
}

// NormalizedHash is the hex SHA-256 of the bucketed vector. Requests that
// differ only in raw values inside the same buckets share a hash.
func (f Features) NormalizedHash() string {
	b, _ := json.Marshal(f.bucket())
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Classify labels a request from its detection layers and click-id check.
// Only a request with a valid click-id that passed every layer is
// legitimate; a critical layer failure is blocked regardless of the click-id.
func Classify(layers detection.LayerReport, ev clickid.Evidence) string {
	switch {
	case layers.Critical():
		return ClassBlocked
	case layers.PassedAll && ev.IsValid:
		return ClassLegitimate
	}
	return ClassSuspicious
}

// ContextHash identifies the network and client context a pattern was seen
// from: the IP prefix, the user-agent and the header fingerprint.
func ContextHash(rc event.RequestContext) string {
	ua := rc.UserAgent
	if ua == "" {
		ua = rc.Headers.Get("User-Agent")
	}
	sum := sha256.Sum256([]byte(detection.IPPrefix(rc.IP) + "_" + ua + "_" + detection.Fingerprint(rc.Headers)))
	return hex.EncodeToString(sum[:])
}
