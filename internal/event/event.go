package event

import (
	"net/url"
	"strings"
	"time"
)

type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformDesktop Platform = "desktop"
	PlatformTablet  Platform = "tablet"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps caller supplied values onto the known set.
func ParsePlatform(s string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformMobile:
		return PlatformMobile
	case PlatformDesktop:
		return PlatformDesktop
	case PlatformTablet:
		return PlatformTablet
	}
	return PlatformUnknown
}

// RequestContext is the per-request snapshot every pipeline stage reads.
// Callers build it once and pass it by value.
type RequestContext struct {
	RequestID     string     `json:"request_id,omitempty"`
	DomainID      string     `json:"domain_id,omitempty"`
	IP            string     `json:"ip,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	Headers       Headers    `json:"headers,omitempty"`
	Country       string     `json:"country,omitempty"`
	CountrySource string     `json:"country_source,omitempty"`
	Query         url.Values `json:"query,omitempty"`
	Path          string     `json:"path,omitempty"`
	Platform      Platform   `json:"platform"`

	NavigationDepth int    `json:"navigation_depth"`
	Referer         string `json:"referer,omitempty"`

	RequestStart   time.Time `json:"request_start"`
	ServerReceived time.Time `json:"server_received"`

	Session *SessionAggregates `json:"session,omitempty"`
}

// SessionAggregates are behavior metrics gathered across earlier requests of
// the same visitor. Interval values are milliseconds.
type SessionAggregates struct {
	PreviousRequests       int      `json:"previous_requests,omitempty"`
	AvgTimeBetweenRequests float64  `json:"avg_time_between_requests,omitempty"`
	IntervalStdDev         float64  `json:"interval_stddev,omitempty"`
	PagesVisited           []string `json:"pages_visited,omitempty"`
	HasScrolled            bool     `json:"has_scrolled,omitempty"`
	HasMouseMovement       bool     `json:"has_mouse_movement,omitempty"`
	HasFocusBlur           bool     `json:"has_focus_blur,omitempty"`
	ViewportChanges        int      `json:"viewport_changes,omitempty"`
}

func (rc RequestContext) HasReferer() bool {
	return rc.Referer != ""
}

// LatencyMS is the time between the edge seeing the request and this
// process receiving it. ok is false when either timestamp is missing.
func (rc RequestContext) LatencyMS() (ms float64, ok bool) {
	if rc.RequestStart.IsZero() || rc.ServerReceived.IsZero() {
		return 0, false
	}
	return float64(rc.ServerReceived.Sub(rc.RequestStart).Microseconds()) / 1000, true
}

// AvgInterval returns the session's mean inter-request time, if known.
func (rc RequestContext) AvgInterval() (float64, bool) {
	if rc.Session == nil || rc.Session.AvgTimeBetweenRequests <= 0 {
		return 0, false
	}
	return rc.Session.AvgTimeBetweenRequests, true
}

// URLDepth counts non-empty path segments.
func URLDepth(path string) int {
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}
