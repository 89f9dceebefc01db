package event

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is what the edge router posts to /validate. Everything except the
// query is optional; BuildContext fills gaps from the HTTP request itself.
type Payload struct {
	RequestID       string             `json:"request_id,omitempty"`
	DomainID        string             `json:"domain_id,omitempty"`
	ParamKey        string             `json:"param_key,omitempty"` // legacy alias for domain_id
	IP              string             `json:"ip,omitempty"`
	UserAgent       string             `json:"user_agent,omitempty"`
	Headers         Headers            `json:"headers,omitempty"`
	Country         string             `json:"country,omitempty"`
	CountrySource   string             `json:"country_source,omitempty"`
	Query           map[string]string  `json:"query,omitempty"`
	RawQuery        string             `json:"raw_query,omitempty"`
	Path            string             `json:"path,omitempty"`
	Referer         string             `json:"referer,omitempty"`
	Platform        string             `json:"platform,omitempty"`
	NavigationDepth *int               `json:"navigation_depth,omitempty"`
	RequestStartMS  int64              `json:"request_start_ms,omitempty"` // unix millis at the edge
	Session         *SessionAggregates `json:"session,omitempty"`
}

// BuildContext turns a payload into the immutable per-request snapshot.
func BuildContext(r *http.Request, p Payload, trustProxy bool, now time.Time) RequestContext {
	rc := RequestContext{
		RequestID:      p.RequestID,
		DomainID:       p.DomainID,
		IP:             strings.TrimSpace(p.IP),
		UserAgent:      p.UserAgent,
		Headers:        p.Headers,
		Country:        strings.ToUpper(strings.TrimSpace(p.Country)),
		CountrySource:  p.CountrySource,
		Path:           p.Path,
		Referer:        p.Referer,
		ServerReceived: now,
		Session:        p.Session,
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	if rc.DomainID == "" {
		rc.DomainID = p.ParamKey
	}
	if len(rc.Headers) == 0 && r != nil {
		rc.Headers = FromHTTP(r.Header)
	}
	if rc.UserAgent == "" {
		rc.UserAgent = rc.Headers.Get("User-Agent")
	}
	if rc.IP == "" && r != nil {
		rc.IP = clientIPFromRequest(r, trustProxy)
	}
	if rc.Referer == "" {
		rc.Referer = rc.Headers.Get("Referer")
	}
	if rc.Referer == "" {
		rc.Referer = rc.Headers.Get("Referrer")
	}
	if rc.Path == "" {
		rc.Path = "/"
	}

	rc.Query = parseQuery(p.RawQuery, p.Query)

	rc.Platform = ParsePlatform(p.Platform)
	if rc.Platform == PlatformUnknown {
		rc.Platform = DetectPlatform(rc.UserAgent)
	}

	if p.NavigationDepth != nil {
		rc.NavigationDepth = *p.NavigationDepth
	} else {
		rc.NavigationDepth = URLDepth(rc.Path)
	}

	if p.RequestStartMS > 0 {
		rc.RequestStart = time.UnixMilli(p.RequestStartMS)
	}
	return rc
}

// parseQuery merges the raw query string with explicit key/value pairs.
// Explicit pairs win.
func parseQuery(raw string, kv map[string]string) url.Values {
	q, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil || q == nil {
		q = url.Values{}
	}
	for k, v := range kv {
		if v = strings.TrimSpace(v); v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func clientIPFromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
