package contradiction

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/internal/event/detection"
)

var (
	mobileToken   = regexp.MustCompile(`android|iphone|mobile`)
	tabletToken   = regexp.MustCompile(`tablet|ipad`)
	desktopOS     = regexp.MustCompile(`windows nt|macintosh|linux x86_64`)
	chromeToken   = regexp.MustCompile(`chrome/(\d+)`)
	safariToken   = regexp.MustCompile(`safari/(\d+)`)
	safariBuild   = regexp.MustCompile(`safari/\d{3}`)
	edgeOrOpera   = regexp.MustCompile(`edg|opr`)
	canonicalKeys = []string{
		"HOST", "CONNECTION", "UPGRADE-INSECURE-REQUESTS", "USER-AGENT",
		"ACCEPT", "ACCEPT-ENCODING", "ACCEPT-LANGUAGE",
	}
)

const orderTolerance = 2

func bot(typ, expected, actual string, w float64) Signal {
	return Signal{Type: typ, Expected: expected, Actual: actual, Weight: w}
}

func human(typ, expected, actual string, w float64) Signal {
	return Signal{Type: typ, Expected: expected, Actual: actual, Weight: w, IsHuman: true}
}

func checkPlatformUA(rc event.RequestContext, ua string) []Signal {
	lua := strings.ToLower(ua)
	var out []Signal

	switch rc.Platform {
	case event.PlatformDesktop:
		if mobileToken.MatchString(lua) && !tabletToken.MatchString(lua) {
			out = append(out, bot("platform_ua_mismatch", "desktop user-agent", "mobile user-agent", 0.7))
		}
		if strings.Contains(lua, "linux") && strings.Contains(lua, "windows nt") {
			out = append(out, bot("ua_self_contradiction", "single operating system", "linux and windows", 0.9))
		}
	case event.PlatformMobile:
		if desktopOS.MatchString(lua) && !strings.Contains(lua, "mobile") {
			out = append(out, bot("platform_ua_mismatch", "mobile user-agent", "desktop user-agent", 0.6))
		}
	}

	c := chromeToken.FindStringSubmatch(lua)
	s := safariToken.FindStringSubmatch(lua)
	if c != nil && s != nil {
		if major, _ := strconv.Atoi(c[1]); major > 90 && safariBuild.MatchString(lua) {
			out = append(out, human("ua_version_natural", "current chrome build", "chrome/"+c[1], 0.3))
		}
	}
	return out
}

func checkLanguageGeo(rc event.RequestContext, _ string) []Signal {
	al := strings.ToLower(strings.TrimSpace(rc.Headers.Get("Accept-Language")))
	if al == "" {
		return nil
	}
	var out []Signal

	country := strings.ToUpper(rc.Country)
	if known, match := LanguageMatch(country, al); known {
		expected := strings.Join(ExpectedLanguages[country], "|")
		if match {
			out = append(out, human("lang_geo_match", expected, al, 0.2))
		} else {
			out = append(out, bot("lang_geo_mismatch", expected, al, 0.4))
		}
	}

	if parts := strings.Split(al, ","); len(parts) >= 2 && len(parts) <= 5 {
		out = append(out, human("multi_lang_natural", "2-5 weighted languages", strconv.Itoa(len(parts)), 0.25))
	}
	return out
}

func checkHeaderOrder(rc event.RequestContext, _ string) []Signal {
	if len(rc.Headers) == 0 {
		return nil
	}
	var out []Signal

	score, checked := detection.OrderConformance(rc.Headers.NormalizedKeys(), canonicalKeys, orderTolerance)
	actual := fmt.Sprintf("%.2f of %d", score, checked)
	switch {
	case checked > 0 && score > 0.8:
		out = append(out, human("header_order_typical", "browser header order", actual, 0.2))
	case score < 0.3:
		out = append(out, bot("header_order_atypical", "browser header order", actual, 0.5))
	}

	consistency := detection.CaseConsistency(rc.Headers.Keys())
	switch {
	case consistency < 0.7:
		out = append(out, bot("header_case_inconsistent", "one casing style", fmt.Sprintf("%.2f", consistency), 0.3))
	case consistency == 1:
		out = append(out, human("header_case_consistent", "one casing style", "1.00", 0.1))
	}
	return out
}

func checkTiming(rc event.RequestContext, _ string) []Signal {
	ms, ok := rc.LatencyMS()
	if !ok {
		return nil
	}
	actual := fmt.Sprintf("%.0fms", ms)
	switch {
	case ms < 50:
		return []Signal{bot("timing_too_fast", ">=50ms", actual, 0.6)}
	case ms >= 200 && ms <= 2000:
		return []Signal{human("timing_natural", "200-2000ms", actual, 0.15)}
	}
	return nil
}

func checkFingerprint(rc event.RequestContext, ua string) []Signal {
	lua := strings.ToLower(ua)
	var out []Signal

	isChrome := strings.Contains(lua, "chrome") && !edgeOrOpera.MatchString(lua)
	if isChrome && !rc.Headers.Has("Sec-CH-UA") {
		if detection.AnalyzeUserAgent(ua).MajorVersion >= 90 {
			out = append(out, bot("missing_sec_ch_ua", "sec-ch-ua present", "missing", 0.4))
		}
	}

	ae := strings.ToLower(rc.Headers.Get("Accept-Encoding"))
	if isChrome && ae != "" && !strings.Contains(ae, "br") {
		out = append(out, bot("missing_brotli", "br in accept-encoding", ae, 0.3))
	}

	if strings.Contains(lua, "firefox") && rc.Headers.Get("DNT") == "1" {
		out = append(out, human("firefox_dnt", "dnt", "1", 0.2))
	}
	return out
}

func checkNavigation(rc event.RequestContext, _ string) []Signal {
	referer := rc.Referer
	if referer == "" {
		referer = rc.Headers.Get("Referer")
	}

	if referer == "" {
		path := rc.Path
		if path != "" && path != "/" && !strings.Contains(strings.ToLower(path), "index") {
			return []Signal{bot("deep_direct_access", "referer on deep link", path, 0.35)}
		}
		return nil
	}

	host := hostOnly(rc.Headers.Get("Host"))
	u, err := url.Parse(referer)
	if err != nil || host == "" {
		return nil
	}
	rh := strings.ToLower(u.Hostname())
	if rh == host || strings.HasSuffix(rh, "."+host) {
		return []Signal{human("internal_referer", host, rh, 0.25)}
	}
	return nil
}

func checkAccept(rc event.RequestContext, _ string) []Signal {
	var out []Signal
	accept := strings.ToLower(strings.TrimSpace(rc.Headers.Get("Accept")))
	switch {
	case accept == "*/*":
		out = append(out, bot("generic_accept", "structured accept", accept, 0.4))
	case strings.Contains(accept, "text/html") && strings.Contains(accept, "application/xhtml+xml"):
		out = append(out, human("browser_accept", "structured accept", "text/html+xhtml", 0.15))
	}
	if strings.Contains(strings.ToLower(rc.Headers.Get("Connection")), "keep-alive") {
		out = append(out, human("keepalive_connection", "keep-alive", "keep-alive", 0.1))
	}
	return out
}

func hostOnly(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}
