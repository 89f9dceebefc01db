package event

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBuildContext_Defaults(t *testing.T) {
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

	t.Run("fills gaps from the http request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/validate", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0")
		req.Header.Set("Referer", "https://shop.example/")

		rc := BuildContext(req, Payload{RawQuery: "?gclid=abc&x=1"}, false, now)

		if rc.RequestID == "" {
			t.Error("request id should be generated")
		}
		if rc.IP != "203.0.113.9" {
			t.Errorf("IP = %v, want 203.0.113.9", rc.IP)
		}
		if rc.Platform != PlatformDesktop {
			t.Errorf("Platform = %v, want desktop", rc.Platform)
		}
		if rc.Referer != "https://shop.example/" {
			t.Errorf("Referer = %v", rc.Referer)
		}
		if rc.Query.Get("gclid") != "abc" {
			t.Errorf("gclid = %v, want abc", rc.Query.Get("gclid"))
		}
		if rc.Path != "/" || rc.NavigationDepth != 0 {
			t.Errorf("Path/Depth = %v/%d", rc.Path, rc.NavigationDepth)
		}
		if !rc.ServerReceived.Equal(now) {
			t.Errorf("ServerReceived = %v, want %v", rc.ServerReceived, now)
		}
	})

	t.Run("payload values win", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/validate", nil)
		req.RemoteAddr = "10.0.0.1:1"
		depth := 2
		p := Payload{
			RequestID:       "req-1",
			ParamKey:        "dom-1",
			IP:              "198.51.100.4",
			UserAgent:       "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148",
			Country:         "br",
			Query:           map[string]string{"gclid": "from-map"},
			RawQuery:        "gclid=from-raw&utm_source=x",
			Path:            "/a/b/c",
			Platform:        "Tablet",
			NavigationDepth: &depth,
			RequestStartMS:  now.Add(-250 * time.Millisecond).UnixMilli(),
		}

		rc := BuildContext(req, p, true, now)

		if rc.RequestID != "req-1" || rc.DomainID != "dom-1" {
			t.Errorf("ids = %v/%v", rc.RequestID, rc.DomainID)
		}
		if rc.IP != "198.51.100.4" {
			t.Errorf("IP = %v", rc.IP)
		}
		if rc.Country != "BR" {
			t.Errorf("Country = %v, want BR", rc.Country)
		}
		if rc.Query.Get("gclid") != "from-map" || rc.Query.Get("utm_source") != "x" {
			t.Errorf("Query = %v", rc.Query)
		}
		if rc.Platform != PlatformTablet {
			t.Errorf("Platform = %v, want tablet", rc.Platform)
		}
		if rc.NavigationDepth != 2 {
			t.Errorf("NavigationDepth = %d, want 2", rc.NavigationDepth)
		}
		if ms, ok := rc.LatencyMS(); !ok || ms != 250 {
			t.Errorf("LatencyMS = %v, %v; want 250, true", ms, ok)
		}
	})

	t.Run("depth derived from path", func(t *testing.T) {
		rc := BuildContext(nil, Payload{Path: "/products/shoes/42"}, false, now)
		if rc.NavigationDepth != 3 {
			t.Errorf("NavigationDepth = %d, want 3", rc.NavigationDepth)
		}
		if _, ok := rc.LatencyMS(); ok {
			t.Error("latency should be unknown without request start")
		}
	})
}

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		ua   string
		want Platform
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148", PlatformMobile},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) Chrome/120.0 Mobile Safari/537.36", PlatformMobile},
		{"Mozilla/5.0 (Linux; Android 13; SM-X200 Tablet) Chrome/120.0 Safari/537.36", PlatformTablet},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36", PlatformDesktop},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15", PlatformDesktop},
		{"curl/8.4.0", PlatformUnknown},
		{"", PlatformUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want)+"/"+tt.ua, func(t *testing.T) {
			if got := DetectPlatform(tt.ua); got != tt.want {
				t.Errorf("DetectPlatform(%q) = %v, want %v", tt.ua, got, tt.want)
			}
		})
	}
}

func TestClientIPFromRequest(t *testing.T) {
	t.Run("returns RemoteAddr when proxy not trusted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.1")

		if ip := clientIPFromRequest(req, false); ip != "192.168.1.100" {
			t.Errorf("ip = %v, want 192.168.1.100", ip)
		}
	})

	t.Run("returns first X-Forwarded-For IP when proxy trusted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "  203.0.113.1  , 198.51.100.1")

		if ip := clientIPFromRequest(req, true); ip != "203.0.113.1" {
			t.Errorf("ip = %v, want 203.0.113.1", ip)
		}
	})

	t.Run("returns X-Real-IP when no X-Forwarded-For and proxy trusted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		req.Header.Set("X-Real-IP", " 203.0.113.5 ")

		if ip := clientIPFromRequest(req, true); ip != "203.0.113.5" {
			t.Errorf("ip = %v, want 203.0.113.5", ip)
		}
	})

	t.Run("handles RemoteAddr without port", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.168.1.100"

		if ip := clientIPFromRequest(req, false); ip != "192.168.1.100" {
			t.Errorf("ip = %v, want 192.168.1.100", ip)
		}
	})
}
