package detection

import (
	"net"
	"regexp"
	"strings"

	"github.com/shortontech/clickgate/internal/event"
	"github.com/shortontech/clickgate/pkg/config"
)

var (
	botPatterns = regexp.MustCompile(`bot|crawl|spider|slurp|mediapartners|yandex|baiduspider|` +
		`facebookexternalhit|whatsapp|telegram|slack|discord|curl|wget|python|java/|okhttp|` +
		`go-http|axios|node-fetch|scrapy|phantom|headless`)
	datacenterPatterns = regexp.MustCompile(`amazon|\baws\b|google cloud|azure|digitalocean|linode|vultr|\bovh\b|hetzner|contabo`)
	vpnPatterns        = regexp.MustCompile(`vpn|proxy|tunnel|nordvpn|expressvpn|surfshark|protonvpn|mullvad`)
	scriptedUA         = regexp.MustCompile(`^curl/|^wget/|python-requests|^java/|okhttp|go-http`)

	proxyHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto", "X-Real-IP", "X-Proxy-ID", "Via", "Forwarded"}
)

// Analyze runs the network and header layers for one request. IP and geo
// failures stop evaluation early; the remaining layers all run so the report
// carries every flag. Layers switched off in cfg are skipped.
func Analyze(rc event.RequestContext, cfg config.Detection) LayerReport {
	var results []LayerResult

	ipResult := checkIPValidity(rc.IP)
	results = append(results, ipResult)
	if ipResult.Passed {
		geo := checkGeo(rc.Country, cfg)
		results = append(results, geo)
		if geo.Passed {
			if cfg.BlockBots {
				results = append(results, checkBots(rc.UserAgent))
			}
			if cfg.BlockDatacenter {
				results = append(results, checkDatacenter(rc.Headers))
			}
			if cfg.BlockVPN {
				results = append(results, checkVPN(rc.UserAgent, rc.Headers))
			}
			if cfg.BlockProxy {
				results = append(results, checkProxy(rc.Headers))
			}
			results = append(results, checkHeaderFingerprint(rc))
		}
	}

	report := LayerReport{PassedAll: true, Results: results}
	for _, r := range results {
		if r.Passed {
			continue
		}
		report.PassedAll = false
		report.FailedLayers = append(report.FailedLayers, r.Layer)
		switch r.Layer {
		case LayerBot, LayerHeaderFingerprint:
			report.IsBot = true
		case LayerDatacenter:
			report.IsDatacenter = true
		case LayerVPN:
			report.IsVPN = true
		case LayerProxy:
			report.IsProxy = true
		}
	}
	return report
}

func checkIPValidity(ip string) LayerResult {
	ip = strings.TrimSpace(ip)
	if ip == "" || strings.EqualFold(ip, "unknown") {
		return LayerResult{Layer: LayerIP, Reason: "ip address unknown or missing"}
	}
	if strings.EqualFold(ip, "localhost") {
		return LayerResult{Layer: LayerIP, Reason: "loopback address", Detail: ip}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return LayerResult{Layer: LayerIP, Reason: "unparseable ip address", Detail: ip}
	}
	if parsed.IsLoopback() {
		return LayerResult{Layer: LayerIP, Reason: "loopback address", Detail: ip}
	}
	if parsed.IsPrivate() {
		return LayerResult{Layer: LayerIP, Reason: "private address", Detail: ip}
	}
	return LayerResult{Layer: LayerIP, Passed: true}
}

// checkGeo fails closed when the country could not be resolved.
func checkGeo(country string, cfg config.Detection) LayerResult {
	c := strings.ToUpper(strings.TrimSpace(country))
	if c == "" || c == "UNKNOWN" || c == "XX" {
		return LayerResult{Layer: LayerGeo, Reason: "country unknown"}
	}
	if len(cfg.AllowedCountries) > 0 && !contains(cfg.AllowedCountries, c) {
		return LayerResult{Layer: LayerGeo, Reason: "country not in allowed list", Detail: c}
	}
	if contains(cfg.BlockedCountries, c) {
		return LayerResult{Layer: LayerGeo, Reason: "country is blocked", Detail: c}
	}
	return LayerResult{Layer: LayerGeo, Passed: true}
}

func checkBots(userAgent string) LayerResult {
	if m := botPatterns.FindString(strings.ToLower(userAgent)); m != "" {
		return LayerResult{Layer: LayerBot, Reason: "bot user-agent", Detail: m}
	}
	return LayerResult{Layer: LayerBot, Passed: true}
}

func checkDatacenter(h event.Headers) LayerResult {
	if m := datacenterPatterns.FindString(strings.ToLower(h.Values())); m != "" {
		return LayerResult{Layer: LayerDatacenter, Reason: "datacenter origin", Detail: m}
	}
	return LayerResult{Layer: LayerDatacenter, Passed: true}
}

func checkVPN(userAgent string, h event.Headers) LayerResult {
	combined := strings.ToLower(userAgent + " " + h.Values())
	if m := vpnPatterns.FindString(combined); m != "" {
		return LayerResult{Layer: LayerVPN, Reason: "vpn indicator", Detail: m}
	}
	return LayerResult{Layer: LayerVPN, Passed: true}
}

// checkProxy flags forwarding headers that carry a hop chain.
func checkProxy(h event.Headers) LayerResult {
	for _, name := range proxyHeaders {
		if strings.Contains(h.Get(name), ",") {
			return LayerResult{Layer: LayerProxy, Reason: "proxy chain", Detail: name}
		}
	}
	return LayerResult{Layer: LayerProxy, Passed: true}
}

func checkHeaderFingerprint(rc event.RequestContext) LayerResult {
	ua := strings.TrimSpace(rc.UserAgent)
	if ua == "" {
		ua = strings.TrimSpace(rc.Headers.Get("User-Agent"))
	}
	if ua == "" || strings.EqualFold(ua, "unknown") {
		return LayerResult{Layer: LayerHeaderFingerprint, Reason: "missing user-agent"}
	}
	if m := scriptedUA.FindString(strings.ToLower(ua)); m != "" {
		return LayerResult{Layer: LayerHeaderFingerprint, Reason: "scripted client", Detail: m}
	}
	return LayerResult{Layer: LayerHeaderFingerprint, Passed: true}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
