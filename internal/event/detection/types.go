package detection

// Layer names as they appear in reports and audit rows.
const (
	LayerIP                = "ip_validation"
	LayerGeo               = "geo_blocking"
	LayerBot               = "bot_detection"
	LayerDatacenter        = "datacenter_detection"
	LayerVPN               = "vpn_detection"
	LayerProxy             = "proxy_detection"
	LayerHeaderFingerprint = "header_fingerprint"
)

// LayerResult is the outcome of one detection layer.
type LayerResult struct {
	Layer  string `json:"layer"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// LayerReport summarises every layer that ran for a request.
type LayerReport struct {
	PassedAll    bool          `json:"passed_all"`
	FailedLayers []string      `json:"failed_layers,omitempty"`
	Results      []LayerResult `json:"results"`
	IsBot        bool          `json:"is_bot"`
	IsDatacenter bool          `json:"is_datacenter"`
	IsVPN        bool          `json:"is_vpn"`
	IsProxy      bool          `json:"is_proxy"`
}

// Critical reports whether a bot, datacenter, VPN or proxy layer failed.
func (r LayerReport) Critical() bool {
	return r.IsBot || r.IsDatacenter || r.IsVPN || r.IsProxy
}

// HeaderAnalysis contains header-based detection signals
type HeaderAnalysis struct {
	MissingExpected   []string `json:"missing_expected"`
	AutomationHeaders []string `json:"automation_headers"`
	HeaderCount       int      `json:"header_count"`
	Fingerprint       string   `json:"fingerprint"`
}

// UAAnalysis contains user-agent string analysis
type UAAnalysis struct {
	Length             int      `json:"length"`
	ContainsAutomation bool     `json:"contains_automation"`
	AutomationKeywords []string `json:"automation_keywords"`
	Platform           string   `json:"platform"`
	Browser            string   `json:"browser"`
	MajorVersion       int      `json:"major_version"`
}
