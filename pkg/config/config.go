package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr   string
	TrustProxy   bool
	MaxBodyBytes int64    // bytes for /validate payload
	HMACSecret   string   // when set, /validate callers must sign payloads
	Outputs      []string // enabled audit sinks: log, kafka, postgres

	RulesPath        string // YAML network rules; empty uses DefaultRules
	HighTrustNetwork string

	Detection Detection

	EvidenceBackend string // memory, redis, postgres
	LearningBackend string // memory, postgres
	PGDSN           string
	RedisURL        string

	ObserverQueueSize     int
	ObserverWorkers       int
	ConsolidationInterval time.Duration

	LogLevel  string
	LogFormat string
}

// Detection holds the per-domain feature toggles. Rate limit values are
// carried through for the routing layer; nothing here enforces them.
type Detection struct {
	BlockBots        bool
	BlockVPN         bool
	BlockDatacenter  bool
	BlockProxy       bool
	AllowedCountries []string
	BlockedCountries []string

	RateLimitEnabled  bool
	RateLimitRequests int64
	RateLimitWindow   time.Duration
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// getDuration accepts Go durations ("90s", "24h") or a bare number of seconds.
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func upperAll(in []string) []string {
	for i := range in {
		in[i] = strings.ToUpper(in[i])
	}
	return in
}

func Load() Config {
	return Config{
		ServerAddr:   getOr("SERVER_ADDR", ":19890"),
		TrustProxy:   getBool("TRUST_PROXY", false),
		MaxBodyBytes: getInt64("MAX_BODY_BYTES", 1<<20), // 1 MiB default
		HMACSecret:   getOr("HMAC_SECRET", ""),
		Outputs:      getStringSlice("OUTPUTS", "log"),

		RulesPath:        getOr("RULES_PATH", ""),
		HighTrustNetwork: getOr("HIGH_TRUST_NETWORK", "google_ads"),

		Detection: Detection{
			BlockBots:         getBool("BLOCK_BOTS", true),
			BlockVPN:          getBool("BLOCK_VPN", false),
			BlockDatacenter:   getBool("BLOCK_DATACENTER", true),
			BlockProxy:        getBool("BLOCK_PROXY", false),
			AllowedCountries:  upperAll(getStringSlice("ALLOWED_COUNTRIES", "")),
			BlockedCountries:  upperAll(getStringSlice("BLOCKED_COUNTRIES", "")),
			RateLimitEnabled:  getBool("RATE_LIMIT_ENABLED", false),
			RateLimitRequests: getInt64("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", time.Minute),
		},

		EvidenceBackend: strings.ToLower(getOr("EVIDENCE_BACKEND", "memory")),
		LearningBackend: strings.ToLower(getOr("LEARNING_BACKEND", "memory")),
		PGDSN:           getOr("PG_DSN", ""),
		RedisURL:        getOr("REDIS_URL", "redis://localhost:6379/0"),

		ObserverQueueSize:     int(getInt64("OBSERVER_QUEUE_SIZE", 1024)),
		ObserverWorkers:       int(getInt64("OBSERVER_WORKERS", 2)),
		ConsolidationInterval: getDuration("CONSOLIDATION_INTERVAL", 24*time.Hour),

		LogLevel:  strings.ToLower(getOr("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getOr("LOG_FORMAT", "json")),
	}
}
