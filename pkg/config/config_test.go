package config

import (
	"os"
	"testing"
	"time"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	if value == "" {
		os.Unsetenv(key)
		return
	}
	os.Setenv(key, value)
	t.Cleanup(func() { os.Unsetenv(key) })
}

func TestGetBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		defValue bool
		want     bool
	}{
		{name: "recognizes 'yes' with spaces as true", envValue: " Yes ", defValue: false, want: true},
		{name: "recognizes 'TRUE' as true", envValue: "TRUE", defValue: false, want: true},
		{name: "recognizes '0' as false", envValue: "0", defValue: true, want: false},
		{name: "recognizes 'no' as false", envValue: "no", defValue: true, want: false},
		{name: "returns default when empty", envValue: "", defValue: true, want: true},
		{name: "returns default when unrecognized", envValue: "maybe", defValue: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, "CLICKGATE_TEST_BOOL", tt.envValue)
			if got := getBool("CLICKGATE_TEST_BOOL", tt.defValue); got != tt.want {
				t.Errorf("getBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetInt64(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		defValue int64
		want     int64
	}{
		{name: "parses valid integer", envValue: "4096", defValue: 0, want: 4096},
		{name: "parses zero", envValue: "0", defValue: 100, want: 0},
		{name: "returns default when empty", envValue: "", defValue: 42, want: 42},
		{name: "returns default when invalid", envValue: "lots", defValue: 99, want: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, "CLICKGATE_TEST_INT", tt.envValue)
			if got := getInt64("CLICKGATE_TEST_INT", tt.defValue); got != tt.want {
				t.Errorf("getInt64() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{name: "parses go duration", envValue: "6h", want: 6 * time.Hour},
		{name: "parses bare seconds", envValue: "90", want: 90 * time.Second},
		{name: "returns default when empty", envValue: "", want: time.Minute},
		{name: "returns default when invalid", envValue: "soon", want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, "CLICKGATE_TEST_DURATION", tt.envValue)
			if got := getDuration("CLICKGATE_TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetStringSlice(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		defValue string
		want     []string
	}{
		{name: "parses comma-separated values", envValue: "log,kafka,postgres", want: []string{"log", "kafka", "postgres"}},
		{name: "trims whitespace and empty items", envValue: " log ,, kafka ,", want: []string{"log", "kafka"}},
		{name: "uses default when empty", defValue: "log", want: []string{"log"}},
		{name: "returns nil when both empty", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, "CLICKGATE_TEST_SLICE", tt.envValue)
			got := getStringSlice("CLICKGATE_TEST_SLICE", tt.defValue)
			if len(got) != len(tt.want) {
				t.Fatalf("getStringSlice() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("getStringSlice()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoad(t *testing.T) {
	envVars := []string{
		"SERVER_ADDR", "TRUST_PROXY", "MAX_BODY_BYTES", "HMAC_SECRET", "OUTPUTS",
		"RULES_PATH", "HIGH_TRUST_NETWORK", "BLOCK_BOTS", "BLOCK_VPN",
		"BLOCK_DATACENTER", "BLOCK_PROXY", "ALLOWED_COUNTRIES", "BLOCKED_COUNTRIES",
		"EVIDENCE_BACKEND", "LEARNING_BACKEND", "OBSERVER_QUEUE_SIZE",
		"OBSERVER_WORKERS", "CONSOLIDATION_INTERVAL", "LOG_LEVEL", "LOG_FORMAT",
	}
	oldEnv := make(map[string]string)
	for _, key := range envVars {
		oldEnv[key] = os.Getenv(key)
		os.Unsetenv(key)
	}
	defer func() {
		for key, val := range oldEnv {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}()

	t.Run("loads defaults when no env vars set", func(t *testing.T) {
		cfg := Load()

		if cfg.ServerAddr != ":19890" {
			t.Errorf("ServerAddr = %v, want :19890", cfg.ServerAddr)
		}
		if cfg.HighTrustNetwork != "google_ads" {
			t.Errorf("HighTrustNetwork = %v, want google_ads", cfg.HighTrustNetwork)
		}
		if !cfg.Detection.BlockBots || cfg.Detection.BlockVPN || !cfg.Detection.BlockDatacenter || cfg.Detection.BlockProxy {
			t.Errorf("Detection toggles = %+v", cfg.Detection)
		}
		if cfg.EvidenceBackend != "memory" || cfg.LearningBackend != "memory" {
			t.Errorf("backends = %s/%s, want memory/memory", cfg.EvidenceBackend, cfg.LearningBackend)
		}
		if cfg.ObserverQueueSize != 1024 || cfg.ObserverWorkers != 2 {
			t.Errorf("observer sizing = %d/%d", cfg.ObserverQueueSize, cfg.ObserverWorkers)
		}
		if cfg.ConsolidationInterval != 24*time.Hour {
			t.Errorf("ConsolidationInterval = %v, want 24h", cfg.ConsolidationInterval)
		}
		if len(cfg.Outputs) != 1 || cfg.Outputs[0] != "log" {
			t.Errorf("Outputs = %v, want [log]", cfg.Outputs)
		}
	})

	t.Run("loads custom values from env", func(t *testing.T) {
		os.Setenv("SERVER_ADDR", ":8080")
		os.Setenv("TRUST_PROXY", "true")
		os.Setenv("BLOCK_VPN", "yes")
		os.Setenv("ALLOWED_COUNTRIES", "br, us")
		os.Setenv("EVIDENCE_BACKEND", "Redis")
		os.Setenv("OUTPUTS", "kafka,postgres")
		os.Setenv("CONSOLIDATION_INTERVAL", "1h")

		cfg := Load()

		if cfg.ServerAddr != ":8080" {
			t.Errorf("ServerAddr = %v, want :8080", cfg.ServerAddr)
		}
		if !cfg.TrustProxy {
			t.Errorf("TrustProxy = false, want true")
		}
		if !cfg.Detection.BlockVPN {
			t.Errorf("BlockVPN = false, want true")
		}
		if len(cfg.Detection.AllowedCountries) != 2 || cfg.Detection.AllowedCountries[0] != "BR" {
			t.Errorf("AllowedCountries = %v, want [BR US]", cfg.Detection.AllowedCountries)
		}
		if cfg.EvidenceBackend != "redis" {
			t.Errorf("EvidenceBackend = %v, want redis", cfg.EvidenceBackend)
		}
		if cfg.ConsolidationInterval != time.Hour {
			t.Errorf("ConsolidationInterval = %v, want 1h", cfg.ConsolidationInterval)
		}
		if len(cfg.Outputs) != 2 || cfg.Outputs[1] != "postgres" {
			t.Errorf("Outputs = %v, want [kafka postgres]", cfg.Outputs)
		}
	})
}
