package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestLoadConfig tests the configuration loading from environment
func TestLoadConfig(t *testing.T) {
	t.Run("returns defaults when env not set", func(t *testing.T) {
		envVars := []string{
			"METRICS_ENABLED", "METRICS_ADDR", "METRICS_TLS_CERT",
			"METRICS_TLS_KEY", "METRICS_CLIENT_CA", "METRICS_REQUIRE_TLS",
			"METRICS_REQUIRE_AUTH",
		}
		for _, key := range envVars {
			t.Setenv(key, "")
		}

		cfg := LoadConfig()

		if cfg.Enabled {
			t.Error("Enabled should be false by default")
		}
		if cfg.Addr != "127.0.0.1:9090" {
			t.Errorf("Addr = %q, want 127.0.0.1:9090", cfg.Addr)
		}
		if cfg.RequireTLS || cfg.RequireAuth {
			t.Error("TLS and auth should be off by default")
		}
	})

	t.Run("loads custom values from environment", func(t *testing.T) {
		t.Setenv("METRICS_ENABLED", "true")
		t.Setenv("METRICS_ADDR", "0.0.0.0:8080")
		t.Setenv("METRICS_REQUIRE_TLS", "1")
		t.Setenv("METRICS_CLIENT_CA", "/path/to/ca.pem")

		cfg := LoadConfig()

		if !cfg.Enabled {
			t.Error("Enabled should be true")
		}
		if cfg.Addr != "0.0.0.0:8080" {
			t.Errorf("Addr = %q, want 0.0.0.0:8080", cfg.Addr)
		}
		if !cfg.RequireTLS {
			t.Error("RequireTLS should be true")
		}
		if cfg.ClientCA != "/path/to/ca.pem" {
			t.Errorf("ClientCA = %q", cfg.ClientCA)
		}
	})
}

func TestGetBool(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{name: "unset returns default", value: "", defaultValue: true, want: true},
		{name: "parses true", value: "true", defaultValue: false, want: true},
		{name: "parses 0", value: "0", defaultValue: true, want: false},
		{name: "invalid returns default", value: "maybe", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_METRICS_GETBOOL", tt.value)
			if got := getBool("TEST_METRICS_GETBOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncrementDecision("real", "mobile")
	m.IncrementDecision("real", "mobile")
	m.IncrementClickID("", "absent")
	m.IncrementStoreErrors("click_id", "record")
	m.IncrementObserver("dropped")
	m.SetObserverQueueDepth(7)
	m.ObserveClassify(2 * time.Millisecond)
	m.ObserveConsolidation("finalized", time.Second)
	m.SetLearnedPatterns("established", 4)

	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("real", "mobile")); got != 2 {
		t.Errorf("decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ClickIDOutcomes.WithLabelValues("none", "absent")); got != 1 {
		t.Errorf("click id outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ObserverQueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.LearnedPatterns.WithLabelValues("established")); got != 4 {
		t.Errorf("learned patterns = %v, want 4", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncrementDecision("safe", "desktop")
	m.IncrementClickID("google_ads", "valid")
	m.IncrementStoreErrors("pattern", "record")
	m.IncrementAuditRecords("log")
	m.IncrementSinkErrors("kafka", "produce")
	m.IncrementHTTPRequests("/validate", "POST", "200")
	m.IncrementObserver("recorded")
	m.SetObserverQueueDepth(1)
	m.ObserveClassify(time.Millisecond)
	m.ObserveConsolidation("failed", time.Millisecond)
	m.SetLearnedPatterns("fading", 0)
	m.ObserveBatchFlushLatency("postgres", time.Millisecond)
	m.ObserveHTTPDuration("/validate", "POST", time.Millisecond)
}

func TestInitMetricsSingleton(t *testing.T) {
	m1 := InitMetrics()
	m2 := GetMetrics()
	if m1 == nil || m1 != m2 {
		t.Error("InitMetrics and GetMetrics should return the same instance")
	}
}

func TestNewServer(t *testing.T) {
	t.Run("sets timeouts", func(t *testing.T) {
		srv := NewServer(Config{Enabled: true, Addr: "localhost:9090"})
		if srv.server.ReadTimeout != 10*time.Second {
			t.Errorf("ReadTimeout = %v, want 10s", srv.server.ReadTimeout)
		}
		if srv.server.IdleTimeout != 60*time.Second {
			t.Errorf("IdleTimeout = %v, want 60s", srv.server.IdleTimeout)
		}
		if srv.server.TLSConfig != nil {
			t.Error("TLSConfig should be nil when RequireTLS is false")
		}
	})

	t.Run("configures TLS when enabled", func(t *testing.T) {
		srv := NewServer(Config{
			Enabled:    true,
			Addr:       "localhost:9090",
			RequireTLS: true,
			TLSCert:    "/path/to/cert.pem",
			TLSKey:     "/path/to/key.pem",
		})
		if srv.server.TLSConfig == nil {
			t.Error("TLSConfig should be set when RequireTLS is true")
		}
	})

	t.Run("unreadable client CA leaves mTLS off", func(t *testing.T) {
		srv := NewServer(Config{
			Enabled:    true,
			RequireTLS: true,
			TLSCert:    "/path/to/cert.pem",
			TLSKey:     "/path/to/key.pem",
			ClientCA:   "/does/not/exist.pem",
		})
		if srv.server.TLSConfig.ClientCAs != nil {
			t.Error("ClientCAs should stay nil")
		}
	})
}

func TestServerStartShutdown(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		srv := NewServer(Config{Enabled: false})
		if err := srv.Start(context.Background()); err != nil {
			t.Errorf("Start() = %v", err)
		}
		if err := srv.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() = %v", err)
		}
	})

	t.Run("starts and shuts down", func(t *testing.T) {
		srv := NewServer(Config{Enabled: true, Addr: "localhost:0"})
		if err := srv.Start(context.Background()); err != nil {
			t.Fatalf("Start() failed: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
	})
}

func TestServerHealthEndpoint(t *testing.T) {
	srv := NewServer(Config{Enabled: true, Addr: "localhost:0"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", string(body))
	}
}

func TestLoadCertPool(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := loadCertPool(filepath.Join(t.TempDir(), "nope.pem")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("file without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadCertPool(path); err == nil {
			t.Error("expected error for invalid PEM")
		}
	})
}
