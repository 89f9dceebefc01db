package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRulesSortedByPriority(t *testing.T) {
	rules := DefaultRules()
	if rules[0].ClickIDParam != "gclid" {
		t.Fatalf("first rule = %s, want gclid", rules[0].ClickIDParam)
	}
	for i := 1; i < len(rules); i++ {
		if rules[i].Priority > rules[i-1].Priority {
			t.Errorf("rule %d priority %d above previous %d", i, rules[i].Priority, rules[i-1].Priority)
		}
	}
	for _, r := range rules {
		r := r
		if err := r.Validate(); err != nil {
			t.Errorf("default rule %s invalid: %v", r.ClickIDParam, err)
		}
	}
}

func TestParseRules(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
		want    []string
	}{
		{
			name: "sorts and drops disabled",
			doc: `
rules:
  - network: meta_ads
    click_id_param: fbclid
    min_length: 20
    max_length: 500
    min_entropy: 3.0
    priority: 90
  - network: google_ads
    click_id_param: gclid
    min_length: 20
    max_length: 200
    min_entropy: 3.5
    priority: 100
  - network: tiktok_ads
    click_id_param: ttclid
    min_length: 20
    max_length: 200
    min_entropy: 3.0
    priority: 70
    enabled: false
`,
			want: []string{"gclid", "fbclid"},
		},
		{
			name: "referer pattern compiles",
			doc: `
rules:
  - network: partner
    click_id_param: pid
    min_length: 10
    max_length: 40
    min_entropy: 2.0
    requires_referer: true
    referer_pattern: "^https://partner\\.example/"
    priority: 5
`,
			want: []string{"pid"},
		},
		{name: "empty document", doc: "rules: []", wantErr: true},
		{name: "malformed yaml", doc: "rules: [", wantErr: true},
		{
			name: "inverted bounds",
			doc: `
rules:
  - network: x
    click_id_param: xid
    min_length: 40
    max_length: 20
    priority: 1
`,
			wantErr: true,
		},
		{
			name: "bad regex",
			doc: `
rules:
  - network: x
    click_id_param: xid
    min_length: 10
    max_length: 20
    referer_pattern: "("
    priority: 1
`,
			wantErr: true,
		},
		{
			name: "referer required without pattern",
			doc: `
rules:
  - network: x
    click_id_param: xid
    min_length: 10
    max_length: 20
    requires_referer: true
    priority: 1
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := ParseRules([]byte(tt.doc))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRule) {
					t.Fatalf("ParseRules() error = %v, want ErrInvalidRule", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRules() error = %v", err)
			}
			if len(rules) != len(tt.want) {
				t.Fatalf("got %d rules, want %d", len(rules), len(tt.want))
			}
			for i, p := range tt.want {
				if rules[i].ClickIDParam != p {
					t.Errorf("rules[%d] = %s, want %s", i, rules[i].ClickIDParam, p)
				}
			}
		})
	}
}

func TestNewRuleSource(t *testing.T) {
	t.Run("empty path uses defaults", func(t *testing.T) {
		rules, err := NewRuleSource("").Rules()
		if err != nil || len(rules) != len(DefaultRules()) {
			t.Fatalf("Rules() = %d, %v", len(rules), err)
		}
	})

	t.Run("missing file keeps error", func(t *testing.T) {
		src := NewRuleSource(filepath.Join(t.TempDir(), "nope.yaml"))
		if _, err := src.Rules(); err == nil {
			t.Fatal("expected load error to be retained")
		}
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		doc := "rules:\n  - network: generic\n    click_id_param: click_id\n    min_length: 10\n    max_length: 200\n    min_entropy: 2.5\n    priority: 10\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		rules, err := NewRuleSource(path).Rules()
		if err != nil || len(rules) != 1 {
			t.Fatalf("Rules() = %v, %v", rules, err)
		}
	})
}
