package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "askrank.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/ranking.db
cluster:
  merge_threshold: 0.9
  review_threshold: 0.75
score:
  half_life: 168h
portfolio:
  top_k: 10
  minority_fraction: 0.2
  caps:
    housing: 0.3
    transit: 0.3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/ranking.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Cluster.MergeThreshold != 0.9 {
		t.Errorf("merge_threshold = %v, want 0.9", cfg.Cluster.MergeThreshold)
	}
	if cfg.Score.HalfLife != 168*time.Hour {
		t.Errorf("half_life = %v, want 168h", cfg.Score.HalfLife)
	}
	if got := cfg.Portfolio.MinoritySlots(); got != 2 {
		t.Errorf("minority slots = %d, want 2", got)
	}
	if got := cfg.Portfolio.CapFor("housing"); got != 3 {
		t.Errorf("cap housing = %d, want 3", got)
	}
	// unlisted tags fall back to default_cap (0.3 of 10)
	if got := cfg.Portfolio.CapFor("parks"); got != 3 {
		t.Errorf("cap parks = %d, want 3", got)
	}
	// untouched sections keep their defaults
	if cfg.Anomaly.SuspiciousWeight != 0.2 {
		t.Errorf("suspicious_weight = %v, want default 0.2", cfg.Anomaly.SuspiciousWeight)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ASKRANK_DB", "env.db")
	t.Setenv("ASKRANK_JWT_SECRET", "s3cret")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "env.db" {
		t.Errorf("database.path = %q, want env.db", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("jwt secret not taken from env")
	}
}

func TestCapsAbove100PercentFailFast(t *testing.T) {
	path := writeConfig(t, `
portfolio:
  top_k: 20
  caps:
    a: 0.5
    b: 0.4
    c: 0.2
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for caps summing above 100%")
	}
	if !IsAllocatorError(err) {
		t.Fatalf("want AllocatorConfigError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "above 100%") {
		t.Errorf("error = %q", err)
	}
}

func TestPortfolioValidation(t *testing.T) {
	tests := []struct {
		name string
		p    PortfolioConfig
		ok   bool
	}{
		{"valid", PortfolioConfig{TopK: 20, MinorityFraction: 0.1, DefaultCap: 0.3}, true},
		{"zero k", PortfolioConfig{TopK: 0, DefaultCap: 0.3}, false},
		{"minority above one", PortfolioConfig{TopK: 20, MinorityFraction: 1.5, DefaultCap: 0.3}, false},
		{"minority negative", PortfolioConfig{TopK: 20, MinorityFraction: -0.1, DefaultCap: 0.3}, false},
		{"default cap zero", PortfolioConfig{TopK: 20, DefaultCap: 0}, false},
		{"cap zero", PortfolioConfig{TopK: 20, DefaultCap: 0.3, Caps: map[string]float64{"a": 0}}, false},
		{"caps exactly 100", PortfolioConfig{TopK: 20, DefaultCap: 0.3, Caps: map[string]float64{"a": 0.5, "b": 0.5}}, true},
	}
	for _, tt := range tests {
		err := tt.p.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
			} else if !IsAllocatorError(err) {
				t.Errorf("%s: want AllocatorConfigError, got %T", tt.name, err)
			}
		}
	}
}

func TestThresholdValidation(t *testing.T) {
	cfg := Default()
	cfg.Cluster.ReviewThreshold = 0.95
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when review threshold exceeds merge threshold")
	}

	cfg = Default()
	cfg.Anomaly.SuspiciousWeight = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero suspicious weight")
	}
}
