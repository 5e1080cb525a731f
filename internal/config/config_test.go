package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.35")
	if v := envFloat("TEST_FLOAT", 0); v != 0.35 {
		t.Fatalf("expected 0.35, got %v", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InjectionThreshold != 0.5 {
		t.Fatalf("expected injection threshold 0.5, got %v", cfg.InjectionThreshold)
	}
	if cfg.BurstThreshold != 50 || cfg.BurstWindow != 60*time.Second {
		t.Fatalf("unexpected burst defaults: %d / %s", cfg.BurstThreshold, cfg.BurstWindow)
	}
	if cfg.MinHashNumPerm != 128 || cfg.MinHashThreshold != 0.95 {
		t.Fatalf("unexpected minhash defaults: %d / %v", cfg.MinHashNumPerm, cfg.MinHashThreshold)
	}
	if cfg.RRFK != 60 {
		t.Fatalf("expected rrf k 60, got %d", cfg.RRFK)
	}
	free, ok := cfg.Tiers["free"]
	if !ok || free.ContributePerMin != 10 || free.SearchPerMin != 30 {
		t.Fatalf("unexpected free tier limits: %+v", free)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.InjectionThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range injection threshold")
	}
}

func TestValidateRejectsZeroTierLimit(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Tiers["free"] = TierLimits{ContributePerMin: 0, SearchPerMin: 30}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero tier limit")
	}
}
