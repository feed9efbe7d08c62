package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv()

	if cfg.TrustProxy {
		t.Fatalf("TrustProxy must default to false")
	}
	if cfg.MaxBodyBytes != 64<<10 {
		t.Fatalf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.ActivityRate != 5 || cfg.ActivityBurst != 20 {
		t.Fatalf("unexpected activity limits: %+v", cfg)
	}
	if cfg.LimiterIdleTTL != 10*time.Minute {
		t.Fatalf("LimiterIdleTTL = %v", cfg.LimiterIdleTTL)
	}
}

func TestLoadConfigFromEnv_InvalidFallsBack(t *testing.T) {
	t.Setenv("VIGIL_API_MAX_BODY_BYTES", "-1")
	t.Setenv("VIGIL_API_ACTIVITY_RATE", "fast")
	t.Setenv("VIGIL_API_ACTIVITY_BURST", "0")
	t.Setenv("VIGIL_API_TRUST_PROXY", "maybe")

	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 64<<10 || cfg.ActivityRate != 5 || cfg.ActivityBurst != 20 || cfg.TrustProxy {
		t.Fatalf("expected defaults for invalid values, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("VIGIL_API_TRUST_PROXY", "true")
	t.Setenv("VIGIL_API_ACTIVITY_RATE", "0.5")
	t.Setenv("VIGIL_API_ACTIVITY_BURST", "3")

	cfg := LoadConfigFromEnv()
	if !cfg.TrustProxy || cfg.ActivityRate != 0.5 || cfg.ActivityBurst != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
