package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls session API behavior and request guardrails.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// ActivityRate and ActivityBurst bound POST /session/activity per client IP.
	ActivityRate  float64
	ActivityBurst int

	// LimiterIdleTTL evicts per-IP limiters that have not been used for this long.
	LimiterIdleTTL time.Duration
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:     envBool("VIGIL_API_TRUST_PROXY", false),
		MaxBodyBytes:   envInt64("VIGIL_API_MAX_BODY_BYTES", 64<<10),
		ActivityRate:   envFloat("VIGIL_API_ACTIVITY_RATE", 5),
		ActivityBurst:  envInt("VIGIL_API_ACTIVITY_BURST", 20),
		LimiterIdleTTL: envDuration("VIGIL_API_LIMITER_IDLE_TTL", 10*time.Minute),
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.ActivityRate <= 0 {
		c.ActivityRate = 5
	}
	if c.ActivityBurst <= 0 {
		c.ActivityBurst = 20
	}
	if c.LimiterIdleTTL <= 0 {
		c.LimiterIdleTTL = 10 * time.Minute
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
