package session

import (
	"os"
	"strings"
	"time"
)

// Config defines all runtime configuration for the session watchdog.
type Config struct {
	// StandardTimeout is the idle timeout when EXTENDED_SESSION is not "true".
	StandardTimeout time.Duration

	// ExtendedTimeout is the idle timeout for "remember me" sessions.
	ExtendedTimeout time.Duration

	// CheckInterval is how often the Timer evaluates the session.
	CheckInterval time.Duration

	// LogoutTimeout bounds the remote invalidation call.
	LogoutTimeout time.Duration

	// StorageTimeout bounds each storage operation issued by the watchdog.
	StorageTimeout time.Duration

	// LoginPath is the route clients are sent to when the session ends.
	LoginPath string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StandardTimeout: 24 * time.Hour,
		ExtendedTimeout: 30 * 24 * time.Hour,
		CheckInterval:   60 * time.Second,
		LogoutTimeout:   5 * time.Second,
		StorageTimeout:  3 * time.Second,
		LoginPath:       "/login",
	}
}

// Timeout returns the idle timeout that applies to mode.
func (c Config) Timeout(mode Mode) time.Duration {
	if mode == ModeExtended {
		return c.ExtendedTimeout
	}
	return c.StandardTimeout
}

// Validate checks the invariants the watchdog relies on.
func (c Config) Validate() error {
	if c.StandardTimeout <= 0 || c.ExtendedTimeout <= 0 {
		return ErrConfig
	}
	// Extended mode must never be stricter than standard.
	if c.ExtendedTimeout < c.StandardTimeout {
		return ErrConfig
	}
	if c.CheckInterval <= 0 || c.LogoutTimeout <= 0 || c.StorageTimeout <= 0 {
		return ErrConfig
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads session configuration from environment variables
// on top of DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	return ApplyEnv(DefaultConfig())
}

// ApplyEnv overrides cfg with environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - VIGIL_SESSION_STANDARD_TIMEOUT
//   - VIGIL_SESSION_EXTENDED_TIMEOUT
//   - VIGIL_SESSION_CHECK_INTERVAL
//   - VIGIL_SESSION_LOGOUT_TIMEOUT
//   - VIGIL_SESSION_STORAGE_TIMEOUT
//   - VIGIL_SESSION_LOGIN_PATH
//
// Returns ErrConfig if configuration is invalid.
func ApplyEnv(cfg Config) (Config, error) {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"VIGIL_SESSION_STANDARD_TIMEOUT", &cfg.StandardTimeout},
		{"VIGIL_SESSION_EXTENDED_TIMEOUT", &cfg.ExtendedTimeout},
		{"VIGIL_SESSION_CHECK_INTERVAL", &cfg.CheckInterval},
		{"VIGIL_SESSION_LOGOUT_TIMEOUT", &cfg.LogoutTimeout},
		{"VIGIL_SESSION_STORAGE_TIMEOUT", &cfg.StorageTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("VIGIL_SESSION_LOGIN_PATH")); v != "" {
		cfg.LoginPath = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
