package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vigil/cmd/internal/auth/session"

	"github.com/BurntSushi/toml"
)

// ErrConfigFile is returned when VIGIL_CONFIG_FILE cannot be used.
var ErrConfigFile = errors.New("app: invalid config file")

// Config contains all runtime configuration.
//
// Values come from, in increasing precedence: built-in defaults, the TOML file
// named by VIGIL_CONFIG_FILE, and environment variables.
type Config struct {
	HTTPAddr  string `toml:"http_addr"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	IdleTimeout       time.Duration `toml:"idle_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	MaxHeaderBytes    int           `toml:"max_header_bytes"`

	DatabaseURL    string `toml:"database_url"`
	DatabaseSchema string `toml:"database_schema"`
	DBMaxConns     int32  `toml:"db_max_conns"`
	DBMinConns     int32  `toml:"db_min_conns"`
	SQLitePath     string `toml:"sqlite_path"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireStore bool `toml:"readiness_require_store"`

	// RemoteBaseURL is the platform backend. Empty skips remote invalidation.
	RemoteBaseURL string        `toml:"remote_base_url"`
	RemoteTimeout time.Duration `toml:"remote_timeout"`

	Session session.Config `toml:"-"`

	// File is the config file that was loaded, if any.
	File string `toml:"-"`
}

// sessionFile is the [session] table of the config file.
type sessionFile struct {
	StandardTimeout time.Duration `toml:"standard_timeout"`
	ExtendedTimeout time.Duration `toml:"extended_timeout"`
	CheckInterval   time.Duration `toml:"check_interval"`
	LogoutTimeout   time.Duration `toml:"logout_timeout"`
	StorageTimeout  time.Duration `toml:"storage_timeout"`
	LoginPath       string        `toml:"login_path"`
}

type fileConfig struct {
	Config
	Session sessionFile `toml:"session"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "127.0.0.1:8737",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DatabaseSchema: "vigil",
		DBMaxConns:     4,
		DBMinConns:     0,

		RemoteTimeout: 10 * time.Second,

		Session: session.DefaultConfig(),
	}
}

// LoadConfig builds Config from defaults, the optional config file and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("VIGIL_CONFIG_FILE", ""); path != "" {
		fromFile, err := loadConfigFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
		cfg = fromFile
	}

	cfg.HTTPAddr = EnvString("VIGIL_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("VIGIL_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("VIGIL_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("VIGIL_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("VIGIL_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("VIGIL_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("VIGIL_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = EnvDuration("VIGIL_HTTP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxHeaderBytes = EnvInt("VIGIL_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("VIGIL_DATABASE_URL", cfg.DatabaseURL)
	cfg.DatabaseSchema = EnvString("VIGIL_DATABASE_SCHEMA", cfg.DatabaseSchema)
	cfg.DBMaxConns = EnvInt32("VIGIL_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("VIGIL_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.SQLitePath = EnvString("VIGIL_SQLITE_PATH", cfg.SQLitePath)

	cfg.ReadinessRequireStore = EnvBool("VIGIL_READINESS_REQUIRE_STORE", cfg.ReadinessRequireStore)

	cfg.RemoteBaseURL = EnvString("VIGIL_REMOTE_BASE_URL", cfg.RemoteBaseURL)
	cfg.RemoteTimeout = EnvDuration("VIGIL_REMOTE_TIMEOUT", cfg.RemoteTimeout)

	sess, err := session.ApplyEnv(cfg.Session)
	if err != nil {
		return Config{}, err
	}
	cfg.Session = sess

	return cfg, nil
}

// loadConfigFile decodes path on top of base. Keys missing from the file keep
// their base value; unknown keys are an error.
func loadConfigFile(path string, base Config) (Config, error) {
	fc := fileConfig{Config: base, Session: sessionFile{
		StandardTimeout: base.Session.StandardTimeout,
		ExtendedTimeout: base.Session.ExtendedTimeout,
		CheckInterval:   base.Session.CheckInterval,
		LogoutTimeout:   base.Session.LogoutTimeout,
		StorageTimeout:  base.Session.StorageTimeout,
		LoginPath:       base.Session.LoginPath,
	}}

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigFile, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w: %s: unknown keys %s", ErrConfigFile, path, strings.Join(keys, ", "))
	}

	cfg := fc.Config
	cfg.Session = session.Config{
		StandardTimeout: fc.Session.StandardTimeout,
		ExtendedTimeout: fc.Session.ExtendedTimeout,
		CheckInterval:   fc.Session.CheckInterval,
		LogoutTimeout:   fc.Session.LogoutTimeout,
		StorageTimeout:  fc.Session.StorageTimeout,
		LoginPath:       fc.Session.LoginPath,
	}
	cfg.File = path
	return cfg, nil
}
