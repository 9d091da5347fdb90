// Package config loads memstore configuration with multi-source priority.
//
// Sources, highest to lowest:
//  1. Environment variables (runtime override)
//  2. Config file (~/.memstore/config.yaml or ./config.yaml)
//  3. Default values
//
// Categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Codehost: the content API the verifier fetches citations from
//   - Verify: citation verification concurrency and timeouts
//   - Sweep: background re-verification loop
//   - Serve: HTTP surface (auth token, CORS, rate limits, metrics)
//
// Sensitive fields (passwords, tokens) are masked in MarshalJSON and
// String. Validation runs fail-fast at load with sentinel errors checkable
// via errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidCodehostURL indicates the codehost base URL is missing or malformed.
	ErrInvalidCodehostURL = errors.New("invalid codehost base URL")

	// ErrInvalidVerifySettings indicates verification tuning values are out of range.
	ErrInvalidVerifySettings = errors.New("invalid verification settings")

	// ErrInvalidSweepSettings indicates sweeper tuning values are out of range.
	ErrInvalidSweepSettings = errors.New("invalid sweep settings")
)

// Config stores the application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When
// adding new secrets, update MarshalJSON as well.
type Config struct {
	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Codehost content API (citation ground truth)
	CodehostBaseURL           string  `mapstructure:"codehost_base_url" json:"codehost_base_url"`
	CodehostToken             string  `mapstructure:"codehost_token" json:"codehost_token"` // SENSITIVE: masked
	CodehostRequestsPerSecond float64 `mapstructure:"codehost_requests_per_second" json:"codehost_requests_per_second"`
	CodehostBurst             int     `mapstructure:"codehost_burst" json:"codehost_burst"`
	CodehostAllowPrivateHosts bool    `mapstructure:"codehost_allow_private_hosts" json:"codehost_allow_private_hosts"`

	// Citation verification
	VerifyConcurrency    int `mapstructure:"verify_concurrency" json:"verify_concurrency"`
	VerifyTimeoutSeconds int `mapstructure:"verify_timeout_seconds" json:"verify_timeout_seconds"`

	// Background re-verification sweep
	SweepEnabled         bool `mapstructure:"sweep_enabled" json:"sweep_enabled"`
	SweepIntervalMinutes int  `mapstructure:"sweep_interval_minutes" json:"sweep_interval_minutes"`
	SweepBatchSize       int  `mapstructure:"sweep_batch_size" json:"sweep_batch_size"`
	SweepMaxAgeHours     int  `mapstructure:"sweep_max_age_hours" json:"sweep_max_age_hours"`

	// Serve mode
	APIToken       string   `mapstructure:"api_token" json:"api_token"` // SENSITIVE: masked
	CORSOrigins    []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy     bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst      int      `mapstructure:"rate_burst" json:"rate_burst"`
	MetricsEnabled bool     `mapstructure:"metrics_enabled" json:"metrics_enabled"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Tracing
	TracingEnabled     bool   `mapstructure:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint    string `mapstructure:"tracing_endpoint" json:"tracing_endpoint"`
	TracingServiceName string `mapstructure:"tracing_service_name" json:"tracing_service_name"`
	TracingEnvironment string `mapstructure:"tracing_environment" json:"tracing_environment"`
}

// Load reads configuration from all sources and validates it.
// Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".memstore")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "memstore")
	v.SetDefault("postgres_password", "memstore_dev_password")
	v.SetDefault("postgres_db_name", "memstore")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Codehost defaults
	v.SetDefault("codehost_base_url", "https://api.github.com")
	v.SetDefault("codehost_requests_per_second", 5.0)
	v.SetDefault("codehost_burst", 10)
	v.SetDefault("codehost_allow_private_hosts", false)

	// Verification defaults
	v.SetDefault("verify_concurrency", 4)
	v.SetDefault("verify_timeout_seconds", 10)

	// Sweep defaults
	v.SetDefault("sweep_enabled", true)
	v.SetDefault("sweep_interval_minutes", 30)
	v.SetDefault("sweep_batch_size", 20)
	v.SetDefault("sweep_max_age_hours", 24)

	// Serve defaults
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 60)
	v.SetDefault("metrics_enabled", true)

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	// Tracing defaults
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", "localhost:4318")
	v.SetDefault("tracing_service_name", "memstore")
	v.SetDefault("tracing_environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly. Secrets only
// arrive through the environment; they have no place in config files that
// get committed or synced.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded key pairs cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("codehost_base_url", "MEMSTORE_CODEHOST_URL")
	mustBind("codehost_token", "MEMSTORE_CODEHOST_TOKEN")
	mustBind("api_token", "MEMSTORE_API_TOKEN")
	mustBind("cors_origins", "MEMSTORE_CORS_ORIGINS")
	mustBind("trust_proxy", "MEMSTORE_TRUST_PROXY")
	mustBind("rate_burst", "MEMSTORE_RATE_BURST")
	mustBind("log_level", "MEMSTORE_LOG_LEVEL")
	mustBind("log_json", "MEMSTORE_LOG_JSON")
	mustBind("sweep_enabled", "MEMSTORE_SWEEP_ENABLED")
	mustBind("metrics_enabled", "MEMSTORE_METRICS_ENABLED")
	mustBind("tracing_enabled", "MEMSTORE_TRACING_ENABLED")
	mustBind("tracing_endpoint", "MEMSTORE_TRACING_ENDPOINT")

	// NOTE: DATABASE_URL is parsed separately in parseDatabaseURL because
	// it expands into five postgres_* fields at once.
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked to prevent substring matching; longer ones keep two characters on
// each end for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive fields masked.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // drop methods to avoid recursion
	masked := alias(*c)
	masked.PostgresPassword = maskSecret(c.PostgresPassword)
	masked.CodehostToken = maskSecret(c.CodehostToken)
	masked.APIToken = maskSecret(c.APIToken)
	return json.Marshal(masked)
}

// String renders the config for logs with secrets masked.
func (c *Config) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("Config(marshal error: %v)", err)
	}
	return string(b)
}
