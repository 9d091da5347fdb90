package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
)

// Validate checks configuration values, returning sentinel errors usable
// with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// PostgreSQL
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "memstore_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}
	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: postgres_ssl_mode %q not in %v",
			ErrInvalidPostgresHost, c.PostgresSSLMode, validSSLModes)
	}

	// Codehost
	if c.CodehostBaseURL == "" {
		return fmt.Errorf("%w: codehost_base_url cannot be empty", ErrInvalidCodehostURL)
	}
	u, err := url.Parse(c.CodehostBaseURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCodehostURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidCodehostURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidCodehostURL)
	}
	if c.CodehostRequestsPerSecond <= 0 {
		return fmt.Errorf("%w: codehost_requests_per_second must be positive, got %g",
			ErrInvalidCodehostURL, c.CodehostRequestsPerSecond)
	}
	if c.CodehostBurst < 1 {
		return fmt.Errorf("%w: codehost_burst must be at least 1, got %d",
			ErrInvalidCodehostURL, c.CodehostBurst)
	}

	// Verification
	if c.VerifyConcurrency < 1 || c.VerifyConcurrency > 64 {
		return fmt.Errorf("%w: verify_concurrency must be between 1 and 64, got %d",
			ErrInvalidVerifySettings, c.VerifyConcurrency)
	}
	if c.VerifyTimeoutSeconds < 1 || c.VerifyTimeoutSeconds > 300 {
		return fmt.Errorf("%w: verify_timeout_seconds must be between 1 and 300, got %d",
			ErrInvalidVerifySettings, c.VerifyTimeoutSeconds)
	}

	// Sweep
	if c.SweepEnabled {
		if c.SweepIntervalMinutes < 1 {
			return fmt.Errorf("%w: sweep_interval_minutes must be at least 1, got %d",
				ErrInvalidSweepSettings, c.SweepIntervalMinutes)
		}
		if c.SweepBatchSize < 1 || c.SweepBatchSize > 100 {
			return fmt.Errorf("%w: sweep_batch_size must be between 1 and 100, got %d",
				ErrInvalidSweepSettings, c.SweepBatchSize)
		}
		if c.SweepMaxAgeHours < 1 {
			return fmt.Errorf("%w: sweep_max_age_hours must be at least 1, got %d",
				ErrInvalidSweepSettings, c.SweepMaxAgeHours)
		}
	}

	return nil
}
