// Package config loads authgate configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const minSecretLength = 32

// Config is the root configuration structure.
type Config struct {
	HTTP        HTTPConfig       `yaml:"http"`
	GRPC        GRPCConfig       `yaml:"grpc"`
	Database    DatabaseConfig   `yaml:"database"`
	Tokens      TokenConfig      `yaml:"tokens"`
	Sessions    SessionConfig    `yaml:"sessions"`
	Permissions PermissionConfig `yaml:"permissions"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP listener settings. TrustedProxies lists the addresses or
// CIDRs whose X-Forwarded-For header is honored.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// GRPCConfig contains gRPC listener settings. An empty Addr disables the listener.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig contains PostgreSQL settings. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

// TokenConfig configures token signing and lifetimes.
type TokenConfig struct {
	Issuer         string `yaml:"issuer"`
	Secret         string `yaml:"secret"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
	AccessTTL      int    `yaml:"access_ttl_minutes"`
	RefreshTTL     int    `yaml:"refresh_ttl_minutes"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	InactivityTimeout int `yaml:"inactivity_timeout_minutes"`
}

// PermissionConfig configures permission aggregation.
type PermissionConfig struct {
	BypassLevel int `yaml:"bypass_level"`
}

// RateLimitConfig configures per-IP token buckets on the auth endpoints.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	PerSecond int  `yaml:"per_second"`
	Burst     int  `yaml:"burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15,
			WriteTimeout: 15,
			IdleTimeout:  60,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30,
		},
		Tokens: TokenConfig{
			Issuer:     "authgate",
			AccessTTL:  15,
			RefreshTTL: 14 * 24 * 60,
		},
		Sessions: SessionConfig{
			InactivityTimeout: 30,
		},
		Permissions: PermissionConfig{
			BypassLevel: 1,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSecond: 5,
			Burst:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies AUTHGATE_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTHGATE_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AUTHGATE_TOKEN_SECRET"); v != "" {
		cfg.Tokens.Secret = v
	}
	if v := os.Getenv("AUTHGATE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("AUTHGATE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("AUTHGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// TrustedProxies parses http.trusted_proxies. A bare address becomes a single-host prefix.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.HTTP.TrustedProxies))
	for _, raw := range c.HTTP.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q", raw)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, "http.addr is required")
	}
	hasKeys := c.Tokens.PrivateKeyPath != "" || c.Tokens.PublicKeyPath != ""
	if hasKeys && (c.Tokens.PrivateKeyPath == "" || c.Tokens.PublicKeyPath == "") {
		errs = append(errs, "tokens.private_key_path and tokens.public_key_path must be set together")
	}
	if !hasKeys {
		if c.Tokens.Secret == "" {
			errs = append(errs, "tokens.secret is required (set AUTHGATE_TOKEN_SECRET)")
		} else if len(c.Tokens.Secret) < minSecretLength {
			errs = append(errs, "tokens.secret must be at least 32 characters")
		}
	}
	if c.Tokens.AccessTTL <= 0 {
		errs = append(errs, "tokens.access_ttl_minutes must be positive")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		errs = append(errs, "tokens.refresh_ttl_minutes must exceed the access ttl")
	}
	if c.Sessions.InactivityTimeout <= 0 {
		errs = append(errs, "sessions.inactivity_timeout_minutes must be positive")
	}
	if c.Permissions.BypassLevel < 0 {
		errs = append(errs, "permissions.bypass_level must not be negative")
	}
	if _, err := c.TrustedProxies(); err != nil {
		errs = append(errs, "http.trusted_proxies: "+err.Error())
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, "rate_limit.per_second and rate_limit.burst must be positive")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Tokens.AccessTTL) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Tokens.RefreshTTL) * time.Minute
}

// InactivityTimeout returns the sliding session idle window.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.Sessions.InactivityTimeout) * time.Minute
}

// ReadTimeout returns the HTTP read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.HTTP.ReadTimeout) * time.Second
}

// WriteTimeout returns the HTTP write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.HTTP.WriteTimeout) * time.Second
}

// IdleTimeout returns the HTTP keep-alive idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.HTTP.IdleTimeout) * time.Second
}

// ConnMaxLifetime returns the database connection lifetime.
func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifetime) * time.Minute
}
