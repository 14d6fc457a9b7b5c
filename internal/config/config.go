// Package config loads service configuration. Sources apply in order:
// built-in defaults, an optional YAML file, an optional .env file, then
// TENANTAUTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tenantauth.org/internal/auth"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TENANTAUTH_"

// Config is the root configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http" envPrefix:"HTTP_"`
	GRPC     GRPCConfig     `yaml:"grpc" envPrefix:"GRPC_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DB_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	NATS     NATSConfig     `yaml:"nats" envPrefix:"NATS_"`
	Tokens   TokenConfig    `yaml:"tokens" envPrefix:"TOKEN_"`
	Security SecurityConfig `yaml:"security" envPrefix:"SECURITY_"`
	Audit    AuditConfig    `yaml:"audit" envPrefix:"AUDIT_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
}

// HTTPConfig configures the HTTP listener and its middleware.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy" env:"TRUST_PROXY"`
}

// GRPCConfig configures the gRPC health listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// DatabaseConfig selects the repository. An empty DSN uses the in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig is used by the Redis stream audit sink.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	Stream       string `yaml:"stream" env:"STREAM"`
	StreamMaxLen int64  `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
}

// NATSConfig is used by the notifier. An empty URL disables notifications.
type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// TokenConfig holds JWT signing settings.
type TokenConfig struct {
	AccessSecret  string        `yaml:"access_secret" env:"ACCESS_SECRET"`
	RefreshSecret string        `yaml:"refresh_secret" env:"REFRESH_SECRET"`
	Issuer        string        `yaml:"issuer" env:"ISSUER"`
	AccessTTL     time.Duration `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL"`
}

// SecurityConfig holds login and refresh policy.
type SecurityConfig struct {
	CheckIP                 bool          `yaml:"check_ip" env:"CHECK_IP"`
	StrictIP                bool          `yaml:"strict_ip" env:"STRICT_IP"`
	CheckFingerprint        bool          `yaml:"check_fingerprint" env:"CHECK_FINGERPRINT"`
	RecheckRevoked          bool          `yaml:"recheck_revoked" env:"RECHECK_REVOKED"`
	MinRefreshInterval      time.Duration `yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL"`
	LockoutThreshold        int           `yaml:"lockout_threshold" env:"LOCKOUT_THRESHOLD"`
	LockoutDuration         time.Duration `yaml:"lockout_duration" env:"LOCKOUT_DURATION"`
	RequireTenantIdentifier bool          `yaml:"require_tenant_identifier" env:"REQUIRE_TENANT_IDENTIFIER"`
	StoreTimeout            time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	HashWorkers             int           `yaml:"hash_workers" env:"HASH_WORKERS"`
	BcryptCost              int           `yaml:"bcrypt_cost" env:"BCRYPT_COST"`
}

// Audit sinks.
const (
	AuditSinkLog   = "log"
	AuditSinkRedis = "redis"
	AuditSinkNone  = "none"
)

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Sink   string `yaml:"sink" env:"SINK"`
	Buffer int    `yaml:"buffer" env:"BUFFER"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Default returns the built-in configuration. Token secrets have no default.
func Default() *Config {
	policy := auth.DefaultSecurityPolicy()
	core := auth.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Stream:       "tenantauth:audit",
			StreamMaxLen: 100000,
		},
		NATS: NATSConfig{SubjectPrefix: "tenantauth.notify"},
		Tokens: TokenConfig{
			Issuer:     "tenantauth",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 14 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			CheckIP:            policy.CheckIP,
			StrictIP:           policy.StrictIP,
			CheckFingerprint:   policy.CheckFingerprint,
			RecheckRevoked:     policy.RecheckRevoked,
			MinRefreshInterval: policy.MinRefreshInterval,
			LockoutThreshold:   core.LockoutThreshold,
			LockoutDuration:    core.LockoutDuration,
			StoreTimeout:       core.StoreTimeout,
			HashWorkers:        4,
			BcryptCost:         12,
		},
		Audit:   AuditConfig{Sink: AuditSinkLog, Buffer: 1024},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration. path names an optional YAML file; a
// missing file is an error only when path is set. dotenv lists .env files to
// read, defaulting to ".env" in the working directory when absent.
func Load(path string, dotenv ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	files := dotenv
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []string
	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	if c.Tokens.AccessSecret == "" || c.Tokens.RefreshSecret == "" {
		errs = append(errs, "tokens.access_secret and tokens.refresh_secret are required")
	} else if c.Tokens.AccessSecret == c.Tokens.RefreshSecret {
		errs = append(errs, "tokens.access_secret and tokens.refresh_secret must differ")
	}
	if c.Security.LockoutThreshold <= 0 {
		errs = append(errs, "security.lockout_threshold must be positive")
	}
	if c.Security.HashWorkers < 0 {
		errs = append(errs, "security.hash_workers must not be negative")
	}
	switch c.Audit.Sink {
	case AuditSinkLog, AuditSinkNone:
	case AuditSinkRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis audit sink")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.sink %q is not one of log, redis, none", c.Audit.Sink))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Auth converts the security section into the core configuration.
func (c *Config) Auth() auth.Config {
	return auth.Config{
		LockoutThreshold:        c.Security.LockoutThreshold,
		LockoutDuration:         c.Security.LockoutDuration,
		StoreTimeout:            c.Security.StoreTimeout,
		RequireTenantIdentifier: c.Security.RequireTenantIdentifier,
		Policy: auth.SecurityPolicy{
			CheckIP:            c.Security.CheckIP,
			StrictIP:           c.Security.StrictIP,
			CheckFingerprint:   c.Security.CheckFingerprint,
			MinRefreshInterval: c.Security.MinRefreshInterval,
			RecheckRevoked:     c.Security.RecheckRevoked,
		},
	}
}

// TokenIssuer converts the token section into the core token configuration.
func (c *Config) TokenIssuer() auth.TokenConfig {
	return auth.TokenConfig{
		AccessSecret:  c.Tokens.AccessSecret,
		RefreshSecret: c.Tokens.RefreshSecret,
		Issuer:        c.Tokens.Issuer,
		AccessTTL:     c.Tokens.AccessTTL,
		RefreshTTL:    c.Tokens.RefreshTTL,
	}
}
