// Package config loads keyward settings from flags, environment variables
// (KEYWARD_ prefix) and an optional keyward.yaml, in that order of priority.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/keyward/keyward/internal/store"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores: server.port is KEYWARD_SERVER_PORT.
const EnvPrefix = "KEYWARD"

const minSecretLength = 16

// Config is the complete runtime configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Usage       UsageConfig       `mapstructure:"usage"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// StoreConfig selects the credential database.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	DataDir      string `mapstructure:"data_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// AuthConfig controls owner session tokens.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl"`
}

// CredentialsConfig holds the two independent fingerprint secrets.
type CredentialsConfig struct {
	SecretRound1 string `mapstructure:"secret_round1"`
	SecretRound2 string `mapstructure:"secret_round2"`
}

// RateLimitConfig configures per-credential and per-IP throttling.
type RateLimitConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Requests            int           `mapstructure:"requests"`
	Window              time.Duration `mapstructure:"window"`
	RedisURL            string        `mapstructure:"redis_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	IPRequestsPerMinute int           `mapstructure:"ip_requests_per_minute"`
}

// QuotaConfig sets defaults for monthly quotas.
type QuotaConfig struct {
	DefaultMonthlyLimit int64 `mapstructure:"default_monthly_limit"`
}

// UsageConfig tunes the usage log pipeline.
type UsageConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// UpstreamConfig enables the gated reverse proxy.
type UpstreamConfig struct {
	URL string `mapstructure:"url"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
			MaxBodySize:     1 << 20,
		},
		Store: StoreConfig{
			Driver: store.DriverSQLite,
		},
		Auth: AuthConfig{
			JWTTTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:             true,
			Requests:            60,
			Window:              time.Minute,
			Timeout:             100 * time.Millisecond,
			IPRequestsPerMinute: 600,
		},
		Quota: QuotaConfig{
			DefaultMonthlyLimit: 10000,
		},
		Usage: UsageConfig{
			BufferSize:    1024,
			Retention:     90 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key with its default on v, so that
// environment variables are seen by Unmarshal even without a config file.
func SetDefaults(v *viper.Viper) {
	for key, val := range Default().settings(false) {
		v.SetDefault(key, val)
	}
}

// Configure points v at the config file and environment. An empty path
// searches ./keyward.yaml and $HOME/.keyward/keyward.yaml.
func Configure(v *viper.Viper, path string) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keyward")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.keyward")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// Load reads the config file if there is one, then unmarshals and
// validates v. A missing file is not an error; a malformed one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && v.ConfigFileUsed() != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural settings. Secrets are checked separately with
// RequireSecrets since not every command needs them.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: server.shutdown_timeout must be positive", ErrInvalid)
	}

	switch c.Store.Driver {
	case store.DriverSQLite:
	case store.DriverPostgres, store.DriverMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for %s", ErrInvalid, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: store.driver %q (want sqlite, postgres or mysql)", ErrInvalid, c.Store.Driver)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			return fmt.Errorf("%w: ratelimit.requests must be positive", ErrInvalid)
		}
		if c.RateLimit.Window < time.Millisecond {
			return fmt.Errorf("%w: ratelimit.window must be at least 1ms", ErrInvalid)
		}
	}
	if c.RateLimit.IPRequestsPerMinute < 0 {
		return fmt.Errorf("%w: ratelimit.ip_requests_per_minute must not be negative", ErrInvalid)
	}
	if c.Quota.DefaultMonthlyLimit < 0 {
		return fmt.Errorf("%w: quota.default_monthly_limit must not be negative", ErrInvalid)
	}
	if c.Usage.BufferSize <= 0 {
		return fmt.Errorf("%w: usage.buffer_size must be positive", ErrInvalid)
	}
	if c.Usage.Retention < 0 {
		return fmt.Errorf("%w: usage.retention must not be negative", ErrInvalid)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// RequireSecrets checks the secrets a command depends on.
func (c *Config) RequireSecrets(jwt, credentials bool) error {
	if jwt && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("%w: auth.jwt_secret must be at least %d characters (set %s_AUTH_JWT_SECRET)",
			ErrMissingSecret, minSecretLength, EnvPrefix)
	}
	if credentials {
		if len(c.Credentials.SecretRound1) < minSecretLength || len(c.Credentials.SecretRound2) < minSecretLength {
			return fmt.Errorf("%w: credentials.secret_round1 and credentials.secret_round2 must be at least %d characters",
				ErrMissingSecret, minSecretLength)
		}
		if c.Credentials.SecretRound1 == c.Credentials.SecretRound2 {
			return fmt.Errorf("%w: credentials.secret_round1 and credentials.secret_round2 must differ", ErrInvalid)
		}
	}
	return nil
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:       c.Store.Driver,
		DSN:          c.Store.DSN,
		DataDir:      c.Store.DataDir,
		MaxOpenConns: c.Store.MaxOpenConns,
	}
}

// splitList accepts both a YAML list and a comma-separated environment
// value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
