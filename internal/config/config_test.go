package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func load(t *testing.T, path string) (*Config, error) {
	t.Helper()
	v := viper.New()
	Configure(v, path)
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no keyward.yaml here
	t.Setenv("HOME", t.TempDir())

	cfg, err := load(t, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Server.Port != want.Server.Port || cfg.Server.Host != want.Server.Host {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.RateLimit.Window != time.Minute || cfg.RateLimit.Requests != 60 || !cfg.RateLimit.Enabled {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
	if cfg.Quota.DefaultMonthlyLimit != 10000 {
		t.Errorf("quota.default_monthly_limit = %d", cfg.Quota.DefaultMonthlyLimit)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KEYWARD_SERVER_PORT", "9090")
	t.Setenv("KEYWARD_RATELIMIT_WINDOW", "30s")
	t.Setenv("KEYWARD_RATELIMIT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("KEYWARD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("KEYWARD_AUTH_JWT_SECRET", "env-jwt-secret-0123456789")

	cfg, err := load(t, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("window = %v, want 30s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis_url = %q", cfg.RateLimit.RedisURL)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors_origins = %q", cfg.Server.CORSOrigins)
	}
	if cfg.Auth.JWTSecret != "env-jwt-secret-0123456789" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyward.yaml")
	content := `
server:
  port: 7000
store:
  driver: postgres
  dsn: postgres://keyward:pw@db:5432/keyward
ratelimit:
  requests: 5
  window: 10s
quota:
  default_monthly_limit: 250
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Store.Driver != "postgres" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RateLimit.Requests != 5 || cfg.RateLimit.Window != 10*time.Second {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.Quota.DefaultMonthlyLimit != 250 {
		t.Errorf("default_monthly_limit = %d", cfg.Quota.DefaultMonthlyLimit)
	}
	// Unset keys keep their defaults.
	if cfg.Usage.BufferSize != 1024 {
		t.Errorf("buffer_size = %d, want default", cfg.Usage.BufferSize)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := load(t, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"zero shutdown", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"zero requests", func(c *Config) { c.RateLimit.Requests = 0 }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"sub-millisecond window", func(c *Config) { c.RateLimit.Window = 500 * time.Microsecond }},
		{"negative ip limit", func(c *Config) { c.RateLimit.IPRequestsPerMinute = -1 }},
		{"negative quota", func(c *Config) { c.Quota.DefaultMonthlyLimit = -1 }},
		{"zero buffer", func(c *Config) { c.Usage.BufferSize = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}

	t.Run("disabled rate limit skips its checks", func(t *testing.T) {
		cfg := Default()
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.Requests = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})
}

func TestRequireSecrets(t *testing.T) {
	good := Default()
	good.Auth.JWTSecret = "jwt-secret-0123456789"
	good.Credentials.SecretRound1 = "round-one-0123456789"
	good.Credentials.SecretRound2 = "round-two-0123456789"
	if err := good.RequireSecrets(true, true); err != nil {
		t.Fatalf("RequireSecrets: %v", err)
	}

	noJWT := good
	noJWT.Auth.JWTSecret = ""
	if err := noJWT.RequireSecrets(true, false); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("missing jwt: %v", err)
	}
	if err := noJWT.RequireSecrets(false, true); err != nil {
		t.Errorf("jwt not required: %v", err)
	}

	short := good
	short.Credentials.SecretRound2 = "short"
	if err := short.RequireSecrets(false, true); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("short secret: %v", err)
	}

	same := good
	same.Credentials.SecretRound2 = same.Credentials.SecretRound1
	if err := same.RequireSecrets(false, true); !errors.Is(err, ErrInvalid) {
		t.Errorf("identical secrets: %v", err)
	}
}

func TestRenderRedacts(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "super-secret-jwt-value"
	cfg.Credentials.SecretRound1 = "round-one-secret-value"
	cfg.Store.DSN = "postgres://keyward:dbpassword@db:5432/keyward"
	cfg.RateLimit.RedisURL = "redis://:redispass@cache:6379/0"

	out, err := Render(&cfg, true)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, secret := range []string{"super-secret-jwt-value", "round-one-secret-value", "dbpassword", "redispass"} {
		if bytes.Contains(out, []byte(secret)) {
			t.Errorf("rendered config leaks %q:\n%s", secret, out)
		}
	}
	if !bytes.Contains(out, []byte("db:5432")) {
		t.Errorf("dsn host should remain visible:\n%s", out)
	}

	var tree map[string]map[string]any
	if err := yaml.Unmarshal(out, &tree); err != nil {
		t.Fatalf("rendered config is not YAML: %v", err)
	}
	if tree["ratelimit"]["window"] != "1m0s" {
		t.Errorf("window = %v, want 1m0s", tree["ratelimit"]["window"])
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyward.yaml")
	if err := WriteDefaultConfig(path, false); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	if err := WriteDefaultConfig(path, false); err == nil {
		t.Error("expected error when the file already exists")
	}
	if err := WriteDefaultConfig(path, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}

	cfg, err := load(t, path)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	want := Default()
	if cfg.Usage.Retention != want.Usage.Retention || cfg.Auth.JWTTTL != want.Auth.JWTTTL {
		t.Errorf("round trip changed durations: %+v %+v", cfg.Usage, cfg.Auth)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf, false)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("output = %s", buf.String())
	}

	buf.Reset()
	logger = NewLogger(LogConfig{Level: "error", Format: "text"}, &buf, true)
	logger.Debug("dev")
	if !strings.Contains(buf.String(), "dev") {
		t.Errorf("debug override not applied: %s", buf.String())
	}
	if !logger.Enabled(t.Context(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}
