package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// settings flattens c into dotted viper keys.
func (c Config) settings(redact bool) map[string]any {
	secret := func(s string) string {
		if redact && s != "" {
			return redacted
		}
		return s
	}
	return map[string]any{
		"server.host":                      c.Server.Host,
		"server.port":                      c.Server.Port,
		"server.shutdown_timeout":          c.Server.ShutdownTimeout,
		"server.cors_origins":              c.Server.CORSOrigins,
		"server.max_body_size":             c.Server.MaxBodySize,
		"store.driver":                     c.Store.Driver,
		"store.dsn":                        redactDSN(c.Store.DSN, redact),
		"store.data_dir":                   c.Store.DataDir,
		"store.max_open_conns":             c.Store.MaxOpenConns,
		"auth.jwt_secret":                  secret(c.Auth.JWTSecret),
		"auth.jwt_ttl":                     c.Auth.JWTTTL,
		"credentials.secret_round1":        secret(c.Credentials.SecretRound1),
		"credentials.secret_round2":        secret(c.Credentials.SecretRound2),
		"ratelimit.enabled":                c.RateLimit.Enabled,
		"ratelimit.requests":               c.RateLimit.Requests,
		"ratelimit.window":                 c.RateLimit.Window,
		"ratelimit.redis_url":              redactDSN(c.RateLimit.RedisURL, redact),
		"ratelimit.timeout":                c.RateLimit.Timeout,
		"ratelimit.ip_requests_per_minute": c.RateLimit.IPRequestsPerMinute,
		"quota.default_monthly_limit":      c.Quota.DefaultMonthlyLimit,
		"usage.buffer_size":                c.Usage.BufferSize,
		"usage.retention":                  c.Usage.Retention,
		"usage.prune_interval":             c.Usage.PruneInterval,
		"upstream.url":                     c.Upstream.URL,
		"log.level":                        c.Log.Level,
		"log.format":                       c.Log.Format,
	}
}

// Render returns c as a YAML document. Secrets and passwords embedded in
// connection strings are masked when redact is set.
func Render(c *Config, redact bool) ([]byte, error) {
	tree := map[string]map[string]any{}
	for key, val := range c.settings(redact) {
		section, name, _ := strings.Cut(key, ".")
		if tree[section] == nil {
			tree[section] = map[string]any{}
		}
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		tree[section][name] = val
	}
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return data, nil
}

// WriteDefaultConfig writes the default configuration to a YAML file. An
// existing file is only replaced when overwrite is set.
func WriteDefaultConfig(path string, overwrite bool) error {
	cfg := Default()
	data, err := Render(&cfg, false)
	if err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// redactDSN masks the password of URL-style connection strings. Other
// non-empty strings are masked entirely since their layout is unknown.
func redactDSN(dsn string, redact bool) string {
	if !redact || dsn == "" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	return u.Redacted()
}
