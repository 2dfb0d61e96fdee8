package store

import (
	"fmt"
	"strings"
)

// Column types that differ between dialects. Statements below use the
// placeholders and are expanded per driver.
var dialectTypes = map[string]*strings.Replacer{
	DriverSQLite:   strings.NewReplacer("{{BOOL}}", "INTEGER", "{{TIME}}", "DATETIME", "{{JSON}}", "TEXT"),
	DriverPostgres: strings.NewReplacer("{{BOOL}}", "BOOLEAN", "{{TIME}}", "TIMESTAMPTZ", "{{JSON}}", "TEXT"),
	DriverMySQL:    strings.NewReplacer("{{BOOL}}", "BOOLEAN", "{{TIME}}", "DATETIME(6)", "{{JSON}}", "TEXT"),
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS owners (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		is_active {{BOOL}} NOT NULL DEFAULT TRUE,
		last_login_at {{TIME}} NULL,
		created_at {{TIME}} NOT NULL,
		updated_at {{TIME}} NOT NULL
	)`,

	// Tier-2 fingerprint columns are nullable: rows imported from the
	// single-round scheme only carry fingerprint_legacy.
	`CREATE TABLE IF NOT EXISTS credentials (
		id VARCHAR(64) PRIMARY KEY,
		owner_id VARCHAR(64) NOT NULL REFERENCES owners(id),
		label VARCHAR(255) NOT NULL DEFAULT '',
		display_prefix VARCHAR(32) NOT NULL,
		fingerprint_primary VARCHAR(128) NULL,
		fingerprint_public VARCHAR(128) NULL,
		fingerprint_sealed VARCHAR(255) NULL,
		fingerprint_legacy VARCHAR(128) NULL,
		scopes_json {{JSON}} NOT NULL,
		monthly_limit BIGINT NOT NULL DEFAULT 0,
		monthly_usage BIGINT NOT NULL DEFAULT 0,
		is_active {{BOOL}} NOT NULL DEFAULT TRUE,
		expires_at {{TIME}} NULL,
		last_used_at {{TIME}} NULL,
		last_reset_at {{TIME}} NOT NULL,
		created_at {{TIME}} NOT NULL,
		updated_at {{TIME}} NOT NULL
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_fp_primary ON credentials(fingerprint_primary)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_fp_legacy ON credentials(fingerprint_legacy)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_owner ON credentials(owner_id)`,

	`CREATE TABLE IF NOT EXISTS usage_log (
		id VARCHAR(64) PRIMARY KEY,
		credential_id VARCHAR(64) NULL,
		endpoint VARCHAR(512) NOT NULL,
		method VARCHAR(16) NOT NULL DEFAULT '',
		outcome VARCHAR(64) NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		units BIGINT NOT NULL DEFAULT 0,
		latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		request_id VARCHAR(64) NOT NULL DEFAULT '',
		metadata_json {{JSON}} NULL,
		created_at {{TIME}} NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_usage_log_credential ON usage_log(credential_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_log_created ON usage_log(created_at)`,
}

func (s *Store) migrate() error {
	types := dialectTypes[s.dialect]
	for _, m := range migrations {
		stmt := types.Replace(m)
		if s.dialect == DriverMySQL && strings.HasPrefix(stmt, "CREATE") && strings.Contains(stmt, "INDEX IF NOT EXISTS") {
			// MySQL has no IF NOT EXISTS for indexes.
			stmt = strings.Replace(stmt, " IF NOT EXISTS", "", 1)
		}
		if _, err := s.db.Exec(stmt); err != nil {
			// Re-running index creation on MySQL and ALTER TABLE ADD COLUMN on
			// SQLite both fail on an existing object; treat as a no-op.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
