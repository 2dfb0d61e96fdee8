package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyward/keyward/internal/model"
)

const credentialColumns = `id, owner_id, label, display_prefix,
	fingerprint_primary, fingerprint_public, fingerprint_sealed, fingerprint_legacy,
	scopes_json, monthly_limit, monthly_usage, is_active,
	expires_at, last_used_at, last_reset_at, created_at, updated_at`

// credentialRow maps 1:1 to the credentials table. Scopes are stored as a
// JSON array in scopes_json.
type credentialRow struct {
	ID                 string     `db:"id"`
	OwnerID            string     `db:"owner_id"`
	Label              string     `db:"label"`
	DisplayPrefix      string     `db:"display_prefix"`
	FingerprintPrimary *string    `db:"fingerprint_primary"`
	FingerprintPublic  *string    `db:"fingerprint_public"`
	FingerprintSealed  *string    `db:"fingerprint_sealed"`
	FingerprintLegacy  *string    `db:"fingerprint_legacy"`
	ScopesJSON         string     `db:"scopes_json"`
	MonthlyLimit       int64      `db:"monthly_limit"`
	MonthlyUsage       int64      `db:"monthly_usage"`
	IsActive           bool       `db:"is_active"`
	ExpiresAt          *time.Time `db:"expires_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	LastResetAt        time.Time  `db:"last_reset_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func credentialRowFromModel(c *model.Credential) (credentialRow, error) {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return credentialRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	return credentialRow{
		ID:                 c.ID,
		OwnerID:            c.OwnerID,
		Label:              c.Label,
		DisplayPrefix:      c.DisplayPrefix,
		FingerprintPrimary: c.FingerprintPrimary,
		FingerprintPublic:  c.FingerprintPublic,
		FingerprintSealed:  c.FingerprintSealed,
		FingerprintLegacy:  c.FingerprintLegacy,
		ScopesJSON:         string(scopesJSON),
		MonthlyLimit:       c.MonthlyLimit,
		MonthlyUsage:       c.MonthlyUsage,
		IsActive:           c.IsActive,
		ExpiresAt:          c.ExpiresAt,
		LastUsedAt:         c.LastUsedAt,
		LastResetAt:        c.LastResetAt,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}, nil
}

func (r credentialRow) toModel() (*model.Credential, error) {
	var scopes []string
	if r.ScopesJSON != "" && r.ScopesJSON != "[]" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &scopes); err != nil {
			return nil, fmt.Errorf("unmarshal scopes for credential %s: %w", r.ID, err)
		}
	}
	if scopes == nil {
		scopes = []string{}
	}
	return &model.Credential{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		Label:              r.Label,
		DisplayPrefix:      r.DisplayPrefix,
		FingerprintPrimary: r.FingerprintPrimary,
		FingerprintPublic:  r.FingerprintPublic,
		FingerprintSealed:  r.FingerprintSealed,
		FingerprintLegacy:  r.FingerprintLegacy,
		Scopes:             scopes,
		MonthlyLimit:       r.MonthlyLimit,
		MonthlyUsage:       r.MonthlyUsage,
		IsActive:           r.IsActive,
		ExpiresAt:          r.ExpiresAt,
		LastUsedAt:         r.LastUsedAt,
		LastResetAt:        r.LastResetAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

// CreateCredential inserts a new credential. ID, CreatedAt, UpdatedAt and a
// zero LastResetAt are populated before insert.
func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.LastResetAt.IsZero() {
		c.LastResetAt = now
	}

	row, err := credentialRowFromModel(c)
	if err != nil {
		return err
	}

	const q = `INSERT INTO credentials
		(id, owner_id, label, display_prefix,
		 fingerprint_primary, fingerprint_public, fingerprint_sealed, fingerprint_legacy,
		 scopes_json, monthly_limit, monthly_usage, is_active,
		 expires_at, last_used_at, last_reset_at, created_at, updated_at)
		VALUES
		(:id, :owner_id, :label, :display_prefix,
		 :fingerprint_primary, :fingerprint_public, :fingerprint_sealed, :fingerprint_legacy,
		 :scopes_json, :monthly_limit, :monthly_usage, :is_active,
		 :expires_at, :last_used_at, :last_reset_at, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert credential: %w", ErrConflict)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Store) getCredential(ctx context.Context, where string, arg any) (*model.Credential, error) {
	var row credentialRow
	query := s.q("SELECT " + credentialColumns + " FROM credentials WHERE " + where)
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return row.toModel()
}

// GetCredential returns a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	return s.getCredential(ctx, "id = ?", id)
}

// FindByFingerprint looks up a credential by its tier-2 primary fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*model.Credential, error) {
	return s.getCredential(ctx, "fingerprint_primary = ?", fingerprint)
}

// FindByLegacyFingerprint looks up a single-round credential. Rows that carry
// a tier-2 fingerprint are never matched here, so new credentials cannot be
// authenticated through the weaker path.
func (s *Store) FindByLegacyFingerprint(ctx context.Context, fingerprint string) (*model.Credential, error) {
	return s.getCredential(ctx, "fingerprint_legacy = ? AND fingerprint_primary IS NULL", fingerprint)
}

func (s *Store) listCredentials(ctx context.Context, where string, args ...any) ([]model.Credential, error) {
	query := "SELECT " + credentialColumns + " FROM credentials"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC"

	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]model.Credential, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// ListCredentials returns every credential, newest first.
func (s *Store) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	return s.listCredentials(ctx, "")
}

// CountActiveCredentials returns how many credentials are active and not
// expired at now.
func (s *Store) CountActiveCredentials(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM credentials
		WHERE is_active = ? AND (expires_at IS NULL OR expires_at > ?)`), true, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("count active credentials: %w", err)
	}
	return n, nil
}

// ListCredentialsByOwner returns an owner's credentials, newest first.
func (s *Store) ListCredentialsByOwner(ctx context.Context, ownerID string) ([]model.Credential, error) {
	return s.listCredentials(ctx, "owner_id = ?", ownerID)
}

// IncrementUsage adds units to the monthly usage counter in a single
// statement. Concurrent increments never overwrite each other.
func (s *Store) IncrementUsage(ctx context.Context, id string, units int64) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE credentials SET monthly_usage = monthly_usage + ?, updated_at = ? WHERE id = ?"),
		units, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return requireAffected(result, "increment usage")
}

// TouchLastUsed stamps last_used_at. Callers typically run it in the
// background and ignore the result.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE credentials SET last_used_at = ? WHERE id = ?"), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch last used: %w", err)
	}
	return requireAffected(result, "touch last used")
}

// Deactivate permanently disables a credential. Deactivating an already
// inactive credential succeeds.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE credentials SET is_active = ?, updated_at = ? WHERE id = ? AND is_active = ?"),
		false, time.Now().UTC(), id, true)
	if err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate credential rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Nothing changed: either already inactive or missing.
	_, err = s.GetCredential(ctx, id)
	return err
}

// ReplaceFingerprints swaps in a freshly generated fingerprint set. The old
// primary and any legacy fingerprint stop matching immediately.
func (s *Store) ReplaceFingerprints(ctx context.Context, id, displayPrefix, primary, public, sealed string) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE credentials SET
		display_prefix = ?, fingerprint_primary = ?, fingerprint_public = ?,
		fingerprint_sealed = ?, fingerprint_legacy = NULL, updated_at = ?
		WHERE id = ?`),
		displayPrefix, primary, public, sealed, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("replace fingerprints: %w", err)
	}
	return requireAffected(result, "replace fingerprints")
}

// UpdateCredentialLimits changes the owner-editable fields of a credential.
func (s *Store) UpdateCredentialLimits(ctx context.Context, id, label string, monthlyLimit int64, scopes []string, expiresAt *time.Time) error {
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE credentials SET
		label = ?, monthly_limit = ?, scopes_json = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`),
		label, monthlyLimit, string(scopesJSON), expiresAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return requireAffected(result, "update credential")
}

// ResetUsage zeroes the monthly counter and stamps last_reset_at.
func (s *Store) ResetUsage(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE credentials SET monthly_usage = 0, last_reset_at = ?, updated_at = ? WHERE id = ?"),
		at, at, id)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return requireAffected(result, "reset usage")
}

// ResetUsageIfStale resets one credential whose last reset predates
// periodStart. It reports whether this call performed the reset, so only one
// of several concurrent callers wins.
func (s *Store) ResetUsageIfStale(ctx context.Context, id string, periodStart, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE credentials
		SET monthly_usage = 0, last_reset_at = ?, updated_at = ?
		WHERE id = ? AND last_reset_at < ?`),
		at, at, id, periodStart)
	if err != nil {
		return false, fmt.Errorf("reset stale usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset stale usage rows affected: %w", err)
	}
	return n > 0, nil
}

// ResetOwnerUsage resets every credential of ownerID last reset before
// periodStart and returns how many were reset.
func (s *Store) ResetOwnerUsage(ctx context.Context, ownerID string, periodStart, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE credentials
		SET monthly_usage = 0, last_reset_at = ?, updated_at = ?
		WHERE owner_id = ? AND last_reset_at < ?`),
		at, at, ownerID, periodStart)
	if err != nil {
		return 0, fmt.Errorf("reset owner usage: %w", err)
	}
	return result.RowsAffected()
}

// ResetAllUsage resets every credential last reset before periodStart.
func (s *Store) ResetAllUsage(ctx context.Context, periodStart, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE credentials
		SET monthly_usage = 0, last_reset_at = ?, updated_at = ?
		WHERE last_reset_at < ?`),
		at, at, periodStart)
	if err != nil {
		return 0, fmt.Errorf("reset all usage: %w", err)
	}
	return result.RowsAffected()
}

func requireAffected(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
