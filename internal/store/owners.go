package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyward/keyward/internal/model"
)

const ownerColumns = `id, email, password_hash, name, is_active, last_login_at, created_at, updated_at`

// CreateOwner inserts a new owner account. The ID, CreatedAt, and UpdatedAt
// fields are populated before insert. Emails are stored lower-cased.
func (s *Store) CreateOwner(ctx context.Context, owner *model.Owner) error {
	now := time.Now().UTC()
	if owner.ID == "" {
		owner.ID = uuid.Must(uuid.NewV7()).String()
	}
	owner.Email = strings.ToLower(strings.TrimSpace(owner.Email))
	owner.CreatedAt = now
	owner.UpdatedAt = now

	const q = `INSERT INTO owners
		(id, email, password_hash, name, is_active, created_at, updated_at)
		VALUES
		(:id, :email, :password_hash, :name, :is_active, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, owner); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert owner: %w", ErrConflict)
		}
		return fmt.Errorf("insert owner: %w", err)
	}
	return nil
}

// GetOwner returns an owner by ID.
func (s *Store) GetOwner(ctx context.Context, id string) (*model.Owner, error) {
	var owner model.Owner
	err := s.db.GetContext(ctx, &owner, s.q("SELECT "+ownerColumns+" FROM owners WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return &owner, nil
}

// GetOwnerByEmail returns an owner by email address.
func (s *Store) GetOwnerByEmail(ctx context.Context, email string) (*model.Owner, error) {
	var owner model.Owner
	err := s.db.GetContext(ctx, &owner,
		s.q("SELECT "+ownerColumns+" FROM owners WHERE email = ?"),
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get owner by email: %w", err)
	}
	return &owner, nil
}

// ListOwners returns all owner accounts.
func (s *Store) ListOwners(ctx context.Context) ([]model.Owner, error) {
	var owners []model.Owner
	if err := s.db.SelectContext(ctx, &owners, "SELECT "+ownerColumns+" FROM owners ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

// UpdateOwnerLastLogin sets the last_login_at timestamp for an owner.
func (s *Store) UpdateOwnerLastLogin(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE owners SET last_login_at = ?, updated_at = ? WHERE id = ?"), now, now, id)
	if err != nil {
		return fmt.Errorf("update owner last login: %w", err)
	}
	return requireAffected(result, "update owner last login")
}

// CountOwners returns the number of owners.
func (s *Store) CountOwners(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM owners"); err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return n, nil
}
