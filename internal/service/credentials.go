package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyward/keyward/internal/credential"
	"github.com/keyward/keyward/internal/model"
)

var (
	ErrInvalidLimit  = errors.New("monthly_limit must not be negative")
	ErrInvalidExpiry = errors.New("expires_at must be in the future")
	ErrInvalidScope  = errors.New("scopes must be non-empty and contain no whitespace")

	// ErrCredentialInactive is returned when rotating a revoked credential.
	ErrCredentialInactive = errors.New("credential is revoked")
)

// CredentialStore is the persistence the credential service needs.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *model.Credential) error
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	ReplaceFingerprints(ctx context.Context, id, displayPrefix, primary, public, sealed string) error
	UpdateCredentialLimits(ctx context.Context, id, label string, monthlyLimit int64, scopes []string, expiresAt *time.Time) error
	Deactivate(ctx context.Context, id string) error
}

// IssueRequest describes a new credential.
type IssueRequest struct {
	OwnerID      string
	Label        string
	MonthlyLimit *int64
	Scopes       []string
	ExpiresAt    *time.Time
}

// CredentialService mints and rotates credentials. It is the only place
// that sees plaintext keys, and it returns each one exactly once.
type CredentialService struct {
	store        CredentialStore
	codec        *credential.Codec
	defaultLimit int64
	now          func() time.Time
}

func NewCredentialService(store CredentialStore, codec *credential.Codec, defaultMonthlyLimit int64) *CredentialService {
	return &CredentialService{
		store:        store,
		codec:        codec,
		defaultLimit: defaultMonthlyLimit,
		now:          time.Now,
	}
}

// Issue generates a key for req.OwnerID and stores its fingerprints.
func (s *CredentialService) Issue(ctx context.Context, req IssueRequest) (string, *model.Credential, error) {
	limit := s.defaultLimit
	if req.MonthlyLimit != nil {
		limit = *req.MonthlyLimit
	}
	scopes, err := s.validate(limit, req.Scopes, req.ExpiresAt)
	if err != nil {
		return "", nil, err
	}

	plaintext, set, err := s.codec.Generate()
	if err != nil {
		return "", nil, err
	}
	sealed, err := s.codec.Seal(set.PrivateRound1)
	if err != nil {
		return "", nil, fmt.Errorf("seal fingerprint: %w", err)
	}

	c := &model.Credential{
		OwnerID:            req.OwnerID,
		Label:              strings.TrimSpace(req.Label),
		DisplayPrefix:      credential.DisplayPrefix(plaintext),
		FingerprintPrimary: &set.PrivateRound2,
		FingerprintPublic:  &set.PublicRound2,
		FingerprintSealed:  &sealed,
		Scopes:             scopes,
		MonthlyLimit:       limit,
		IsActive:           true,
		ExpiresAt:          utcPtr(req.ExpiresAt),
	}
	if err := s.store.CreateCredential(ctx, c); err != nil {
		return "", nil, err
	}
	return plaintext, c, nil
}

// Regenerate replaces a credential's key. The old plaintext, including a
// legacy one, stops working immediately. Usage and limits are kept.
func (s *CredentialService) Regenerate(ctx context.Context, id string) (string, *model.Credential, error) {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if !c.IsActive {
		return "", nil, fmt.Errorf("regenerate credential %s: %w", id, ErrCredentialInactive)
	}

	plaintext, set, err := s.codec.Generate()
	if err != nil {
		return "", nil, err
	}
	sealed, err := s.codec.Seal(set.PrivateRound1)
	if err != nil {
		return "", nil, fmt.Errorf("seal fingerprint: %w", err)
	}
	prefix := credential.DisplayPrefix(plaintext)
	if err := s.store.ReplaceFingerprints(ctx, id, prefix, set.PrivateRound2, set.PublicRound2, sealed); err != nil {
		return "", nil, err
	}

	c.DisplayPrefix = prefix
	c.FingerprintPrimary = &set.PrivateRound2
	c.FingerprintPublic = &set.PublicRound2
	c.FingerprintSealed = &sealed
	c.FingerprintLegacy = nil
	return plaintext, c, nil
}

// Update changes label, limit, scopes and expiry.
func (s *CredentialService) Update(ctx context.Context, c *model.Credential) error {
	scopes, err := s.validate(c.MonthlyLimit, c.Scopes, nil)
	if err != nil {
		return err
	}
	c.Label = strings.TrimSpace(c.Label)
	c.Scopes = scopes
	c.ExpiresAt = utcPtr(c.ExpiresAt)
	return s.store.UpdateCredentialLimits(ctx, c.ID, c.Label, c.MonthlyLimit, scopes, c.ExpiresAt)
}

// Revoke permanently deactivates a credential.
func (s *CredentialService) Revoke(ctx context.Context, id string) error {
	return s.store.Deactivate(ctx, id)
}

func (s *CredentialService) validate(limit int64, scopes []string, expiresAt *time.Time) ([]string, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, ErrInvalidExpiry
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		sc = strings.TrimSpace(sc)
		if sc == "" || strings.ContainsAny(sc, " \t\n") {
			return nil, ErrInvalidScope
		}
		if !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
