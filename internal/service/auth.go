package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/store"
)

const (
	issuer            = "keyward"
	minPasswordLength = 8
	defaultTokenTTL   = 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOwnerInactive      = errors.New("owner account disabled")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// dummyHash is compared against when the email is unknown so a failed login
// takes the same time either way.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("keyward-dummy-password"), bcrypt.DefaultCost)

// OwnerStore is the persistence the auth service needs.
type OwnerStore interface {
	GetOwnerByEmail(ctx context.Context, email string) (*model.Owner, error)
	UpdateOwnerLastLogin(ctx context.Context, id string) error
}

// OwnerPrincipal is the identity carried by a session token.
type OwnerPrincipal struct {
	OwnerID string
	Email   string
}

// AuthService authenticates owners and issues session tokens for the
// management API.
type AuthService struct {
	store     OwnerStore
	jwtSecret []byte
	ttl       time.Duration
}

func NewAuthService(store OwnerStore, jwtSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &AuthService{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
	}
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks an owner's password and returns a signed session token.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *model.Owner, error) {
	owner, err := s.store.GetOwnerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("look up owner: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !owner.IsActive {
		return "", nil, ErrOwnerInactive
	}

	token, err := s.IssueJWT(owner.ID, owner.Email)
	if err != nil {
		return "", nil, fmt.Errorf("issue token: %w", err)
	}

	// Update last login timestamp (fire and forget)
	go s.store.UpdateOwnerLastLogin(context.Background(), owner.ID)

	return token, owner, nil
}

// ValidateJWT verifies a session token and returns the owner identity.
func (s *AuthService) ValidateJWT(tokenStr string) (*OwnerPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	return &OwnerPrincipal{
		OwnerID: claims.Subject,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a signed session token for an owner.
func (s *AuthService) IssueJWT(ownerID, email string) (string, error) {
	return s.issue(ownerID, email, s.ttl)
}

func (s *AuthService) issue(ownerID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// TTL returns the lifetime of issued tokens.
func (s *AuthService) TTL() time.Duration {
	return s.ttl
}

type jwtClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}
