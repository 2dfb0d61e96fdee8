// Package credential derives and verifies API key fingerprints.
//
// A key is verified through two keyed rounds. Round one runs over the
// plaintext, round two over round one's public hash:
//
//	PrivateRound1 = HMAC(S1, plaintext)      sealed at rest, never on the hot path
//	PublicRound1  = SHA256(plaintext)
//	PrivateRound2 = HMAC(S2, PublicRound1)   indexed, compared on every request
//	PublicRound2  = SHA256(PublicRound1)     safe to show to the owner
//
// Leaking the PrivateRound2 index alone does not reveal the plaintext, and
// leaking S2 alone does not allow forging an index entry without PublicRound1.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix marks keyward keys. Bearer tokens without it are ignored.
	Prefix = "kw_"

	randomBytes = 32

	// KeyLength is the full plaintext length: prefix plus hex body.
	KeyLength = len(Prefix) + 2*randomBytes

	// DisplayPrefixLength is how many plaintext characters are stored for
	// human identification.
	DisplayPrefixLength = len(Prefix) + 9

	minSecretLength = 16
)

var (
	// ErrMalformed is returned when a plaintext key has the wrong prefix,
	// length, or alphabet.
	ErrMalformed = errors.New("malformed credential")

	// ErrWeakSecret is returned when a derivation secret is missing or too short.
	ErrWeakSecret = errors.New("derivation secret must be at least 16 bytes")

	// ErrSameSecrets is returned when both derivation secrets are identical.
	ErrSameSecrets = errors.New("derivation secrets must differ")
)

// FingerprintSet is everything derived from one plaintext key.
type FingerprintSet struct {
	PrivateRound1 string
	PublicRound1  string
	PrivateRound2 string
	PublicRound2  string
}

// Codec derives fingerprints with two operator-supplied secrets. It holds no
// other state and is safe for concurrent use.
type Codec struct {
	round1 []byte
	round2 []byte
	sealer *sealer
}

// NewCodec creates a Codec. Both secrets are required and must differ.
func NewCodec(secretRound1, secretRound2 string) (*Codec, error) {
	if len(secretRound1) < minSecretLength || len(secretRound2) < minSecretLength {
		return nil, ErrWeakSecret
	}
	if subtle.ConstantTimeCompare([]byte(secretRound1), []byte(secretRound2)) == 1 {
		return nil, ErrSameSecrets
	}
	s, err := newSealer([]byte(secretRound1))
	if err != nil {
		return nil, fmt.Errorf("init sealer: %w", err)
	}
	return &Codec{
		round1: []byte(secretRound1),
		round2: []byte(secretRound2),
		sealer: s,
	}, nil
}

// Generate creates a new random plaintext key and its fingerprint set. The
// plaintext must be handed to the caller once and never persisted.
func (c *Codec) Generate() (string, FingerprintSet, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", FingerprintSet{}, fmt.Errorf("generate random key: %w", err)
	}
	plaintext := Prefix + hex.EncodeToString(buf)
	return plaintext, c.Derive(plaintext), nil
}

// Derive computes the full fingerprint set for plaintext. It is
// deterministic for a fixed pair of secrets.
func (c *Codec) Derive(plaintext string) FingerprintSet {
	public1 := sha256Hex(plaintext)
	return FingerprintSet{
		PrivateRound1: hmacHex(c.round1, plaintext),
		PublicRound1:  public1,
		PrivateRound2: hmacHex(c.round2, public1),
		PublicRound2:  sha256Hex(public1),
	}
}

// Primary returns the lookup fingerprint for plaintext without computing the
// rest of the set.
func (c *Codec) Primary(plaintext string) string {
	return hmacHex(c.round2, sha256Hex(plaintext))
}

// Verify re-derives the primary fingerprint and compares it to stored in
// constant time. Format failures return false before any keyed work.
func (c *Codec) Verify(plaintext, stored string) bool {
	if CheckFormat(plaintext) != nil || stored == "" {
		return false
	}
	return hmac.Equal([]byte(c.Primary(plaintext)), []byte(stored))
}

// Seal encrypts a round-one private fingerprint for storage.
func (c *Codec) Seal(privateRound1 string) (string, error) {
	return c.sealer.seal(privateRound1)
}

// Open decrypts a value produced by Seal.
func (c *Codec) Open(sealed string) (string, error) {
	return c.sealer.open(sealed)
}

// LegacyHash is the retired single-round fingerprint: an unkeyed SHA-256 of
// the plaintext.
func LegacyHash(plaintext string) string {
	return sha256Hex(plaintext)
}

// VerifyLegacy compares plaintext against a single-round fingerprint.
func VerifyLegacy(plaintext, stored string) bool {
	if CheckFormat(plaintext) != nil || stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(LegacyHash(plaintext)), []byte(stored)) == 1
}

// CheckFormat validates prefix, length, and the hex body of a plaintext key.
func CheckFormat(plaintext string) error {
	if len(plaintext) != KeyLength || !strings.HasPrefix(plaintext, Prefix) {
		return ErrMalformed
	}
	for _, r := range plaintext[len(Prefix):] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ErrMalformed
		}
	}
	return nil
}

// HasPrefix reports whether s looks like a keyward key at a glance.
func HasPrefix(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// DisplayPrefix returns the non-secret identifying prefix of plaintext.
func DisplayPrefix(plaintext string) string {
	if len(plaintext) <= DisplayPrefixLength {
		return plaintext
	}
	return plaintext[:DisplayPrefixLength]
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacHex(key []byte, s string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}
