// Package auth authenticates requests between coordinator domains. A peer
// request carries an EdDSA JWT signed with the sending domain's ledger key
// and bound to the request's method, path and body.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// Audience is the aud claim of every peer token.
const Audience = "enactor.peer"

const defaultTTL = 30 * time.Second

// PeerClaims are the claims of a peer request token. Subject is the
// sending domain.
type PeerClaims struct {
	jwt.RegisteredClaims
	Method   string `json:"htm"`
	Path     string `json:"htu"`
	BodyHash string `json:"bh"`
}

// TokenSigner issues peer tokens for one domain.
type TokenSigner struct {
	domain contracts.DomainID
	key    ed25519.PrivateKey
	ttl    time.Duration
	clock  func() time.Time
}

// NewTokenSigner signs as domain with key, which must be the private half
// of the key the other domains hold for it.
func NewTokenSigner(domain contracts.DomainID, key ed25519.PrivateKey) *TokenSigner {
	return &TokenSigner{domain: domain, key: key, ttl: defaultTTL, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *TokenSigner) WithClock(clock func() time.Time) *TokenSigner {
	s.clock = clock
	return s
}

// WithTTL sets how long a token stays valid.
func (s *TokenSigner) WithTTL(ttl time.Duration) *TokenSigner {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *TokenSigner) Domain() contracts.DomainID { return s.domain }

// Sign issues a token for one request.
func (s *TokenSigner) Sign(method, path string, body []byte) (string, error) {
	now := s.clock()
	claims := PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    string(s.domain),
			Subject:   string(s.domain),
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		Method:   method,
		Path:     path,
		BodyHash: bodyHash(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
