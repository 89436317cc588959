package failover

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const approvalAudience = "enactor.promotion"

var ErrInvalidApproval = errors.New("invalid promotion approval")

// ApprovalClaims binds an approver's consent to one candidate and one
// target epoch, so an approval cannot be replayed for a later promotion.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	Candidate string `json:"candidate"`
	Epoch     uint64 `json:"epoch"`
}

// SignApproval issues an EdDSA approval token for approverID.
func SignApproval(priv ed25519.PrivateKey, approverID, candidate string, epoch uint64, ttl time.Duration, now time.Time) (string, error) {
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    approverID,
			Audience:  jwt.ClaimStrings{approvalAudience},
		},
		Candidate: candidate,
		Epoch:     epoch,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
}

// Approvers holds the public keys of everyone allowed to approve a
// promotion, keyed by approver id (an operator name or a domain id).
type Approvers struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewApprovers() *Approvers {
	return &Approvers{keys: make(map[string]ed25519.PublicKey)}
}

// Register adds or replaces an approver key.
func (a *Approvers) Register(id string, pub ed25519.PublicKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[id] = pub
}

func (a *Approvers) lookup(id string) (ed25519.PublicKey, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k, ok := a.keys[id]
	return k, ok
}

// Verify parses token and checks signature, expiry, candidate and epoch.
// It returns the approver id.
func (a *Approvers) Verify(token, candidate string, epoch uint64, now time.Time) (string, error) {
	claims := &ApprovalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			c, ok := t.Claims.(*ApprovalClaims)
			if !ok {
				return nil, fmt.Errorf("unexpected claims type")
			}
			key, ok := a.lookup(c.Subject)
			if !ok {
				return nil, fmt.Errorf("unknown approver %q", c.Subject)
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(approvalAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidApproval, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidApproval
	}
	if claims.Candidate != candidate {
		return "", fmt.Errorf("%w: approval is for candidate %q", ErrInvalidApproval, claims.Candidate)
	}
	if claims.Epoch != epoch {
		return "", fmt.Errorf("%w: approval is for epoch %d, promotion targets %d", ErrInvalidApproval, claims.Epoch, epoch)
	}
	return claims.Subject, nil
}
