package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
)

// ErrUnauthenticated wraps every validation failure.
var ErrUnauthenticated = errors.New("peer request not authenticated")

const maxBody = 1 << 20

// JWTValidator checks peer tokens against the domain keys.
type JWTValidator struct {
	keys   *crypto.KeySet
	clock  func() time.Time
	leeway time.Duration
}

// NewJWTValidator returns nil for a nil key set; a nil validator rejects
// everything.
func NewJWTValidator(keys *crypto.KeySet) *JWTValidator {
	if keys == nil {
		return nil
	}
	return &JWTValidator{keys: keys, clock: time.Now, leeway: 5 * time.Second}
}

// WithClock overrides the clock for deterministic testing.
func (v *JWTValidator) WithClock(clock func() time.Time) *JWTValidator {
	v.clock = clock
	return v
}

// Validate checks token and that it was issued for this exact request. The
// verification key is the one registered for the token's subject, so a
// domain can only speak for itself.
func (v *JWTValidator) Validate(token, method, path string, body []byte) (contracts.DomainID, error) {
	if v == nil {
		return "", fmt.Errorf("%w: validator uninitialized", ErrUnauthenticated)
	}
	claims := &PeerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*PeerClaims)
		if !ok || c.Subject == "" {
			return nil, errors.New("token subject is required")
		}
		key, ok := v.keys.Lookup(crypto.DomainKeyID(c.Subject))
		if !ok {
			return nil, fmt.Errorf("no key for domain %q", c.Subject)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Method != method || claims.Path != path {
		return "", fmt.Errorf("%w: token issued for %s %s", ErrUnauthenticated, claims.Method, claims.Path)
	}
	if claims.BodyHash != bodyHash(body) {
		return "", fmt.Errorf("%w: body does not match token", ErrUnauthenticated)
	}
	return contracts.DomainID(claims.Subject), nil
}

// NewMiddleware authenticates peer requests and records the sender with
// WithPeer. With a nil validator every request is rejected (fail closed).
// unauthorized writes the 401 response.
func NewMiddleware(validator *JWTValidator, unauthorized func(w http.ResponseWriter, r *http.Request, detail string)) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" || token == "" {
				unauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				unauthorized(w, r, "Peer authentication not configured")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				unauthorized(w, r, "request body unreadable or too large")
				return
			}
			domain, err := validator.Validate(token, r.Method, r.URL.Path, body)
			if err != nil {
				logger.WarnContext(r.Context(), "peer request rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, r, "Invalid or expired peer token")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), domain)))
		})
	}
}
