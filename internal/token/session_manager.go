package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"guest-access-service/internal/models"
	"guest-access-service/internal/store"
	"guest-access-service/internal/util"
)

var (
	ErrTokenExpired  = errors.New("session token expired")
	ErrTokenInvalid  = errors.New("session token invalid")
	ErrScopeMismatch = errors.New("session token scope mismatch")
)

// SessionClaims binds a verified guest identity to one purpose and,
// for order-scoped purposes, one resource.
type SessionClaims struct {
	Purpose    string `json:"prp"`
	ResourceID string `json:"rid,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager mints and validates the short-lived tokens handed out
// after successful OTP verification. Tokens are stateless HS256 JWTs;
// revocation rides on a Redis jti denylist so logout works without a
// session table.
type SessionManager struct {
	secret      []byte
	ttl         time.Duration
	issuer      string
	revocations *store.RevocationStore
	now         func() time.Time
}

func NewSessionManager(secret string, ttl time.Duration, issuer string, revocations *store.RevocationStore) *SessionManager {
	return &SessionManager{
		secret:      []byte(secret),
		ttl:         ttl,
		issuer:      issuer,
		revocations: revocations,
		now:         time.Now,
	}
}

// Issue mints a scope-bound session token. Called only by the OTP
// verifier on a successful code match; there is no other mint path.
func (m *SessionManager) Issue(identifier string, purpose models.Purpose, resourceID string) (string, time.Time, error) {
	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)

	claims := SessionClaims{
		Purpose:    string(purpose),
		ResourceID: resourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identifier,
			Issuer:    m.issuer,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	util.Debug("Session token issued",
		zap.String("purpose", string(purpose)),
		zap.Time("expires_at", expiresAt))
	return signed, expiresAt, nil
}

// Validate checks signature, expiry, revocation, and scope. The token
// must carry exactly the purpose the endpoint requires; when the
// endpoint names a resource, the token must be bound to that same
// resource. Returns the verified identifier.
func (m *SessionManager) Validate(ctx context.Context, tokenString string, wantPurpose models.Purpose, wantResourceID string) (string, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return "", err
	}

	revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unreachable denylist never authorizes.
		return "", fmt.Errorf("revocation check failed: %w", err)
	}
	if revoked {
		return "", ErrTokenInvalid
	}

	if claims.Purpose != string(wantPurpose) {
		return "", ErrScopeMismatch
	}
	if wantResourceID != "" && claims.ResourceID != wantResourceID {
		return "", ErrScopeMismatch
	}

	return claims.Subject, nil
}

// Revoke denylists the token for the remainder of its lifetime.
// Revoking an expired or malformed token is a no-op.
func (m *SessionManager) Revoke(ctx context.Context, tokenString string) error {
	claims, err := m.parse(tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil
		}
		return err
	}

	remaining := claims.ExpiresAt.Time.Sub(m.now())
	return m.revocations.Revoke(ctx, claims.ID, remaining)
}

func (m *SessionManager) parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	).ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
