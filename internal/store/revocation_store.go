package store

import (
	"context"
	"fmt"
	"time"

	"guest-access-service/internal/client"
)

const revokedPrefix = "revoked_jti:"

// RevocationStore is the session token denylist. Entries expire with
// the token they revoke, so the set stays bounded.
type RevocationStore struct {
	client *client.RedisClient
}

func NewRevocationStore(client *client.RedisClient) *RevocationStore {
	return &RevocationStore{client: client}
}

// Revoke denylists a token id for the remainder of its lifetime.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Set(ctx, revokedPrefix+jti, "revoked", remaining); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token id is denylisted. Errors propagate
// so validation can fail closed.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := s.client.Exists(ctx, revokedPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return exists, nil
}
