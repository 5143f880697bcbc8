package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"guest-access-service/internal/client"
	"guest-access-service/internal/models"
	"guest-access-service/internal/util"
)

const actionTokenPrefix = "action_token:"

// ConsumeOutcome is the result of an atomic single-use consume.
type ConsumeOutcome int

const (
	ConsumeOK ConsumeOutcome = iota
	ConsumeMissing
	ConsumeAlreadyUsed
	ConsumeExpired
)

// consumeActionScript sets used_at exactly once. A second call for the
// same digest observes the recorded used_at and reports replay.
const consumeActionScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local used = redis.call('HGET', key, 'used_at')
if not used then
    return -1
end
if tonumber(used) > 0 then
    return -2
end
local expires = tonumber(redis.call('HGET', key, 'expires_at'))
if expires and expires <= now then
    return -3
end
redis.call('HSET', key, 'used_at', now)
return 1
`

// ActionTokenStore owns the state behind emailed deep-link tokens.
// Only the token digest is ever stored; possession of the raw token is
// the credential.
type ActionTokenStore struct {
	client    *client.RedisClient
	retention time.Duration
	now       func() time.Time
}

func NewActionTokenStore(client *client.RedisClient, retention time.Duration) *ActionTokenStore {
	return &ActionTokenStore{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
}

func actionTokenKey(digest string) string {
	return actionTokenPrefix + digest
}

// Put stores a fresh grant under the token digest. The record outlives
// the grant's own expiry by the retention window so replays of expired
// tokens still resolve to a record.
func (s *ActionTokenStore) Put(ctx context.Context, digest string, grant *models.ActionGrant) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := actionTokenKey(digest)
	ttl := grant.ExpiresAt.Sub(s.now()) + s.retention

	err := s.client.Client.HSet(ctx, key,
		"order_id", grant.OrderID,
		"purpose", string(grant.Purpose),
		"issued_at", grant.IssuedAt.Unix(),
		"expires_at", grant.ExpiresAt.Unix(),
		"used_at", 0,
	).Err()
	if err != nil {
		util.Error("Failed to store action token",
			zap.String("order_id", grant.OrderID),
			zap.Error(err))
		return fmt.Errorf("failed to store action token: %w", err)
	}
	if err := s.client.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("failed to set action token ttl: %w", err)
	}

	util.Debug("Action token stored",
		zap.String("order_id", grant.OrderID),
		zap.String("purpose", string(grant.Purpose)),
		zap.Time("expires_at", grant.ExpiresAt))
	return nil
}

// Get loads a grant without consuming it. Returns nil when no record
// exists for the digest.
func (s *ActionTokenStore) Get(ctx context.Context, digest string) (*models.ActionGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, actionTokenKey(digest))
	if err != nil {
		return nil, fmt.Errorf("failed to load action token: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return grantFromFields(fields)
}

// Consume atomically marks the grant used. Single-use: exactly one
// caller ever sees ConsumeOK for a given digest.
func (s *ActionTokenStore) Consume(ctx context.Context, digest string) (ConsumeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := s.client.Eval(ctx, consumeActionScript,
		[]string{actionTokenKey(digest)}, s.now().Unix())
	if err != nil {
		return ConsumeMissing, fmt.Errorf("failed to consume action token: %w", err)
	}

	switch result.(int64) {
	case 1:
		return ConsumeOK, nil
	case -2:
		return ConsumeAlreadyUsed, nil
	case -3:
		return ConsumeExpired, nil
	default:
		return ConsumeMissing, nil
	}
}

func grantFromFields(fields map[string]string) (*models.ActionGrant, error) {
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid action token record: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid action token record: %w", err)
	}
	usedAt, err := strconv.ParseInt(fields["used_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid action token record: %w", err)
	}

	grant := &models.ActionGrant{
		OrderID:   fields["order_id"],
		Purpose:   models.Purpose(fields["purpose"]),
		IssuedAt:  time.Unix(issuedAt, 0).UTC(),
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
	}
	if usedAt > 0 {
		grant.UsedAt = time.Unix(usedAt, 0).UTC()
	}
	return grant, nil
}
