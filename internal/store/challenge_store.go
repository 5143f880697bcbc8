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

const challengePrefix = "challenge:"

// putChallengeScript enforces the resend cooldown and the one-active-
// challenge-per-key invariant in a single atomic step. An active
// challenge younger than the cooldown blocks the write; anything else
// is superseded. Cooldown counts from the latest issuance.
const putChallengeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local status = redis.call('HGET', key, 'status')
if status == 'active' then
    local created = tonumber(redis.call('HGET', key, 'created_at'))
    if created and (now - created) < cooldown then
        return {0, cooldown - (now - created)}
    end
end
redis.call('DEL', key)
redis.call('HSET', key,
    'purpose', ARGV[3],
    'identifier', ARGV[4],
    'resource_id', ARGV[5],
    'code_hash', ARGV[6],
    'code_salt', ARGV[7],
    'created_at', ARGV[1],
    'expires_at', ARGV[8],
    'attempts_remaining', ARGV[9],
    'status', 'active')
redis.call('EXPIRE', key, tonumber(ARGV[10]))
return {1, 0}
`

// consumeScript transitions active -> consumed. Exactly one caller can
// win; everyone else sees a terminal record. Returns 1 on consume,
// -1 when the record expired under the caller, 0 otherwise.
const consumeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call('HGET', key, 'status') ~= 'active' then
    return 0
end
local expires = tonumber(redis.call('HGET', key, 'expires_at'))
if expires and expires <= now then
    redis.call('HSET', key, 'status', 'expired')
    return -1
end
redis.call('HSET', key, 'status', 'consumed')
return 1
`

// failAttemptScript decrements attempts_remaining on an active
// challenge and flips it to exhausted at zero. Returns the remaining
// count, or -1 when the challenge is missing or terminal. Attempts can
// never go negative because the script serializes per key.
const failAttemptScript = `
local key = KEYS[1]
if redis.call('HGET', key, 'status') ~= 'active' then
    return -1
end
local left = redis.call('HINCRBY', key, 'attempts_remaining', -1)
if left <= 0 then
    redis.call('HSET', key, 'attempts_remaining', 0)
    redis.call('HSET', key, 'status', 'exhausted')
    return 0
end
return left
`

// expireScript transitions active -> expired when the TTL has elapsed.
const expireScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call('HGET', key, 'status') ~= 'active' then
    return 0
end
local expires = tonumber(redis.call('HGET', key, 'expires_at'))
if expires and expires <= now then
    redis.call('HSET', key, 'status', 'expired')
    return 1
end
return 0
`

// ChallengeStore owns OTP challenge records. All state transitions run
// as Lua scripts so concurrent verify attempts against the same key are
// linearized by Redis, never interleaved read-then-write from handlers.
type ChallengeStore struct {
	client    *client.RedisClient
	retention time.Duration
	now       func() time.Time
}

func NewChallengeStore(client *client.RedisClient, retention time.Duration) *ChallengeStore {
	return &ChallengeStore{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
}

func challengeKey(purpose models.Purpose, identifier string) string {
	return challengePrefix + string(purpose) + ":" + identifier
}

// Put writes a new active challenge, superseding any prior challenge
// for the same (purpose, identifier) key. When an active challenge is
// still inside the cooldown window the write is refused and the
// remaining cooldown is returned.
func (s *ChallengeStore) Put(ctx context.Context, ch *models.OtpChallenge, cooldown time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := challengeKey(ch.Purpose, ch.Identifier)
	result, err := s.client.Eval(ctx, putChallengeScript, []string{key},
		ch.CreatedAt.Unix(),
		int(cooldown.Seconds()),
		string(ch.Purpose),
		ch.Identifier,
		ch.ResourceID,
		ch.CodeHash,
		ch.CodeSalt,
		ch.ExpiresAt.Unix(),
		ch.AttemptsRemaining,
		int(s.retention.Seconds()),
	)
	if err != nil {
		util.Error("Failed to store challenge",
			zap.String("purpose", string(ch.Purpose)),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to store challenge: %w", err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected result from challenge put script")
	}

	if vals[0].(int64) != 1 {
		return false, time.Duration(vals[1].(int64)) * time.Second, nil
	}

	util.Debug("Challenge stored",
		zap.String("purpose", string(ch.Purpose)),
		zap.Time("expires_at", ch.ExpiresAt))
	return true, 0, nil
}

// Get loads the challenge for a key, terminal or not. Returns nil when
// no record exists (or retention purged it).
func (s *ChallengeStore) Get(ctx context.Context, purpose models.Purpose, identifier string) (*models.OtpChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, challengeKey(purpose, identifier))
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return challengeFromFields(fields)
}

// Consume atomically finalizes a successful verification. Returns
// false when the challenge was no longer active, which includes losing
// a race to a concurrent correct guess.
func (s *ChallengeStore) Consume(ctx context.Context, purpose models.Purpose, identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := s.client.Eval(ctx, consumeScript,
		[]string{challengeKey(purpose, identifier)}, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return result.(int64) == 1, nil
}

// FailAttempt atomically burns one verification attempt. Returns the
// attempts remaining, exhausted=true when this failure used the last
// attempt, and active=false when the challenge was missing or already
// terminal.
func (s *ChallengeStore) FailAttempt(ctx context.Context, purpose models.Purpose, identifier string) (remaining int, exhausted, active bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := s.client.Eval(ctx, failAttemptScript,
		[]string{challengeKey(purpose, identifier)})
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to record attempt: %w", err)
	}

	left := result.(int64)
	switch {
	case left < 0:
		return 0, false, false, nil
	case left == 0:
		return 0, true, true, nil
	default:
		return int(left), false, true, nil
	}
}

// MarkExpired flips an active challenge whose TTL has elapsed to the
// expired terminal state.
func (s *ChallengeStore) MarkExpired(ctx context.Context, purpose models.Purpose, identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := s.client.Eval(ctx, expireScript,
		[]string{challengeKey(purpose, identifier)}, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to expire challenge: %w", err)
	}
	return result.(int64) == 1, nil
}

// PurgeTerminal removes terminal challenge records. Redis TTL already
// bounds retention; this is storage hygiene only, not correctness.
func (s *ChallengeStore) PurgeTerminal(ctx context.Context) (int, error) {
	keys, err := s.client.Scan(ctx, challengePrefix+"*", 100)
	if err != nil {
		return 0, fmt.Errorf("failed to scan challenge keys: %w", err)
	}

	purged := 0
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		if models.ChallengeStatus(fields["status"]).Terminal() {
			if err := s.client.Del(ctx, key); err == nil {
				purged++
			}
		}
	}

	if purged > 0 {
		util.Info("Terminal challenges purged", zap.Int("purged", purged))
	}
	return purged, nil
}

func challengeFromFields(fields map[string]string) (*models.OtpChallenge, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge record: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid challenge record: %w", err)
	}
	attempts, err := strconv.Atoi(fields["attempts_remaining"])
	if err != nil {
		return nil, fmt.Errorf("invalid challenge record: %w", err)
	}

	return &models.OtpChallenge{
		Purpose:           models.Purpose(fields["purpose"]),
		Identifier:        fields["identifier"],
		ResourceID:        fields["resource_id"],
		CodeHash:          fields["code_hash"],
		CodeSalt:          fields["code_salt"],
		CreatedAt:         time.Unix(createdAt, 0).UTC(),
		ExpiresAt:         time.Unix(expiresAt, 0).UTC(),
		AttemptsRemaining: attempts,
		Status:            models.ChallengeStatus(fields["status"]),
	}, nil
}
