package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guest-access-service/internal/client"
	"guest-access-service/internal/config"
	"guest-access-service/internal/events"
	"guest-access-service/internal/models"
	"guest-access-service/internal/util"
)

var ErrRateLimited = errors.New("rate limited")

const (
	issueIdentifierPrefix  = "abuse:issue:id:"
	issueIPPrefix          = "abuse:issue:ip:"
	verifyIdentifierPrefix = "abuse:verify:id:"
	verifyIPPrefix         = "abuse:verify:ip:"
)

// slidingWindowScript admits a call when fewer than limit entries fall
// inside the window, recording the call atomically. Adapted counters:
// per-identifier and per-IP windows are tracked independently.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)

if current_count < limit then
    redis.call('ZADD', key, now, now .. '-' .. ARGV[5])
    redis.call('EXPIRE', key, math.ceil(tonumber(ARGV[4])))
    return {1, current_count + 1}
else
    return {0, current_count}
end
`

// AbuseGuard throttles issuance and verification independently per
// identifier and per source IP. Per-challenge attempt limits alone do
// not stop distributed guessing across many challenges; the guard
// fails such traffic fast and reports it to the incident pipeline.
type AbuseGuard struct {
	redis    *client.RedisClient
	reporter events.Reporter
	cfg      config.RateLimitConfig
	now      func() time.Time
}

func NewAbuseGuard(redis *client.RedisClient, reporter events.Reporter, cfg config.RateLimitConfig) *AbuseGuard {
	return &AbuseGuard{
		redis:    redis,
		reporter: reporter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// AllowIssue gates IssueChallenge. Returns ErrRateLimited on breach
// without touching the challenge store.
func (g *AbuseGuard) AllowIssue(ctx context.Context, purpose models.Purpose, identifier, sourceIP string) error {
	if err := g.allow(ctx, issueIdentifierPrefix+string(purpose)+":"+identifier, g.cfg.IssuePerIdentifier); err != nil {
		return g.breach(ctx, err, "otp_issue", purpose, identifier, sourceIP)
	}
	if sourceIP != "" {
		if err := g.allow(ctx, issueIPPrefix+sourceIP, g.cfg.IssuePerIP); err != nil {
			return g.breach(ctx, err, "otp_issue", purpose, identifier, sourceIP)
		}
	}
	return nil
}

// AllowVerify gates Verify the same way.
func (g *AbuseGuard) AllowVerify(ctx context.Context, purpose models.Purpose, identifier, sourceIP string) error {
	if err := g.allow(ctx, verifyIdentifierPrefix+string(purpose)+":"+identifier, g.cfg.VerifyPerIdentifier); err != nil {
		return g.breach(ctx, err, "otp_verify", purpose, identifier, sourceIP)
	}
	if sourceIP != "" {
		if err := g.allow(ctx, verifyIPPrefix+sourceIP, g.cfg.VerifyPerIP); err != nil {
			return g.breach(ctx, err, "otp_verify", purpose, identifier, sourceIP)
		}
	}
	return nil
}

func (g *AbuseGuard) allow(ctx context.Context, key string, limit int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := g.now().Unix()
	windowStart := now - int64(g.cfg.Window.Seconds())

	// Unique member so same-second calls each count once.
	result, err := g.redis.Eval(ctx, slidingWindowScript, []string{key},
		now, windowStart, limit, int(g.cfg.Window.Seconds()), uuid.New().String())
	if err != nil {
		util.Error("Sliding window check failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("rate limit check failed: %w", err)
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return fmt.Errorf("unexpected result from sliding window script")
	}
	if vals[0].(int64) != 1 {
		return ErrRateLimited
	}
	return nil
}

func (g *AbuseGuard) breach(ctx context.Context, err error, operation string, purpose models.Purpose, identifier, sourceIP string) error {
	if !errors.Is(err, ErrRateLimited) {
		return err
	}

	util.Warn("Rate limit exceeded",
		zap.String("operation", operation),
		zap.String("purpose", string(purpose)),
		zap.String("source_ip", sourceIP))

	g.reporter.Report(ctx, models.SecurityEvent{
		EventType:  models.EventRateLimited,
		Identifier: identifier,
		SourceIP:   sourceIP,
		Purpose:    string(purpose),
		Details:    operation,
		OccurredAt: g.now().UTC(),
	})
	return ErrRateLimited
}
