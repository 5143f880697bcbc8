package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"guest-access-service/internal/config"
	"guest-access-service/internal/delivery"
	"guest-access-service/internal/events"
	"guest-access-service/internal/guard"
	"guest-access-service/internal/hashing"
	"guest-access-service/internal/models"
	"guest-access-service/internal/orders"
	"guest-access-service/internal/store"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

// IssueRequest is a request to start guest verification for one
// purpose.
type IssueRequest struct {
	Identifier string
	Purpose    models.Purpose
	ResourceID string
	SourceIP   string
}

// IssueResult returns only the challenge expiry. The code travels
// exclusively over the delivery channel.
type IssueResult struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyRequest is a code submission against an outstanding challenge.
type VerifyRequest struct {
	Identifier string
	Purpose    models.Purpose
	Code       string
	SourceIP   string
}

// VerifyResult carries the scoped session token minted on success.
type VerifyResult struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OTPService implements challenge issuance and verification. It is the
// only component that mints session tokens, and the challenge store is
// the only place challenge state changes.
type OTPService struct {
	challenges *store.ChallengeStore
	sessions   *token.SessionManager
	hasher     *hashing.Hasher
	sender     delivery.Sender
	orders     orders.Client
	guard      *guard.AbuseGuard
	reporter   events.Reporter
	cfg        config.OTPConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewOTPService(
	challenges *store.ChallengeStore,
	sessions *token.SessionManager,
	hasher *hashing.Hasher,
	sender delivery.Sender,
	ordersClient orders.Client,
	abuseGuard *guard.AbuseGuard,
	reporter events.Reporter,
	cfg config.OTPConfig,
	logger *zap.Logger,
) *OTPService {
	return &OTPService{
		challenges: challenges,
		sessions:   sessions,
		hasher:     hasher,
		sender:     sender,
		orders:     ordersClient,
		guard:      abuseGuard,
		reporter:   reporter,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// IssueChallenge creates a new challenge for (purpose, identifier),
// superseding any prior active one outside the resend cooldown, and
// hands the code to the delivery collaborator. The caller only ever
// learns the expiry.
func (s *OTPService) IssueChallenge(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	identifier := util.NormalizeEmail(req.Identifier)
	if !util.ValidEmail(identifier) {
		return nil, fmt.Errorf("%w: identifier must be a valid email", ErrInvalidInput)
	}
	if !req.Purpose.ValidForOTP() {
		return nil, fmt.Errorf("%w: purpose not eligible for code verification", ErrInvalidInput)
	}
	if req.Purpose.OrderScoped() && req.ResourceID == "" {
		return nil, fmt.Errorf("%w: order id is required for this purpose", ErrInvalidInput)
	}

	if err := s.guard.AllowIssue(ctx, req.Purpose, identifier, req.SourceIP); err != nil {
		return nil, err
	}

	// Order lookup happens before any store write and outside any
	// lock; the mismatch reason is never surfaced to the caller.
	if req.Purpose.OrderScoped() {
		match, err := s.orders.MatchOrder(ctx, identifier, req.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("order lookup failed: %w", err)
		}
		if !match {
			s.logger.Info("Issue refused - order mismatch",
				util.String("purpose", string(req.Purpose)),
				util.String("source_ip", req.SourceIP))
			return nil, ErrNotFound
		}
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	codeHash, codeSalt, err := s.hasher.HashCode(code, string(req.Purpose))
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := s.now().UTC()
	challenge := &models.OtpChallenge{
		Purpose:           req.Purpose,
		Identifier:        identifier,
		ResourceID:        req.ResourceID,
		CodeHash:          codeHash,
		CodeSalt:          codeSalt,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.CodeTTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
		Status:            models.ChallengeActive,
	}

	stored, retryAfter, err := s.challenges.Put(ctx, challenge, s.cfg.ResendCooldown)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, fmt.Errorf("%w: retry in %s", ErrTooSoon, retryAfter)
	}

	// The record is written before delivery is attempted. A send
	// failure leaves a resendable challenge; losing an emailed code
	// would be worse.
	if err := s.sender.Send(ctx, identifier, code, req.Purpose); err != nil {
		s.logger.Error("Code delivery failed",
			util.String("purpose", string(req.Purpose)),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.logger.Info("Challenge issued",
		util.String("purpose", string(req.Purpose)),
		util.Time("expires_at", challenge.ExpiresAt))

	return &IssueResult{ExpiresAt: challenge.ExpiresAt}, nil
}

// Verify checks a submitted code against the active challenge. On
// match the challenge is consumed (at most once) and a session token
// scoped to (identifier, purpose, resource) is minted. On mismatch one
// attempt is burned atomically.
func (s *OTPService) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	identifier := util.NormalizeEmail(req.Identifier)

	if err := s.guard.AllowVerify(ctx, req.Purpose, identifier, req.SourceIP); err != nil {
		return nil, err
	}

	challenge, err := s.challenges.Get(ctx, req.Purpose, identifier)
	if err != nil {
		// Fail closed: a store problem mid-check never verifies.
		s.logger.Error("Challenge lookup failed", util.ErrorField(err))
		return nil, ErrInvalidOrExpired
	}
	if challenge == nil || challenge.Status.Terminal() {
		return nil, ErrInvalidOrExpired
	}

	if challenge.Expired(s.now()) {
		if _, err := s.challenges.MarkExpired(ctx, req.Purpose, identifier); err != nil {
			s.logger.Error("Failed to expire challenge", util.ErrorField(err))
		}
		return nil, ErrInvalidOrExpired
	}

	match, err := s.hasher.VerifyCode(req.Code, string(req.Purpose), challenge.CodeHash, challenge.CodeSalt)
	if err != nil {
		s.logger.Error("Code comparison failed", util.ErrorField(err))
		return nil, ErrInvalidOrExpired
	}

	if !match {
		return nil, s.failAttempt(ctx, req, identifier)
	}

	// At-most-once: only the consume winner mints a token, so a
	// leaked code cannot be replayed after success.
	consumed, err := s.challenges.Consume(ctx, req.Purpose, identifier)
	if err != nil {
		s.logger.Error("Challenge consume failed", util.ErrorField(err))
		return nil, ErrInvalidOrExpired
	}
	if !consumed {
		return nil, ErrInvalidOrExpired
	}

	sessionToken, expiresAt, err := s.sessions.Issue(identifier, req.Purpose, challenge.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	s.logger.Info("Challenge verified",
		util.String("purpose", string(req.Purpose)),
		util.Time("session_expires_at", expiresAt))

	return &VerifyResult{
		SessionToken: sessionToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *OTPService) failAttempt(ctx context.Context, req VerifyRequest, identifier string) error {
	remaining, exhausted, active, err := s.challenges.FailAttempt(ctx, req.Purpose, identifier)
	if err != nil {
		s.logger.Error("Failed to burn attempt", util.ErrorField(err))
		return ErrInvalidOrExpired
	}
	if !active {
		return ErrInvalidOrExpired
	}
	if exhausted {
		s.logger.Warn("Challenge exhausted",
			util.String("purpose", string(req.Purpose)),
			util.String("source_ip", req.SourceIP))
		s.reporter.Report(ctx, models.SecurityEvent{
			EventType:  models.EventAttemptsExhausted,
			Identifier: identifier,
			SourceIP:   req.SourceIP,
			Purpose:    string(req.Purpose),
		})
		return ErrAttemptsExhausted
	}
	return &InvalidCodeError{AttemptsRemaining: remaining}
}

// generateCode draws a uniformly random 6-digit code, leading zeros
// preserved.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
