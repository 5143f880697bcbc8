package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guest-access-service/internal/events"
	"guest-access-service/internal/models"
	"guest-access-service/internal/orders"
	"guest-access-service/internal/store"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

// ActionTokenService issues and validates the single-use deep-link
// tokens mailed to customers, e.g. review invitations after delivery.
// Issuance is driven by the order-lifecycle collaborator, never by a
// customer-facing endpoint.
type ActionTokenService struct {
	tokens   *store.ActionTokenStore
	orders   orders.Client
	reporter events.Reporter
	logger   *zap.Logger
	now      func() time.Time
}

func NewActionTokenService(
	tokens *store.ActionTokenStore,
	ordersClient orders.Client,
	reporter events.Reporter,
	logger *zap.Logger,
) *ActionTokenService {
	return &ActionTokenService{
		tokens:   tokens,
		orders:   ordersClient,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Issue mints an opaque token bound to one order and purpose. Only the
// digest is stored; the raw token goes into the emailed link and is
// never recoverable server-side.
func (s *ActionTokenService) Issue(ctx context.Context, orderID string, purpose models.Purpose, ttl time.Duration) (string, time.Time, error) {
	if orderID == "" {
		return "", time.Time{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate action token: %w", err)
	}
	rawToken := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	grant := &models.ActionGrant{
		OrderID:   orderID,
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	if err := s.tokens.Put(ctx, digest(rawToken), grant); err != nil {
		return "", time.Time{}, err
	}

	s.logger.Info("Action token issued",
		util.String("order_id", orderID),
		util.String("purpose", string(purpose)),
		util.Time("expires_at", grant.ExpiresAt))

	return rawToken, grant.ExpiresAt, nil
}

// Peek validates a token without consuming it, for rendering the form
// behind the link. Order state is checked live: a token outlives order
// transitions, the authorization must not.
func (s *ActionTokenService) Peek(ctx context.Context, rawToken string) (*models.ActionGrant, error) {
	grant, err := s.load(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if grant.Used() {
		return nil, ErrAlreadyUsed
	}
	if err := s.checkOrderState(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// Consume validates and atomically burns a token. Exactly one caller
// succeeds per token; replays report to the incident pipeline.
func (s *ActionTokenService) Consume(ctx context.Context, rawToken string) (*models.ActionGrant, error) {
	grant, err := s.load(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if grant.Used() {
		s.reportReplay(ctx, grant)
		return nil, ErrAlreadyUsed
	}

	// Order state is consulted before the consume so an ineligible
	// order does not burn the token. No lock is held across the call.
	if err := s.checkOrderState(ctx, grant); err != nil {
		return nil, err
	}

	outcome, err := s.tokens.Consume(ctx, digest(rawToken))
	if err != nil {
		return nil, token.ErrTokenInvalid
	}
	switch outcome {
	case store.ConsumeOK:
		s.logger.Info("Action token consumed",
			util.String("order_id", grant.OrderID),
			util.String("purpose", string(grant.Purpose)))
		return grant, nil
	case store.ConsumeAlreadyUsed:
		s.reportReplay(ctx, grant)
		return nil, ErrAlreadyUsed
	case store.ConsumeExpired:
		return nil, token.ErrTokenExpired
	default:
		return nil, token.ErrTokenInvalid
	}
}

func (s *ActionTokenService) load(ctx context.Context, rawToken string) (*models.ActionGrant, error) {
	if rawToken == "" {
		return nil, token.ErrTokenInvalid
	}

	grant, err := s.tokens.Get(ctx, digest(rawToken))
	if err != nil {
		s.logger.Error("Action token lookup failed", util.ErrorField(err))
		return nil, token.ErrTokenInvalid
	}
	if grant == nil {
		return nil, token.ErrTokenInvalid
	}
	if s.now().After(grant.ExpiresAt) {
		return nil, token.ErrTokenExpired
	}
	return grant, nil
}

func (s *ActionTokenService) checkOrderState(ctx context.Context, grant *models.ActionGrant) error {
	status, err := s.orders.OrderStatus(ctx, grant.OrderID)
	if err != nil {
		return fmt.Errorf("order lookup failed: %w", err)
	}
	switch status {
	case orders.StatusDelivered, orders.StatusCompleted:
		return nil
	default:
		return ErrOrderStateInvalid
	}
}

func (s *ActionTokenService) reportReplay(ctx context.Context, grant *models.ActionGrant) {
	s.reporter.Report(ctx, models.SecurityEvent{
		EventType: models.EventActionTokenReplay,
		Purpose:   string(grant.Purpose),
		Details:   "order " + grant.OrderID,
	})
}

func digest(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
