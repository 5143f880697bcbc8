package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"guest-access-service/internal/client"
	"guest-access-service/internal/config"
	"guest-access-service/internal/guard"
	"guest-access-service/internal/hashing"
	"guest-access-service/internal/models"
	"guest-access-service/internal/store"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

type fakeSender struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
	sends    int
	fail     bool
}

func (s *fakeSender) Send(_ context.Context, identifier, code string, _ models.Purpose) error {
	s.mu.Lock()
	s.lastTo = identifier
	s.lastCode = code
	s.sends++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("smtp relay unavailable")
	}
	return nil
}

func (s *fakeSender) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

type fakeOrders struct {
	mu        sync.Mutex
	match     bool
	status    string
	lastEmail string
}

func (o *fakeOrders) MatchOrder(_ context.Context, email, _ string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastEmail = email
	return o.match, nil
}

func (o *fakeOrders) OrderStatus(_ context.Context, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, nil
}

type capturingReporter struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *capturingReporter) Report(_ context.Context, event models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *capturingReporter) byType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type otpFixture struct {
	service    *OTPService
	sessions   *token.SessionManager
	challenges *store.ChallengeStore
	sender     *fakeSender
	orders     *fakeOrders
	reporter   *capturingReporter
}

func newOTPFixture(t *testing.T, rateLimits config.RateLimitConfig) *otpFixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	redisClient := client.Wrap(rdb)

	otpCfg := config.OTPConfig{
		CodeTTL:            10 * time.Minute,
		ResendCooldown:     time.Minute,
		MaxAttempts:        5,
		Pepper:             "test-pepper",
		ChallengeRetention: 24 * time.Hour,
	}

	sender := &fakeSender{}
	ordersClient := &fakeOrders{match: true, status: "delivered"}
	reporter := &capturingReporter{}

	challenges := store.NewChallengeStore(redisClient, otpCfg.ChallengeRetention)
	revocations := store.NewRevocationStore(redisClient)
	sessions := token.NewSessionManager("test-secret", 20*time.Minute, "guest-access-service", revocations)
	abuseGuard := guard.NewAbuseGuard(redisClient, reporter, rateLimits)

	svc := NewOTPService(
		challenges,
		sessions,
		hashing.NewHasher(otpCfg.Pepper),
		sender,
		ordersClient,
		abuseGuard,
		reporter,
		otpCfg,
		util.Get(),
	)

	return &otpFixture{
		service:    svc,
		sessions:   sessions,
		challenges: challenges,
		sender:     sender,
		orders:     ordersClient,
		reporter:   reporter,
	}
}

func generousLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		Window:              time.Hour,
		IssuePerIdentifier:  1000,
		IssuePerIP:          1000,
		VerifyPerIdentifier: 1000,
		VerifyPerIP:         1000,
	}
}

func issueRequest() IssueRequest {
	return IssueRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		ResourceID: "ORD-1001",
		SourceIP:   "10.0.0.1",
	}
}

func TestIssueAndVerifyHappyPath(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	result, err := fx.service.IssueChallenge(ctx, issueRequest())
	if err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	if result.ExpiresAt.IsZero() {
		t.Fatal("expected an expiry on the issue result")
	}

	code := fx.sender.code()
	if len(code) != 6 {
		t.Fatalf("expected a 6-digit code, got %q", code)
	}

	verified, err := fx.service.Verify(ctx, VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       code,
		SourceIP:   "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if verified.SessionToken == "" {
		t.Fatal("expected a session token")
	}

	// The minted token is scoped to the verified purpose and order.
	identifier, err := fx.sessions.Validate(ctx, verified.SessionToken, models.PurposeGrievanceAccess, "ORD-1001")
	if err != nil {
		t.Fatalf("session validation failed: %v", err)
	}
	if identifier != "customer@example.com" {
		t.Fatalf("unexpected identifier in session: %q", identifier)
	}
}

func TestIssueNormalizesIdentifier(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	req := issueRequest()
	req.Identifier = "  Customer@Example.COM "
	if _, err := fx.service.IssueChallenge(ctx, req); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	if fx.orders.lastEmail != "customer@example.com" {
		t.Fatalf("expected normalized email in order lookup, got %q", fx.orders.lastEmail)
	}

	// Verification normalizes the same way.
	if _, err := fx.service.Verify(ctx, VerifyRequest{
		Identifier: "CUSTOMER@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       fx.sender.code(),
	}); err != nil {
		t.Fatalf("Verify with differently-cased email failed: %v", err)
	}
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	req := issueRequest()
	req.Identifier = "not-an-email"
	if _, err := fx.service.IssueChallenge(ctx, req); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad email, got %v", err)
	}

	req = issueRequest()
	req.Purpose = models.PurposeReviewInvitation
	if _, err := fx.service.IssueChallenge(ctx, req); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for review purpose, got %v", err)
	}

	req = issueRequest()
	req.ResourceID = ""
	if _, err := fx.service.IssueChallenge(ctx, req); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing order id, got %v", err)
	}
}

func TestIssueOrderMismatchStaysGeneric(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	fx.orders.match = false

	_, err := fx.service.IssueChallenge(context.Background(), issueRequest())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected generic not-found, got %v", err)
	}
	// The error text must not betray which half mismatched.
	if msg := err.Error(); msg != ErrNotFound.Error() {
		t.Fatalf("mismatch reason leaked: %q", msg)
	}
	if fx.sender.sends != 0 {
		t.Fatal("no code may be sent on a mismatch")
	}
}

func TestIssueCooldown(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected cooldown refusal, got %v", err)
	}
}

func TestResendSupersedesOldCode(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	oldCode := fx.sender.code()

	// Past the cooldown a fresh challenge replaces the old one.
	fx.service.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	newCode := fx.sender.code()

	if oldCode == newCode {
		t.Skip("codes collided; cannot distinguish supersede")
	}

	if _, err := fx.service.Verify(ctx, VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       oldCode,
	}); err == nil {
		t.Fatal("expected the superseded code to be dead")
	}

	if _, err := fx.service.Verify(ctx, VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       newCode,
	}); err != nil {
		t.Fatalf("expected the latest code to verify, got %v", err)
	}
}

func TestDeliveryFailureLeavesChallengeStanding(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	fx.sender.fail = true
	ctx := context.Background()

	_, err := fx.service.IssueChallenge(ctx, issueRequest())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}

	// The record was written before the send, so the code that failed
	// to leave the building still verifies.
	if _, err := fx.service.Verify(ctx, VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       fx.sender.code(),
	}); err != nil {
		t.Fatalf("expected the stored challenge to verify, got %v", err)
	}
}

func TestVerifyWrongCodeBurnsAttempts(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}

	wrong := VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       "000000",
	}
	if wrong.Code == fx.sender.code() {
		wrong.Code = "000001"
	}

	for want := 4; want >= 1; want-- {
		_, err := fx.service.Verify(ctx, wrong)
		var invalidCode *InvalidCodeError
		if !errors.As(err, &invalidCode) {
			t.Fatalf("expected invalid-code error, got %v", err)
		}
		if invalidCode.AttemptsRemaining != want {
			t.Fatalf("expected %d attempts remaining, got %d", want, invalidCode.AttemptsRemaining)
		}
	}

	// The fifth failure exhausts the challenge.
	if _, err := fx.service.Verify(ctx, wrong); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if fx.reporter.byType(models.EventAttemptsExhausted) != 1 {
		t.Fatal("expected one exhaustion security event")
	}

	// Even the correct code is dead after exhaustion.
	correct := wrong
	correct.Code = fx.sender.code()
	if _, err := fx.service.Verify(ctx, correct); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected invalid-or-expired after exhaustion, got %v", err)
	}
}

func TestVerifyUnknownChallenge(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())

	_, err := fx.service.Verify(context.Background(), VerifyRequest{
		Identifier: "nobody@example.com",
		Purpose:    models.PurposeDataExport,
		Code:       "123456",
	})
	if !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected invalid-or-expired, got %v", err)
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	code := fx.sender.code()

	fx.service.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	if _, err := fx.service.Verify(ctx, VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       code,
	}); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected expired challenge to refuse the correct code, got %v", err)
	}
}

func TestVerifyReplayAfterSuccess(t *testing.T) {
	fx := newOTPFixture(t, generousLimits())
	ctx := context.Background()

	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}

	req := VerifyRequest{
		Identifier: "customer@example.com",
		Purpose:    models.PurposeGrievanceAccess,
		Code:       fx.sender.code(),
	}
	if _, err := fx.service.Verify(ctx, req); err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	if _, err := fx.service.Verify(ctx, req); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestIssueRateLimited(t *testing.T) {
	limits := generousLimits()
	limits.IssuePerIdentifier = 1
	fx := newOTPFixture(t, limits)
	ctx := context.Background()

	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); err != nil {
		t.Fatalf("IssueChallenge failed: %v", err)
	}
	if _, err := fx.service.IssueChallenge(ctx, issueRequest()); !errors.Is(err, guard.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if fx.reporter.byType(models.EventRateLimited) != 1 {
		t.Fatal("expected one rate-limit security event")
	}
}
