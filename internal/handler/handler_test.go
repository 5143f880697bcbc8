package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"guest-access-service/internal/backoffice"
	"guest-access-service/internal/client"
	"guest-access-service/internal/config"
	"guest-access-service/internal/guard"
	"guest-access-service/internal/hashing"
	"guest-access-service/internal/models"
	"guest-access-service/internal/service"
	"guest-access-service/internal/store"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

const testInternalKey = "internal-test-key"

type stubSender struct {
	mu       sync.Mutex
	lastCode string
}

func (s *stubSender) Send(_ context.Context, _, code string, _ models.Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	return nil
}

func (s *stubSender) code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

type stubOrders struct{}

func (stubOrders) MatchOrder(context.Context, string, string) (bool, error) { return true, nil }
func (stubOrders) OrderStatus(context.Context, string) (string, error)      { return "delivered", nil }

type stubBackoffice struct {
	mu      sync.Mutex
	reviews int
	cancels int
}

func (b *stubBackoffice) ListGrievances(_ context.Context, email string) ([]backoffice.Grievance, error) {
	return []backoffice.Grievance{{
		GrievanceID: "GRV-1",
		OrderID:     "ORD-1001",
		Subject:     "Damaged item",
		Status:      "open",
		CreatedAt:   time.Now().UTC(),
	}}, nil
}

func (b *stubBackoffice) FileGrievance(context.Context, string, string, string, string) (string, error) {
	return "GRV-2", nil
}

func (b *stubBackoffice) CancelOrder(context.Context, string, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *stubBackoffice) RequestDataExport(context.Context, string) (string, error) {
	return "REQ-1", nil
}

func (b *stubBackoffice) RequestDataDeletion(context.Context, string) (string, error) {
	return "REQ-2", nil
}

func (b *stubBackoffice) CorrectOrderData(context.Context, string, string, map[string]string) error {
	return nil
}

func (b *stubBackoffice) SubmitReview(context.Context, string, int, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reviews++
	return nil
}

type stubReporter struct{}

func (stubReporter) Report(context.Context, models.SecurityEvent) {}

type apiFixture struct {
	router     http.Handler
	sender     *stubSender
	backoffice *stubBackoffice
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	limits := config.RateLimitConfig{
		Window:              time.Hour,
		IssuePerIdentifier:  1000,
		IssuePerIP:          1000,
		VerifyPerIdentifier: 1000,
		VerifyPerIP:         1000,
	}

	sender := &stubSender{}
	backofficeClient := &stubBackoffice{}
	reporter := stubReporter{}

	challenges := store.NewChallengeStore(redisClient, otpCfg.ChallengeRetention)
	revocations := store.NewRevocationStore(redisClient)
	sessions := token.NewSessionManager("test-secret", 20*time.Minute, "guest-access-service", revocations)
	abuseGuard := guard.NewAbuseGuard(redisClient, reporter, limits)

	otpService := service.NewOTPService(
		challenges, sessions, hashing.NewHasher(otpCfg.Pepper),
		sender, stubOrders{}, abuseGuard, reporter, otpCfg, util.Get(),
	)
	actionService := service.NewActionTokenService(
		store.NewActionTokenStore(redisClient, 7*24*time.Hour),
		stubOrders{}, reporter, util.Get(),
	)

	router := NewRouter(
		NewOTPHandler(otpService, sessions, util.Get()),
		NewScopedHandler(sessions, backofficeClient, util.Get()),
		NewActionTokenHandler(actionService, backofficeClient, testInternalKey, 30*24*time.Hour, util.Get()),
		nil,
		util.Get(),
	)

	return &apiFixture{router: router, sender: sender, backoffice: backofficeClient}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	var resp Response
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, resp
}

// obtainSession walks the full send/verify flow and returns the session
// token.
func (fx *apiFixture) obtainSession(t *testing.T, purpose string) string {
	t.Helper()

	rec, _ := fx.do(t, http.MethodPost, "/otp/send", map[string]string{
		"email":    "customer@example.com",
		"purpose":  purpose,
		"order_id": "ORD-1001",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send returned %d: %s", rec.Code, rec.Body.String())
	}

	rec, resp := fx.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"email":   "customer@example.com",
		"purpose": purpose,
		"code":    fx.sender.code(),
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify returned %d: %s", rec.Code, rec.Body.String())
	}

	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected verify payload: %v", resp.Data)
	}
	sessionToken, _ := data["session_token"].(string)
	if sessionToken == "" {
		t.Fatal("expected a session token")
	}
	return sessionToken
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestVerificationFlowEndToEnd(t *testing.T) {
	fx := newAPIFixture(t)

	sessionToken := fx.obtainSession(t, "grievance_access")

	rec, resp := fx.do(t, http.MethodGet, "/grievances", nil, bearer(sessionToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("grievances returned %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Fatalf("expected success envelope: %s", rec.Body.String())
	}

	// The grievance token must not authorize a cancellation.
	rec, _ = fx.do(t, http.MethodPost, "/orders/cancel", map[string]string{
		"order_id": "ORD-1001",
		"reason":   "changed my mind",
	}, bearer(sessionToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-purpose token, got %d", rec.Code)
	}
	if fx.backoffice.cancels != 0 {
		t.Fatal("cancellation must not have reached the back office")
	}
}

func TestVerifyWrongCodeReportsAttempts(t *testing.T) {
	fx := newAPIFixture(t)

	rec, _ := fx.do(t, http.MethodPost, "/otp/send", map[string]string{
		"email":    "customer@example.com",
		"purpose":  "grievance_access",
		"order_id": "ORD-1001",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send returned %d", rec.Code)
	}

	wrong := "000000"
	if wrong == fx.sender.code() {
		wrong = "000001"
	}

	rec, resp := fx.do(t, http.MethodPost, "/otp/verify", map[string]string{
		"email":   "customer@example.com",
		"purpose": "grievance_access",
		"code":    wrong,
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected attempts payload: %s", rec.Body.String())
	}
	if remaining, _ := data["attempts_remaining"].(float64); remaining != 4 {
		t.Fatalf("expected 4 attempts remaining, got %v", data["attempts_remaining"])
	}
}

func TestMissingSessionToken(t *testing.T) {
	fx := newAPIFixture(t)

	rec, _ := fx.do(t, http.MethodGet, "/grievances", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	fx := newAPIFixture(t)

	sessionToken := fx.obtainSession(t, "grievance_access")

	rec, _ := fx.do(t, http.MethodPost, "/session/logout", nil, bearer(sessionToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout returned %d", rec.Code)
	}

	rec, _ = fx.do(t, http.MethodGet, "/grievances", nil, bearer(sessionToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked session to be refused, got %d", rec.Code)
	}
}

func TestUnknownPurposeRejected(t *testing.T) {
	fx := newAPIFixture(t)

	rec, _ := fx.do(t, http.MethodPost, "/otp/send", map[string]string{
		"email":   "customer@example.com",
		"purpose": "admin_access",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown purpose, got %d", rec.Code)
	}
}

func TestReviewLinkFlow(t *testing.T) {
	fx := newAPIFixture(t)

	rec, resp := fx.do(t, http.MethodPost, "/internal/action-tokens", map[string]interface{}{
		"order_id": "ORD-2002",
		"purpose":  "review_invitation",
	}, map[string]string{"X-Internal-Key": testInternalKey})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue returned %d: %s", rec.Code, rec.Body.String())
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected issue payload: %s", rec.Body.String())
	}
	rawToken, _ := data["token"].(string)
	if rawToken == "" {
		t.Fatal("expected a raw action token")
	}

	// The form renders without burning the token.
	rec, _ = fx.do(t, http.MethodGet, "/review?token="+rawToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("review peek returned %d: %s", rec.Code, rec.Body.String())
	}
	rec, _ = fx.do(t, http.MethodGet, "/review?token="+rawToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second review peek returned %d", rec.Code)
	}

	rec, _ = fx.do(t, http.MethodPost, "/reviews/submit", map[string]interface{}{
		"token":   rawToken,
		"rating":  5,
		"comment": "great",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit returned %d: %s", rec.Code, rec.Body.String())
	}
	if fx.backoffice.reviews != 1 {
		t.Fatalf("expected one review to reach the back office, got %d", fx.backoffice.reviews)
	}

	// Replaying the consumed link is refused and no second review lands.
	rec, _ = fx.do(t, http.MethodPost, "/reviews/submit", map[string]interface{}{
		"token":   rawToken,
		"rating":  1,
		"comment": "again",
	}, nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 on replay, got %d", rec.Code)
	}
	if fx.backoffice.reviews != 1 {
		t.Fatalf("replay reached the back office: %d reviews", fx.backoffice.reviews)
	}
}

func TestInternalIssueRequiresKey(t *testing.T) {
	fx := newAPIFixture(t)

	for _, key := range []string{"", "wrong-key"} {
		headers := map[string]string{}
		if key != "" {
			headers["X-Internal-Key"] = key
		}
		rec, _ := fx.do(t, http.MethodPost, "/internal/action-tokens", map[string]string{
			"order_id": "ORD-2002",
		}, headers)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for key %q, got %d", key, rec.Code)
		}
	}
}

func TestReviewRatingValidated(t *testing.T) {
	fx := newAPIFixture(t)

	for _, rating := range []int{0, 6} {
		rec, _ := fx.do(t, http.MethodPost, "/reviews/submit", map[string]interface{}{
			"token":  "whatever",
			"rating": rating,
		}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for rating %d, got %d", rating, rec.Code)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	rec, _ := fx.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	fx := newAPIFixture(t)

	failing := NewRouter(
		NewOTPHandler(nil, nil, util.Get()),
		NewScopedHandler(nil, fx.backoffice, util.Get()),
		NewActionTokenHandler(nil, fx.backoffice, testInternalKey, time.Hour, util.Get()),
		func(context.Context) error { return fmt.Errorf("redis down") },
		util.Get(),
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	failing.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
