package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guest-access-service/internal/models"
	"guest-access-service/internal/service"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

// OTPHandler handles challenge issuance, code verification, and session
// logout.
type OTPHandler struct {
	otpService *service.OTPService
	sessions   *token.SessionManager
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, sessions *token.SessionManager, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		sessions:   sessions,
		logger:     logger,
	}
}

// RegisterRoutes registers the verification routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Post("/otp/send", h.SendCode)
	router.Post("/otp/verify", h.VerifyCode)
	router.Post("/session/logout", h.Logout)
}

// SendCode starts verification: it issues a challenge and hands the
// code to the delivery channel. The response carries only the expiry.
func (h *OTPHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Email   string `json:"email"`
		Purpose string `json:"purpose"`
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	purpose, err := models.ParsePurpose(req.Purpose)
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Unknown purpose")
		return
	}

	result, err := h.otpService.IssueChallenge(ctx, service.IssueRequest{
		Identifier: req.Email,
		Purpose:    purpose,
		ResourceID: req.OrderID,
		SourceIP:   r.RemoteAddr,
	})
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Could not send verification code")
		return
	}

	respondWithJSON(w, h.logger, http.StatusAccepted, successResponse(result, "Verification code sent"))
	h.logger.Info("Verification code requested via HTTP",
		util.String("purpose", req.Purpose),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SendCode"),
	)
}

// VerifyCode checks a submitted code and returns a scoped session token
// on success. On a wrong code the remaining attempt budget rides along
// so the UI can warn the customer.
func (h *OTPHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Email   string `json:"email"`
		Purpose string `json:"purpose"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	purpose, err := models.ParsePurpose(req.Purpose)
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Unknown purpose")
		return
	}

	result, err := h.otpService.Verify(ctx, service.VerifyRequest{
		Identifier: req.Email,
		Purpose:    purpose,
		Code:       req.Code,
		SourceIP:   r.RemoteAddr,
	})
	if err != nil {
		var invalidCode *service.InvalidCodeError
		if errors.As(err, &invalidCode) {
			resp := errorResponse(err, "Incorrect code")
			resp.Data = map[string]int{"attempts_remaining": invalidCode.AttemptsRemaining}
			respondWithJSON(w, h.logger, http.StatusUnauthorized, resp)
			return
		}
		respondWithError(w, h.logger, getStatusCode(err), err, "Verification failed")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Verification successful"))
	h.logger.Info("Code verified via HTTP",
		util.String("purpose", req.Purpose),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyCode"),
	)
}

// Logout revokes the presented session token for the remainder of its
// lifetime. Revoking an already-expired token succeeds quietly.
func (h *OTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tokenString := bearerToken(r)
	if tokenString == "" {
		respondWithError(w, h.logger, http.StatusUnauthorized, token.ErrTokenInvalid, "Missing session token")
		return
	}

	if err := h.sessions.Revoke(ctx, tokenString); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Logout failed")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Session revoked"))
}
