package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guest-access-service/internal/backoffice"
	"guest-access-service/internal/models"
	"guest-access-service/internal/service"
	"guest-access-service/internal/util"
)

// ActionTokenHandler serves the deep-link endpoints (review invitations)
// and the collaborator-only issuance endpoint.
type ActionTokenHandler struct {
	actions     *service.ActionTokenService
	backoffice  backoffice.Client
	internalKey string
	defaultTTL  time.Duration
	logger      *zap.Logger
}

func NewActionTokenHandler(
	actions *service.ActionTokenService,
	backofficeClient backoffice.Client,
	internalKey string,
	defaultTTL time.Duration,
	logger *zap.Logger,
) *ActionTokenHandler {
	return &ActionTokenHandler{
		actions:     actions,
		backoffice:  backofficeClient,
		internalKey: internalKey,
		defaultTTL:  defaultTTL,
		logger:      logger,
	}
}

// RegisterRoutes registers the deep-link routes
func (h *ActionTokenHandler) RegisterRoutes(router chi.Router) {
	router.Get("/review", h.ReviewForm)
	router.Post("/reviews/submit", h.SubmitReview)
	router.Post("/internal/action-tokens", h.IssueToken)
}

// ReviewForm validates the emailed link without consuming it, so the
// storefront can render the form. Refreshing the page does not burn the
// token.
func (h *ActionTokenHandler) ReviewForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	grant, err := h.actions.Peek(ctx, r.URL.Query().Get("token"))
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Link is not valid")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]interface{}{
		"order_id":   grant.OrderID,
		"purpose":    grant.Purpose,
		"expires_at": grant.ExpiresAt,
	}, "Link is valid"))
}

// SubmitReview consumes the token and forwards the review. The token is
// burned only after the order is confirmed eligible, and exactly one
// submission per token ever reaches the back office.
func (h *ActionTokenHandler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Token   string `json:"token"`
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		respondWithError(w, h.logger, http.StatusBadRequest,
			errors.New("rating must be between 1 and 5"), "Invalid rating")
		return
	}

	grant, err := h.actions.Consume(ctx, req.Token)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Link is not valid")
		return
	}

	if err := h.backoffice.SubmitReview(ctx, grant.OrderID, req.Rating, util.SanitizeInput(req.Comment)); err != nil {
		// The token is already burned; the review is lost rather than
		// the single-use guarantee.
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to submit review")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(nil, "Review submitted"))
	h.logger.Info("Review submitted via HTTP",
		util.String("order_id", grant.OrderID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SubmitReview"),
	)
}

// IssueToken mints an action token for the order-lifecycle collaborator,
// which embeds it in the outgoing email. Customers never reach this
// endpoint; it sits behind a shared internal key.
func (h *ActionTokenHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := r.Header.Get("X-Internal-Key")
	if h.internalKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.internalKey)) != 1 {
		respondWithError(w, h.logger, http.StatusUnauthorized,
			errors.New("invalid internal key"), "Not authorized")
		return
	}

	var req struct {
		OrderID  string `json:"order_id"`
		Purpose  string `json:"purpose"`
		TTLHours int    `json:"ttl_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	purpose := models.PurposeReviewInvitation
	if req.Purpose != "" {
		parsed, err := models.ParsePurpose(req.Purpose)
		if err != nil {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Unknown purpose")
			return
		}
		purpose = parsed
	}

	ttl := h.defaultTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	rawToken, expiresAt, err := h.actions.Issue(ctx, req.OrderID, purpose, ttl)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Failed to issue action token")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(map[string]interface{}{
		"token":      rawToken,
		"expires_at": expiresAt,
	}, "Action token issued"))
}
