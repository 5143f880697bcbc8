package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guest-access-service/internal/backoffice"
	"guest-access-service/internal/models"
	"guest-access-service/internal/token"
	"guest-access-service/internal/util"
)

// ScopedHandler serves the self-service endpoints that sit behind a
// purpose-scoped session token. Each endpoint requires exactly one
// purpose; a token for any other purpose is refused, a grievance token
// can never cancel an order.
type ScopedHandler struct {
	sessions   *token.SessionManager
	backoffice backoffice.Client
	logger     *zap.Logger
}

func NewScopedHandler(sessions *token.SessionManager, backofficeClient backoffice.Client, logger *zap.Logger) *ScopedHandler {
	return &ScopedHandler{
		sessions:   sessions,
		backoffice: backofficeClient,
		logger:     logger,
	}
}

// RegisterRoutes registers the session-protected routes
func (h *ScopedHandler) RegisterRoutes(router chi.Router) {
	router.Get("/grievances", h.ListGrievances)
	router.Post("/grievances", h.FileGrievance)
	router.Post("/orders/cancel", h.CancelOrder)
	router.Post("/data/export", h.RequestDataExport)
	router.Post("/data/delete", h.RequestDataDeletion)
	router.Post("/data/correct", h.CorrectOrderData)
}

// authorize validates the bearer token against the purpose the endpoint
// requires and, when resourceID is set, the order the token is bound
// to. Returns the verified email.
func (h *ScopedHandler) authorize(r *http.Request, purpose models.Purpose, resourceID string) (string, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		return "", token.ErrTokenInvalid
	}
	return h.sessions.Validate(r.Context(), tokenString, purpose, resourceID)
}

// ListGrievances returns the grievances on record for the verified
// email. The token's order binding is not checked here; listing spans
// all of the customer's orders.
func (h *ScopedHandler) ListGrievances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	email, err := h.authorize(r, models.PurposeGrievanceAccess, "")
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Not authorized")
		return
	}

	grievances, err := h.backoffice.ListGrievances(ctx, email)
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to list grievances")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(grievances, "Grievances retrieved"))
	h.logger.Debug("Grievances listed via HTTP",
		util.Int("count", len(grievances)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "ListGrievances"),
	)
}

// FileGrievance files a complaint against the order the session is
// bound to.
func (h *ScopedHandler) FileGrievance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		OrderID     string `json:"order_id"`
		Subject     string `json:"subject"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	email, err := h.authorize(r, models.PurposeGrievanceAccess, req.OrderID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Not authorized")
		return
	}

	grievanceID, err := h.backoffice.FileGrievance(ctx, email, req.OrderID,
		util.SanitizeInput(req.Subject), util.SanitizeInput(req.Description))
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to file grievance")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated,
		successResponse(map[string]string{"grievance_id": grievanceID}, "Grievance filed"))
	h.logger.Info("Grievance filed via HTTP",
		util.String("grievance_id", grievanceID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "FileGrievance"),
	)
}

// CancelOrder cancels the order the session is bound to.
func (h *ScopedHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	email, err := h.authorize(r, models.PurposeOrderCancellation, req.OrderID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Not authorized")
		return
	}

	if err := h.backoffice.CancelOrder(ctx, email, req.OrderID, util.SanitizeInput(req.Reason)); err != nil {
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to cancel order")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Order cancelled"))
	h.logger.Info("Order cancelled via HTTP",
		util.String("order_id", req.OrderID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "CancelOrder"),
	)
}

// RequestDataExport queues an export of the data held for the verified
// email.
func (h *ScopedHandler) RequestDataExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email, err := h.authorize(r, models.PurposeDataExport, "")
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Not authorized")
		return
	}

	requestID, err := h.backoffice.RequestDataExport(ctx, email)
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to request data export")
		return
	}

	respondWithJSON(w, h.logger, http.StatusAccepted,
		successResponse(map[string]string{"request_id": requestID}, "Data export requested"))
}

// RequestDataDeletion queues erasure of the data held for the verified
// email.
func (h *ScopedHandler) RequestDataDeletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email, err := h.authorize(r, models.PurposeDataDeletion, "")
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Not authorized")
		return
	}

	requestID, err := h.backoffice.RequestDataDeletion(ctx, email)
	if err != nil {
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to request data deletion")
		return
	}

	respondWithJSON(w, h.logger, http.StatusAccepted,
		successResponse(map[string]string{"request_id": requestID}, "Data deletion requested"))
}

// CorrectOrderData applies field corrections to the order the session
// is bound to.
func (h *ScopedHandler) CorrectOrderData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		OrderID string            `json:"order_id"`
		Fields  map[string]string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	email, err := h.authorize(r, models.PurposeDataCorrection, req.OrderID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), err, "Not authorized")
		return
	}

	if err := h.backoffice.CorrectOrderData(ctx, email, req.OrderID, req.Fields); err != nil {
		respondWithError(w, h.logger, http.StatusBadGateway, err, "Failed to correct order data")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Order data corrected"))
	h.logger.Info("Order data corrected via HTTP",
		util.String("order_id", req.OrderID),
		util.Int("fields", len(req.Fields)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "CorrectOrderData"),
	)
}
