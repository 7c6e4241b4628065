package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/analytics"
	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/fault"
	"github.com/lalithlochan/saleflow/internal/metrics"
	"github.com/lalithlochan/saleflow/internal/redis"
)

// PurchaseService is the transaction lifecycle surface the handlers drive.
type PurchaseService interface {
	CreatePendingPurchase(ctx context.Context, userID uuid.UUID, walletAddress string, inputAsset, outputAsset db.Asset, usdAmount, exchangeRate decimal.Decimal, metadata json.RawMessage) (*db.Transaction, error)
	Cancel(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error)
	Retry(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error)
	AttachLedgerHash(ctx context.Context, id, byUserID uuid.UUID, hash string) (*db.Transaction, error)
}

// PurchaseStore is the read-side surface over transactions.
type PurchaseStore interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Transaction, error)
}

// NotificationService is the notification lifecycle surface the handlers
// drive.
type NotificationService interface {
	Create(ctx context.Context, userID uuid.UUID, title, message, notifType, category, priority string, action *string, relatedData json.RawMessage) (*db.Notification, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkAsClicked(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Dismiss(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// NotificationStore is the read-side surface over notifications.
type NotificationStore interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
}

// AnalyticsService serves the aggregate summary.
type AnalyticsService interface {
	Summary(ctx context.Context) (*analytics.Summary, error)
}

// PurchaseRequest is the POST /v1/purchases body.
type PurchaseRequest struct {
	UserID        string          `json:"user_id"`
	WalletAddress string          `json:"wallet_address"`
	InputAsset    db.Asset        `json:"input_asset"`
	OutputAsset   db.Asset        `json:"output_asset"`
	UsdAmount     decimal.Decimal `json:"usd_amount"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// NotificationRequest is the POST /v1/notifications body.
type NotificationRequest struct {
	UserID      string          `json:"user_id"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
	Priority    string          `json:"priority"`
	Action      *string         `json:"action,omitempty"`
	RelatedData json.RawMessage `json:"related_data,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	purchases     PurchaseService
	purchaseStore PurchaseStore
	notifications NotificationService
	notifStore    NotificationStore
	analytics     AnalyticsService
	idempotency   *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(
	logger *zap.Logger,
	purchases PurchaseService,
	purchaseStore PurchaseStore,
	notifications NotificationService,
	notifStore NotificationStore,
	analyticsSvc AnalyticsService,
	idempotency *redis.IdempotencyService,
) *Handler {
	return &Handler{
		logger:        logger,
		purchases:     purchases,
		purchaseStore: purchaseStore,
		notifications: notifications,
		notifStore:    notifStore,
		analytics:     analyticsSvc,
		idempotency:   idempotency,
	}
}

// Routes mounts all v1 routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.CreatePurchase)
			r.Get("/", h.ListPurchases)
			r.Get("/{id}", h.GetPurchase)
			r.Post("/{id}/cancel", h.CancelPurchase)
			r.Post("/{id}/retry", h.RetryPurchase)
			r.Post("/{id}/hash", h.AttachHash)
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", h.CreateNotification)
			r.Get("/", h.ListNotifications)
			r.Get("/{id}", h.GetNotification)
			r.Post("/{id}/read", h.MarkRead)
			r.Post("/{id}/clicked", h.MarkClicked)
			r.Post("/{id}/dismiss", h.DismissNotification)
		})
		r.Get("/analytics/summary", h.AnalyticsSummary)
	})
}

// CreatePurchase handles POST /v1/purchases.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.UserID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.ResourceID})
			return
		}
	}

	t, err := h.purchases.CreatePendingPurchase(ctx, userID, req.WalletAddress,
		req.InputAsset, req.OutputAsset, req.UsdAmount, req.ExchangeRate, req.Metadata)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ResourceID: t.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.UserID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, t)
}

// GetPurchase handles GET /v1/purchases/{id}
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	t, err := h.purchaseStore.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// ListPurchases handles GET /v1/purchases?user_id=xxx&limit=20&offset=0
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.queryUserID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	transactions, err := h.purchaseStore.ListTransactionsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   transactions,
		"limit":  limit,
		"offset": offset,
		"count":  len(transactions),
	})
}

// CancelPurchase handles POST /v1/purchases/{id}/cancel
func (h *Handler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	h.purchaseAction(w, r, h.purchases.Cancel)
}

// RetryPurchase handles POST /v1/purchases/{id}/retry
func (h *Handler) RetryPurchase(w http.ResponseWriter, r *http.Request) {
	h.purchaseAction(w, r, h.purchases.Retry)
}

func (h *Handler) purchaseAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID, uuid.UUID) (*db.Transaction, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	t, err := action(r.Context(), id, userID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// AttachHash handles POST /v1/purchases/{id}/hash
func (h *Handler) AttachHash(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	t, err := h.purchases.AttachLedgerHash(r.Context(), id, userID, req.TxHash)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	if req.RelatedData != nil && !json.Valid(req.RelatedData) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid related_data", "related_data must be valid JSON")
		return
	}

	n, err := h.notifications.Create(r.Context(), userID,
		req.Title, req.Message, req.Type, req.Category, req.Priority,
		req.Action, req.RelatedData)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, n)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n, err := h.notifStore.GetNotification(r.Context(), id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.queryUserID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	notifications, err := h.notifStore.ListNotificationsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.notificationFlag(w, r, h.notifications.MarkAsRead)
}

// MarkClicked handles POST /v1/notifications/{id}/clicked
func (h *Handler) MarkClicked(w http.ResponseWriter, r *http.Request) {
	h.notificationFlag(w, r, h.notifications.MarkAsClicked)
}

// DismissNotification handles POST /v1/notifications/{id}/dismiss
func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	h.notificationFlag(w, r, h.notifications.Dismiss)
}

func (h *Handler) notificationFlag(w http.ResponseWriter, r *http.Request, flag func(context.Context, uuid.UUID) (*db.Notification, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n, err := flag(r.Context(), id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// AnalyticsSummary handles GET /v1/analytics/summary
func (h *Handler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analytics.Summary(r.Context())
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// callerID identifies the acting user from the X-User-ID header. Real
// authentication sits in front of this service; the header is what the
// gateway forwards.
func (h *Handler) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing X-User-ID header", "")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid X-User-ID header", "must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) queryUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// writeFault maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	switch {
	case fault.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
	case fault.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case fault.IsForbidden(err):
		h.writeError(w, http.StatusForbidden, "forbidden", "Not allowed", err.Error())
	case fault.IsInvalidState(err):
		h.writeError(w, http.StatusConflict, "invalid_state", "Illegal state transition", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
