package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payflow-backend/application/orchestrator"
	"payflow-backend/application/ports"
	"payflow-backend/application/services"
	"payflow-backend/pkg/auth"
	"payflow-backend/pkg/common"
	pkgerrors "payflow-backend/pkg/errors"
	"payflow-backend/pkg/utils"
)

// FlowHandler handles payment-flow HTTP requests
type FlowHandler struct {
	registry    *orchestrator.Registry
	flowService *services.FlowService
	errs        *pkgerrors.ErrorHandler
	logger      *zap.Logger
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(
	registry *orchestrator.Registry,
	flowService *services.FlowService,
	logger *zap.Logger,
) *FlowHandler {
	return &FlowHandler{
		registry:    registry,
		flowService: flowService,
		errs:        pkgerrors.NewErrorHandler(logger),
		logger:      logger,
	}
}

// InitializeFlowRequest represents the request body for starting a flow
type InitializeFlowRequest struct {
	BookingID string `json:"booking_id,omitempty" validate:"omitempty,max=64"`
	Amount    int64  `json:"amount" validate:"required,gt=0"` // minor units
	Currency  string `json:"currency" validate:"required,len=3,alpha"`
}

// ProcessFlowRequest represents the request body for submitting a payment
type ProcessFlowRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required,max=128"`
	ReturnURL       string `json:"return_url,omitempty" validate:"omitempty,url"`
	IdempotencyKey  string `json:"idempotency_key,omitempty" validate:"omitempty,max=64"`
}

// ScheduleFlowRequest represents the request body for deferring a payment
type ScheduleFlowRequest struct {
	PaymentMethodID string    `json:"payment_method_id" validate:"required,max=128"`
	At              time.Time `json:"at" validate:"required"`
}

// BookingCreatedRequest represents the booking-created callback body
type BookingCreatedRequest struct {
	BookingID      string `json:"booking_id" validate:"required,max=64"`
	ConfirmationID string `json:"confirmation_id,omitempty" validate:"omitempty,max=64"`
}

// GoBackRequest represents the request body for rewinding the checkout step
type GoBackRequest struct {
	Step int `json:"step" validate:"required,min=1"`
}

// InitializeFlow handles POST /flows
func (h *FlowHandler) InitializeFlow(w http.ResponseWriter, r *http.Request) {
	var req InitializeFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	snap, err := h.registry.InitializePayment(r.Context(), orchestrator.InitializeRequest{
		BookingID:   req.BookingID,
		AmountMinor: req.Amount,
		Currency:    req.Currency,
		UserID:      userIDFrom(r),
	})
	if err != nil {
		h.errs.Handle(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, snap)
}

// ProcessFlow handles POST /flows/{flowID}/process
func (h *FlowHandler) ProcessFlow(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	if flowID == "" {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("flow ID is required"))
		return
	}

	var req ProcessFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	result, err := h.flowService.SubmitPayment(r.Context(), flowID, req.PaymentMethodID, ports.PaymentContext{
		UserID:         userIDFrom(r),
		SessionID:      sessionIDFrom(r),
		ReturnURL:      req.ReturnURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.errs.Handle(w, r, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		// A decline is a completed request with a negative outcome
		status = http.StatusPaymentRequired
	}
	h.respondJSON(w, status, result)
}

// ScheduleFlow handles POST /flows/{flowID}/schedule
func (h *FlowHandler) ScheduleFlow(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	var req ScheduleFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	err := h.flowService.SchedulePayment(r.Context(), flowID, req.PaymentMethodID, ports.PaymentContext{
		UserID:    userIDFrom(r),
		SessionID: sessionIDFrom(r),
	}, req.At)
	if err != nil {
		h.errs.Handle(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"flow_id":      flowID,
		"scheduled_at": req.At.Format(time.RFC3339),
	})
}

// CancelSchedule handles DELETE /flows/{flowID}/schedule
func (h *FlowHandler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	cancelled := h.flowService.CancelScheduled(r.Context(), flowID)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"flow_id":   flowID,
		"cancelled": cancelled,
	})
}

// GetFlow handles GET /flows/{flowID}
func (h *FlowHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	if flowID == "" {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("flow ID is required"))
		return
	}

	snap, ok := h.registry.FindFlow(flowID)
	if !ok {
		h.errs.Handle(w, r, pkgerrors.NewNotFoundError("flow "+flowID))
		return
	}

	h.respondJSON(w, http.StatusOK, snap)
}

// BookingCreated handles POST /flows/{flowID}/booking
func (h *FlowHandler) BookingCreated(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	var req BookingCreatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	if err := h.registry.HandleBookingCreated(r.Context(), flowID, req.BookingID, req.ConfirmationID); err != nil {
		h.errs.Handle(w, r, err)
		return
	}

	snap, _ := h.registry.FindFlow(req.BookingID)
	h.respondJSON(w, http.StatusOK, snap)
}

// GoBack handles POST /flows/{flowID}/back
func (h *FlowHandler) GoBack(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	var req GoBackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		h.errs.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	snap, err := h.registry.GoBack(r.Context(), flowID, req.Step)
	if err != nil {
		h.errs.Handle(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, snap)
}

// CleanupFlow handles DELETE /flows/{flowID}
func (h *FlowHandler) CleanupFlow(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	if flowID == "" {
		h.errs.Handle(w, r, pkgerrors.NewValidationError("flow ID is required"))
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	preserve, _ := strconv.ParseBool(r.URL.Query().Get("preserve_state"))
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}

	opts := orchestrator.CleanupOptions{
		Source:        source,
		Reason:        r.URL.Query().Get("reason"),
		PreserveState: preserve,
		Force:         force,
	}
	if !h.registry.HandleCleanup(r.Context(), flowID, opts) {
		h.errs.Handle(w, r, pkgerrors.NewLockContentionError(flowID, "cleanup"))
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"flow_id": flowID,
		"cleaned": true,
	})
}

func (h *FlowHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func userIDFrom(r *http.Request) string {
	if userCtx, err := auth.GetUserFromContext(r.Context()); err == nil {
		return userCtx.UserID
	}
	return ""
}

func sessionIDFrom(r *http.Request) string {
	if sid, ok := common.GetSessionID(r.Context()); ok {
		return sid
	}
	return ""
}
