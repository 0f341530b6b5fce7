package errors

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"payflow-backend/pkg/common"
)

// ErrorResponse represents the API error response format
type ErrorResponse struct {
	Error       bool                   `json:"error"`
	Type        string                 `json:"type"`
	Message     string                 `json:"message"`
	Code        string                 `json:"code,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	Details     map[string]interface{} `json:"details,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
}

// ErrorHandler handles errors and sends appropriate HTTP responses
type ErrorHandler struct {
	logger        *zap.Logger
	defaultStatus int
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:        logger,
		defaultStatus: http.StatusInternalServerError,
	}
}

// Handle processes an error and sends an HTTP response
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID, _ = common.GetRequestID(r.Context())
	}

	status := h.defaultStatus
	response := ErrorResponse{
		Error:     true,
		Type:      string(ErrorTypeInternal),
		Message:   "internal server error",
		RequestID: requestID,
	}

	if appErr := GetAppError(err); appErr != nil {
		if appErr.HTTPStatus != 0 {
			status = appErr.HTTPStatus
		}
		response.Type = string(appErr.Type)
		response.Message = appErr.Message
		response.Code = appErr.Code
		response.Recoverable = appErr.Recoverable
		response.Details = appErr.Details
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("requestID", requestID),
			zap.Duration("elapsed", common.Elapsed(r.Context())),
			zap.Error(err),
		)
	} else {
		h.logger.Warn("request rejected",
			zap.String("path", r.URL.Path),
			zap.String("requestID", requestID),
			zap.Error(err),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(response); encErr != nil {
		h.logger.Error("failed to encode error response", zap.Error(encErr))
	}
}
