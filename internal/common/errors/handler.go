// internal/common/errors/handler.go
package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorHandler translates application errors into HTTP responses with
// standardized logging.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HTTPStatus maps an ErrorCode to its HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeValidationError:
		return http.StatusBadRequest
	case ErrCodeCapacityExceeded, ErrCodeDealLocked, ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the wire shape for failed requests.
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// WriteHTTPError normalizes err, logs it and writes the JSON error body.
// Internal errors are logged at error level with details withheld from the
// response; caller-actionable errors (4xx/409) are logged at warn with full
// detail so the caller can act on them.
func (h *ErrorHandler) WriteHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	stdErr := h.normalizeError(err)
	status := HTTPStatus(stdErr.Code)

	fields := map[string]interface{}{
		"code":   string(stdErr.Code),
		"status": status,
		"path":   r.URL.Path,
		"method": r.Method,
	}
	if stdErr.Details != "" {
		fields["details"] = stdErr.Details
	}

	resp := errorResponse{
		Error: stdErr.Message,
		Code:  string(stdErr.Code),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields)
		resp.Error = "internal server error"
	} else {
		h.logger.Warn("request rejected", fields)
		resp.Details = stdErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// normalizeError ensures we always have a StandardError.
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr
	}
	return NewQueryExecutionFailedError("unknown", err)
}
