package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// ResponseEnvelope wraps all API responses
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the client-facing view of an *errors.AppError.
type ErrorResponse struct {
	Type      errors.ErrorType       `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func meta(r *http.Request) ResponseMeta {
	return ResponseMeta{RequestID: requestIDFrom(r.Context()), Timestamp: time.Now().UTC()}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, ResponseEnvelope{Success: true, Data: data, Meta: meta(r)})
}

// writeError renders err. Data is attached when the operation produced a
// partial result, such as a challenged bid outcome.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, data interface{}) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		s.logger.Error("unhandled error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err))
		appErr = errors.NewInternalError("an internal error occurred")
	}

	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError && appErr.Type != errors.ErrorTypeTransient {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", appErr.Code),
			zap.Error(appErr))
	}
	if appErr.Retryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	writeJSON(w, status, ResponseEnvelope{
		Success: false,
		Data:    data,
		Error: &ErrorResponse{
			Type:      appErr.Type,
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Retryable: appErr.Retryable,
		},
		Meta: meta(r),
	})
}

const retryAfterSeconds = 1
