package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// maxBody caps decoded request bodies.
const maxBody = 1 << 20

// BindOrError decodes the JSON body of r into dst, answering 400 on failure.
func BindOrError(r *http.Request, w http.ResponseWriter, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return err
	}
	return nil
}

// JSON writes data as JSON with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(text))
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Message string   `json:"message"`
	Code    int      `json:"code"`
	Class   string   `json:"class,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Code: statusCode, Message: message})
}

// StatusOf maps the carebus error taxonomy to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errdefs.IsValidation(err), errdefs.IsMissingKey(err):
		return http.StatusBadRequest
	case errdefs.IsSchemaIncompatible(err):
		return http.StatusUnprocessableEntity
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsPublishFailed(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Fail writes err with the status from StatusOf, or the given status when
// it is non-zero.
func Fail(w http.ResponseWriter, status int, err error) {
	if status == 0 {
		status = StatusOf(err)
	}
	resp := ErrorResponse{Code: status, Message: err.Error(), Class: errdefs.Class(err)}
	var schemaErr *errdefs.SchemaIncompatibleError
	if errors.As(err, &schemaErr) {
		resp.Reasons = schemaErr.Reasons
	}
	var conflict *errdefs.ConflictError
	if errors.As(err, &conflict) {
		resp.Reasons = conflict.Reasons
	}
	JSON(w, status, resp)
}
