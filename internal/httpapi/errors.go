package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rmacdonaldsmith/meshcore-go/internal/channels"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
)

// statusFor maps session errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrMessageTooLong),
		errors.Is(err, session.ErrInvalidContact),
		errors.Is(err, meshcrypto.ErrInvalidKey),
		errors.Is(err, channels.ErrInvalidName),
		errors.Is(err, mesh.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrNotFound),
		errors.Is(err, session.ErrUnknownChannel),
		errors.Is(err, session.ErrUnknownContact):
		return http.StatusNotFound
	case errors.Is(err, channels.ErrDuplicateChannel),
		errors.Is(err, session.ErrNotDegraded):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrTransportUnavailable),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeSessionError writes err with the status statusFor picks
func writeSessionError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already out, so an encode failure cannot be reported
	_ = json.NewEncoder(w).Encode(data)
}

// validateJSON validates that the request has a JSON content-type
func validateJSON(r *http.Request) error {
	if ct := r.Header.Get("Content-Type"); ct != "application/json" && ct != "application/json; charset=utf-8" {
		return errors.New("Content-Type must be application/json")
	}
	return nil
}

// decodeJSON validates the content type and decodes a bounded request body
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
