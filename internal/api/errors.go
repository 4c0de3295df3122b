package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/knx/bus"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "service_unavailable"
	ErrCodeBusError     = "bus_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeCommissioningError maps runner errors to responses.
func (s *Server) writeCommissioningError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commissioning.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, commissioning.ErrInvalidRequest), errors.Is(err, prog.ErrInvalidMode),
		errors.Is(err, cemi.ErrConversion):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, commissioning.ErrRunNotFound):
		writeNotFound(w, "run not found")
	case errors.Is(err, commissioning.ErrClosed), errors.Is(err, bus.ErrClosed):
		writeUnavailable(w, "shutting down")
	default:
		s.logger.Error("commissioning request failed", "error", err)
		writeInternalError(w, "request failed")
	}
}

func isCommissioningError(err error) bool {
	for _, target := range []error{
		commissioning.ErrBusy, commissioning.ErrInvalidRequest, commissioning.ErrRunNotFound,
		commissioning.ErrClosed, prog.ErrInvalidMode, cemi.ErrConversion, bus.ErrClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
