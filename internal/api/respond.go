package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"edgelamp/internal/core"
	"edgelamp/internal/store"
)

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeFailure maps domain errors onto the error envelope. Anything
// unrecognised is logged and reported as internal_error.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	var cfgErr *core.ConfigurationError
	switch {
	case errors.Is(err, core.ErrScheduleNotFound),
		errors.Is(err, core.ErrTaskNotFound),
		errors.Is(err, core.ErrProcessNotFound),
		errors.Is(err, store.ErrLogNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &cfgErr), errors.Is(err, core.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, core.ErrScheduleBusy),
		errors.Is(err, core.ErrScheduleNameTaken),
		errors.Is(err, core.ErrScheduleDisabled):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrInvalidState):
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "integrity_error", err.Error())
	case errors.Is(err, core.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}
