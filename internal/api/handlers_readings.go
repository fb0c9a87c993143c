package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"edgelamp/internal/ingest"
)

type readingsResponse struct {
	Queued   int      `json:"queued"`
	Rejected []string `json:"rejected,omitempty"`
}

// handleAddReadings queues one reading or an array of readings. Invalid
// readings are reported individually; the rest are still queued.
func (s *Server) handleAddReadings(w http.ResponseWriter, r *http.Request) {
	if s.buffer == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "ingest is disabled")
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	var readings []ingest.Reading
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &readings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid readings array")
			return
		}
	} else {
		var one ingest.Reading
		if err := json.Unmarshal(trimmed, &one); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid reading")
			return
		}
		readings = append(readings, one)
	}

	var res readingsResponse
	for _, reading := range readings {
		err := s.buffer.Add(r.Context(), reading)
		switch {
		case err == nil:
			res.Queued++
		case errors.Is(err, ingest.ErrInvalidReading):
			res.Rejected = append(res.Rejected, err.Error())
		case errors.Is(err, ingest.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		default:
			s.writeFailure(w, "queue readings", err)
			return
		}
	}
	if res.Queued == 0 && len(res.Rejected) > 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", strings.Join(res.Rejected, "; "))
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "asset is required")
		return
	}
	readings, err := s.store.QueryReadings(r.Context(), asset, parseIntDefault(r.URL.Query().Get("limit"), 100))
	if err != nil {
		s.writeFailure(w, "query readings", err)
		return
	}
	if readings == nil {
		readings = []ingest.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ListStatistics(r.Context())
	if err != nil {
		s.writeFailure(w, "list statistics", err)
		return
	}
	if stats == nil {
		stats = []ingest.Statistic{}
	}
	writeJSON(w, http.StatusOK, stats)
}
