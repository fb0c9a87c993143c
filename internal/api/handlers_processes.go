package api

import (
	"encoding/json"
	"net/http"

	"edgelamp/internal/core"
)

type processPayload struct {
	Name   string   `json:"name"`
	Script []string `json:"script"`
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := s.scheduler.Processes(r.Context())
	if err != nil {
		s.writeFailure(w, "list processes", err)
		return
	}
	res := make([]processPayload, 0, len(procs))
	for _, p := range procs {
		res = append(res, processPayload{Name: p.Name, Script: p.Script})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSaveProcess(w http.ResponseWriter, r *http.Request) {
	var req processPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := s.scheduler.SaveProcess(r.Context(), core.ScheduledProcess{Name: req.Name, Script: req.Script}); err != nil {
		s.writeFailure(w, "save process", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}
