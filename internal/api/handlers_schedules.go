package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edgelamp/internal/core"

	"github.com/go-chi/chi/v5"
)

// scheduleRequest carries optional schedule fields. Type accepts the symbolic
// name (INTERVAL) or its numeric code, as a string or a number.
type scheduleRequest struct {
	Name        *string         `json:"name"`
	ProcessName *string         `json:"process_name"`
	Type        json.RawMessage `json:"type"`
	RepeatSecs  *float64        `json:"repeat_s"`
	Day         *int            `json:"day"`
	Time        *string         `json:"time"`
	Exclusive   *bool           `json:"exclusive"`
	Enabled     *bool           `json:"enabled"`
}

type scheduleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ProcessName string   `json:"process_name"`
	Type        string   `json:"type"`
	RepeatSecs  *float64 `json:"repeat_s,omitempty"`
	Day         int      `json:"day,omitempty"`
	Time        *string  `json:"time,omitempty"`
	Exclusive   bool     `json:"exclusive"`
	Enabled     bool     `json:"enabled"`
	NextRunAt   *string  `json:"next_run_at,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// apply copies the fields present in the request onto sch.
func (req scheduleRequest) apply(sch *core.Schedule) error {
	if req.Name != nil {
		sch.Name = strings.TrimSpace(*req.Name)
	}
	if req.ProcessName != nil {
		sch.ProcessName = strings.TrimSpace(*req.ProcessName)
	}
	if len(req.Type) > 0 && string(req.Type) != "null" {
		raw := strings.Trim(string(req.Type), `"`)
		typ, err := core.ParseScheduleType(raw)
		if err != nil {
			return &core.ConfigurationError{Schedule: sch.Name, Reason: err.Error()}
		}
		sch.Type = typ
	}
	if req.RepeatSecs != nil {
		sch.Repeat = time.Duration(*req.RepeatSecs * float64(time.Second))
	}
	if req.Day != nil {
		sch.Day = *req.Day
	}
	if req.Time != nil {
		if strings.TrimSpace(*req.Time) == "" {
			sch.Time = nil
		} else {
			t, err := core.ParseTimeOfDay(*req.Time)
			if err != nil {
				return &core.ConfigurationError{Schedule: sch.Name, Reason: err.Error()}
			}
			sch.Time = &t
		}
	}
	if req.Exclusive != nil {
		sch.Exclusive = *req.Exclusive
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}
	return nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.ListSchedules(r.Context())
	if err != nil {
		s.writeFailure(w, "list schedules", err)
		return
	}
	res := make([]scheduleResponse, 0, len(schedules))
	for _, sch := range schedules {
		res = append(res, s.scheduleToResponse(sch))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	sch := &core.Schedule{Exclusive: true, Enabled: true}
	if err := req.apply(sch); err != nil {
		s.writeFailure(w, "create schedule", err)
		return
	}
	saved, err := s.scheduler.SaveSchedule(r.Context(), sch)
	if err != nil {
		s.writeFailure(w, "create schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, s.scheduleToResponse(saved))
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.scheduler.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeFailure(w, "load schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleToResponse(sch))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.scheduler.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeFailure(w, "load schedule", err)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := req.apply(sch); err != nil {
		s.writeFailure(w, "update schedule", err)
		return
	}
	saved, err := s.scheduler.SaveSchedule(r.Context(), sch)
	if err != nil {
		s.writeFailure(w, "update schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleToResponse(saved))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.scheduler.DeleteSchedule(r.Context(), chi.URLParam(r, "scheduleID"), force); err != nil {
		s.writeFailure(w, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	if err := s.scheduler.QueueSchedule(r.Context(), id); err != nil {
		s.writeFailure(w, "queue schedule", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"schedule_id": id, "status": "queued"})
}

type previewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handlePreviewSchedule lists the next automatic fire times of an unsaved
// schedule definition.
func (s *Server) handlePreviewSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		scheduleRequest
		Now   string `json:"now,omitempty"`
		Count int    `json:"count,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, previewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	sch := &core.Schedule{Name: "preview", ProcessName: "preview", Enabled: true}
	if err := req.apply(sch); err != nil {
		writeJSON(w, http.StatusOK, previewResponse{Valid: false, Message: err.Error()})
		return
	}
	if err := sch.Validate(); err != nil {
		writeJSON(w, http.StatusOK, previewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}
	times, err := core.NextOccurrences(sch, base, s.location, count)
	if err != nil {
		writeJSON(w, http.StatusOK, previewResponse{Valid: false, Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, previewResponse{Valid: true, NextTimes: formatted})
}

func (s *Server) scheduleToResponse(sch *core.Schedule) scheduleResponse {
	res := scheduleResponse{
		ID:          sch.ID,
		Name:        sch.Name,
		ProcessName: sch.ProcessName,
		Type:        sch.Type.String(),
		Day:         sch.Day,
		Exclusive:   sch.Exclusive,
		Enabled:     sch.Enabled,
		CreatedAt:   sch.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   sch.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if sch.Repeat > 0 {
		secs := sch.Repeat.Seconds()
		res.RepeatSecs = &secs
	}
	if sch.Time != nil {
		formatted := sch.Time.String()
		res.Time = &formatted
	}
	if next, ok := s.scheduler.NextRun(sch.ID); ok {
		formatted := next.UTC().Format(time.RFC3339)
		res.NextRunAt = &formatted
	}
	return res
}
