package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edgelamp/internal/core"

	"github.com/go-chi/chi/v5"
)

type taskResponse struct {
	ID          string  `json:"id"`
	ScheduleID  string  `json:"schedule_id,omitempty"`
	ProcessName string  `json:"process_name"`
	State       int     `json:"state"`
	StateName   string  `json:"state_name"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time,omitempty"`
	PID         int     `json:"pid,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	where, err := taskFilter(q.Get("state"), q.Get("name"))
	if err != nil {
		s.writeFailure(w, "list tasks", err)
		return
	}
	query := core.TaskQuery{Where: where}
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeFailure(w, "list tasks", err)
		return
	}
	if query.Offset, err = intParam(q.Get("offset")); err != nil {
		s.writeFailure(w, "list tasks", err)
		return
	}
	if query.Sort, err = core.ParseSort(q.Get("sort")); err != nil {
		s.writeFailure(w, "list tasks", err)
		return
	}
	tasks, err := s.scheduler.GetTasks(r.Context(), query)
	if err != nil {
		s.writeFailure(w, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasksToResponse(tasks))
}

func (s *Server) handleLatestTasks(w http.ResponseWriter, r *http.Request) {
	where, err := taskFilter(r.URL.Query().Get("state"), r.URL.Query().Get("name"))
	if err != nil {
		s.writeFailure(w, "list latest tasks", err)
		return
	}
	tasks, err := s.scheduler.LatestTasks(r.Context(), where)
	if err != nil {
		s.writeFailure(w, "list latest tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasksToResponse(tasks))
}

func (s *Server) handleRunningTasks(w http.ResponseWriter, r *http.Request) {
	where, err := taskFilter("", r.URL.Query().Get("name"))
	if err != nil {
		s.writeFailure(w, "list running tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, tasksToResponse(s.scheduler.RunningTasks(where)))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFailure(w, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.CancelTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFailure(w, "cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

// taskFilter builds the filter for the state and name query parameters.
// A name containing % is matched with LIKE.
func taskFilter(state, name string) (core.Expr, error) {
	var and core.And
	if state = strings.TrimSpace(state); state != "" {
		st, err := parseStateParam(state)
		if err != nil {
			return nil, err
		}
		and = append(and, core.Eq(core.FieldState, st))
	}
	if name = strings.TrimSpace(name); name != "" {
		if strings.Contains(name, "%") {
			and = append(and, core.Cond{Field: core.FieldProcessName, Op: core.OpLike, Value: name})
		} else {
			and = append(and, core.Eq(core.FieldProcessName, name))
		}
	}
	switch len(and) {
	case 0:
		return nil, nil
	case 1:
		return and[0], nil
	}
	return and, nil
}

// parseStateParam accepts a state code 1-4 or its name.
func parseStateParam(value string) (core.TaskState, error) {
	if n, err := strconv.Atoi(value); err == nil {
		st := core.TaskState(n)
		if !st.Valid() {
			return 0, fmt.Errorf("%w: state must be between 1 and 4", core.ErrInvalidQuery)
		}
		return st, nil
	}
	for st := core.TaskStateRunning; st <= core.TaskStateInterrupted; st++ {
		if strings.EqualFold(st.String(), value) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown state %q", core.ErrInvalidQuery, value)
}

func intParam(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", core.ErrInvalidQuery, value)
	}
	return n, nil
}

func tasksToResponse(tasks []*core.Task) []taskResponse {
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	return res
}

func taskToResponse(task *core.Task) taskResponse {
	res := taskResponse{
		ID:          task.ID,
		ScheduleID:  task.ScheduleID,
		ProcessName: task.ProcessName,
		State:       int(task.State),
		StateName:   task.State.String(),
		StartTime:   task.StartTime.UTC().Format(time.RFC3339Nano),
		PID:         task.PID,
		ExitCode:    task.ExitCode,
		Reason:      task.Reason,
	}
	if task.EndTime != nil {
		formatted := task.EndTime.UTC().Format(time.RFC3339Nano)
		res.EndTime = &formatted
	}
	return res
}
