package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"edgelamp/internal/store"

	"github.com/go-chi/chi/v5"
)

// handleTaskLog returns the captured output of a task. With follow=true the
// response streams new output until the task finishes.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.scheduler.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeFailure(w, "load task", err)
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	if !follow {
		data, err := s.store.ReadTaskLog(taskID, tail)
		if err != nil {
			s.writeFailure(w, "read log", err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(data)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	file, err := os.Open(s.store.TaskLogPath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = store.ErrLogNotFound
		}
		s.writeFailure(w, "read log", err)
		return
	}
	defer file.Close()

	data, err := s.store.ReadTaskLog(taskID, tail)
	if err != nil {
		s.writeFailure(w, "read log", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if !task.State.Terminal() {
				if refreshed, err := s.scheduler.GetTask(r.Context(), taskID); err == nil {
					task = refreshed
				}
			}
			if task.State.Terminal() && pos == offset {
				return
			}
		}
	}
}
