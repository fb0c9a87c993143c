package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrLogNotFound is returned when a task has no captured output.
var ErrLogNotFound = errors.New("task log not found")

// TaskLogPath returns the path of the task's combined stdout/stderr log.
func (s *Store) TaskLogPath(taskID string) string {
	return filepath.Join(s.StateDir, "tasks", taskID, "combined.log")
}

// EnsureTaskLogDir makes sure the directory for a task's log exists.
func (s *Store) EnsureTaskLogDir(taskID string) error {
	return os.MkdirAll(filepath.Dir(s.TaskLogPath(taskID)), 0o755)
}

// ReadTaskLog returns the task's output, limited to the last tail lines when
// tail is positive.
func (s *Store) ReadTaskLog(taskID string, tail int) ([]byte, error) {
	file, err := os.Open(s.TaskLogPath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

// RemoveTaskLogs deletes the log directories of the given tasks.
func (s *Store) RemoveTaskLogs(taskIDs []string) {
	for _, id := range taskIDs {
		_ = os.RemoveAll(filepath.Dir(s.TaskLogPath(id)))
	}
}
