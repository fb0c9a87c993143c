package core

import (
	"errors"
	"fmt"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleDisabled = errors.New("schedule is disabled")
	ErrScheduleBusy     = errors.New("schedule has running tasks")
	// ErrScheduleNameTaken is returned when another schedule already uses the name.
	ErrScheduleNameTaken = errors.New("schedule name already in use")

	ErrTaskNotFound    = errors.New("task not found")
	ErrProcessNotFound = errors.New("scheduled process not found")
	// ErrTaskTerminal is returned when a terminal transition targets a task
	// that already left RUNNING.
	ErrTaskTerminal = errors.New("task already in a terminal state")

	ErrNotReady     = errors.New("scheduler is not running")
	ErrStopTimeout  = errors.New("timed out waiting for running tasks to exit")
	ErrInvalidState = errors.New("invalid task state")
	ErrInvalidQuery = errors.New("invalid task query")
)

// ConfigurationError reports a schedule definition that cannot be used.
type ConfigurationError struct {
	Schedule string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Schedule == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error in schedule %q: %s", e.Schedule, e.Reason)
}

// LaunchError reports that the OS refused to start a process.
type LaunchError struct {
	ProcessName string
	Err         error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.ProcessName, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps a store failure observed by the scheduler.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// InvalidStateError is returned when a persisted task carries a state code
// outside the defined range.
type InvalidStateError struct {
	TaskID string
	Value  int
}

func (e *InvalidStateError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid task state %d", e.Value)
	}
	return fmt.Sprintf("task %s has invalid state %d", e.TaskID, e.Value)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
