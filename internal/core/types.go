package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleType selects the cadence rule of a schedule.
type ScheduleType int

const (
	ScheduleTypeStartup  ScheduleType = 1
	ScheduleTypeTimed    ScheduleType = 2
	ScheduleTypeInterval ScheduleType = 3
	ScheduleTypeManual   ScheduleType = 4
)

func (t ScheduleType) String() string {
	switch t {
	case ScheduleTypeStartup:
		return "STARTUP"
	case ScheduleTypeTimed:
		return "TIMED"
	case ScheduleTypeInterval:
		return "INTERVAL"
	case ScheduleTypeManual:
		return "MANUAL"
	default:
		return fmt.Sprintf("ScheduleType(%d)", int(t))
	}
}

// Valid reports whether t is one of the known schedule types.
func (t ScheduleType) Valid() bool {
	return t >= ScheduleTypeStartup && t <= ScheduleTypeManual
}

// ParseScheduleType accepts either the symbolic name or the numeric code.
func ParseScheduleType(value string) (ScheduleType, error) {
	v := strings.TrimSpace(value)
	if n, err := strconv.Atoi(v); err == nil {
		t := ScheduleType(n)
		if !t.Valid() {
			return 0, fmt.Errorf("unknown schedule type %d", n)
		}
		return t, nil
	}
	switch strings.ToUpper(v) {
	case "STARTUP":
		return ScheduleTypeStartup, nil
	case "TIMED":
		return ScheduleTypeTimed, nil
	case "INTERVAL":
		return ScheduleTypeInterval, nil
	case "MANUAL":
		return ScheduleTypeManual, nil
	}
	return 0, fmt.Errorf("unknown schedule type %q", value)
}

// TaskState is the lifecycle state of a task. Only RUNNING is non-terminal.
type TaskState int

const (
	TaskStateRunning     TaskState = 1
	TaskStateComplete    TaskState = 2
	TaskStateCanceled    TaskState = 3
	TaskStateInterrupted TaskState = 4
)

func (s TaskState) String() string {
	switch s {
	case TaskStateRunning:
		return "RUNNING"
	case TaskStateComplete:
		return "COMPLETE"
	case TaskStateCanceled:
		return "CANCELED"
	case TaskStateInterrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

func (s TaskState) Valid() bool {
	return s >= TaskStateRunning && s <= TaskStateInterrupted
}

func (s TaskState) Terminal() bool {
	return s.Valid() && s != TaskStateRunning
}

// ParseTaskState converts a stored integer into a TaskState.
func ParseTaskState(value int) (TaskState, error) {
	s := TaskState(value)
	if !s.Valid() {
		return 0, &InvalidStateError{Value: value}
	}
	return s, nil
}

// TimeOfDay is a wall-clock time used by TIMED schedules.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM[:SS]", value)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", value, err)
		}
		nums[i] = n
	}
	t := TimeOfDay{Hour: nums[0], Minute: nums[1], Second: nums[2]}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: out of range", value)
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Schedule is a named rule binding a process to a cadence.
type Schedule struct {
	ID          string
	Name        string
	ProcessName string
	Type        ScheduleType
	// Repeat is the INTERVAL period. For TIMED schedules a value under a day
	// means hourly at Time's minute and second.
	Repeat time.Duration
	// Day is 1 (Monday) through 7 (Sunday); 0 means every day.
	Day       int
	Time      *TimeOfDay
	Exclusive bool
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that does not share the Time pointer.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Time != nil {
		t := *s.Time
		c.Time = &t
	}
	return &c
}

// Validate checks that the schedule fields are consistent with its type.
func (s *Schedule) Validate() error {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Schedule: s.Name, Reason: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(s.Name) == "" {
		return fail("name is required")
	}
	if strings.TrimSpace(s.ProcessName) == "" {
		return fail("process name is required")
	}
	if s.Repeat < 0 {
		return fail("repeat must not be negative")
	}
	if s.Day < 0 || s.Day > 7 {
		return fail("day must be between 1 and 7, or 0 for every day")
	}
	switch s.Type {
	case ScheduleTypeInterval:
		if s.Repeat <= 0 {
			return fail("interval schedules require a positive repeat")
		}
		if s.Day != 0 || s.Time != nil {
			return fail("interval schedules do not take day or time")
		}
	case ScheduleTypeTimed:
		if s.Time == nil {
			return fail("timed schedules require a time of day")
		}
	case ScheduleTypeStartup, ScheduleTypeManual:
		if s.Repeat != 0 || s.Day != 0 || s.Time != nil {
			return fail("%s schedules take no repeat, day or time", strings.ToLower(s.Type.String()))
		}
	default:
		return fail("unknown schedule type %d", int(s.Type))
	}
	return nil
}

// Task is one execution instance of a schedule.
type Task struct {
	ID          string
	ScheduleID  string
	ProcessName string
	State       TaskState
	StartTime   time.Time
	EndTime     *time.Time
	PID         int
	ExitCode    *int
	Reason      string
}

// ScheduledProcess names an executable that schedules may launch.
type ScheduledProcess struct {
	Name   string
	Script []string
}
