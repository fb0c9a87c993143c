package core

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cadenceParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// timedSpec builds the wall-clock rule of a TIMED schedule. A repeat under
// one day fires every hour at the configured minute and second.
func timedSpec(s *Schedule) (cron.Schedule, error) {
	if s.Time == nil {
		return nil, &ConfigurationError{Schedule: s.Name, Reason: "timed schedules require a time of day"}
	}
	dow := "*"
	if s.Day > 0 {
		// ISO weekday 7 is Sunday, which cron numbers 0.
		dow = fmt.Sprintf("%d", s.Day%7)
	}
	hour := fmt.Sprintf("%d", s.Time.Hour)
	if s.Repeat > 0 && s.Repeat < 24*time.Hour {
		hour = "*"
	}
	expr := fmt.Sprintf("%d %d %s * * %s", s.Time.Second, s.Time.Minute, hour, dow)
	spec, err := cadenceParser.Parse(expr)
	if err != nil {
		return nil, &ConfigurationError{Schedule: s.Name, Reason: err.Error()}
	}
	return spec, nil
}

// FirstDue returns when a freshly loaded schedule should first fire.
// ok is false for schedules that never fire on their own.
func FirstDue(s *Schedule, now time.Time, loc *time.Location) (time.Time, bool, error) {
	switch s.Type {
	case ScheduleTypeStartup:
		return now, true, nil
	case ScheduleTypeInterval:
		return now.Add(s.Repeat), true, nil
	case ScheduleTypeTimed:
		spec, err := timedSpec(s)
		if err != nil {
			return time.Time{}, false, err
		}
		return spec.Next(now.In(loc)), true, nil
	case ScheduleTypeManual:
		return time.Time{}, false, nil
	}
	return time.Time{}, false, &ConfigurationError{Schedule: s.Name, Reason: fmt.Sprintf("unknown schedule type %d", int(s.Type))}
}

// NextDue returns the due time following a fire that was due at prev.
// Interval schedules skip missed periods so the result is after now.
func NextDue(s *Schedule, prev, now time.Time, loc *time.Location) (time.Time, bool, error) {
	switch s.Type {
	case ScheduleTypeInterval:
		return advanceInterval(prev, s.Repeat, now), true, nil
	case ScheduleTypeTimed:
		spec, err := timedSpec(s)
		if err != nil {
			return time.Time{}, false, err
		}
		return spec.Next(now.In(loc)), true, nil
	}
	return time.Time{}, false, nil
}

func advanceInterval(prev time.Time, repeat time.Duration, now time.Time) time.Time {
	if repeat <= 0 {
		return time.Time{}
	}
	periods := int64(1)
	if behind := now.Sub(prev); behind > 0 {
		periods = int64((behind + repeat - 1) / repeat)
		if periods < 1 {
			periods = 1
		}
		if !prev.Add(time.Duration(periods) * repeat).After(now) {
			periods++
		}
	}
	return prev.Add(time.Duration(periods) * repeat)
}

// NextOccurrences previews the next n automatic fire times after base.
func NextOccurrences(s *Schedule, base time.Time, loc *time.Location, n int) ([]time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	times := make([]time.Time, 0, n)
	next, ok, err := FirstDue(s, base, loc)
	if err != nil || !ok {
		return times, err
	}
	for i := 0; i < n; i++ {
		times = append(times, next)
		if s.Type == ScheduleTypeStartup {
			break
		}
		next, _, err = NextDue(s, next, next, loc)
		if err != nil {
			return times, err
		}
	}
	return times, nil
}
