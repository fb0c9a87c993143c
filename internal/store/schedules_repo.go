package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"edgelamp/internal/core"
)

const scheduleColumns = `id, name, process_name, schedule_type, repeat_ms, day, time, exclusive, enabled, created_at, updated_at`

// SaveSchedule inserts the schedule or replaces the row with the same id.
func (s *Store) SaveSchedule(ctx context.Context, sch *core.Schedule) error {
	var timeOfDay any
	if sch.Time != nil {
		timeOfDay = sch.Time.String()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			process_name = excluded.process_name,
			schedule_type = excluded.schedule_type,
			repeat_ms = excluded.repeat_ms,
			day = excluded.day,
			time = excluded.time,
			exclusive = excluded.exclusive,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, sch.ID, sch.Name, sch.ProcessName, int(sch.Type), sch.Repeat.Milliseconds(), sch.Day, timeOfDay,
		boolInt(sch.Exclusive), boolInt(sch.Enabled), formatTime(sch.CreatedAt), formatTime(sch.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: schedules.name") {
			return fmt.Errorf("%w: %s", core.ErrScheduleNameTaken, sch.Name)
		}
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrScheduleNotFound
	}
	return sch, err
}

func (s *Store) GetScheduleByName(ctx context.Context, name string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrScheduleNotFound
	}
	return sch, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

// LoadAllEnabledSchedules returns the schedules the scheduler should evaluate.
func (s *Store) LoadAllEnabledSchedules(ctx context.Context) ([]*core.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY name`)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*core.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []*core.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func scanSchedule(row scanner) (*core.Schedule, error) {
	var (
		sch       core.Schedule
		typ       int
		repeatMS  int64
		timeOfDay sql.NullString
		exclusive int
		enabled   int
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&sch.ID, &sch.Name, &sch.ProcessName, &typ, &repeatMS, &sch.Day, &timeOfDay,
		&exclusive, &enabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sch.Type = core.ScheduleType(typ)
	sch.Repeat = time.Duration(repeatMS) * time.Millisecond
	sch.Exclusive = exclusive != 0
	sch.Enabled = enabled != 0
	if timeOfDay.Valid {
		t, err := core.ParseTimeOfDay(timeOfDay.String)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sch.ID, err)
		}
		sch.Time = &t
	}
	var err error
	if sch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sch, nil
}
