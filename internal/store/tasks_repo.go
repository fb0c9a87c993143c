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

const taskColumns = `id, schedule_id, process_name, state, start_time, end_time, pid, exit_code, reason`

// InsertTask records a new task. A row with the same id is left untouched.
func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	if !task.State.Valid() {
		return &core.InvalidStateError{TaskID: task.ID, Value: int(task.State)}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, task.ID, nullableString(task.ScheduleID), task.ProcessName, int(task.State), formatTime(task.StartTime),
		nullableTime(task.EndTime), task.PID, nullableInt(task.ExitCode), nullableString(task.Reason))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskTerminal moves a RUNNING task to the terminal state carried by
// task. Rows that already left RUNNING are not modified.
func (s *Store) UpdateTaskTerminal(ctx context.Context, task *core.Task) error {
	if !task.State.Terminal() {
		return &core.InvalidStateError{TaskID: task.ID, Value: int(task.State)}
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, end_time = ?, exit_code = ?, reason = ?
		WHERE id = ? AND state = ?
	`, int(task.State), nullableTime(task.EndTime), nullableInt(task.ExitCode), nullableString(task.Reason),
		task.ID, int(core.TaskStateRunning))
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var state int
	err = s.DB.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, task.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("check task state: %w", err)
	}
	return core.ErrTaskTerminal
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTaskNotFound
	}
	return task, err
}

// QueryTasks applies the filter, then sort, then offset and limit. Ties in
// the requested sort keep insertion order.
func (s *Store) QueryTasks(ctx context.Context, q core.TaskQuery) ([]*core.Task, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)
	if q.Where != nil {
		clause, err := buildWhere(q.Where, &args)
		if err != nil {
			return nil, err
		}
		sb.WriteString(` WHERE ` + clause)
	}
	sb.WriteString(` ORDER BY ` + orderBy(q.Sort))
	sb.WriteString(` LIMIT ? OFFSET ?`)
	args = append(args, q.Limit, q.Offset)
	return s.queryTasks(ctx, sb.String(), args...)
}

// CountTasks returns how many tasks match where.
func (s *Store) CountTasks(ctx context.Context, where core.Expr) (int, error) {
	query := `SELECT COUNT(1) FROM tasks`
	var args []any
	if where != nil {
		if _, err := (core.TaskQuery{Where: where}).Normalize(); err != nil {
			return 0, err
		}
		clause, err := buildWhere(where, &args)
		if err != nil {
			return 0, err
		}
		query += ` WHERE ` + clause
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (s *Store) ListRunningTasks(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY start_time`,
		int(core.TaskStateRunning))
}

// LatestTasks returns the most recent matching task of each process.
func (s *Store) LatestTasks(ctx context.Context, where core.Expr) ([]*core.Task, error) {
	var args []any
	filter := ""
	if where != nil {
		clause, err := buildWhere(where, &args)
		if err != nil {
			return nil, err
		}
		filter = ` WHERE ` + clause
	}
	query := `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE rowid IN (
			SELECT rid FROM (
				SELECT rowid AS rid,
					ROW_NUMBER() OVER (PARTITION BY process_name ORDER BY start_time DESC, rowid DESC) AS rn
				FROM tasks` + filter + `
			) WHERE rn = 1
		)
		ORDER BY process_name`
	return s.queryTasks(ctx, query, args...)
}

// PurgeTasks deletes up to limit finished tasks that started before cutoff,
// along with their output logs.
func (s *Store) PurgeTasks(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		DELETE FROM tasks
		WHERE id IN (
			SELECT id FROM tasks
			WHERE state <> ? AND start_time < ?
			ORDER BY start_time
			LIMIT ?
		)
		RETURNING id
	`, int(core.TaskStateRunning), formatTime(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan purged id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	s.RemoveTaskLogs(ids)
	return len(ids), nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func buildWhere(e core.Expr, args *[]any) (string, error) {
	switch v := e.(type) {
	case core.Cond:
		return buildCond(v, args)
	case core.And:
		return joinExprs(v, " AND ", "1=1", args)
	case core.Or:
		return joinExprs(v, " OR ", "1=0", args)
	}
	return "", fmt.Errorf("%w: unsupported expression %T", core.ErrInvalidQuery, e)
}

func joinExprs(children []core.Expr, sep, empty string, args *[]any) (string, error) {
	if len(children) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		clause, err := buildWhere(child, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func buildCond(c core.Cond, args *[]any) (string, error) {
	if !c.Field.Valid() || !c.Op.Valid() {
		return "", fmt.Errorf("%w: bad condition %s %s", core.ErrInvalidQuery, c.Field, c.Op)
	}
	column := string(c.Field)
	if c.Op == core.OpIn {
		list, _ := c.Value.([]any)
		if len(list) == 0 {
			return "", fmt.Errorf("%w: %s IN needs a non-empty list", core.ErrInvalidQuery, c.Field)
		}
		marks := make([]string, len(list))
		for i, v := range list {
			marks[i] = "?"
			*args = append(*args, sqlValue(v))
		}
		return column + " IN (" + strings.Join(marks, ", ") + ")", nil
	}
	*args = append(*args, sqlValue(c.Value))
	return column + " " + string(c.Op) + " ?", nil
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case core.TaskState:
		return int(x)
	case time.Time:
		return formatTime(x)
	}
	return v
}

func orderBy(keys []core.SortKey) string {
	if len(keys) == 0 {
		return "start_time DESC, rowid DESC"
	}
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, string(k.Field)+" "+dir)
	}
	parts = append(parts, "rowid ASC")
	return strings.Join(parts, ", ")
}

func scanTask(row scanner) (*core.Task, error) {
	var (
		id         string
		scheduleID sql.NullString
		process    string
		state      int
		startTime  string
		endTime    sql.NullString
		pid        sql.NullInt64
		exitCode   sql.NullInt64
		reason     sql.NullString
	)
	if err := row.Scan(&id, &scheduleID, &process, &state, &startTime, &endTime, &pid, &exitCode, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	st, err := core.ParseTaskState(state)
	if err != nil {
		return nil, &core.InvalidStateError{TaskID: id, Value: state}
	}
	task := &core.Task{
		ID:          id,
		ScheduleID:  scheduleID.String,
		ProcessName: process,
		State:       st,
		PID:         int(pid.Int64),
		Reason:      reason.String,
	}
	if task.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, err
		}
		task.EndTime = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	return task, nil
}
