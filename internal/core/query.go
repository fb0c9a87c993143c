package core

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTaskLimit is the page size used when a query does not set one.
const DefaultTaskLimit = 100

// Field names a task column that queries may filter or sort on.
type Field string

const (
	FieldID          Field = "id"
	FieldScheduleID  Field = "schedule_id"
	FieldProcessName Field = "process_name"
	FieldState       Field = "state"
	FieldStartTime   Field = "start_time"
	FieldEndTime     Field = "end_time"
	FieldPID         Field = "pid"
	FieldExitCode    Field = "exit_code"
	FieldReason      Field = "reason"
)

func (f Field) Valid() bool {
	switch f {
	case FieldID, FieldScheduleID, FieldProcessName, FieldState, FieldStartTime,
		FieldEndTime, FieldPID, FieldExitCode, FieldReason:
		return true
	}
	return false
}

// Op is a comparison operator usable in a Cond.
type Op string

const (
	OpEq   Op = "="
	OpNe   Op = "<>"
	OpLt   Op = "<"
	OpLe   Op = "<="
	OpGt   Op = ">"
	OpGe   Op = ">="
	OpLike Op = "LIKE"
	OpIn   Op = "IN"
)

func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike, OpIn:
		return true
	}
	return false
}

// Expr is a filter expression over task fields: a Cond, And or Or.
type Expr interface {
	isExpr()
}

// Cond compares one field with a value. For OpIn, Value is a []any.
type Cond struct {
	Field Field
	Op    Op
	Value any
}

// And matches when every child matches.
type And []Expr

// Or matches when any child matches.
type Or []Expr

func (Cond) isExpr() {}
func (And) isExpr()  {}
func (Or) isExpr()   {}

// Eq is shorthand for an equality condition.
func Eq(f Field, v any) Cond { return Cond{Field: f, Op: OpEq, Value: v} }

// In is shorthand for a set membership condition.
func In(f Field, values ...any) Cond { return Cond{Field: f, Op: OpIn, Value: values} }

// SortKey orders results by one field.
type SortKey struct {
	Field Field
	Desc  bool
}

// TaskQuery selects task records: filter, then sort, then offset, then limit.
type TaskQuery struct {
	Where  Expr
	Sort   []SortKey
	Limit  int
	Offset int
}

// Normalize applies defaults and validates the query. The returned error
// wraps ErrInvalidQuery, or ErrInvalidState for out-of-range state values.
func (q TaskQuery) Normalize() (TaskQuery, error) {
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: limit must not be negative", ErrInvalidQuery)
	}
	if q.Offset < 0 {
		return q, fmt.Errorf("%w: offset must not be negative", ErrInvalidQuery)
	}
	if q.Limit == 0 {
		q.Limit = DefaultTaskLimit
	}
	for _, key := range q.Sort {
		if !key.Field.Valid() {
			return q, fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, key.Field)
		}
	}
	if q.Where != nil {
		if err := validateExpr(q.Where); err != nil {
			return q, err
		}
	}
	return q, nil
}

func validateExpr(e Expr) error {
	switch v := e.(type) {
	case Cond:
		return validateCond(v)
	case And:
		for _, child := range v {
			if err := validateExpr(child); err != nil {
				return err
			}
		}
	case Or:
		for _, child := range v {
			if err := validateExpr(child); err != nil {
				return err
			}
		}
	case nil:
		return fmt.Errorf("%w: nil expression", ErrInvalidQuery)
	default:
		return fmt.Errorf("%w: unsupported expression %T", ErrInvalidQuery, e)
	}
	return nil
}

func validateCond(c Cond) error {
	if !c.Field.Valid() {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, c.Field)
	}
	if !c.Op.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, c.Op)
	}
	values := []any{c.Value}
	if c.Op == OpIn {
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return fmt.Errorf("%w: %s IN needs a non-empty list", ErrInvalidQuery, c.Field)
		}
		values = list
	}
	if c.Field != FieldState {
		return nil
	}
	for _, v := range values {
		if _, err := StateValue(v); err != nil {
			return err
		}
	}
	return nil
}

// StateValue coerces a filter value into a valid TaskState.
func StateValue(v any) (TaskState, error) {
	switch n := v.(type) {
	case TaskState:
		return ParseTaskState(int(n))
	case int:
		return ParseTaskState(n)
	case int64:
		return ParseTaskState(int(n))
	}
	return 0, fmt.Errorf("%w: state value %v has type %T", ErrInvalidQuery, v, v)
}

// ParseSort reads a comma separated list like "start_time:desc,process_name".
func ParseSort(value string) ([]SortKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var keys []SortKey
	for _, part := range strings.Split(value, ",") {
		name, dir, _ := strings.Cut(strings.TrimSpace(part), ":")
		key := SortKey{Field: Field(strings.ToLower(strings.TrimSpace(name)))}
		switch strings.ToLower(strings.TrimSpace(dir)) {
		case "", "asc":
		case "desc":
			key.Desc = true
		default:
			return nil, fmt.Errorf("%w: bad sort direction %q", ErrInvalidQuery, dir)
		}
		if !key.Field.Valid() {
			return nil, fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, key.Field)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Matches evaluates the expression against an in-memory task.
func Matches(e Expr, t *Task) bool {
	switch v := e.(type) {
	case nil:
		return true
	case Cond:
		return matchCond(v, t)
	case And:
		for _, child := range v {
			if !Matches(child, t) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range v {
			if Matches(child, t) {
				return true
			}
		}
		return false
	}
	return false
}

func matchCond(c Cond, t *Task) bool {
	if c.Op == OpIn {
		list, _ := c.Value.([]any)
		for _, v := range list {
			if matchCond(Cond{Field: c.Field, Op: OpEq, Value: v}, t) {
				return true
			}
		}
		return false
	}
	switch c.Field {
	case FieldState:
		want, err := StateValue(c.Value)
		if err != nil {
			return false
		}
		return compareInts(int(t.State), int(want), c.Op)
	case FieldPID:
		n, ok := c.Value.(int)
		return ok && compareInts(t.PID, n, c.Op)
	case FieldExitCode:
		n, ok := c.Value.(int)
		return ok && t.ExitCode != nil && compareInts(*t.ExitCode, n, c.Op)
	case FieldStartTime:
		ts, ok := c.Value.(time.Time)
		return ok && compareTimes(t.StartTime, ts, c.Op)
	case FieldEndTime:
		ts, ok := c.Value.(time.Time)
		return ok && t.EndTime != nil && compareTimes(*t.EndTime, ts, c.Op)
	}
	s, ok := c.Value.(string)
	if !ok {
		return false
	}
	var have string
	switch c.Field {
	case FieldID:
		have = t.ID
	case FieldScheduleID:
		have = t.ScheduleID
	case FieldProcessName:
		have = t.ProcessName
	case FieldReason:
		have = t.Reason
	}
	if c.Op == OpLike {
		return likeMatch(have, s)
	}
	return compareInts(strings.Compare(have, s), 0, c.Op)
}

func compareInts(a, b int, op Op) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

func compareTimes(a, b time.Time, op Op) bool {
	return compareInts(a.Compare(b), 0, op)
}

// likeMatch implements SQL LIKE with % wildcards, case-insensitive.
func likeMatch(s, pattern string) bool {
	s, pattern = strings.ToLower(s), strings.ToLower(pattern)
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, last)
}
