package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errStoreDown = errors.New("store down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same write semantics as the
// SQLite implementation.
type memStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	tasks     map[string]*Task
	order     []string
	processes map[string][]string
	failTasks atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{
		schedules: map[string]*Schedule{},
		tasks:     map[string]*Task{},
		processes: map[string][]string{},
	}
}

func (m *memStore) LoadAllEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	all, _ := m.ListSchedules(ctx)
	var out []*Schedule
	for _, s := range all {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) ListSchedules(context.Context) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) GetScheduleByName(_ context.Context, name string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if s.Name == name {
			return s.Clone(), nil
		}
	}
	return nil, ErrScheduleNotFound
}

func (m *memStore) SaveSchedule(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.schedules {
		if other.Name == s.Name && id != s.ID {
			return ErrScheduleNameTaken
		}
	}
	m.schedules[s.ID] = s.Clone()
	return nil
}

func (m *memStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) InsertTask(_ context.Context, t *Task) error {
	if m.failTasks.Load() {
		return errStoreDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return nil
	}
	c := *t
	m.tasks[t.ID] = &c
	m.order = append(m.order, t.ID)
	return nil
}

func (m *memStore) UpdateTaskTerminal(_ context.Context, t *Task) error {
	if m.failTasks.Load() {
		return errStoreDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if cur.State != TaskStateRunning {
		return ErrTaskTerminal
	}
	cur.State = t.State
	cur.EndTime = t.EndTime
	cur.ExitCode = t.ExitCode
	cur.Reason = t.Reason
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (m *memStore) allTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		if t, ok := m.tasks[id]; ok {
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

func (m *memStore) QueryTasks(_ context.Context, q TaskQuery) ([]*Task, error) {
	var out []*Task
	for _, t := range m.allTasks() {
		if Matches(q.Where, t) {
			out = append(out, t)
		}
	}
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) ListRunningTasks(ctx context.Context) ([]*Task, error) {
	return m.QueryTasks(ctx, TaskQuery{Where: Eq(FieldState, TaskStateRunning)})
}

func (m *memStore) LatestTasks(_ context.Context, where Expr) ([]*Task, error) {
	latest := map[string]*Task{}
	for _, t := range m.allTasks() {
		if Matches(where, t) {
			latest[t.ProcessName] = t
		}
	}
	out := make([]*Task, 0, len(latest))
	for _, t := range latest {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) PurgeTasks(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	kept := m.order[:0]
	for _, id := range m.order {
		t := m.tasks[id]
		if n < limit && t.State != TaskStateRunning && t.StartTime.Before(cutoff) {
			delete(m.tasks, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func (m *memStore) ListProcesses(context.Context) ([]ScheduledProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScheduledProcess
	for name, script := range m.processes {
		out = append(out, ScheduledProcess{Name: name, Script: script})
	}
	return out, nil
}

func (m *memStore) SaveProcess(_ context.Context, p ScheduledProcess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[p.Name] = p.Script
	return nil
}

func (m *memStore) tasksByState(state TaskState) []*Task {
	var out []*Task
	for _, t := range m.allTasks() {
		if t.State == state {
			out = append(out, t)
		}
	}
	return out
}

// fakeProcess exits when finish or Kill is called, or immediately when the
// launcher is not holding processes.
type fakeProcess struct {
	pid        int
	once       sync.Once
	done       chan struct{}
	status     ExitStatus
	killStatus *ExitStatus
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *fakeProcess) Kill() error {
	if p.killStatus != nil {
		p.finish(*p.killStatus)
		return nil
	}
	p.finish(ExitStatus{Code: -1, Signaled: true, Err: errors.New("signal: terminated")})
	return nil
}

func (p *fakeProcess) finish(st ExitStatus) {
	p.once.Do(func() {
		p.status = st
		close(p.done)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	hold     bool
	exitCode int
	err      error
	requests []LaunchRequest
	procs    []*fakeProcess
	nextPID  int
	// killExit, when set, is what a killed process reports.
	killExit *ExitStatus
}

func (l *fakeLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, &LaunchError{ProcessName: req.ProcessName, Err: l.err}
	}
	l.nextPID++
	p := &fakeProcess{pid: 1000 + l.nextPID, done: make(chan struct{}), killStatus: l.killExit}
	l.requests = append(l.requests, req)
	l.procs = append(l.procs, p)
	if !l.hold {
		p.finish(ExitStatus{Code: l.exitCode})
	}
	return p, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func (l *fakeLauncher) releaseAll() {
	l.mu.Lock()
	procs := append([]*fakeProcess(nil), l.procs...)
	l.hold = false
	l.mu.Unlock()
	for _, p := range procs {
		p.finish(ExitStatus{Code: 0})
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
