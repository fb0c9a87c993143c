package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Store abstracts the persistence layer used by the scheduler.
type Store interface {
	LoadAllEnabledSchedules(ctx context.Context) ([]*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*Schedule, error)
	SaveSchedule(ctx context.Context, schedule *Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	// InsertTask is a no-op when a row with the same id already exists.
	InsertTask(ctx context.Context, task *Task) error
	// UpdateTaskTerminal moves a RUNNING row to task's terminal state.
	UpdateTaskTerminal(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	QueryTasks(ctx context.Context, query TaskQuery) ([]*Task, error)
	ListRunningTasks(ctx context.Context) ([]*Task, error)
	LatestTasks(ctx context.Context, where Expr) ([]*Task, error)
	// PurgeTasks deletes up to limit finished tasks started before cutoff.
	PurgeTasks(ctx context.Context, cutoff time.Time, limit int) (int, error)

	ListProcesses(ctx context.Context) ([]ScheduledProcess, error)
	SaveProcess(ctx context.Context, process ScheduledProcess) error
}

// Alerter delivers operator notifications.
type Alerter interface {
	Send(ctx context.Context, title, body string) error
}

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	Location            *time.Location
	PollInterval        time.Duration
	MaxRunningTasks     int
	MaxCompletedTaskAge time.Duration
	PurgeInterval       time.Duration
	StopWait            time.Duration
	StoreAlertAfter     time.Duration
	Alerter             Alerter
	// Now overrides the clock in tests.
	Now func() time.Time
}

const (
	DefaultPollInterval        = time.Second
	DefaultMaxRunningTasks     = 50
	DefaultMaxCompletedTaskAge = 30 * 24 * time.Hour
	DefaultPurgeInterval       = 24 * time.Hour
	DefaultStopWait            = 5 * time.Second
	DefaultStoreAlertAfter     = time.Minute

	purgeBatchSize = 500
	storeTimeout   = 5 * time.Second
)

// Settings are the externally configured scheduler parameters applied by
// ApplySettings. Schedules are matched to stored ones by name.
type Settings struct {
	MaxRunningTasks     int
	MaxCompletedTaskAge time.Duration
	Processes           []ScheduledProcess
	Schedules           []*Schedule
}

// Scheduler decides when schedules are due, launches their processes and
// tracks each resulting task until it reaches a terminal state.
type Scheduler struct {
	store    Store
	launcher Launcher
	logger   *slog.Logger
	opts     Options

	// mu guards the schedule table, process definitions and limits.
	mu         sync.Mutex
	schedules  map[string]*scheduleEntry
	processes  map[string][]string
	maxRunning int
	maxTaskAge time.Duration

	// runMu guards the running index. It is never held across I/O.
	runMu      sync.Mutex
	running    map[string]*runningTask
	bySchedule map[string]map[string]*runningTask

	pendMu  sync.Mutex
	pending map[string]*pendingWrite

	healthMu     sync.Mutex
	failingSince time.Time
	warnLimiter  *rate.Limiter
	alertLimiter *rate.Limiter

	lifeMu     sync.Mutex
	wake       chan struct{}
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	started    atomic.Bool
	watchers   sync.WaitGroup
	lastPurge  time.Time
	purging    atomic.Bool
}

type scheduleEntry struct {
	schedule *Schedule
	next     time.Time
	startNow bool
}

type runningTask struct {
	task            *Task
	proc            Process
	cancelRequested atomic.Bool
	done            chan struct{}
	final           *Task
}

type pendingWrite struct {
	task   *Task
	insert bool
}

const staleTaskReason = "scheduler restarted while task was running"

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, launcher Launcher, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxRunningTasks <= 0 {
		opts.MaxRunningTasks = DefaultMaxRunningTasks
	}
	if opts.MaxCompletedTaskAge == 0 {
		opts.MaxCompletedTaskAge = DefaultMaxCompletedTaskAge
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = DefaultPurgeInterval
	}
	if opts.StopWait <= 0 {
		opts.StopWait = DefaultStopWait
	}
	if opts.StoreAlertAfter <= 0 {
		opts.StoreAlertAfter = DefaultStoreAlertAfter
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:        store,
		launcher:     launcher,
		logger:       logger,
		opts:         opts,
		schedules:    make(map[string]*scheduleEntry),
		processes:    make(map[string][]string),
		maxRunning:   opts.MaxRunningTasks,
		maxTaskAge:   opts.MaxCompletedTaskAge,
		running:      make(map[string]*runningTask),
		bySchedule:   make(map[string]map[string]*runningTask),
		pending:      make(map[string]*pendingWrite),
		warnLimiter:  rate.NewLimiter(rate.Every(time.Minute), 1),
		alertLimiter: rate.NewLimiter(rate.Every(15*time.Minute), 1),
		wake:         make(chan struct{}, 1),
	}
}

// Start reconciles tasks left RUNNING by a previous instance, loads process
// definitions and enabled schedules, then starts the due-check loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	now := s.opts.Now()
	if err := s.reconcile(ctx, now); err != nil {
		s.started.Store(false)
		return &StoreUnavailableError{Op: "reconcile running tasks", Err: err}
	}
	procs, err := s.store.ListProcesses(ctx)
	if err != nil {
		s.started.Store(false)
		return &StoreUnavailableError{Op: "load processes", Err: err}
	}
	schedules, err := s.store.LoadAllEnabledSchedules(ctx)
	if err != nil {
		s.started.Store(false)
		return &StoreUnavailableError{Op: "load schedules", Err: err}
	}

	s.mu.Lock()
	for _, p := range procs {
		s.processes[p.Name] = p.Script
	}
	// Entries installed before Start are rebuilt so STARTUP schedules fire.
	s.schedules = make(map[string]*scheduleEntry, len(schedules))
	for _, sch := range schedules {
		s.installLocked(sch, now, true)
	}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "schedules", len(schedules), "processes", len(procs))
	return nil
}

// Stop halts the due-check loop, asks every running task to terminate and
// waits up to the configured grace for their watchers to record the outcome.
// Afterwards the scheduler refuses work with ErrNotReady until started again.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	s.cancelLoop()
	<-s.loopDone
	s.cancelLoop = nil

	for _, rt := range s.runningSnapshot() {
		if err := rt.proc.Kill(); err != nil {
			s.logger.Warn("terminate task", "task_id", rt.task.ID, "err", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.StopWait)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		s.logger.Warn("tasks still running at shutdown", "count", s.runningCount())
		return ErrStopTimeout
	}
	s.flushPending()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		s.flushPending()
		s.checkSchedules(ctx)
		s.maybePurge(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type launchPlan struct {
	schedule *Schedule
	due      time.Time
	auto     bool
	manual   bool
}

func (s *Scheduler) checkSchedules(ctx context.Context) {
	now := s.opts.Now()
	s.mu.Lock()
	var plans []launchPlan
	for _, e := range s.schedules {
		auto := !e.next.IsZero() && !now.Before(e.next)
		if !auto && !e.startNow {
			continue
		}
		plans = append(plans, launchPlan{schedule: e.schedule.Clone(), due: e.next, auto: auto, manual: e.startNow})
	}
	s.mu.Unlock()

	sort.Slice(plans, func(i, j int) bool { return plans[i].due.Before(plans[j].due) })
	for _, p := range plans {
		if ctx.Err() != nil {
			return
		}
		s.launch(ctx, p, now)
	}
}

// launch runs on the loop goroutine only, which serializes the exclusivity
// check with the registration of the new task.
func (s *Scheduler) launch(ctx context.Context, p launchPlan, now time.Time) {
	sch := p.schedule
	if sch.Exclusive && s.hasRunning(sch.ID) {
		s.logger.Debug("deferring exclusive schedule, previous task still running", "schedule", sch.Name)
		return
	}
	s.mu.Lock()
	limit := s.maxRunning
	argv, known := s.processes[sch.ProcessName]
	s.mu.Unlock()
	if n := s.runningCount(); n >= limit {
		s.logger.Debug("deferring schedule, running task limit reached", "schedule", sch.Name, "running", n, "limit", limit)
		return
	}

	task := &Task{
		ID:          NewID(),
		ScheduleID:  sch.ID,
		ProcessName: sch.ProcessName,
		State:       TaskStateRunning,
		StartTime:   now,
	}
	var proc Process
	err := error(&LaunchError{ProcessName: sch.ProcessName, Err: ErrProcessNotFound})
	if known {
		proc, err = s.launcher.Launch(ctx, LaunchRequest{
			TaskID:      task.ID,
			ProcessName: sch.ProcessName,
			Argv:        append([]string(nil), argv...),
		})
	}
	s.consumeFire(p, now, err == nil)
	if err != nil {
		s.logger.Error("launch task", "schedule", sch.Name, "process", sch.ProcessName, "err", err)
		end := now
		task.State = TaskStateInterrupted
		task.EndTime = &end
		task.Reason = "launch failed: " + err.Error()
		s.persistInsert(task)
		return
	}

	task.PID = proc.Pid()
	rt := &runningTask{task: task, proc: proc, done: make(chan struct{})}
	s.register(rt)
	s.persistInsert(task)
	s.watchers.Add(1)
	go s.watch(rt)
	s.logger.Info("task started", "task_id", task.ID, "schedule", sch.Name, "process", sch.ProcessName, "pid", task.PID, "manual", p.manual)
}

// consumeFire updates the schedule entry after a launch attempt. Exclusive
// schedules keep their due time until the task exits.
func (s *Scheduler) consumeFire(p launchPlan, now time.Time, launched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedules[p.schedule.ID]
	if !ok {
		return
	}
	if p.manual {
		e.startNow = false
	}
	if !p.auto {
		return
	}
	if e.schedule.Type == ScheduleTypeStartup {
		e.next = time.Time{}
		return
	}
	if launched && e.schedule.Exclusive {
		return
	}
	s.advanceLocked(e, now)
}

func (s *Scheduler) advanceLocked(e *scheduleEntry, now time.Time) {
	next, ok, err := NextDue(e.schedule, e.next, now, s.opts.Location)
	if err != nil {
		s.logger.Error("compute next run", "schedule", e.schedule.Name, "err", err)
		ok = false
	}
	if !ok {
		e.next = time.Time{}
		return
	}
	e.next = next
}

func (s *Scheduler) watch(rt *runningTask) {
	defer s.watchers.Done()
	status := rt.proc.Wait()

	end := s.opts.Now()
	if end.Before(rt.task.StartTime) {
		end = rt.task.StartTime
	}
	final := *rt.task
	final.EndTime = &end
	clean := status.Code == 0 && !status.Signaled
	switch {
	case rt.cancelRequested.Load() && !clean:
		final.State = TaskStateCanceled
		final.Reason = "canceled"
	case status.Signaled:
		final.State = TaskStateInterrupted
		final.Reason = "terminated abnormally"
		if status.Err != nil {
			final.Reason = status.Err.Error()
		}
	default:
		final.State = TaskStateComplete
		if status.Code != 0 {
			final.Reason = fmt.Sprintf("exited with status %d", status.Code)
		}
	}
	if status.Code >= 0 && !status.Signaled {
		code := status.Code
		final.ExitCode = &code
	}

	s.persistTerminal(&final)
	s.unregister(rt)
	rt.final = &final
	close(rt.done)

	s.mu.Lock()
	if e, ok := s.schedules[final.ScheduleID]; ok && e.schedule.Exclusive && !e.next.IsZero() && !end.Before(e.next) {
		s.advanceLocked(e, end)
	}
	s.mu.Unlock()
	s.notifyWake()
	s.logger.Info("task finished", "task_id", final.ID, "process", final.ProcessName, "state", final.State.String(), "exit_code", final.ExitCode)
}

func (s *Scheduler) installLocked(sch *Schedule, now time.Time, atStartup bool) {
	if !sch.Enabled {
		delete(s.schedules, sch.ID)
		return
	}
	prev, exists := s.schedules[sch.ID]
	if exists && sameCadence(prev.schedule, sch) {
		prev.schedule = sch.Clone()
		return
	}
	e := &scheduleEntry{schedule: sch.Clone()}
	if exists {
		e.startNow = prev.startNow
	}
	if sch.Type != ScheduleTypeStartup || atStartup {
		next, ok, err := FirstDue(sch, now, s.opts.Location)
		if err != nil {
			s.logger.Error("schedule not loaded", "schedule", sch.Name, "err", err)
			return
		}
		if ok {
			e.next = next
		}
	}
	s.schedules[sch.ID] = e
}

func sameCadence(a, b *Schedule) bool {
	if a.Type != b.Type || a.Repeat != b.Repeat || a.Day != b.Day {
		return false
	}
	if (a.Time == nil) != (b.Time == nil) {
		return false
	}
	return a.Time == nil || *a.Time == *b.Time
}

// reconcile marks tasks left RUNNING by a previous scheduler instance as
// INTERRUPTED. Their PIDs are never signalled: after a restart the number may
// belong to an unrelated process.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) error {
	tasks, err := s.store.ListRunningTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		end := now
		if end.Before(t.StartTime) {
			end = t.StartTime
		}
		t.State = TaskStateInterrupted
		t.EndTime = &end
		t.Reason = staleTaskReason
		if err := s.store.UpdateTaskTerminal(ctx, t); err != nil && !errors.Is(err, ErrTaskTerminal) {
			return fmt.Errorf("interrupt task %s: %w", t.ID, err)
		}
		s.logger.Warn("marked stale task interrupted", "task_id", t.ID, "process", t.ProcessName, "pid", t.PID)
	}
	return nil
}

func (s *Scheduler) register(rt *runningTask) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running[rt.task.ID] = rt
	if rt.task.ScheduleID == "" {
		return
	}
	set, ok := s.bySchedule[rt.task.ScheduleID]
	if !ok {
		set = make(map[string]*runningTask)
		s.bySchedule[rt.task.ScheduleID] = set
	}
	set[rt.task.ID] = rt
}

func (s *Scheduler) unregister(rt *runningTask) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.running, rt.task.ID)
	if set, ok := s.bySchedule[rt.task.ScheduleID]; ok {
		delete(set, rt.task.ID)
		if len(set) == 0 {
			delete(s.bySchedule, rt.task.ScheduleID)
		}
	}
}

func (s *Scheduler) hasRunning(scheduleID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return len(s.bySchedule[scheduleID]) > 0
}

func (s *Scheduler) runningCount() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return len(s.running)
}

func (s *Scheduler) lookupRunning(taskID string) *runningTask {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running[taskID]
}

func (s *Scheduler) runningSnapshot() []*runningTask {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	out := make([]*runningTask, 0, len(s.running))
	for _, rt := range s.running {
		out = append(out, rt)
	}
	return out
}

func (s *Scheduler) runningForSchedule(scheduleID string) []*runningTask {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	out := make([]*runningTask, 0, len(s.bySchedule[scheduleID]))
	for _, rt := range s.bySchedule[scheduleID] {
		out = append(out, rt)
	}
	return out
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (s *Scheduler) persistInsert(task *Task) {
	ctx, cancel := storeContext()
	defer cancel()
	err := s.store.InsertTask(ctx, task)
	if err == nil && task.State.Terminal() {
		err = s.store.UpdateTaskTerminal(ctx, task)
		if errors.Is(err, ErrTaskTerminal) {
			err = nil
		}
	}
	s.recordStoreResult("insert task", err)
	if err != nil {
		s.pendMu.Lock()
		s.pending[task.ID] = &pendingWrite{task: task, insert: true}
		s.pendMu.Unlock()
	}
}

func (s *Scheduler) persistTerminal(task *Task) {
	s.pendMu.Lock()
	if pw, ok := s.pending[task.ID]; ok {
		pw.task = task
		s.pendMu.Unlock()
		return
	}
	s.pendMu.Unlock()

	ctx, cancel := storeContext()
	defer cancel()
	err := s.store.UpdateTaskTerminal(ctx, task)
	switch {
	case errors.Is(err, ErrTaskTerminal), errors.Is(err, ErrTaskNotFound):
		s.logger.Warn("terminal update skipped", "task_id", task.ID, "err", err)
		err = nil
	}
	s.recordStoreResult("update task", err)
	if err != nil {
		s.pendMu.Lock()
		s.pending[task.ID] = &pendingWrite{task: task}
		s.pendMu.Unlock()
	}
}

// flushPending retries writes that failed while the store was unavailable.
func (s *Scheduler) flushPending() {
	s.pendMu.Lock()
	if len(s.pending) == 0 {
		s.pendMu.Unlock()
		return
	}
	type item struct {
		id     string
		task   *Task
		insert bool
	}
	items := make([]item, 0, len(s.pending))
	for id, pw := range s.pending {
		items = append(items, item{id: id, task: pw.task, insert: pw.insert})
	}
	s.pendMu.Unlock()

	for _, it := range items {
		ctx, cancel := storeContext()
		var err error
		if it.insert {
			err = s.store.InsertTask(ctx, it.task)
		}
		if err == nil && it.task.State.Terminal() {
			err = s.store.UpdateTaskTerminal(ctx, it.task)
			if errors.Is(err, ErrTaskTerminal) || errors.Is(err, ErrTaskNotFound) {
				err = nil
			}
		}
		cancel()
		s.recordStoreResult("flush pending task", err)
		if err != nil {
			return
		}
		s.pendMu.Lock()
		if pw, ok := s.pending[it.id]; ok {
			if pw.task == it.task {
				delete(s.pending, it.id)
			} else {
				// The task finished while its insert was being flushed.
				pw.insert = false
			}
		}
		s.pendMu.Unlock()
	}
}

func (s *Scheduler) pendingTask(id string) *Task {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if pw, ok := s.pending[id]; ok {
		t := *pw.task
		return &t
	}
	return nil
}

func (s *Scheduler) recordStoreResult(op string, err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if err == nil {
		if !s.failingSince.IsZero() {
			s.logger.Info("store available again", "outage", s.opts.Now().Sub(s.failingSince).String())
			s.failingSince = time.Time{}
		}
		return
	}
	now := s.opts.Now()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}
	if s.warnLimiter.Allow() {
		s.logger.Warn("store unavailable, will retry", "op", op, "err", err)
	}
	outage := now.Sub(s.failingSince)
	if outage < s.opts.StoreAlertAfter || !s.alertLimiter.Allow() {
		return
	}
	storeErr := &StoreUnavailableError{Op: op, Err: err}
	s.logger.Error("store unavailable for a prolonged period", "outage", outage.String(), "err", storeErr)
	if s.opts.Alerter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		body := fmt.Sprintf("%v (for %s)", storeErr, outage.Round(time.Second))
		if err := s.opts.Alerter.Send(ctx, "edgelamp: store unavailable", body); err != nil {
			s.logger.Warn("send store alert", "err", err)
		}
	}()
}

func (s *Scheduler) maybePurge(ctx context.Context) {
	now := s.opts.Now()
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < s.opts.PurgeInterval {
		return
	}
	if !s.purging.CompareAndSwap(false, true) {
		return
	}
	s.lastPurge = now
	go func() {
		defer s.purging.Store(false)
		n, err := s.Purge(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("purge tasks", "err", err)
			}
			return
		}
		if n > 0 {
			s.logger.Info("purged finished tasks", "count", n)
		}
	}()
}

// Purge deletes finished tasks older than the configured retention.
func (s *Scheduler) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	age := s.maxTaskAge
	s.mu.Unlock()
	if age <= 0 {
		return 0, nil
	}
	cutoff := s.opts.Now().Add(-age)
	total := 0
	for {
		n, err := s.store.PurgeTasks(ctx, cutoff, purgeBatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < purgeBatchSize {
			return total, nil
		}
	}
}

// SaveSchedule creates the schedule when ID is empty and updates it otherwise.
func (s *Scheduler) SaveSchedule(ctx context.Context, schedule *Schedule) (*Schedule, error) {
	sch := schedule.Clone()
	sch.Name = strings.TrimSpace(sch.Name)
	sch.ProcessName = strings.TrimSpace(sch.ProcessName)
	if err := sch.Validate(); err != nil {
		return nil, err
	}
	if sch.Type == ScheduleTypeTimed {
		if _, err := timedSpec(sch); err != nil {
			return nil, err
		}
	}
	known, err := s.processKnown(ctx, sch.ProcessName)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &ConfigurationError{Schedule: sch.Name, Reason: fmt.Sprintf("unknown process %q", sch.ProcessName)}
	}

	now := s.opts.Now()
	if sch.ID == "" {
		sch.ID = NewID()
		sch.CreatedAt = now
	} else {
		existing, err := s.store.GetSchedule(ctx, sch.ID)
		if err != nil {
			return nil, err
		}
		sch.CreatedAt = existing.CreatedAt
	}
	sch.UpdatedAt = now
	if err := s.store.SaveSchedule(ctx, sch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.installLocked(sch, now, false)
	s.mu.Unlock()
	s.notifyWake()
	s.logger.Info("schedule saved", "schedule_id", sch.ID, "name", sch.Name, "type", sch.Type.String(), "enabled", sch.Enabled)
	return sch, nil
}

// processKnown reports whether name is a launchable process. Definitions
// stored before Start are not cached yet, so a miss reloads them.
func (s *Scheduler) processKnown(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.processes[name]
	s.mu.Unlock()
	if ok {
		return true, nil
	}
	procs, err := s.store.ListProcesses(ctx)
	if err != nil {
		return false, fmt.Errorf("load processes: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range procs {
		if _, cached := s.processes[p.Name]; !cached {
			s.processes[p.Name] = p.Script
		}
	}
	_, ok = s.processes[name]
	return ok, nil
}

// DeleteSchedule removes a schedule. Running tasks make it fail with
// ErrScheduleBusy unless force is set, in which case they are cancelled first.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string, force bool) error {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	running := s.runningForSchedule(id)
	if len(running) > 0 && !force {
		return ErrScheduleBusy
	}

	s.mu.Lock()
	prev, wasLoaded := s.schedules[id]
	delete(s.schedules, id)
	s.mu.Unlock()

	for _, rt := range running {
		if _, err := s.CancelTask(ctx, rt.task.ID); err != nil {
			s.restoreEntry(id, prev, wasLoaded)
			return fmt.Errorf("cancel task %s: %w", rt.task.ID, err)
		}
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		s.restoreEntry(id, prev, wasLoaded)
		return err
	}
	s.logger.Info("schedule deleted", "schedule_id", id, "name", sch.Name, "cancelled_tasks", len(running))
	return nil
}

func (s *Scheduler) restoreEntry(id string, e *scheduleEntry, ok bool) {
	if !ok {
		return
	}
	s.mu.Lock()
	s.schedules[id] = e
	s.mu.Unlock()
}

// GetSchedule returns the stored schedule.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedules returns every stored schedule, enabled or not.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// NextRun reports when the schedule is next due, if it is loaded and has
// an automatic cadence.
func (s *Scheduler) NextRun(scheduleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedules[scheduleID]
	if !ok || e.next.IsZero() {
		return time.Time{}, false
	}
	return e.next, true
}

// QueueSchedule requests a run of the schedule at the next loop iteration,
// subject to the same exclusivity rules as automatic runs.
func (s *Scheduler) QueueSchedule(ctx context.Context, id string) error {
	if !s.started.Load() {
		return ErrNotReady
	}
	s.mu.Lock()
	e, ok := s.schedules[id]
	if ok {
		e.startNow = true
	}
	s.mu.Unlock()
	if !ok {
		if _, err := s.store.GetSchedule(ctx, id); err != nil {
			return err
		}
		return ErrScheduleDisabled
	}
	s.notifyWake()
	s.logger.Info("schedule queued for immediate run", "schedule_id", id)
	return nil
}

// CancelTask terminates a running task and waits until its watcher records
// the CANCELED state. Tasks already in a terminal state are returned as is.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (*Task, error) {
	if rt := s.lookupRunning(id); rt != nil {
		if rt.cancelRequested.CompareAndSwap(false, true) {
			s.logger.Info("cancelling task", "task_id", id, "pid", rt.task.PID)
			if err := rt.proc.Kill(); err != nil {
				return nil, fmt.Errorf("signal task %s: %w", id, err)
			}
		}
		select {
		case <-rt.done:
			t := *rt.final
			return &t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.GetTask(ctx, id)
}

// GetTask returns a task, preferring in-memory state over the store.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	if rt := s.lookupRunning(id); rt != nil {
		t := *rt.task
		return &t, nil
	}
	if t := s.pendingTask(id); t != nil {
		return t, nil
	}
	return s.store.GetTask(ctx, id)
}

// GetTasks queries persisted tasks: filter, sort, offset, limit.
func (s *Scheduler) GetTasks(ctx context.Context, query TaskQuery) ([]*Task, error) {
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}
	return s.store.QueryTasks(ctx, q)
}

// LatestTasks returns the most recent task per process name.
func (s *Scheduler) LatestTasks(ctx context.Context, where Expr) ([]*Task, error) {
	if where != nil {
		if _, err := (TaskQuery{Where: where}).Normalize(); err != nil {
			return nil, err
		}
	}
	return s.store.LatestTasks(ctx, where)
}

// RunningTasks returns a snapshot of the running index ordered by start time.
func (s *Scheduler) RunningTasks(where Expr) []*Task {
	snapshot := s.runningSnapshot()
	out := make([]*Task, 0, len(snapshot))
	for _, rt := range snapshot {
		t := *rt.task
		if Matches(where, &t) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Processes lists the executables schedules may launch.
func (s *Scheduler) Processes(ctx context.Context) ([]ScheduledProcess, error) {
	return s.store.ListProcesses(ctx)
}

// SaveProcess stores a process definition and makes it launchable.
func (s *Scheduler) SaveProcess(ctx context.Context, p ScheduledProcess) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return &ConfigurationError{Reason: "process name is required"}
	}
	if len(p.Script) == 0 || strings.TrimSpace(p.Script[0]) == "" {
		return &ConfigurationError{Reason: fmt.Sprintf("process %q needs a command line", p.Name)}
	}
	if err := s.store.SaveProcess(ctx, p); err != nil {
		return err
	}
	s.mu.Lock()
	s.processes[p.Name] = append([]string(nil), p.Script...)
	s.mu.Unlock()
	return nil
}

// ApplySettings applies configuration pushed by the configuration provider.
// Invalid entries are logged and skipped; their errors are joined.
func (s *Scheduler) ApplySettings(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	if settings.MaxRunningTasks > 0 {
		s.maxRunning = settings.MaxRunningTasks
	}
	if settings.MaxCompletedTaskAge != 0 {
		s.maxTaskAge = settings.MaxCompletedTaskAge
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range settings.Processes {
		if err := s.SaveProcess(ctx, p); err != nil {
			s.logger.Error("apply process setting", "process", p.Name, "err", err)
			errs = append(errs, err)
		}
	}
	for _, sch := range settings.Schedules {
		candidate := sch.Clone()
		existing, err := s.store.GetScheduleByName(ctx, candidate.Name)
		switch {
		case err == nil:
			candidate.ID = existing.ID
		case errors.Is(err, ErrScheduleNotFound):
			candidate.ID = ""
		default:
			errs = append(errs, err)
			continue
		}
		if _, err := s.SaveSchedule(ctx, candidate); err != nil {
			s.logger.Error("apply schedule setting", "schedule", candidate.Name, "err", err)
			errs = append(errs, err)
		}
	}
	s.logger.Info("scheduler settings applied", "processes", len(settings.Processes), "schedules", len(settings.Schedules), "errors", len(errs))
	return errors.Join(errs...)
}
