package core

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlerter) Send(_ context.Context, title, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, title+": "+body)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newTestScheduler(t *testing.T, st *memStore, l *fakeLauncher, opts Options) *Scheduler {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.StopWait == 0 {
		opts.StopWait = 2 * time.Second
	}
	if _, ok := st.processes["collect"]; !ok {
		st.processes["collect"] = []string{"collect", "--once"}
	}
	s := NewScheduler(st, l, discardLogger(), opts)
	t.Cleanup(func() {
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return s
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func saveSchedule(t *testing.T, s *Scheduler, sch *Schedule) *Schedule {
	t.Helper()
	if sch.ProcessName == "" {
		sch.ProcessName = "collect"
	}
	saved, err := s.SaveSchedule(context.Background(), sch)
	if err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	return saved
}

func TestIntervalScheduleCompletesTasks(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)

	sch := saveSchedule(t, s, &Schedule{Name: "stats", Type: ScheduleTypeInterval, Repeat: 30 * time.Millisecond, Exclusive: true, Enabled: true})

	waitFor(t, 2*time.Second, "two completed tasks", func() bool {
		return len(st.tasksByState(TaskStateComplete)) >= 2
	})
	for _, task := range st.tasksByState(TaskStateComplete) {
		if task.ScheduleID != sch.ID || task.ProcessName != "collect" {
			t.Fatalf("unexpected task %+v", task)
		}
		if task.EndTime == nil || task.EndTime.Before(task.StartTime) {
			t.Fatalf("end time %v before start %v", task.EndTime, task.StartTime)
		}
		if task.ExitCode == nil || *task.ExitCode != 0 {
			t.Fatalf("exit code = %v, want 0", task.ExitCode)
		}
	}
	if got := l.requests[0].Argv; len(got) != 2 || got[0] != "collect" {
		t.Fatalf("argv = %v", got)
	}
}

func TestNonZeroExitIsComplete(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{exitCode: 3}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	saveSchedule(t, s, &Schedule{Name: "flaky", Type: ScheduleTypeInterval, Repeat: 20 * time.Millisecond, Exclusive: true, Enabled: true})

	waitFor(t, 2*time.Second, "completed task", func() bool {
		return len(st.tasksByState(TaskStateComplete)) >= 1
	})
	task := st.tasksByState(TaskStateComplete)[0]
	if task.ExitCode == nil || *task.ExitCode != 3 || task.Reason != "exited with status 3" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestExclusiveScheduleNeverOverlaps(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{hold: true}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	saveSchedule(t, s, &Schedule{Name: "slow", Type: ScheduleTypeInterval, Repeat: 20 * time.Millisecond, Exclusive: true, Enabled: true})

	waitFor(t, 2*time.Second, "first launch", func() bool { return l.launched() == 1 })
	time.Sleep(150 * time.Millisecond)
	if n := l.launched(); n != 1 {
		t.Fatalf("exclusive schedule launched %d tasks while one was running", n)
	}
	if n := len(s.RunningTasks(nil)); n != 1 {
		t.Fatalf("running tasks = %d, want 1", n)
	}
	if n := len(st.tasksByState(TaskStateRunning)); n != 1 {
		t.Fatalf("running rows = %d, want 1", n)
	}

	l.releaseAll()
	waitFor(t, 2*time.Second, "launch after release", func() bool { return l.launched() >= 2 })
}

func TestNonExclusiveScheduleOverlaps(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{hold: true}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	saveSchedule(t, s, &Schedule{Name: "parallel", Type: ScheduleTypeInterval, Repeat: 20 * time.Millisecond, Exclusive: false, Enabled: true})

	waitFor(t, 2*time.Second, "overlapping launches", func() bool { return len(s.RunningTasks(nil)) >= 3 })
}

func TestMaxRunningTasksDefersLaunches(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{hold: true}
	s := newTestScheduler(t, st, l, Options{MaxRunningTasks: 2})
	startScheduler(t, s)
	saveSchedule(t, s, &Schedule{Name: "busy", Type: ScheduleTypeInterval, Repeat: 10 * time.Millisecond, Enabled: true})

	waitFor(t, 2*time.Second, "two launches", func() bool { return l.launched() == 2 })
	time.Sleep(100 * time.Millisecond)
	if n := l.launched(); n != 2 {
		t.Fatalf("launched %d tasks with a limit of 2", n)
	}
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{hold: true}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	sch := saveSchedule(t, s, &Schedule{Name: "manual", Type: ScheduleTypeManual, Exclusive: true, Enabled: true})

	if err := s.QueueSchedule(context.Background(), sch.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "running task", func() bool { return len(s.RunningTasks(nil)) == 1 })
	id := s.RunningTasks(nil)[0].ID

	first, err := s.CancelTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if first.State != TaskStateCanceled || first.EndTime == nil || first.ExitCode != nil {
		t.Fatalf("unexpected cancelled task %+v", first)
	}
	second, err := s.CancelTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if second.State != TaskStateCanceled || !second.EndTime.Equal(*first.EndTime) {
		t.Fatalf("second cancel changed the task: %+v", second)
	}
	stored, err := st.GetTask(context.Background(), id)
	if err != nil || stored.State != TaskStateCanceled {
		t.Fatalf("stored task %+v, err %v", stored, err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := l.launched(); n != 1 {
		t.Fatalf("manual schedule launched %d times", n)
	}
	if _, err := s.CancelTask(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("cancel missing task: %v", err)
	}
}

func TestCancelRacingCleanExitIsComplete(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{hold: true, killExit: &ExitStatus{Code: 0}}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	sch := saveSchedule(t, s, &Schedule{Name: "flush", Type: ScheduleTypeManual, Exclusive: true, Enabled: true})

	if err := s.QueueSchedule(context.Background(), sch.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "running task", func() bool { return len(s.RunningTasks(nil)) == 1 })
	id := s.RunningTasks(nil)[0].ID

	got, err := s.CancelTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != TaskStateComplete || got.ExitCode == nil || *got.ExitCode != 0 || got.Reason != "" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestStopRefusesWorkUntilRestarted(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	sch := saveSchedule(t, s, &Schedule{Name: "manual", Type: ScheduleTypeManual, Enabled: true})

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueSchedule(context.Background(), sch.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("queue after stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	startScheduler(t, s)
	if err := s.QueueSchedule(context.Background(), sch.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "run after restart", func() bool { return l.launched() == 1 })
}

func TestLaunchFailureRecordsInterruptedTask(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{err: errors.New("exec format error")}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	saveSchedule(t, s, &Schedule{Name: "broken", Type: ScheduleTypeInterval, Repeat: 20 * time.Millisecond, Exclusive: true, Enabled: true})

	waitFor(t, 2*time.Second, "two interrupted tasks", func() bool {
		return len(st.tasksByState(TaskStateInterrupted)) >= 2
	})
	task := st.tasksByState(TaskStateInterrupted)[0]
	if !strings.HasPrefix(task.Reason, "launch failed: ") {
		t.Fatalf("reason = %q", task.Reason)
	}
	if task.EndTime == nil || !task.EndTime.Equal(task.StartTime) {
		t.Fatalf("start %v end %v", task.StartTime, task.EndTime)
	}
}

func TestStartInterruptsDeadTasks(t *testing.T) {
	st := newMemStore()
	stale := &Task{ID: "stale", ProcessName: "collect", State: TaskStateRunning, StartTime: time.Now().UTC().Add(-time.Minute)}
	if err := st.InsertTask(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	startScheduler(t, s)

	got, err := st.GetTask(context.Background(), "stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != TaskStateInterrupted || got.Reason != staleTaskReason {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.EndTime == nil || got.EndTime.Before(got.StartTime) {
		t.Fatalf("end time %v", got.EndTime)
	}
}

func TestStartNeverSignalsReusedPID(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX process signals")
	}
	other := exec.Command("sleep", "30")
	if err := other.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = other.Wait()
		close(exited)
	}()
	defer func() {
		_ = other.Process.Kill()
		<-exited
	}()

	st := newMemStore()
	stale := &Task{ID: "stale", ProcessName: "collect", State: TaskStateRunning, StartTime: time.Now().UTC().Add(-time.Hour), PID: other.Process.Pid}
	if err := st.InsertTask(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	startScheduler(t, s)

	got, err := st.GetTask(context.Background(), "stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != TaskStateInterrupted || got.Reason != staleTaskReason {
		t.Fatalf("unexpected task %+v", got)
	}
	if running := s.RunningTasks(nil); len(running) != 0 {
		t.Fatalf("running = %+v", running)
	}
	if _, err := s.CancelTask(context.Background(), "stale"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-exited:
		t.Fatal("process not started by the scheduler was terminated")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartupScheduleFiresOnce(t *testing.T) {
	st := newMemStore()
	now := time.Now().UTC()
	st.schedules["boot"] = &Schedule{ID: "boot", Name: "boot", ProcessName: "collect", Type: ScheduleTypeStartup, Exclusive: true, Enabled: true, CreatedAt: now, UpdatedAt: now}
	l := &fakeLauncher{}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)

	waitFor(t, 2*time.Second, "startup launch", func() bool { return l.launched() == 1 })
	time.Sleep(80 * time.Millisecond)
	if n := l.launched(); n != 1 {
		t.Fatalf("startup schedule launched %d times", n)
	}
	if _, ok := s.NextRun("boot"); ok {
		t.Fatal("startup schedule still has a next run")
	}

	if err := s.QueueSchedule(context.Background(), "boot"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "manual run of startup schedule", func() bool { return l.launched() == 2 })
}

func TestQueueScheduleErrors(t *testing.T) {
	st := newMemStore()
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	if err := s.QueueSchedule(context.Background(), "x"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("before start: %v", err)
	}
	startScheduler(t, s)

	if err := s.QueueSchedule(context.Background(), "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("missing schedule: %v", err)
	}
	off := saveSchedule(t, s, &Schedule{Name: "off", Type: ScheduleTypeManual, Enabled: false})
	if err := s.QueueSchedule(context.Background(), off.ID); !errors.Is(err, ErrScheduleDisabled) {
		t.Fatalf("disabled schedule: %v", err)
	}
}

func TestDeleteScheduleWithRunningTasks(t *testing.T) {
	st := newMemStore()
	l := &fakeLauncher{hold: true}
	s := newTestScheduler(t, st, l, Options{})
	startScheduler(t, s)
	sch := saveSchedule(t, s, &Schedule{Name: "doomed", Type: ScheduleTypeManual, Exclusive: true, Enabled: true})
	if err := s.QueueSchedule(context.Background(), sch.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "running task", func() bool { return len(s.RunningTasks(nil)) == 1 })
	taskID := s.RunningTasks(nil)[0].ID

	if err := s.DeleteSchedule(context.Background(), sch.ID, false); !errors.Is(err, ErrScheduleBusy) {
		t.Fatalf("delete without force: %v", err)
	}
	if err := s.DeleteSchedule(context.Background(), sch.ID, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, err := s.GetSchedule(context.Background(), sch.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("schedule still present: %v", err)
	}
	task, err := st.GetTask(context.Background(), taskID)
	if err != nil || task.State != TaskStateCanceled {
		t.Fatalf("task %+v, err %v", task, err)
	}
}

func TestStoreOutageKeepsTaskStateAndAlerts(t *testing.T) {
	st := newMemStore()
	st.failTasks.Store(true)
	alerter := &recordingAlerter{}
	l := &fakeLauncher{}
	s := newTestScheduler(t, st, l, Options{StoreAlertAfter: time.Nanosecond, Alerter: alerter})
	startScheduler(t, s)
	sch := saveSchedule(t, s, &Schedule{Name: "offline", Type: ScheduleTypeManual, Exclusive: true, Enabled: true})
	if err := s.QueueSchedule(context.Background(), sch.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "launch", func() bool { return l.launched() == 1 })
	l.mu.Lock()
	taskID := l.requests[0].TaskID
	l.mu.Unlock()

	waitFor(t, 2*time.Second, "pending terminal state", func() bool {
		task, err := s.GetTask(context.Background(), taskID)
		return err == nil && task.State == TaskStateComplete
	})
	if _, err := st.GetTask(context.Background(), taskID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("task reached the store while it was down: %v", err)
	}
	waitFor(t, 2*time.Second, "store alert", func() bool { return alerter.count() >= 1 })

	st.failTasks.Store(false)
	waitFor(t, 2*time.Second, "flushed task", func() bool {
		task, err := st.GetTask(context.Background(), taskID)
		return err == nil && task.State == TaskStateComplete
	})
}

func TestSaveScheduleValidation(t *testing.T) {
	st := newMemStore()
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	startScheduler(t, s)

	tests := []struct {
		name string
		sch  *Schedule
	}{
		{"unknown process", &Schedule{Name: "a", ProcessName: "nope", Type: ScheduleTypeManual, Enabled: true}},
		{"interval without repeat", &Schedule{Name: "b", ProcessName: "collect", Type: ScheduleTypeInterval, Enabled: true}},
		{"timed without time", &Schedule{Name: "c", ProcessName: "collect", Type: ScheduleTypeTimed, Enabled: true}},
		{"bad day", &Schedule{Name: "d", ProcessName: "collect", Type: ScheduleTypeTimed, Day: 8, Time: &TimeOfDay{Hour: 1}, Enabled: true}},
		{"missing name", &Schedule{ProcessName: "collect", Type: ScheduleTypeManual, Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SaveSchedule(context.Background(), tt.sch)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}

	saveSchedule(t, s, &Schedule{Name: "dup", Type: ScheduleTypeManual, Enabled: true})
	if _, err := s.SaveSchedule(context.Background(), &Schedule{Name: "dup", ProcessName: "collect", Type: ScheduleTypeManual, Enabled: true}); !errors.Is(err, ErrScheduleNameTaken) {
		t.Fatalf("duplicate name: %v", err)
	}
}

func TestNextRun(t *testing.T) {
	st := newMemStore()
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	startScheduler(t, s)

	before := time.Now().UTC()
	hourly := saveSchedule(t, s, &Schedule{Name: "hourly", Type: ScheduleTypeInterval, Repeat: time.Hour, Enabled: true})
	next, ok := s.NextRun(hourly.ID)
	if !ok || next.Before(before.Add(time.Hour)) || next.After(time.Now().UTC().Add(time.Hour)) {
		t.Fatalf("next run %v ok=%v", next, ok)
	}
	manual := saveSchedule(t, s, &Schedule{Name: "manual", Type: ScheduleTypeManual, Enabled: true})
	if _, ok := s.NextRun(manual.ID); ok {
		t.Fatal("manual schedule has a next run")
	}

	hourly.Enabled = false
	saveSchedule(t, s, hourly)
	if _, ok := s.NextRun(hourly.ID); ok {
		t.Fatal("disabled schedule has a next run")
	}
}

func TestApplySettings(t *testing.T) {
	st := newMemStore()
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	startScheduler(t, s)
	ctx := context.Background()

	settings := Settings{
		MaxRunningTasks: 7,
		Processes:       []ScheduledProcess{{Name: "purge", Script: []string{"purge", "--all"}}},
		Schedules: []*Schedule{
			{Name: "purge nightly", ProcessName: "purge", Type: ScheduleTypeTimed, Time: &TimeOfDay{Hour: 3}, Exclusive: true, Enabled: true},
			{Name: "bad", ProcessName: "purge", Type: ScheduleTypeInterval, Enabled: true},
		},
	}
	if err := s.ApplySettings(ctx, settings); err == nil {
		t.Fatal("expected the invalid schedule to be reported")
	}
	first, err := st.GetScheduleByName(ctx, "purge nightly")
	if err != nil {
		t.Fatal(err)
	}

	settings.Schedules = settings.Schedules[:1]
	settings.Schedules[0].Time = &TimeOfDay{Hour: 4, Minute: 30}
	if err := s.ApplySettings(ctx, settings); err != nil {
		t.Fatal(err)
	}
	all, _ := s.ListSchedules(ctx)
	if len(all) != 1 {
		t.Fatalf("schedules = %d, want 1", len(all))
	}
	if all[0].ID != first.ID || all[0].Time.String() != "04:30:00" {
		t.Fatalf("schedule not updated in place: %+v", all[0])
	}
	procs, _ := s.Processes(ctx)
	if len(procs) != 2 {
		t.Fatalf("processes = %+v", procs)
	}
}

func TestApplySettingsBeforeStartUsesStoredProcesses(t *testing.T) {
	st := newMemStore()
	st.processes["purge"] = []string{"purge", "--all"}
	l := &fakeLauncher{}
	s := newTestScheduler(t, st, l, Options{})

	err := s.ApplySettings(context.Background(), Settings{
		Schedules: []*Schedule{{Name: "purge", ProcessName: "purge", Type: ScheduleTypeInterval, Repeat: 20 * time.Millisecond, Enabled: true}},
	})
	if err != nil {
		t.Fatalf("apply settings: %v", err)
	}
	if _, err := st.GetScheduleByName(context.Background(), "purge"); err != nil {
		t.Fatalf("schedule not stored: %v", err)
	}

	startScheduler(t, s)
	waitFor(t, 2*time.Second, "purge launch", func() bool { return l.launched() >= 1 })
}

func TestGetTasksValidatesQuery(t *testing.T) {
	st := newMemStore()
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{})
	ctx := context.Background()

	if _, err := s.GetTasks(ctx, TaskQuery{Limit: -1}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("negative limit: %v", err)
	}
	if _, err := s.GetTasks(ctx, TaskQuery{Where: Eq(FieldState, 9)}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("bad state filter: %v", err)
	}
	if _, err := s.GetTasks(ctx, TaskQuery{Where: Eq(Field("bogus"), 1)}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("bad field: %v", err)
	}
}

func TestPurgeRemovesOldFinishedTasks(t *testing.T) {
	st := newMemStore()
	s := newTestScheduler(t, st, &fakeLauncher{}, Options{MaxCompletedTaskAge: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)
	for _, task := range []*Task{
		{ID: "old-done", ProcessName: "collect", State: TaskStateComplete, StartTime: old, EndTime: &old},
		{ID: "old-running", ProcessName: "collect", State: TaskStateRunning, StartTime: old},
		{ID: "recent", ProcessName: "collect", State: TaskStateComplete, StartTime: now, EndTime: &now},
	} {
		if err := st.InsertTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purged %d, err %v", n, err)
	}
	if _, err := st.GetTask(ctx, "old-done"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatal("old finished task survived")
	}
	if _, err := st.GetTask(ctx, "old-running"); err != nil {
		t.Fatal("running task was purged")
	}
}
