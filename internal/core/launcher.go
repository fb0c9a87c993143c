package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"
)

const defaultKillGrace = 5 * time.Second

// LaunchRequest describes one process start.
type LaunchRequest struct {
	TaskID      string
	ProcessName string
	Argv        []string
}

// ExitStatus is the outcome reported by Process.Wait.
type ExitStatus struct {
	Code int
	// Signaled is set when the process was terminated by a signal or its
	// exit could not be observed.
	Signaled bool
	Err      error
}

// Process is a handle on a launched OS process.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It may be called more than once.
	Wait() ExitStatus
	// Kill asks the process to terminate and forces it after a grace period.
	Kill() error
}

// Launcher starts OS processes for tasks.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// TaskLogs resolves where a task's combined output is written.
type TaskLogs interface {
	EnsureTaskLogDir(taskID string) error
	TaskLogPath(taskID string) string
}

// ExecLauncher runs processes with os/exec and captures their output per task.
type ExecLauncher struct {
	logs      TaskLogs
	logger    *slog.Logger
	killGrace time.Duration
}

// NewExecLauncher creates a launcher. logs may be nil to discard output.
func NewExecLauncher(logs TaskLogs, logger *slog.Logger, killGrace time.Duration) *ExecLauncher {
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &ExecLauncher{logs: logs, logger: logger, killGrace: killGrace}
}

// Launch starts the process. The process is not bound to ctx; it outlives the
// request that caused it and is stopped only through Kill.
func (l *ExecLauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	if len(req.Argv) == 0 {
		return nil, &LaunchError{ProcessName: req.ProcessName, Err: errors.New("empty command line")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{ProcessName: req.ProcessName, Err: err}
	}

	var out io.WriteCloser = nopWriteCloser{io.Discard}
	if l.logs != nil {
		if err := l.logs.EnsureTaskLogDir(req.TaskID); err != nil {
			return nil, &LaunchError{ProcessName: req.ProcessName, Err: fmt.Errorf("ensure log dir: %w", err)}
		}
		f, err := os.OpenFile(l.logs.TaskLogPath(req.TaskID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, &LaunchError{ProcessName: req.ProcessName, Err: fmt.Errorf("open log file: %w", err)}
		}
		out = f
	}
	writer := &syncWriter{w: out}

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...) // #nosec G204
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.Env = append(os.Environ(),
		"EDGELAMP_TASK_ID="+req.TaskID,
		"EDGELAMP_PROCESS_NAME="+req.ProcessName,
	)
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, &LaunchError{ProcessName: req.ProcessName, Err: err}
	}

	p := &execProcess{
		cmd:   cmd,
		grace: l.killGrace,
		done:  make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		p.status = exitStatus(cmd.Wait())
		if err := out.Close(); err != nil && l.logger != nil {
			l.logger.Warn("close task log", "task_id", req.TaskID, "err", err)
		}
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	grace  time.Duration
	done   chan struct{}
	status ExitStatus
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	sendTermination(p.cmd.Process)
	time.AfterFunc(p.grace, func() {
		select {
		case <-p.done:
		default:
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}

func exitStatus(waitErr error) ExitStatus {
	if waitErr == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return ExitStatus{Code: code, Signaled: true, Err: waitErr}
		}
		return ExitStatus{Code: code}
	}
	return ExitStatus{Code: -1, Signaled: true, Err: waitErr}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
