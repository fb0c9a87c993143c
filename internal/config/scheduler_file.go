package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"edgelamp/internal/core"
)

// SchedulerFile is the YAML document describing scheduler limits, process
// definitions and category schedules.
type SchedulerFile struct {
	Scheduler struct {
		MaxRunningTasks     int    `yaml:"max_running_tasks"`
		MaxCompletedTaskAge string `yaml:"max_completed_task_age"`
	} `yaml:"scheduler"`
	Processes []ProcessEntry  `yaml:"processes"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// ProcessEntry declares a launchable process.
type ProcessEntry struct {
	Name   string   `yaml:"name"`
	Script []string `yaml:"script"`
}

// ScheduleEntry declares a schedule. Omitted exclusive and enabled flags
// default to true.
type ScheduleEntry struct {
	Name      string `yaml:"name"`
	Process   string `yaml:"process"`
	Type      string `yaml:"type"`
	Repeat    string `yaml:"repeat"`
	Day       int    `yaml:"day"`
	Time      string `yaml:"time"`
	Exclusive *bool  `yaml:"exclusive"`
	Enabled   *bool  `yaml:"enabled"`
}

// ParseSchedulerFile decodes YAML, rejecting unknown keys.
func ParseSchedulerFile(data []byte) (*SchedulerFile, error) {
	var f SchedulerFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("decode scheduler file: %w", err)
	}
	return &f, nil
}

// Settings converts the file into scheduler settings.
func (f *SchedulerFile) Settings() (core.Settings, error) {
	var st core.Settings
	st.MaxRunningTasks = f.Scheduler.MaxRunningTasks
	if f.Scheduler.MaxCompletedTaskAge != "" {
		d, err := ParseDuration(f.Scheduler.MaxCompletedTaskAge)
		if err != nil {
			return st, fmt.Errorf("scheduler.max_completed_task_age: %w", err)
		}
		st.MaxCompletedTaskAge = d
	}
	for i, p := range f.Processes {
		if strings.TrimSpace(p.Name) == "" || len(p.Script) == 0 {
			return st, fmt.Errorf("processes[%d]: name and script are required", i)
		}
		st.Processes = append(st.Processes, core.ScheduledProcess{Name: p.Name, Script: p.Script})
	}
	for i, e := range f.Schedules {
		sch, err := e.schedule()
		if err != nil {
			return st, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		st.Schedules = append(st.Schedules, sch)
	}
	return st, nil
}

func (e ScheduleEntry) schedule() (*core.Schedule, error) {
	typ, err := core.ParseScheduleType(e.Type)
	if err != nil {
		return nil, err
	}
	sch := &core.Schedule{
		Name:        e.Name,
		ProcessName: e.Process,
		Type:        typ,
		Day:         e.Day,
		Exclusive:   e.Exclusive == nil || *e.Exclusive,
		Enabled:     e.Enabled == nil || *e.Enabled,
	}
	if e.Repeat != "" {
		if sch.Repeat, err = ParseDuration(e.Repeat); err != nil {
			return nil, fmt.Errorf("repeat: %w", err)
		}
	}
	if e.Time != "" {
		t, err := core.ParseTimeOfDay(e.Time)
		if err != nil {
			return nil, err
		}
		sch.Time = &t
	}
	if err := sch.Validate(); err != nil {
		return nil, err
	}
	return sch, nil
}

// SchedulerFileManager loads the scheduler file and publishes validated
// changes to subscribers.
type SchedulerFileManager struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	current  *SchedulerFile
	lastHash [sha256.Size]byte

	subsMu sync.Mutex
	subs   []chan *SchedulerFile
}

func NewSchedulerFileManager(path string, logger *slog.Logger) *SchedulerFileManager {
	return &SchedulerFileManager{path: path, logger: logger}
}

// Load reads and commits the file.
func (m *SchedulerFileManager) Load() (*SchedulerFile, error) {
	f, hash, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.commit(f, hash)
	return f, nil
}

// Get returns the last committed file.
func (m *SchedulerFileManager) Get() *SchedulerFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *SchedulerFileManager) parse() (*SchedulerFile, [sha256.Size]byte, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	f, err := ParseSchedulerFile(data)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	if _, err := f.Settings(); err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return f, sha256.Sum256(data), nil
}

func (m *SchedulerFileManager) commit(f *SchedulerFile, hash [sha256.Size]byte) {
	m.mu.Lock()
	m.current = f
	m.lastHash = hash
	m.mu.Unlock()
}

// Subscribe returns a channel receiving each newly committed file. A slow
// subscriber only ever sees the latest version.
func (m *SchedulerFileManager) Subscribe() <-chan *SchedulerFile {
	ch := make(chan *SchedulerFile, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *SchedulerFileManager) publish(f *SchedulerFile) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- f:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- f:
		default:
		}
	}
}

// reload parses the file and publishes it when its content changed.
func (m *SchedulerFileManager) reload() {
	f, hash, err := m.parse()
	if err != nil {
		m.logger.Warn("scheduler file rejected", "path", m.path, "err", err)
		return
	}
	m.mu.RLock()
	unchanged := hash == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.logger.Debug("scheduler file unchanged", "path", m.path)
		return
	}
	m.commit(f, hash)
	m.publish(f)
	m.logger.Info("scheduler file reloaded", "path", m.path)
}

// Watch follows changes to the file until ctx is done. Events are debounced
// so that editors writing in several steps cause a single reload.
func (m *SchedulerFileManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, m.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			m.logger.Warn("scheduler file watch", "err", err)
		}
	}
}
