package config

import (
	"testing"
	"time"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestParseDefaults(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg, err := Parse([]string{"-state-dir", dir})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != defaultAddr || cfg.Server.Mode != "http" || cfg.StateDir != dir {
		t.Fatalf("server config = %+v, state dir %q", cfg.Server, cfg.StateDir)
	}
	if cfg.Scheduler.PollInterval != time.Second || cfg.Scheduler.MaxRunningTasks != 50 {
		t.Fatalf("scheduler config = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxCompletedTaskAge != 30*24*time.Hour {
		t.Fatalf("max age = %v", cfg.Scheduler.MaxCompletedTaskAge)
	}
	if cfg.Location() != time.Local {
		t.Fatal("default location should be local time")
	}
}

func TestParseEnvAndFlags(t *testing.T) {
	isolateEnv(t)
	t.Setenv("EDGELAMP_ADDR", "127.0.0.1:9000")
	t.Setenv("EDGELAMP_MODE", "both")
	t.Setenv("EDGELAMP_MAX_COMPLETED_TASK_AGE", "2d")
	t.Setenv("EDGELAMP_BARK_ENABLED", "yes")
	t.Setenv("EDGELAMP_DEVICE_CONFIG", "asset=boiler, min = 1,broken")
	t.Setenv("EDGELAMP_MAX_RUNNING_TASKS", "not-a-number")

	cfg, err := Parse([]string{"-addr", ":7000", "-use-utc", "-poll-interval", "250ms", "-state-dir", t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Fatalf("flag should override env, got %q", cfg.Server.Addr)
	}
	if cfg.Server.Mode != "both" || !cfg.Notification.Bark.Enabled {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Scheduler.MaxCompletedTaskAge != 48*time.Hour || cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Fatalf("scheduler config = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxRunningTasks != 50 {
		t.Fatalf("bad integer should fall back to default, got %d", cfg.Scheduler.MaxRunningTasks)
	}
	if cfg.Location() != time.UTC {
		t.Fatal("-use-utc not applied")
	}
	dev := cfg.Ingest.DeviceConfig
	if len(dev) != 2 || dev["asset"] != "boiler" || dev["min"] != "1" {
		t.Fatalf("device config = %v", dev)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	isolateEnv(t)
	if _, err := Parse([]string{"-mode", "grpc", "-state-dir", t.TempDir()}); err == nil {
		t.Fatal("invalid mode accepted")
	}
	if _, err := Parse([]string{"-poll-interval", "0s", "-state-dir", t.TempDir()}); err == nil {
		t.Fatal("zero poll interval accepted")
	}
	if _, err := Parse([]string{"-no-such-flag"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"90s":  90 * time.Second,
		"1d":   24 * time.Hour,
		"1.5d": 36 * time.Hour,
		" 2h ": 2 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		if err != nil || got != want {
			t.Errorf("ParseDuration(%q) = %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"xd", "soon", ""} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) succeeded", in)
		}
	}
}
