package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode selects which front ends run: http, mcp or both.
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Group   string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SchedulerConfig holds the scheduler tunables.
type SchedulerConfig struct {
	PollInterval        time.Duration
	MaxRunningTasks     int
	MaxCompletedTaskAge time.Duration
	StopWait            time.Duration
	KillGrace           time.Duration
	StoreAlertAfter     time.Duration
	// File is an optional YAML file with processes and schedules that is
	// reloaded when it changes.
	File string
}

// IngestConfig holds reading buffer and device plugin settings.
type IngestConfig struct {
	Workers      int
	BatchSize    int
	DevicePlugin string
	DeviceConfig map[string]string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	Ingest       IngestConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:8081"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultMode          = "http"
	defaultShutdownGrace = 10 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvMap reads "k=v,k2=v2" pairs.
func getEnvMap(key string) map[string]string {
	out := map[string]string{}
	val, ok := os.LookupEnv(key)
	if !ok {
		return out
	}
	for _, pair := range strings.Split(val, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if found && k != "" {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

// ParseDuration extends time.ParseDuration with a "d" suffix for days.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(value)
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse(args []string) (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "edgelamp", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		_ = godotenv.Load(envFiles...)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("EDGELAMP_ADDR", defaultAddr),
			AuthToken: getEnvString("EDGELAMP_AUTH_TOKEN", ""),
			Mode:      getEnvString("EDGELAMP_MODE", defaultMode),
		},
		Log: LogConfig{
			Level:  getEnvString("EDGELAMP_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("EDGELAMP_LOG_FORMAT", defaultLogFormat),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("EDGELAMP_BARK_URL", ""),
				Group:   getEnvString("EDGELAMP_BARK_GROUP", "edgelamp"),
				Enabled: getEnvBool("EDGELAMP_BARK_ENABLED", false),
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval:        getEnvDuration("EDGELAMP_POLL_INTERVAL", time.Second),
			MaxRunningTasks:     getEnvInt("EDGELAMP_MAX_RUNNING_TASKS", 50),
			MaxCompletedTaskAge: getEnvDuration("EDGELAMP_MAX_COMPLETED_TASK_AGE", 30*24*time.Hour),
			StopWait:            getEnvDuration("EDGELAMP_STOP_WAIT", 5*time.Second),
			KillGrace:           getEnvDuration("EDGELAMP_KILL_GRACE", 5*time.Second),
			StoreAlertAfter:     getEnvDuration("EDGELAMP_STORE_ALERT_AFTER", time.Minute),
			File:                getEnvString("EDGELAMP_SCHEDULER_FILE", ""),
		},
		Ingest: IngestConfig{
			Workers:      getEnvInt("EDGELAMP_INGEST_WORKERS", 2),
			BatchSize:    getEnvInt("EDGELAMP_INGEST_BATCH", 100),
			DevicePlugin: getEnvString("EDGELAMP_DEVICE_PLUGIN", ""),
			DeviceConfig: getEnvMap("EDGELAMP_DEVICE_CONFIG"),
		},
		StateDir:      getEnvString("EDGELAMP_STATE_DIR", ""),
		UseUTC:        getEnvBool("EDGELAMP_USE_UTC", false),
		ShutdownGrace: getEnvDuration("EDGELAMP_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("edgelampd", flag.ContinueOnError)
	var (
		addr, mode, logLevel, logFormat, stateDir, schedulerFile string
		useUTC                                                  bool
		shutdownGrace, pollInterval                             time.Duration
		maxRunning                                              int
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Front ends to run: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database and task logs")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&schedulerFile, "scheduler-file", "", "YAML file with processes and schedules")
	fs.BoolVar(&useUTC, "use-utc", false, "Evaluate TIMED schedules in UTC instead of local time")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	fs.DurationVar(&pollInterval, "poll-interval", 0, "How often schedules are checked")
	fs.IntVar(&maxRunning, "max-running-tasks", 0, "Upper bound on concurrently running tasks")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if schedulerFile != "" {
		cfg.Scheduler.File = schedulerFile
	}
	if maxRunning > 0 {
		cfg.Scheduler.MaxRunningTasks = maxRunning
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		case "poll-interval":
			cfg.Scheduler.PollInterval = pollInterval
		}
	})

	switch cfg.Server.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q: want http, mcp or both", cfg.Server.Mode)
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

// Location returns the zone TIMED schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "edgelamp")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
