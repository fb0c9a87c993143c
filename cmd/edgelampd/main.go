package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgelamp/internal/api"
	"edgelamp/internal/config"
	"edgelamp/internal/core"
	"edgelamp/internal/device"
	"edgelamp/internal/ingest"
	"edgelamp/internal/logging"
	edgelampmcp "edgelamp/internal/mcp"
	"edgelamp/internal/notify"
	"edgelamp/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp and both modes.
	var logOut io.Writer = os.Stdout
	if cfg.Server.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("edgelampd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	location := cfg.Location()
	launcher := core.NewExecLauncher(storeInst, logger, cfg.Scheduler.KillGrace)
	scheduler := core.NewScheduler(storeInst, launcher, logger, core.Options{
		Location:            location,
		PollInterval:        cfg.Scheduler.PollInterval,
		MaxRunningTasks:     cfg.Scheduler.MaxRunningTasks,
		MaxCompletedTaskAge: cfg.Scheduler.MaxCompletedTaskAge,
		StopWait:            cfg.Scheduler.StopWait,
		StoreAlertAfter:     cfg.Scheduler.StoreAlertAfter,
		Alerter:             newAlerter(cfg, logger),
	})

	var files *config.SchedulerFileManager
	if cfg.Scheduler.File != "" {
		files = config.NewSchedulerFileManager(cfg.Scheduler.File, logger)
		file, err := files.Load()
		if err != nil {
			return fmt.Errorf("load scheduler file: %w", err)
		}
		applySchedulerFile(ctx, scheduler, file, logger)
	}

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if files != nil {
		updates := files.Subscribe()
		go func() {
			if err := files.Watch(ctx); err != nil {
				logger.Error("watch scheduler file", "err", err)
			}
		}()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case file := <-updates:
					applySchedulerFile(ctx, scheduler, file, logger)
				}
			}
		}()
	}

	buffer := ingest.NewBuffer(storeInst, logger, ingest.Options{
		Workers:   cfg.Ingest.Workers,
		BatchSize: cfg.Ingest.BatchSize,
	})
	buffer.Start()
	pollerDone := make(chan struct{})
	if err := startDevicePoller(ctx, cfg, buffer, logger, pollerDone); err != nil {
		logger.Error("device plugin not started", "plugin", cfg.Ingest.DevicePlugin, "err", err)
		close(pollerDone)
	}

	mcpServer := edgelampmcp.NewMCPServer(scheduler, logger, location)

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Mode == "http" || cfg.Server.Mode == "both" {
		server, err = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, storeInst, scheduler, buffer, mcpServer.Handler(), logger, location)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	mcpDone := make(chan error, 1)
	if cfg.Server.Mode == "mcp" || cfg.Server.Mode == "both" {
		go func() {
			mcpDone <- mcpServer.Run()
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpDone:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		} else {
			logger.Info("mcp client disconnected")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	cancel()
	<-pollerDone
	if err := buffer.Stop(shutdownCtx); err != nil {
		logger.Warn("ingest buffer stop", "err", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newAlerter(cfg *config.Config, logger *slog.Logger) core.Alerter {
	notifiers := []notify.Notifier{&notify.LogNotifier{Logger: logger}}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL, notify.WithBarkGroup(cfg.Notification.Bark.Group))
		if err != nil {
			logger.Warn("bark notifications disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func applySchedulerFile(ctx context.Context, scheduler *core.Scheduler, file *config.SchedulerFile, logger *slog.Logger) {
	settings, err := file.Settings()
	if err != nil {
		logger.Error("scheduler file settings", "err", err)
		return
	}
	applyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := scheduler.ApplySettings(applyCtx, settings); err != nil {
		logger.Warn("scheduler file partially applied", "err", err)
	}
}

// startDevicePoller runs the configured south plugin until ctx is done and
// closes done when it returns.
func startDevicePoller(ctx context.Context, cfg *config.Config, buffer *ingest.Buffer, logger *slog.Logger, done chan struct{}) error {
	if cfg.Ingest.DevicePlugin == "" {
		close(done)
		return nil
	}
	plugin, err := device.Lookup(cfg.Ingest.DevicePlugin)
	if err != nil {
		return err
	}
	if err := plugin.Init(cfg.Ingest.DeviceConfig); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	poller := device.NewPoller(plugin, buffer, logger)
	go func() {
		defer close(done)
		if err := poller.Run(ctx); err != nil {
			logger.Error("device poller", "err", err)
		}
	}()
	return nil
}
