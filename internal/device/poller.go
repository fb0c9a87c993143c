package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"edgelamp/internal/ingest"
)

// Adder accepts readings for storage.
type Adder interface {
	Add(ctx context.Context, r ingest.Reading) error
}

// Poller polls one plugin at its interval and feeds the readings to an Adder.
type Poller struct {
	plugin Plugin
	sink   Adder
	logger *slog.Logger
}

func NewPoller(plugin Plugin, sink Adder, logger *slog.Logger) *Poller {
	return &Poller{plugin: plugin, sink: sink, logger: logger}
}

// Run polls until ctx is done, then shuts the plugin down.
func (p *Poller) Run(ctx context.Context) error {
	info := p.plugin.Info()
	interval := info.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	p.logger.Info("device poller started", "plugin", info.Name, "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		if err := p.plugin.Shutdown(); err != nil {
			p.logger.Warn("device plugin shutdown", "plugin", info.Name, "err", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		readings, err := p.plugin.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("device poll", "plugin", info.Name, "err", err)
			continue
		}
		for _, r := range readings {
			if err := p.sink.Add(ctx, r); err != nil {
				if errors.Is(err, ingest.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("queue reading", "plugin", info.Name, "asset", r.Asset, "err", err)
			}
		}
	}
}
