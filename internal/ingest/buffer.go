package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	StatReadings  = "READINGS"
	StatDiscarded = "DISCARDED"

	defaultWorkers       = 2
	defaultBatchSize     = 100
	defaultStatsInterval = 5 * time.Second
	minQueueSize         = 30
	writeTimeout         = 10 * time.Second
)

var (
	ErrInvalidReading = errors.New("invalid reading")
	ErrClosed         = errors.New("ingest buffer is closed")
)

// Reading is one timestamped set of values for an asset.
type Reading struct {
	Asset     string         `json:"asset"`
	Key       string         `json:"key,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Values    map[string]any `json:"readings"`
}

// Validate checks the fields required before a reading is queued.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.Asset) == "" {
		return fmt.Errorf("%w: asset is required", ErrInvalidReading)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidReading)
	}
	if r.Key != "" {
		if _, err := uuid.Parse(r.Key); err != nil {
			return fmt.Errorf("%w: key must be a UUID: %v", ErrInvalidReading, err)
		}
	}
	if len(r.Values) == 0 {
		return fmt.Errorf("%w: readings must be a non-empty object", ErrInvalidReading)
	}
	return nil
}

// Statistic is a named counter kept by the store.
type Statistic struct {
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Value       int64     `json:"value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Sink persists readings and statistics counters.
type Sink interface {
	// InsertReadings stores the batch and returns how many rows were added;
	// readings whose key was already stored are skipped.
	InsertReadings(ctx context.Context, readings []Reading) (int, error)
	AddStatistics(ctx context.Context, deltas map[string]int64) error
}

// Options tunes a Buffer. Zero values select defaults.
type Options struct {
	Workers       int
	BatchSize     int
	StatsInterval time.Duration
}

// Buffer queues readings in a bounded channel and writes them to the Sink in
// batches from a fixed pool of workers.
type Buffer struct {
	sink   Sink
	logger *slog.Logger
	opts   Options

	queue     chan Reading
	stop      chan struct{}
	stopOnce  sync.Once
	closed    atomic.Bool
	workers   sync.WaitGroup
	statsDone chan struct{}

	received  atomic.Int64
	discarded atomic.Int64
}

// NewBuffer creates a buffer whose queue holds max(30, (2+workers)*batch) readings.
func NewBuffer(sink Sink, logger *slog.Logger, opts Options) *Buffer {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	size := (2 + opts.Workers) * opts.BatchSize
	if size < minQueueSize {
		size = minQueueSize
	}
	return &Buffer{
		sink:      sink,
		logger:    logger,
		opts:      opts,
		queue:     make(chan Reading, size),
		stop:      make(chan struct{}),
		statsDone: make(chan struct{}),
	}
}

// Capacity returns the queue bound.
func (b *Buffer) Capacity() int { return cap(b.queue) }

// Start launches the insert workers and the statistics flusher.
func (b *Buffer) Start() {
	for i := 0; i < b.opts.Workers; i++ {
		b.workers.Add(1)
		go b.work()
	}
	go b.statsLoop()
}

// Add validates the reading and queues it, blocking while the queue is full.
func (b *Buffer) Add(ctx context.Context, r Reading) error {
	if err := r.Validate(); err != nil {
		b.discarded.Add(1)
		return err
	}
	if b.closed.Load() {
		b.discarded.Add(1)
		return ErrClosed
	}
	select {
	case b.queue <- r:
		return nil
	case <-b.stop:
		b.discarded.Add(1)
		return ErrClosed
	case <-ctx.Done():
		b.discarded.Add(1)
		return ctx.Err()
	}
}

// Stop refuses new readings, drains the queue and flushes statistics.
func (b *Buffer) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.stop)
	})
	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		<-b.statsDone
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.flushStats()
	return nil
}

func (b *Buffer) work() {
	defer b.workers.Done()
	batch := make([]Reading, 0, b.opts.BatchSize)
	for {
		select {
		case r := <-b.queue:
			batch = append(batch[:0], r)
			batch = b.fill(batch)
			b.write(batch)
		case <-b.stop:
			for {
				batch = b.fill(batch[:0])
				if len(batch) == 0 {
					return
				}
				b.write(batch)
			}
		}
	}
}

// fill takes queued readings without blocking until the batch is full.
func (b *Buffer) fill(batch []Reading) []Reading {
	for len(batch) < b.opts.BatchSize {
		select {
		case r := <-b.queue:
			batch = append(batch, r)
		default:
			return batch
		}
	}
	return batch
}

func (b *Buffer) write(batch []Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	n, err := b.sink.InsertReadings(ctx, batch)
	if err != nil {
		b.discarded.Add(int64(len(batch)))
		b.logger.Warn("insert readings", "count", len(batch), "err", err)
		return
	}
	b.received.Add(int64(n))
}

func (b *Buffer) statsLoop() {
	defer close(b.statsDone)
	ticker := time.NewTicker(b.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flushStats()
		case <-b.stop:
			return
		}
	}
}

func (b *Buffer) flushStats() {
	received := b.received.Swap(0)
	discarded := b.discarded.Swap(0)
	if received == 0 && discarded == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := b.sink.AddStatistics(ctx, map[string]int64{
		StatReadings:  received,
		StatDiscarded: discarded,
	})
	if err != nil {
		b.received.Add(received)
		b.discarded.Add(discarded)
		b.logger.Warn("flush ingest statistics", "err", err)
	}
}
