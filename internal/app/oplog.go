package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// Log pipeline defaults.
const (
	DefaultLogBatchSize      = 50
	DefaultLogFlushThreshold = 20
	DefaultLogFlushInterval  = 2 * time.Second
	DefaultLogMaxAttempts    = 3
)

// LogPipelineConfig holds batching settings.
type LogPipelineConfig struct {
	BatchSize      int
	FlushThreshold int
	FlushInterval  time.Duration
	MaxAttempts    int
}

// LogOptions adjusts how one entry is written.
type LogOptions struct {
	Immediate bool
}

// LogPipeline batches audit entries. Error and critical entries, and entries
// marked immediate, are written synchronously. A failed batch is requeued at the
// front; routine entries are dropped after MaxAttempts failures, severe entries
// never are.
type LogPipeline struct {
	repo      LogRepository
	boundary  *Boundary
	idGen     IDGenerator
	clock     Clock
	newTicker TickerFactory
	logger    *log.Logger

	batchSize   int
	threshold   int
	interval    time.Duration
	maxAttempts int

	flushMu sync.Mutex
	mu      sync.Mutex
	queue   []domain.LogEntry
	dropped int
}

// NewLogPipeline constructs a log pipeline.
func NewLogPipeline(repo LogRepository, boundary *Boundary, idGen IDGenerator, clock Clock, newTicker TickerFactory, logger *log.Logger, cfg LogPipelineConfig) *LogPipeline {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultLogBatchSize
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultLogFlushThreshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultLogFlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultLogMaxAttempts
	}
	return &LogPipeline{
		repo:        repo,
		boundary:    boundary,
		idGen:       idGen,
		clock:       clock,
		newTicker:   newTicker,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		threshold:   cfg.FlushThreshold,
		interval:    cfg.FlushInterval,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Log validates and writes or enqueues one entry.
func (p *LogPipeline) Log(ctx context.Context, in domain.LogEntryInput, opts LogOptions) (domain.LogEntry, error) {
	if in.LogID == "" {
		in.LogID = p.idGen()
	}
	entry, err := domain.NewLogEntry(in, p.clock())
	if err != nil {
		return domain.LogEntry{}, err
	}

	if entry.IsSevere() || opts.Immediate {
		if err := p.write(ctx, []domain.LogEntry{entry}); err != nil {
			entry.RetryCount++
			p.requeue([]domain.LogEntry{entry})
			p.logger.Error("audit entry write failed; requeued", "log_id", entry.LogID, "level", entry.Level, "err", err)
			return entry, fmt.Errorf("write log entry: %w", err)
		}
		return entry, nil
	}

	p.mu.Lock()
	p.queue = append(p.queue, entry)
	n := len(p.queue)
	p.mu.Unlock()
	if n >= p.threshold {
		if _, err := p.flushBatch(ctx); err != nil {
			p.logger.Warn("threshold flush failed", "pending", p.Pending(), "err", err)
		}
	}
	return entry, nil
}

// Flush writes one batch and returns how many entries were persisted.
func (p *LogPipeline) Flush(ctx context.Context) (int, error) {
	return p.flushBatch(ctx)
}

// Drain writes batches until the queue is empty or a write fails.
func (p *LogPipeline) Drain(ctx context.Context) (int, error) {
	total := 0
	for p.Pending() > 0 {
		n, err := p.flushBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Pending returns the number of queued entries.
func (p *LogPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns how many routine entries were discarded after repeated failures.
func (p *LogPipeline) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// List returns persisted entries matching filter.
func (p *LogPipeline) List(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	return boundaryCall(ctx, p.boundary, "list logs", func(ctx context.Context) ([]domain.LogEntry, error) {
		return p.repo.ListLogs(ctx, filter)
	})
}

// Run flushes one batch per tick until ctx is done, then drains the queue.
func (p *LogPipeline) Run(ctx context.Context) error {
	if p.newTicker == nil {
		<-ctx.Done()
		return p.close(ctx)
	}
	ticker := p.newTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.close(ctx)
		case <-ticker.C():
			if _, err := p.flushBatch(ctx); err != nil {
				p.logger.Warn("periodic log flush failed", "pending", p.Pending(), "err", err)
			}
		}
	}
}

// close drains with a context that outlives the cancelled run context.
func (p *LogPipeline) close(ctx context.Context) error {
	_, err := p.Drain(context.WithoutCancel(ctx))
	return err
}

// flushBatch takes up to batchSize entries from the front and writes them.
func (p *LogPipeline) flushBatch(ctx context.Context) (int, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	n := min(len(p.queue), p.batchSize)
	batch := slices.Clone(p.queue[:n])
	p.queue = slices.Clone(p.queue[n:])
	p.mu.Unlock()
	if n == 0 {
		return 0, nil
	}

	err := p.write(ctx, batch)
	if err == nil {
		p.logger.Debug("audit batch flushed", "count", n)
		return n, nil
	}

	retained := make([]domain.LogEntry, 0, len(batch))
	dropped := 0
	for _, entry := range batch {
		entry.RetryCount++
		if !entry.IsSevere() && entry.RetryCount >= p.maxAttempts {
			dropped++
			continue
		}
		retained = append(retained, entry)
	}
	p.requeue(retained)
	if dropped > 0 {
		p.mu.Lock()
		p.dropped += dropped
		p.mu.Unlock()
		p.logger.Warn("audit entries dropped after repeated failures", "count", dropped, "max_attempts", p.maxAttempts)
	}
	return 0, fmt.Errorf("flush %d log entries: %w", n, err)
}

// requeue puts entries back at the front of the queue.
func (p *LogPipeline) requeue(entries []domain.LogEntry) {
	if len(entries) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(slices.Clone(entries), p.queue...)
}

// write persists entries through the store boundary.
func (p *LogPipeline) write(ctx context.Context, entries []domain.LogEntry) error {
	return p.boundary.Do(ctx, "append logs", func(ctx context.Context) error {
		return p.repo.AppendLogs(ctx, entries)
	})
}
