package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hylla/concord/internal/domain"
)

func newTestLogPipeline(repo *fakeRepo, hub *tickerHub, cfg LogPipelineConfig) *LogPipeline {
	var factory TickerFactory
	if hub != nil {
		factory = hub.factory
	}
	return NewLogPipeline(repo, NewBoundary(repo, quietLogger()), sequentialIDs("log"), newTestClock().Now, factory, quietLogger(), cfg)
}

func routineEntry(i int) domain.LogEntryInput {
	return domain.LogEntryInput{
		OperationType: "update",
		ActorID:       "alice",
		Level:         domain.LogLevelInfo,
		Details:       fmt.Sprintf("entry %d", i),
	}
}

func TestLogPipelineThresholdFlush(t *testing.T) {
	repo := newFakeRepo()
	pipeline := newTestLogPipeline(repo, nil, LogPipelineConfig{})
	ctx := context.Background()

	for i := range 25 {
		if _, err := pipeline.Log(ctx, routineEntry(i), LogOptions{}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}
	if repo.appendLogsCalls != 1 {
		t.Fatalf("AppendLogs calls = %d, want 1", repo.appendLogsCalls)
	}
	if got := len(repo.storedLogs()); got != 20 {
		t.Fatalf("stored logs = %d, want 20", got)
	}
	if got := pipeline.Pending(); got != 5 {
		t.Fatalf("Pending() = %d, want 5", got)
	}

	n, err := pipeline.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 5 || pipeline.Pending() != 0 {
		t.Fatalf("Drain() = %d with %d pending, want 5 with 0", n, pipeline.Pending())
	}
	stored := repo.storedLogs()
	if stored[0].Details != "entry 0" || stored[24].Details != "entry 24" {
		t.Fatalf("stored entries out of order: first %q last %q", stored[0].Details, stored[24].Details)
	}
}

func TestLogPipelineSevereEntriesWriteImmediately(t *testing.T) {
	repo := newFakeRepo()
	pipeline := newTestLogPipeline(repo, nil, LogPipelineConfig{})
	ctx := context.Background()

	entry, err := pipeline.Log(ctx, domain.LogEntryInput{OperationType: "update", ActorID: "bob", Level: domain.LogLevelError, Details: "permission denied"}, LogOptions{})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if entry.LogID == "" {
		t.Fatal("expected generated log id")
	}
	if _, err := pipeline.Log(ctx, routineEntry(1), LogOptions{Immediate: true}); err != nil {
		t.Fatalf("Log(immediate) error = %v", err)
	}
	if got := len(repo.storedLogs()); got != 2 {
		t.Fatalf("stored logs = %d, want 2", got)
	}
	if pipeline.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", pipeline.Pending())
	}
	errs, err := pipeline.List(ctx, domain.LogFilter{Levels: []domain.LogLevel{domain.LogLevelError}})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(errs) != 1 || errs[0].ActorID != "bob" {
		t.Fatalf("List(error) = %#v", errs)
	}
}

func TestLogPipelineRequeuesAndDropsRoutineEntries(t *testing.T) {
	repo := newFakeRepo()
	repo.appendLogsErr = errors.New("connection reset")
	pipeline := newTestLogPipeline(repo, nil, LogPipelineConfig{FlushThreshold: 100, MaxAttempts: 2})
	ctx := context.Background()

	if _, err := pipeline.Log(ctx, routineEntry(0), LogOptions{}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	severe, err := pipeline.Log(ctx, domain.LogEntryInput{OperationType: "delete", ActorID: "bob", Level: domain.LogLevelCritical}, LogOptions{})
	if !errors.Is(err, domain.ErrInfrastructure) {
		t.Fatalf("expected infrastructure error for severe write, got %v", err)
	}
	if severe.LogID == "" {
		t.Fatal("expected severe entry returned even on failure")
	}
	if pipeline.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", pipeline.Pending())
	}

	for range 3 {
		if _, err := pipeline.Flush(ctx); err == nil {
			t.Fatal("expected Flush() to fail")
		}
	}
	if pipeline.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", pipeline.Dropped())
	}
	if pipeline.Pending() != 1 {
		t.Fatalf("Pending() = %d, want only the severe entry", pipeline.Pending())
	}

	repo.mu.Lock()
	repo.appendLogsErr = nil
	repo.mu.Unlock()
	if _, err := pipeline.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	stored := repo.storedLogs()
	if len(stored) != 1 || stored[0].Level != domain.LogLevelCritical {
		t.Fatalf("stored = %#v, want the critical entry", stored)
	}
	if stored[0].RetryCount < 2 {
		t.Fatalf("RetryCount = %d, want at least 2", stored[0].RetryCount)
	}
}

func TestLogPipelineRunFlushesOnTickAndDrainsOnCancel(t *testing.T) {
	repo := newFakeRepo()
	hub := &tickerHub{}
	pipeline := newTestLogPipeline(repo, hub, LogPipelineConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx) }()

	for i := range 3 {
		if _, err := pipeline.Log(context.Background(), routineEntry(i), LogOptions{}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}
	ticker := hub.ticker(t, 0)
	tick(t, ticker, time.Now())
	eventually(t, func() bool { return len(repo.storedLogs()) == 3 })

	if _, err := pipeline.Log(context.Background(), routineEntry(3), LogOptions{}); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := len(repo.storedLogs()); got != 4 {
		t.Fatalf("stored logs = %d, want 4 after drain", got)
	}
	if !ticker.stopped.Load() {
		t.Fatal("expected ticker stopped")
	}
}

func TestLogPipelineRejectsInvalidEntries(t *testing.T) {
	pipeline := newTestLogPipeline(newFakeRepo(), nil, LogPipelineConfig{})
	if _, err := pipeline.Log(context.Background(), domain.LogEntryInput{ActorID: "alice"}, LogOptions{}); !errors.Is(err, domain.ErrInvalidOperationKind) {
		t.Fatalf("expected ErrInvalidOperationKind, got %v", err)
	}
	if _, err := pipeline.Log(context.Background(), domain.LogEntryInput{OperationType: "update", Level: "loud"}, LogOptions{}); !errors.Is(err, domain.ErrInvalidLogLevel) {
		t.Fatalf("expected ErrInvalidLogLevel, got %v", err)
	}
}
