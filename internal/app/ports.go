package app

import (
	"context"
	"time"

	"github.com/hylla/concord/internal/domain"
)

// LockRepository persists lease locks.
type LockRepository interface {
	CreateLock(context.Context, domain.Lock) error
	GetLock(context.Context, string) (domain.Lock, error)
	ListLocks(context.Context, domain.LockFilter) ([]domain.Lock, error)
	TouchLock(ctx context.Context, lockID, token string, heartbeatAt, expiresAt time.Time) error
	TransitionLock(ctx context.Context, lockID, token string, from, to domain.LockStatus) error
}

// VersionRepository persists append-only version chains.
type VersionRepository interface {
	AppendVersion(context.Context, domain.VersionRecord) error
	GetVersion(ctx context.Context, resourceType, documentID string, version int64) (domain.VersionRecord, error)
	LatestVersion(ctx context.Context, resourceType, documentID string) (domain.VersionRecord, error)
	ListVersions(context.Context, domain.VersionFilter) ([]domain.VersionRecord, error)
}

// ConflictRepository persists conflict records.
type ConflictRepository interface {
	CreateConflict(context.Context, domain.ConflictRecord) error
	UpdatePendingConflict(context.Context, domain.ConflictRecord) error
	ResolveConflict(context.Context, domain.ConflictRecord) error
	GetConflict(context.Context, string) (domain.ConflictRecord, error)
	ListConflicts(context.Context, domain.ConflictFilter) ([]domain.ConflictRecord, error)
	CountConflicts(context.Context, domain.ConflictFilter) (int, error)
}

// LogRepository persists audit entries.
type LogRepository interface {
	AppendLogs(context.Context, []domain.LogEntry) error
	ListLogs(context.Context, domain.LogFilter) ([]domain.LogEntry, error)
}

// DocumentRepository reads and writes live documents.
type DocumentRepository interface {
	GetDocument(ctx context.Context, resourceType, documentID string) (domain.Document, error)
	PutDocument(context.Context, domain.Document) error
	DeleteDocument(ctx context.Context, resourceType, documentID string) error
}

// RoleRepository persists actor role assignments.
type RoleRepository interface {
	GetActorRole(context.Context, string) (domain.Role, error)
	SetActorRole(ctx context.Context, actorID string, role domain.Role, at time.Time) error
}

// Initializer repairs uninitialized backing storage.
type Initializer interface {
	Initialize(context.Context) error
}

// Repository represents the full remote-store contract used by the engine.
type Repository interface {
	LockRepository
	VersionRepository
	ConflictRepository
	LogRepository
	DocumentRepository
	RoleRepository
	Initializer
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds tickers for heartbeat and flush schedules.
type TickerFactory func(time.Duration) Ticker

// realTicker adapts time.Ticker.
type realTicker struct {
	t *time.Ticker
}

// C returns the tick channel.
func (r realTicker) C() <-chan time.Time { return r.t.C }

// Stop stops the ticker.
func (r realTicker) Stop() { r.t.Stop() }

// NewRealTicker returns a wall-clock ticker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
