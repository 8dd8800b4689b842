package app

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

type fakeRepo struct {
	mu        sync.Mutex
	locks     map[string]domain.Lock
	versions  map[string][]domain.VersionRecord
	conflicts map[string]domain.ConflictRecord
	order     []string
	logs      []domain.LogEntry
	docs      map[string]domain.Document
	roles     map[string]domain.Role

	uninitialized bool
	initCalls     int
	initErr       error

	touchErr        error
	appendLogsErr   error
	appendLogsCalls int
	beforeAppend    func(domain.VersionRecord)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		locks:     map[string]domain.Lock{},
		versions:  map[string][]domain.VersionRecord{},
		conflicts: map[string]domain.ConflictRecord{},
		docs:      map[string]domain.Document{},
		roles:     map[string]domain.Role{},
	}
}

func docKey(resourceType, documentID string) string {
	return resourceType + "/" + documentID
}

func (f *fakeRepo) ready() error {
	if f.uninitialized {
		return fmt.Errorf("no such table: %w", domain.ErrStoreUninitialized)
	}
	return nil
}

func (f *fakeRepo) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return f.initErr
	}
	f.uninitialized = false
	return nil
}

func (f *fakeRepo) CreateLock(_ context.Context, lock domain.Lock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return err
	}
	for _, existing := range f.locks {
		if existing.Status == domain.LockStatusActive && existing.ResourceType == lock.ResourceType && existing.DocumentID == lock.DocumentID {
			return domain.ErrLockExists
		}
	}
	f.locks[lock.LockID] = lock
	return nil
}

func (f *fakeRepo) GetLock(_ context.Context, lockID string) (domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[lockID]
	if !ok {
		return domain.Lock{}, ErrNotFound
	}
	return lock, nil
}

func (f *fakeRepo) ListLocks(_ context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return nil, err
	}
	out := make([]domain.Lock, 0)
	for _, lock := range f.locks {
		if filter.ResourceType != "" && lock.ResourceType != filter.ResourceType {
			continue
		}
		if filter.DocumentID != "" && lock.DocumentID != filter.DocumentID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, lock.Status) {
			continue
		}
		if filter.ExcludeHolderID != "" && lock.HolderID == filter.ExcludeHolderID {
			continue
		}
		if filter.HeartbeatBefore != nil && !lock.LastHeartbeat.Before(*filter.HeartbeatBefore) {
			continue
		}
		out = append(out, lock)
	}
	slices.SortFunc(out, func(a, b domain.Lock) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRepo) TouchLock(_ context.Context, lockID, token string, heartbeatAt, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	lock, ok := f.locks[lockID]
	if !ok || lock.Token != token || lock.Status != domain.LockStatusActive {
		return ErrNotFound
	}
	lock.LastHeartbeat = heartbeatAt
	lock.ExpiresAt = expiresAt
	f.locks[lockID] = lock
	return nil
}

func (f *fakeRepo) TransitionLock(_ context.Context, lockID, token string, from, to domain.LockStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[lockID]
	if !ok || lock.Token != token || lock.Status != from {
		return ErrNotFound
	}
	lock.Status = to
	f.locks[lockID] = lock
	return nil
}

func (f *fakeRepo) lock(lockID string) domain.Lock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[lockID]
}

func (f *fakeRepo) AppendVersion(_ context.Context, rec domain.VersionRecord) error {
	if f.beforeAppend != nil {
		f.beforeAppend(rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return err
	}
	key := docKey(rec.ResourceType, rec.DocumentID)
	for _, existing := range f.versions[key] {
		if existing.Version == rec.Version {
			return domain.ErrVersionExists
		}
	}
	f.versions[key] = append(f.versions[key], rec)
	slices.SortFunc(f.versions[key], func(a, b domain.VersionRecord) int { return cmp.Compare(a.Version, b.Version) })
	return nil
}

func (f *fakeRepo) GetVersion(_ context.Context, resourceType, documentID string, version int64) (domain.VersionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return domain.VersionRecord{}, err
	}
	for _, rec := range f.versions[docKey(resourceType, documentID)] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return domain.VersionRecord{}, ErrNotFound
}

func (f *fakeRepo) LatestVersion(_ context.Context, resourceType, documentID string) (domain.VersionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return domain.VersionRecord{}, err
	}
	chain := f.versions[docKey(resourceType, documentID)]
	if len(chain) == 0 {
		return domain.VersionRecord{}, ErrNotFound
	}
	return chain[len(chain)-1], nil
}

func (f *fakeRepo) ListVersions(_ context.Context, filter domain.VersionFilter) ([]domain.VersionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return nil, err
	}
	out := make([]domain.VersionRecord, 0)
	for _, rec := range f.versions[docKey(filter.ResourceType, filter.DocumentID)] {
		if rec.Version <= filter.SinceVersion {
			continue
		}
		if filter.AuthorID != "" && rec.AuthorID != filter.AuthorID {
			continue
		}
		out = append(out, rec)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRepo) seedVersion(t *testing.T, resourceType, documentID string, version int64, author string, snapshot domain.Snapshot, at time.Time) {
	t.Helper()
	rec, err := domain.NewVersionRecord(domain.VersionInput{
		ResourceType:  resourceType,
		DocumentID:    documentID,
		Version:       version,
		Snapshot:      snapshot,
		OperationKind: domain.VersionKindUpdate,
		AuthorID:      author,
	}, at)
	if err != nil {
		t.Fatalf("NewVersionRecord() error = %v", err)
	}
	if err := f.AppendVersion(context.Background(), rec); err != nil {
		t.Fatalf("AppendVersion() error = %v", err)
	}
}

func (f *fakeRepo) CreateConflict(_ context.Context, rec domain.ConflictRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return err
	}
	f.conflicts[rec.ConflictID] = rec
	f.order = append(f.order, rec.ConflictID)
	return nil
}

func (f *fakeRepo) UpdatePendingConflict(_ context.Context, rec domain.ConflictRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.conflicts[rec.ConflictID]
	if !ok || !existing.IsPending() {
		return ErrNotFound
	}
	f.conflicts[rec.ConflictID] = rec
	return nil
}

func (f *fakeRepo) ResolveConflict(_ context.Context, rec domain.ConflictRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.conflicts[rec.ConflictID]
	if !ok {
		return ErrNotFound
	}
	if !existing.IsPending() {
		return domain.ErrConflictAlreadyResolved
	}
	f.conflicts[rec.ConflictID] = rec
	return nil
}

func (f *fakeRepo) GetConflict(_ context.Context, conflictID string) (domain.ConflictRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.conflicts[conflictID]
	if !ok {
		return domain.ConflictRecord{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) ListConflicts(_ context.Context, filter domain.ConflictFilter) ([]domain.ConflictRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ready(); err != nil {
		return nil, err
	}
	out := make([]domain.ConflictRecord, 0)
	for i := len(f.order) - 1; i >= 0; i-- {
		rec := f.conflicts[f.order[i]]
		if filter.ResourceType != "" && rec.ResourceType != filter.ResourceType {
			continue
		}
		if filter.DocumentID != "" && rec.DocumentID != filter.DocumentID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, rec.Status) {
			continue
		}
		out = append(out, rec)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRepo) CountConflicts(ctx context.Context, filter domain.ConflictFilter) (int, error) {
	filter.Limit = 0
	out, err := f.ListConflicts(ctx, filter)
	return len(out), err
}

func (f *fakeRepo) AppendLogs(_ context.Context, entries []domain.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendLogsCalls++
	if f.appendLogsErr != nil {
		return f.appendLogsErr
	}
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeRepo) ListLogs(_ context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LogEntry, 0)
	for _, entry := range f.logs {
		if filter.ActorID != "" && entry.ActorID != filter.ActorID {
			continue
		}
		if len(filter.Levels) > 0 && !slices.Contains(filter.Levels, entry.Level) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeRepo) storedLogs() []domain.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.logs)
}

func (f *fakeRepo) GetDocument(_ context.Context, resourceType, documentID string) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docKey(resourceType, documentID)]
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return doc, nil
}

func (f *fakeRepo) PutDocument(_ context.Context, doc domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[docKey(doc.ResourceType, doc.DocumentID)] = doc
	return nil
}

func (f *fakeRepo) DeleteDocument(_ context.Context, resourceType, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := docKey(resourceType, documentID)
	if _, ok := f.docs[key]; !ok {
		return ErrNotFound
	}
	delete(f.docs, key)
	return nil
}

func (f *fakeRepo) GetActorRole(_ context.Context, actorID string) (domain.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[actorID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) SetActorRole(_ context.Context, actorID string, role domain.Role, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[actorID] = role
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() { t.stopped.Store(true) }

type tickerHub struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (h *tickerHub) factory(time.Duration) Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	h.mu.Lock()
	h.tickers = append(h.tickers, t)
	h.mu.Unlock()
	return t
}

func (h *tickerHub) ticker(t *testing.T, i int) *manualTicker {
	t.Helper()
	var out *manualTicker
	eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.tickers) <= i {
			return false
		}
		out = h.tickers[i]
		return true
	})
	return out
}

func tick(t *testing.T, ticker *manualTicker, at time.Time) {
	t.Helper()
	select {
	case ticker.ch <- at:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker receiver did not accept tick")
	}
}

// heartbeat delivers two ticks; the second is accepted only after the first
// tick's store write returned.
func heartbeat(t *testing.T, ticker *manualTicker, at time.Time) {
	t.Helper()
	tick(t, ticker, at)
	tick(t, ticker, at)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func sequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, 0)
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func int64Ptr(v int64) *int64 {
	return &v
}
