package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/domain"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "concord.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

func TestRepository_LockLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	lock, err := domain.NewLock(domain.LockInput{
		LockID:        "l1",
		Token:         "tok-1",
		ResourceType:  "budget",
		DocumentID:    "b1",
		HolderID:      "alice",
		LeaseDuration: 30 * time.Second,
	}, now)
	if err != nil {
		t.Fatalf("NewLock() error = %v", err)
	}
	if err := repo.CreateLock(ctx, lock); err != nil {
		t.Fatalf("CreateLock() error = %v", err)
	}

	rival := lock
	rival.LockID, rival.Token, rival.HolderID = "l2", "tok-2", "bob"
	if err := repo.CreateLock(ctx, rival); !errors.Is(err, domain.ErrLockExists) {
		t.Fatalf("expected ErrLockExists, got %v", err)
	}

	later := now.Add(10 * time.Second)
	if err := repo.TouchLock(ctx, "l1", "tok-1", later, later.Add(30*time.Second)); err != nil {
		t.Fatalf("TouchLock() error = %v", err)
	}
	if err := repo.TouchLock(ctx, "l1", "wrong", later, later); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong token, got %v", err)
	}
	loaded, err := repo.GetLock(ctx, "l1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if !loaded.LastHeartbeat.Equal(later) || loaded.LeaseDuration != 30*time.Second || loaded.HolderID != "alice" {
		t.Fatalf("unexpected lock %#v", loaded)
	}

	stale := now.Add(5 * time.Second)
	listed, err := repo.ListLocks(ctx, domain.LockFilter{Statuses: []domain.LockStatus{domain.LockStatusActive}, HeartbeatBefore: &stale})
	if err != nil {
		t.Fatalf("ListLocks(stale) error = %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no stale locks after heartbeat, got %#v", listed)
	}
	listed, err = repo.ListLocks(ctx, domain.LockFilter{ResourceType: "budget", DocumentID: "b1", ExcludeHolderID: "bob"})
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListLocks() = %#v, %v; want one lock", listed, err)
	}

	if err := repo.TransitionLock(ctx, "l1", "tok-1", domain.LockStatusActive, domain.LockStatusReleased); err != nil {
		t.Fatalf("TransitionLock() error = %v", err)
	}
	if err := repo.TransitionLock(ctx, "l1", "tok-1", domain.LockStatusActive, domain.LockStatusExpired); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for second transition, got %v", err)
	}
	if err := repo.CreateLock(ctx, rival); err != nil {
		t.Fatalf("CreateLock() after release error = %v", err)
	}
}

func TestRepository_VersionChain(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for v := int64(1); v <= 3; v++ {
		author := "alice"
		if v == 2 {
			author = "bob"
		}
		rec, err := domain.NewVersionRecord(domain.VersionInput{
			ResourceType:  "budget",
			DocumentID:    "b1",
			Version:       v,
			Snapshot:      domain.Snapshot{"amount": v * 100, "tags": []any{"a"}},
			OperationKind: domain.VersionKindUpdate,
			AuthorID:      author,
		}, now.Add(time.Duration(v)*time.Second))
		if err != nil {
			t.Fatalf("NewVersionRecord() error = %v", err)
		}
		if err := repo.AppendVersion(ctx, rec); err != nil {
			t.Fatalf("AppendVersion(%d) error = %v", v, err)
		}
		if v == 3 {
			if err := repo.AppendVersion(ctx, rec); !errors.Is(err, domain.ErrVersionExists) {
				t.Fatalf("expected ErrVersionExists, got %v", err)
			}
		}
	}

	latest, err := repo.LatestVersion(ctx, "budget", "b1")
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest.Version != 3 || !latest.Verify() {
		t.Fatalf("unexpected latest %#v", latest)
	}
	since, err := repo.ListVersions(ctx, domain.VersionFilter{ResourceType: "budget", DocumentID: "b1", SinceVersion: 1})
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(since) != 2 || since[0].Version != 2 || since[1].Version != 3 {
		t.Fatalf("ListVersions(since 1) = %#v", since)
	}
	byBob, err := repo.ListVersions(ctx, domain.VersionFilter{ResourceType: "budget", DocumentID: "b1", AuthorID: "bob"})
	if err != nil || len(byBob) != 1 || byBob[0].Version != 2 {
		t.Fatalf("ListVersions(bob) = %#v, %v", byBob, err)
	}
	if _, err := repo.GetVersion(ctx, "budget", "b1", 9); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.LatestVersion(ctx, "budget", "missing"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty chain, got %v", err)
	}
}

func TestRepository_ConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := domain.NewConflictRecord(domain.ConflictInput{
		ConflictID:          "c1",
		ResourceType:        "budget",
		DocumentID:          "b1",
		Kind:                domain.ConflictKindVersion,
		InvolvedActorIDs:    []string{"bob", "alice"},
		BaseVersion:         4,
		ConflictingVersions: []int64{5},
	}, now)
	if err != nil {
		t.Fatalf("NewConflictRecord() error = %v", err)
	}
	if err := repo.CreateConflict(ctx, rec); err != nil {
		t.Fatalf("CreateConflict() error = %v", err)
	}
	rec.AddVersions(6)
	if err := repo.UpdatePendingConflict(ctx, rec); err != nil {
		t.Fatalf("UpdatePendingConflict() error = %v", err)
	}

	older, err := domain.NewConflictRecord(domain.ConflictInput{
		ConflictID:       "c0",
		ResourceType:     "note",
		DocumentID:       "n1",
		InvolvedActorIDs: []string{"carol"},
	}, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("NewConflictRecord() error = %v", err)
	}
	if err := repo.CreateConflict(ctx, older); err != nil {
		t.Fatalf("CreateConflict() error = %v", err)
	}
	list, err := repo.ListConflicts(ctx, domain.ConflictFilter{})
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(list) != 2 || list[0].ConflictID != "c1" {
		t.Fatalf("expected newest first, got %#v", list)
	}
	if len(list[0].ConflictingVersions) != 2 || list[0].InvolvedActorIDs[0] != "bob" {
		t.Fatalf("unexpected decoded record %#v", list[0])
	}

	if err := rec.MarkResolved(domain.StrategyMerge, domain.Resolution{AppliedVersion: 7, Note: "merged"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkResolved() error = %v", err)
	}
	if err := repo.ResolveConflict(ctx, rec); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if err := repo.ResolveConflict(ctx, rec); !errors.Is(err, domain.ErrConflictAlreadyResolved) {
		t.Fatalf("expected ErrConflictAlreadyResolved, got %v", err)
	}
	if err := repo.UpdatePendingConflict(ctx, rec); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating resolved record, got %v", err)
	}
	missing := rec
	missing.ConflictID = "nope"
	if err := repo.ResolveConflict(ctx, missing); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}

	loaded, err := repo.GetConflict(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if loaded.Status != domain.ConflictStatusResolved || loaded.Resolution.AppliedVersion != 7 || loaded.ResolvedAt == nil {
		t.Fatalf("unexpected resolved record %#v", loaded)
	}
	pending, err := repo.CountConflicts(ctx, domain.ConflictFilter{Statuses: []domain.ConflictStatus{domain.ConflictStatusPending}})
	if err != nil || pending != 1 {
		t.Fatalf("CountConflicts(pending) = %d, %v; want 1", pending, err)
	}
}

func TestRepository_LogsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var batch []domain.LogEntry
	for i, level := range []domain.LogLevel{domain.LogLevelInfo, domain.LogLevelError} {
		entry, err := domain.NewLogEntry(domain.LogEntryInput{
			LogID:         []string{"log-1", "log-2"}[i],
			OperationType: "update",
			ActorID:       "alice",
			Level:         level,
			Metadata:      map[string]string{"document_id": "b1"},
		}, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("NewLogEntry() error = %v", err)
		}
		batch = append(batch, entry)
	}
	if err := repo.AppendLogs(ctx, batch); err != nil {
		t.Fatalf("AppendLogs() error = %v", err)
	}
	if err := repo.AppendLogs(ctx, batch); err != nil {
		t.Fatalf("AppendLogs(retry) error = %v", err)
	}

	all, err := repo.ListLogs(ctx, domain.LogFilter{})
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(all) != 2 || all[0].LogID != "log-1" || all[0].Metadata["document_id"] != "b1" {
		t.Fatalf("unexpected logs %#v", all)
	}
	since := now.Add(500 * time.Millisecond)
	errs, err := repo.ListLogs(ctx, domain.LogFilter{Levels: []domain.LogLevel{domain.LogLevelError}, Since: &since})
	if err != nil || len(errs) != 1 || errs[0].LogID != "log-2" {
		t.Fatalf("ListLogs(error since) = %#v, %v", errs, err)
	}
}

func TestRepository_DocumentsAndRoles(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	doc := domain.Document{ResourceType: "budget", DocumentID: "b1", Body: domain.Snapshot{"amount": 1}, UpdatedAt: now, UpdatedBy: "alice"}
	if err := repo.PutDocument(ctx, doc); err != nil {
		t.Fatalf("PutDocument() error = %v", err)
	}
	doc.Body, doc.UpdatedBy = domain.Snapshot{"amount": 2}, "bob"
	if err := repo.PutDocument(ctx, doc); err != nil {
		t.Fatalf("PutDocument(overwrite) error = %v", err)
	}
	loaded, err := repo.GetDocument(ctx, "budget", "b1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if loaded.Body["amount"] != float64(2) || loaded.UpdatedBy != "bob" {
		t.Fatalf("unexpected document %#v", loaded)
	}
	if err := repo.DeleteDocument(ctx, "budget", "b1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if err := repo.DeleteDocument(ctx, "budget", "b1"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := repo.GetActorRole(ctx, "alice"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.SetActorRole(ctx, "alice", domain.RoleAdmin, now); err != nil {
		t.Fatalf("SetActorRole() error = %v", err)
	}
	if err := repo.SetActorRole(ctx, "alice", domain.RoleOwner, now); err != nil {
		t.Fatalf("SetActorRole(replace) error = %v", err)
	}
	role, err := repo.GetActorRole(ctx, "alice")
	if err != nil || role != domain.RoleOwner {
		t.Fatalf("GetActorRole() = %q, %v; want owner", role, err)
	}
}

func TestRepository_UninitializedStoreIsRepairable(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	if _, err := repo.db.ExecContext(ctx, `DROP TABLE locks`); err != nil {
		t.Fatalf("drop table error = %v", err)
	}

	if _, err := repo.ListLocks(ctx, domain.LockFilter{}); !errors.Is(err, domain.ErrStoreUninitialized) {
		t.Fatalf("expected ErrStoreUninitialized, got %v", err)
	}
	if err := repo.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	locks, err := repo.ListLocks(ctx, domain.LockFilter{})
	if err != nil || len(locks) != 0 {
		t.Fatalf("ListLocks() after repair = %#v, %v", locks, err)
	}
}

func TestRepository_EngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	engine, err := app.NewEngine(repo, uuid.NewString, nil, app.EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})

	res, err := engine.WriteDocument(ctx, app.WriteDocumentInput{
		ResourceType: "budget",
		DocumentID:   "b1",
		ActorID:      "alice",
		Body:         domain.Snapshot{"amount": 100},
		RequireLock:  true,
	})
	if err != nil {
		t.Fatalf("WriteDocument() error = %v", err)
	}
	if res.Version != 1 {
		t.Fatalf("Version = %d, want 1", res.Version)
	}
	state, err := engine.LockStatus(ctx, "budget", "b1")
	if err != nil || state.Locked {
		t.Fatalf("LockStatus() = %#v, %v; want released", state, err)
	}
}
