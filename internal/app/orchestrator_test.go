package app

import (
	"context"
	"errors"
	"testing"

	"github.com/hylla/concord/internal/domain"
)

type engineFixture struct {
	engine *Engine
	repo   *fakeRepo
	clock  *testClock
	hub    *tickerHub
	events *eventRecorder
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	repo := newFakeRepo()
	clock := newTestClock()
	hub := &tickerHub{}
	events := &eventRecorder{}
	bus := NewEventBus(quietLogger())
	bus.Subscribe(events.Publish)
	engine, err := NewEngine(repo, sequentialIDs("id"), clock.Now, cfg,
		WithLogger(quietLogger()),
		WithTickerFactory(hub.factory),
		WithEventBus(bus),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})
	return &engineFixture{engine: engine, repo: repo, clock: clock, hub: hub, events: events}
}

func (f *engineFixture) write(t *testing.T, actorID string, baseline *int64, body domain.Snapshot) ExecuteResult {
	t.Helper()
	res, err := f.engine.WriteDocument(context.Background(), WriteDocumentInput{
		ResourceType:       "budget",
		DocumentID:         "b1",
		ActorID:            actorID,
		Body:               body,
		BaselineVersion:    baseline,
		ConflictPrevention: true,
	})
	if err != nil {
		t.Fatalf("WriteDocument(%s) error = %v", actorID, err)
	}
	return res
}

func TestExecuteStrictPrecheckBlocksStaleWrite(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Orchestrator: OrchestratorConfig{Policy: ConflictPolicyStrict, RecordConflicts: true}})
	for i := range 4 {
		f.write(t, "alice", nil, domain.Snapshot{"amount": 100 + i})
	}

	called := false
	_, err := f.engine.ExecuteCollaborativeOperation(context.Background(), ExecuteInput{
		OperationKind:      domain.OperationUpdate,
		ResourceType:       "budget",
		ActorID:            "bob",
		DataID:             "b1",
		ConflictPrevention: true,
		BaselineVersion:    int64Ptr(3),
		Business: func(context.Context) (domain.Snapshot, error) {
			called = true
			return domain.Snapshot{"amount": 1}, nil
		},
	})
	var potential *domain.PotentialConflictError
	if !errors.As(err, &potential) {
		t.Fatalf("expected PotentialConflictError, got %v", err)
	}
	if potential.Assessment.Kind != domain.ConflictKindVersion || potential.Assessment.LatestVersion != 4 {
		t.Fatalf("unexpected assessment %#v", potential.Assessment)
	}
	if called {
		t.Fatal("business function ran despite strict pre-check")
	}
	latest, err := f.engine.versions.LatestVersion(context.Background(), "budget", "b1")
	if err != nil || latest != 4 {
		t.Fatalf("LatestVersion() = %d, %v; want 4", latest, err)
	}
	if got := len(f.events.ofType(domain.EventConflictDetected)); got != 1 {
		t.Fatalf("conflict events = %d, want 1", got)
	}
	pending, err := f.engine.PendingConflicts(context.Background())
	if err != nil || pending != 1 {
		t.Fatalf("PendingConflicts() = %d, %v; want 1", pending, err)
	}
	if ops := f.engine.ActiveOperations(); len(ops) != 0 {
		t.Fatalf("ActiveOperations() = %#v, want empty", ops)
	}
}

func TestExecuteSoftPolicyMergesDivergentEdits(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Orchestrator: OrchestratorConfig{Policy: ConflictPolicySoft, RecordConflicts: true}})
	base := domain.Snapshot{"amount": 100, "note": "groceries"}
	for range 4 {
		f.write(t, "carol", nil, base)
	}
	f.write(t, "alice", int64Ptr(4), domain.Snapshot{"amount": 150, "note": "groceries"})
	res := f.write(t, "bob", int64Ptr(4), domain.Snapshot{"amount": 100, "note": "market"})

	if res.Warning == nil || res.Warning.Kind != domain.ConflictKindVersion {
		t.Fatalf("expected version_conflict warning, got %#v", res.Warning)
	}
	if res.Version != 6 || res.ConflictID == "" {
		t.Fatalf("unexpected result %#v", res)
	}
	rec, err := f.engine.Conflict(context.Background(), res.ConflictID)
	if err != nil {
		t.Fatalf("Conflict() error = %v", err)
	}
	if rec.BaseVersion != 4 || len(rec.ConflictingVersions) != 2 {
		t.Fatalf("unexpected conflict record %#v", rec)
	}

	outcome, err := f.engine.ResolveConflict(context.Background(), res.ConflictID, domain.StrategyMerge, ResolutionInput{ActorID: "carol"})
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	want := domain.Snapshot{"amount": float64(150), "note": "market"}
	if !outcome.Snapshot.Equal(want) || outcome.Record.Resolution.AppliedVersion != 7 {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	doc, err := f.engine.Document(context.Background(), "budget", "b1")
	if err != nil || !doc.Body.Equal(want) {
		t.Fatalf("Document() = %#v, %v; want %#v", doc.Body, err, want)
	}
	logs, err := f.engine.Logs(context.Background(), domain.LogFilter{ActorID: "carol"})
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.OperationType == "resolve_conflict" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected resolve_conflict audit entry written immediately")
	}
}

func TestExecuteBackstopRecordsVersionConflict(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{Orchestrator: OrchestratorConfig{RecordConflicts: true}})
	f.write(t, "alice", nil, domain.Snapshot{"amount": 1})
	f.write(t, "alice", nil, domain.Snapshot{"amount": 2})

	res, err := f.engine.WriteDocument(context.Background(), WriteDocumentInput{
		ResourceType:    "budget",
		DocumentID:      "b1",
		ActorID:         "bob",
		Body:            domain.Snapshot{"amount": 3},
		BaselineVersion: int64Ptr(1),
	})
	if err != nil {
		t.Fatalf("WriteDocument() error = %v", err)
	}
	if res.Version != 3 || res.ConflictID == "" {
		t.Fatalf("expected backstop conflict on version 3, got %#v", res)
	}
}

func TestExecutePermissionDenied(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	ctx := context.Background()
	if err := f.engine.AssignRole(ctx, "vera", domain.RoleViewer); err != nil {
		t.Fatalf("AssignRole() error = %v", err)
	}

	called := false
	_, err := f.engine.ExecuteCollaborativeOperation(ctx, ExecuteInput{
		OperationKind: domain.OperationUpdate,
		ResourceType:  "budget",
		ActorID:       "vera",
		DataID:        "b1",
		Business: func(context.Context) (domain.Snapshot, error) {
			called = true
			return nil, nil
		},
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if called {
		t.Fatal("business function ran without permission")
	}
	if got := f.events.ofType(domain.EventPermissionDenied); len(got) != 1 || got[0].ActorID != "vera" {
		t.Fatalf("permission events = %#v", got)
	}
	stored := f.repo.storedLogs()
	if len(stored) != 1 || stored[0].Level != domain.LogLevelError || stored[0].Metadata["state"] != string(domain.StateInit) {
		t.Fatalf("expected one error-level entry from init, got %#v", stored)
	}
}

func TestExecuteReleasesLockOnBusinessFailure(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	ctx := context.Background()
	boom := errors.New("remote write failed")

	_, err := f.engine.ExecuteCollaborativeOperation(ctx, ExecuteInput{
		OperationKind: domain.OperationUpdate,
		ResourceType:  "budget",
		ActorID:       "alice",
		DataID:        "b1",
		RequireLock:   true,
		Business: func(ctx context.Context) (domain.Snapshot, error) {
			state, err := f.engine.LockStatus(ctx, "budget", "b1")
			if err != nil || !state.Locked || state.HolderID != "alice" {
				t.Errorf("expected lock held during business, got %#v, %v", state, err)
			}
			if ops := f.engine.ActiveOperations(); len(ops) != 1 || ops[0].State != domain.StateExecuting {
				t.Errorf("expected one executing operation, got %#v", ops)
			}
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected business error, got %v", err)
	}
	state, err := f.engine.LockStatus(ctx, "budget", "b1")
	if err != nil {
		t.Fatalf("LockStatus() error = %v", err)
	}
	if state.Locked {
		t.Fatalf("expected lock released, got %#v", state)
	}
	if ops := f.engine.ActiveOperations(); len(ops) != 0 {
		t.Fatalf("ActiveOperations() = %#v, want empty", ops)
	}
	stored := f.repo.storedLogs()
	if len(stored) != 1 || stored[0].Metadata["state"] != string(domain.StateExecuting) {
		t.Fatalf("expected failure entry from executing, got %#v", stored)
	}
}

func TestExecuteForeignLockBlocks(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	ctx := context.Background()
	if _, err := f.engine.AcquireLock(ctx, AcquireLockInput{ResourceType: "budget", DocumentID: "b1", ActorID: "alice"}); err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	_, err := f.engine.WriteDocument(ctx, WriteDocumentInput{
		ResourceType: "budget",
		DocumentID:   "b1",
		ActorID:      "bob",
		Body:         domain.Snapshot{"amount": 1},
		RequireLock:  true,
	})
	var held *domain.LockHeldError
	if !errors.As(err, &held) || held.HolderID != "alice" {
		t.Fatalf("expected LockHeldError for alice, got %v", err)
	}
	if _, err := f.engine.Document(ctx, "budget", "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no document written, got %v", err)
	}
}

func TestExecuteSyncHighPriority(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	res, err := f.engine.WriteDocument(context.Background(), WriteDocumentInput{
		ResourceType:       "account",
		DocumentID:         "a1",
		ActorID:            "alice",
		Body:               domain.Snapshot{"balance": 10},
		SyncAfterOperation: true,
	})
	if err != nil {
		t.Fatalf("WriteDocument() error = %v", err)
	}
	got := f.events.ofType(domain.EventSyncRequested)
	if len(got) != 1 || got[0].Detail["priority"] != "high" || got[0].Detail["version"] != "1" {
		t.Fatalf("sync events = %#v", got)
	}
	activity := f.events.ofType(domain.EventMemberActivity)
	if len(activity) != 1 || activity[0].Detail["operation"] != string(domain.OperationCreate) {
		t.Fatalf("activity events = %#v", activity)
	}
	if res.Version != 1 {
		t.Fatalf("Version = %d, want 1", res.Version)
	}
}

func TestExecuteValidatesInput(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	ctx := context.Background()
	noop := func(context.Context) (domain.Snapshot, error) { return nil, nil }
	cases := []struct {
		name string
		in   ExecuteInput
		want error
	}{
		{"kind", ExecuteInput{OperationKind: "archive", ResourceType: "budget", ActorID: "a", Business: noop}, domain.ErrInvalidOperationKind},
		{"resource", ExecuteInput{OperationKind: domain.OperationRead, ActorID: "a", Business: noop}, domain.ErrInvalidResourceType},
		{"actor", ExecuteInput{OperationKind: domain.OperationRead, ResourceType: "budget", Business: noop}, domain.ErrInvalidActor},
		{"business", ExecuteInput{OperationKind: domain.OperationRead, ResourceType: "budget", ActorID: "a"}, ErrBusinessFuncNil},
		{"baseline", ExecuteInput{OperationKind: domain.OperationRead, ResourceType: "budget", ActorID: "a", Business: noop, BaselineVersion: int64Ptr(-1)}, domain.ErrInvalidVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.engine.ExecuteCollaborativeOperation(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	failures := 0
	for _, entry := range f.repo.storedLogs() {
		if entry.Level == domain.LogLevelError && entry.Metadata["state"] == string(domain.StateInit) {
			failures++
		}
	}
	if failures != len(cases) {
		t.Fatalf("error audit entries = %d, want %d", failures, len(cases))
	}
	if ops := f.engine.ActiveOperations(); len(ops) != 0 {
		t.Fatalf("ActiveOperations() = %#v, want empty", ops)
	}
}
