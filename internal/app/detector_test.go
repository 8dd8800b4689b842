package app

import (
	"context"
	"testing"
	"time"

	"github.com/hylla/concord/internal/domain"
)

func newTestDetector(repo *fakeRepo, clock *testClock) (*ConflictDetector, *LockManager) {
	locks := newTestLockManager(repo, clock, nil, 0)
	versions := newTestVersionStore(repo, clock, 0)
	return NewConflictDetector(locks, versions, clock.Now), locks
}

func TestDetectorNoConflict(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	detector, locks := newTestDetector(repo, clock)
	defer locks.Close()
	repo.seedVersion(t, "budget", "b1", 1, "alice", domain.Snapshot{"amount": 1}, clock.Now())

	got, err := detector.Check(context.Background(), CheckInput{ResourceType: "budget", DocumentID: "b1", ActorID: "bob", BaselineVersion: 1})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got.HasConflict || got.Kind != domain.ConflictKindNone || got.LatestVersion != 1 {
		t.Fatalf("unexpected assessment %#v", got)
	}
}

func TestDetectorVersionConflict(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	detector, locks := newTestDetector(repo, clock)
	defer locks.Close()
	for v := int64(1); v <= 4; v++ {
		repo.seedVersion(t, "budget", "b1", v, "alice", domain.Snapshot{"v": v}, clock.Now())
	}

	got, err := detector.Check(context.Background(), CheckInput{ResourceType: "budget", DocumentID: "b1", ActorID: "bob", BaselineVersion: 3})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !got.HasConflict || got.Kind != domain.ConflictKindVersion {
		t.Fatalf("expected version_conflict, got %#v", got)
	}
	if got.BaseVersion != 3 || got.LatestVersion != 4 || got.LatestAuthorID != "alice" {
		t.Fatalf("unexpected assessment details %#v", got)
	}
}

func TestDetectorConcurrentEditTakesPrecedence(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	detector, locks := newTestDetector(repo, clock)
	defer locks.Close()
	repo.seedVersion(t, "budget", "b1", 1, "alice", domain.Snapshot{}, clock.Now())
	repo.seedVersion(t, "budget", "b1", 2, "alice", domain.Snapshot{}, clock.Now())
	if _, err := locks.Acquire(context.Background(), AcquireLockInput{ResourceType: "budget", DocumentID: "b1", ActorID: "alice"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got, err := detector.Check(context.Background(), CheckInput{ResourceType: "budget", DocumentID: "b1", ActorID: "bob", BaselineVersion: 1})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got.Kind != domain.ConflictKindConcurrentEdit || got.HolderID != "alice" {
		t.Fatalf("expected concurrent_edit by alice, got %#v", got)
	}
}

func TestDetectorIgnoresOwnAndExpiredLocks(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	detector, locks := newTestDetector(repo, clock)
	defer locks.Close()
	ctx := context.Background()

	if _, err := locks.Acquire(ctx, AcquireLockInput{ResourceType: "budget", DocumentID: "b1", ActorID: "bob"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	got, err := detector.Check(ctx, CheckInput{ResourceType: "budget", DocumentID: "b1", ActorID: "bob"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got.HasConflict {
		t.Fatalf("own lock should not conflict, got %#v", got)
	}

	if _, err := locks.Acquire(ctx, AcquireLockInput{ResourceType: "budget", DocumentID: "b2", ActorID: "alice", LeaseDuration: 5 * time.Second}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(6 * time.Second)
	got, err = detector.Check(ctx, CheckInput{ResourceType: "budget", DocumentID: "b2", ActorID: "bob"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got.HasConflict {
		t.Fatalf("expired lock should not conflict, got %#v", got)
	}
}
