package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/hylla/concord/internal/domain"
)

func newTestVersionStore(repo *fakeRepo, clock *testClock, attempts int) *VersionStore {
	return NewVersionStore(repo, NewBoundary(repo, quietLogger()), clock.Now, quietLogger(), VersionStoreConfig{MaxRecordAttempts: attempts})
}

func TestVersionRecordAssignsSequentialNumbers(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	store := newTestVersionStore(repo, clock, 0)
	ctx := context.Background()

	if latest, err := store.LatestVersion(ctx, "budget", "b1"); err != nil || latest != 0 {
		t.Fatalf("LatestVersion() on empty chain = %d, %v; want 0, nil", latest, err)
	}
	for i, amount := range []int{100, 150, 175} {
		rec, err := store.Record(ctx, RecordVersionInput{
			ResourceType:  "budget",
			DocumentID:    "b1",
			Snapshot:      domain.Snapshot{"amount": amount},
			OperationKind: domain.VersionKindUpdate,
			AuthorID:      "alice",
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if rec.Version != int64(i+1) {
			t.Fatalf("Version = %d, want %d", rec.Version, i+1)
		}
		if !rec.Verify() {
			t.Fatalf("record %d failed checksum verification", rec.Version)
		}
	}
	ok, err := store.Verify(ctx, "budget", "b1", 2)
	if err != nil || !ok {
		t.Fatalf("Verify() = %v, %v; want true, nil", ok, err)
	}
	list, err := store.List(ctx, domain.VersionFilter{ResourceType: "budget", DocumentID: "b1", SinceVersion: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Version != 2 || list[1].Version != 3 {
		t.Fatalf("List(since 1) = %#v", list)
	}
}

func TestVersionRecordIsolatedFromCallerSnapshot(t *testing.T) {
	repo := newFakeRepo()
	store := newTestVersionStore(repo, newTestClock(), 0)
	snapshot := domain.Snapshot{"amount": 100}
	rec, err := store.Record(context.Background(), RecordVersionInput{
		ResourceType:  "budget",
		DocumentID:    "b1",
		Snapshot:      snapshot,
		OperationKind: domain.VersionKindCreate,
		AuthorID:      "alice",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	snapshot["amount"] = 999
	stored, err := store.Get(context.Background(), "budget", "b1", rec.Version)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Snapshot["amount"] != float64(100) {
		t.Fatalf("stored snapshot mutated by caller: %#v", stored.Snapshot)
	}
}

func TestVersionRecordRetriesWhenNumberTaken(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	store := newTestVersionStore(repo, clock, 3)
	raced := false
	repo.beforeAppend = func(rec domain.VersionRecord) {
		if raced || rec.AuthorID != "alice" {
			return
		}
		raced = true
		repo.seedVersion(t, rec.ResourceType, rec.DocumentID, rec.Version, "bob", domain.Snapshot{"amount": 1}, clock.Now())
	}

	rec, err := store.Record(context.Background(), RecordVersionInput{
		ResourceType:  "budget",
		DocumentID:    "b1",
		Snapshot:      domain.Snapshot{"amount": 2},
		OperationKind: domain.VersionKindUpdate,
		AuthorID:      "alice",
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("Version = %d, want 2 after losing version 1", rec.Version)
	}
}

func TestVersionRecordGivesUpAfterAttempts(t *testing.T) {
	repo := newFakeRepo()
	clock := newTestClock()
	store := newTestVersionStore(repo, clock, 2)
	repo.beforeAppend = func(rec domain.VersionRecord) {
		if rec.AuthorID == "alice" {
			repo.seedVersion(t, rec.ResourceType, rec.DocumentID, rec.Version, "bob", domain.Snapshot{}, clock.Now())
		}
	}
	_, err := store.Record(context.Background(), RecordVersionInput{
		ResourceType:  "budget",
		DocumentID:    "b1",
		Snapshot:      domain.Snapshot{},
		OperationKind: domain.VersionKindUpdate,
		AuthorID:      "alice",
	})
	if !errors.Is(err, domain.ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}
}

func TestVersionConcurrentRecordsAreContiguous(t *testing.T) {
	repo := newFakeRepo()
	store := newTestVersionStore(repo, newTestClock(), 100)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Record(context.Background(), RecordVersionInput{
				ResourceType:  "budget",
				DocumentID:    "b1",
				Snapshot:      domain.Snapshot{"writer": i},
				OperationKind: domain.VersionKindUpdate,
				AuthorID:      "alice",
			}); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	list, err := store.List(context.Background(), domain.VersionFilter{ResourceType: "budget", DocumentID: "b1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := make([]int64, 0, len(list))
	for _, rec := range list {
		got = append(got, rec.Version)
	}
	want := make([]int64, 0, writers)
	for i := 1; i <= writers; i++ {
		want = append(want, int64(i))
	}
	if !slices.Equal(got, want) {
		t.Fatalf("versions = %v, want %v", got, want)
	}
}

func TestVersionGetMissing(t *testing.T) {
	store := newTestVersionStore(newFakeRepo(), newTestClock(), 0)
	if _, err := store.Get(context.Background(), "budget", "b1", 4); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get(context.Background(), "budget", "b1", 0); !errors.Is(err, domain.ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
	if _, err := store.Latest(context.Background(), " ", "b1"); !errors.Is(err, domain.ErrInvalidResourceType) {
		t.Fatalf("expected ErrInvalidResourceType, got %v", err)
	}
}
