package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/hylla/concord/internal/domain"
)

func TestBoundaryRepairsUninitializedStoreOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.uninitialized = true
	b := NewBoundary(repo, quietLogger())

	locks, err := boundaryCall(context.Background(), b, "list locks", func(ctx context.Context) ([]domain.Lock, error) {
		return repo.ListLocks(ctx, domain.LockFilter{})
	})
	if err != nil {
		t.Fatalf("boundaryCall() error = %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("locks = %#v, want empty", locks)
	}
	if repo.initCalls != 1 {
		t.Fatalf("Initialize calls = %d, want 1", repo.initCalls)
	}
}

func TestBoundaryRepairFailureIsInfrastructure(t *testing.T) {
	repo := newFakeRepo()
	repo.uninitialized = true
	repo.initErr = errors.New("disk full")
	b := NewBoundary(repo, quietLogger())

	err := b.Do(context.Background(), "create lock", func(ctx context.Context) error {
		return repo.CreateLock(ctx, domain.Lock{})
	})
	var infra *domain.InfrastructureError
	if !errors.As(err, &infra) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
	if infra.Op != "create lock" || !errors.Is(err, domain.ErrStoreUninitialized) {
		t.Fatalf("unexpected infrastructure error %v", err)
	}
}

func TestBoundaryRetriesTransientFailureOnce(t *testing.T) {
	b := NewBoundary(nil, quietLogger())
	var calls atomic.Int32
	err := b.Do(context.Background(), "put document", func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	calls.Store(0)
	err = b.Do(context.Background(), "put document", func(context.Context) error {
		calls.Add(1)
		return errors.New("connection reset")
	})
	if !errors.Is(err, domain.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestBoundaryPassesThroughDomainOutcomes(t *testing.T) {
	b := NewBoundary(nil, quietLogger())
	for _, want := range []error{ErrNotFound, domain.ErrVersionExists, domain.ErrLockExists, domain.ErrConflictAlreadyResolved, context.Canceled} {
		calls := 0
		err := b.Do(context.Background(), "op", func(context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) || calls != 1 {
			t.Fatalf("Do() = %v after %d calls, want %v after 1", err, calls, want)
		}
		var infra *domain.InfrastructureError
		if errors.As(err, &infra) {
			t.Fatalf("domain outcome %v wrapped as infrastructure", want)
		}
	}
}
