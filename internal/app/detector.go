package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/concord/internal/domain"
)

// ConflictDetector is a read-only advisory check run before a write.
type ConflictDetector struct {
	locks    *LockManager
	versions *VersionStore
	clock    Clock
}

// NewConflictDetector constructs a detector.
func NewConflictDetector(locks *LockManager, versions *VersionStore, clock Clock) *ConflictDetector {
	if clock == nil {
		clock = time.Now
	}
	return &ConflictDetector{locks: locks, versions: versions, clock: clock}
}

// CheckInput holds input values for conflict checks.
type CheckInput struct {
	ResourceType    string
	DocumentID      string
	ActorID         string
	BaselineVersion int64
}

// Check reports concurrent_edit when another actor holds a live lease, otherwise
// version_conflict when the chain moved past the caller's baseline.
func (d *ConflictDetector) Check(ctx context.Context, in CheckInput) (domain.Assessment, error) {
	resourceType, documentID, err := normalizeDocKey(in.ResourceType, in.DocumentID)
	if err != nil {
		return domain.Assessment{}, err
	}
	actorID := strings.TrimSpace(in.ActorID)
	if actorID == "" {
		return domain.Assessment{}, domain.ErrInvalidActor
	}
	if in.BaselineVersion < 0 {
		return domain.Assessment{}, domain.ErrInvalidVersion
	}

	locks, err := d.locks.List(ctx, domain.LockFilter{
		ResourceType:    resourceType,
		DocumentID:      documentID,
		Statuses:        []domain.LockStatus{domain.LockStatusActive},
		ExcludeHolderID: actorID,
	})
	if err != nil {
		return domain.Assessment{}, err
	}
	now := d.clock()
	for _, lock := range locks {
		if lock.HeldBy(actorID) || !lock.IsActive(now) {
			continue
		}
		return domain.Assessment{
			HasConflict: true,
			Kind:        domain.ConflictKindConcurrentEdit,
			Detail:      fmt.Sprintf("%s/%s is being edited by %s", resourceType, documentID, lock.HolderID),
			HolderID:    lock.HolderID,
			BaseVersion: in.BaselineVersion,
		}, nil
	}

	latest, err := d.versions.Latest(ctx, resourceType, documentID)
	if err != nil {
		if isNotFound(err) {
			return domain.NoConflict(in.BaselineVersion, 0), nil
		}
		return domain.Assessment{}, err
	}
	if latest.Version > in.BaselineVersion {
		return domain.Assessment{
			HasConflict:    true,
			Kind:           domain.ConflictKindVersion,
			Detail:         fmt.Sprintf("%s/%s moved from version %d to %d", resourceType, documentID, in.BaselineVersion, latest.Version),
			BaseVersion:    in.BaselineVersion,
			LatestVersion:  latest.Version,
			LatestAuthorID: latest.AuthorID,
		}, nil
	}
	return domain.NoConflict(in.BaselineVersion, latest.Version), nil
}
