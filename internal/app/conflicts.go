package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// ConflictStore records and tracks conflict records.
type ConflictStore struct {
	repo     ConflictRepository
	versions *VersionStore
	boundary *Boundary
	idGen    IDGenerator
	clock    Clock
	logger   *log.Logger
}

// NewConflictStore constructs a conflict store.
func NewConflictStore(repo ConflictRepository, versions *VersionStore, boundary *Boundary, idGen IDGenerator, clock Clock, logger *log.Logger) *ConflictStore {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ConflictStore{
		repo:     repo,
		versions: versions,
		boundary: boundary,
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
	}
}

// Record persists a detected conflict. A document has at most one pending
// record; later detections fold their actors and versions into it.
func (s *ConflictStore) Record(ctx context.Context, in CheckInput, assessment domain.Assessment) (domain.ConflictRecord, error) {
	resourceType, documentID, err := normalizeDocKey(in.ResourceType, in.DocumentID)
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	if !assessment.HasConflict {
		return domain.ConflictRecord{}, domain.ErrPotentialConflict
	}
	actors := []string{strings.TrimSpace(in.ActorID), assessment.HolderID, assessment.LatestAuthorID}
	versions, err := s.conflictingVersions(ctx, resourceType, documentID, assessment.BaseVersion)
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	for _, v := range versions {
		actors = append(actors, v.AuthorID)
	}
	versionNumbers := make([]int64, 0, len(versions))
	for _, v := range versions {
		versionNumbers = append(versionNumbers, v.Version)
	}

	pending, err := s.List(ctx, domain.ConflictFilter{
		ResourceType: resourceType,
		DocumentID:   documentID,
		Statuses:     []domain.ConflictStatus{domain.ConflictStatusPending},
		Limit:        1,
	})
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	if len(pending) > 0 {
		rec := pending[0]
		rec.AddActors(actors...)
		rec.AddVersions(versionNumbers...)
		err := s.boundary.Do(ctx, "update conflict", func(ctx context.Context) error {
			return s.repo.UpdatePendingConflict(ctx, rec)
		})
		if err == nil {
			s.logger.Info("conflict record updated", "conflict_id", rec.ConflictID, "resource_type", resourceType, "document_id", documentID, "actors", len(rec.InvolvedActorIDs))
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.ConflictRecord{}, err
		}
		// Resolved between list and update; open a fresh record.
	}

	rec, err := domain.NewConflictRecord(domain.ConflictInput{
		ConflictID:          s.idGen(),
		ResourceType:        resourceType,
		DocumentID:          documentID,
		Kind:                assessment.Kind,
		InvolvedActorIDs:    actors,
		BaseVersion:         assessment.BaseVersion,
		ConflictingVersions: versionNumbers,
	}, s.clock())
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	if err := s.boundary.Do(ctx, "create conflict", func(ctx context.Context) error {
		return s.repo.CreateConflict(ctx, rec)
	}); err != nil {
		return domain.ConflictRecord{}, err
	}
	s.logger.Info("conflict recorded", "conflict_id", rec.ConflictID, "kind", rec.Kind, "resource_type", resourceType, "document_id", documentID, "base_version", rec.BaseVersion)
	return rec, nil
}

// Get returns one conflict record or ErrConflictRecordMissing.
func (s *ConflictStore) Get(ctx context.Context, conflictID string) (domain.ConflictRecord, error) {
	conflictID = strings.TrimSpace(conflictID)
	if conflictID == "" {
		return domain.ConflictRecord{}, domain.ErrInvalidID
	}
	rec, err := boundaryCall(ctx, s.boundary, "get conflict", func(ctx context.Context) (domain.ConflictRecord, error) {
		return s.repo.GetConflict(ctx, conflictID)
	})
	if errors.Is(err, ErrNotFound) {
		return domain.ConflictRecord{}, domain.ErrConflictRecordMissing
	}
	return rec, err
}

// List returns conflict records matching filter, newest first.
func (s *ConflictStore) List(ctx context.Context, filter domain.ConflictFilter) ([]domain.ConflictRecord, error) {
	filter.ResourceType = domain.NormalizeResourceType(filter.ResourceType)
	filter.DocumentID = strings.TrimSpace(filter.DocumentID)
	return boundaryCall(ctx, s.boundary, "list conflicts", func(ctx context.Context) ([]domain.ConflictRecord, error) {
		return s.repo.ListConflicts(ctx, filter)
	})
}

// Count returns the number of records matching filter.
func (s *ConflictStore) Count(ctx context.Context, filter domain.ConflictFilter) (int, error) {
	filter.ResourceType = domain.NormalizeResourceType(filter.ResourceType)
	filter.DocumentID = strings.TrimSpace(filter.DocumentID)
	return boundaryCall(ctx, s.boundary, "count conflicts", func(ctx context.Context) (int, error) {
		return s.repo.CountConflicts(ctx, filter)
	})
}

// MarkResolved transitions a pending record to resolved exactly once.
func (s *ConflictStore) MarkResolved(ctx context.Context, rec domain.ConflictRecord, strategy domain.StrategyKind, resolution domain.Resolution) (domain.ConflictRecord, error) {
	if err := rec.MarkResolved(strategy, resolution, s.clock()); err != nil {
		return domain.ConflictRecord{}, err
	}
	err := s.boundary.Do(ctx, "resolve conflict", func(ctx context.Context) error {
		return s.repo.ResolveConflict(ctx, rec)
	})
	if errors.Is(err, ErrNotFound) {
		return domain.ConflictRecord{}, domain.ErrConflictRecordMissing
	}
	if err != nil {
		return domain.ConflictRecord{}, err
	}
	s.logger.Info("conflict resolved", "conflict_id", rec.ConflictID, "strategy", rec.StrategyUsed, "winning_version", rec.Resolution.WinningVersion, "applied_version", rec.Resolution.AppliedVersion)
	return rec, nil
}

// conflictingVersions lists versions written after base.
func (s *ConflictStore) conflictingVersions(ctx context.Context, resourceType, documentID string, base int64) ([]domain.VersionRecord, error) {
	if s.versions == nil {
		return nil, nil
	}
	return s.versions.List(ctx, domain.VersionFilter{
		ResourceType: resourceType,
		DocumentID:   documentID,
		SinceVersion: base,
	})
}

// isNotFound reports whether err is a not-found outcome.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
