package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// DefaultVersionRecordAttempts bounds retries when a concurrent writer takes the next version number.
const DefaultVersionRecordAttempts = 5

// VersionStoreConfig holds version-chain settings.
type VersionStoreConfig struct {
	MaxRecordAttempts int
}

// VersionStore appends and reads per-document version chains.
type VersionStore struct {
	repo        VersionRepository
	boundary    *Boundary
	clock       Clock
	logger      *log.Logger
	maxAttempts int
}

// NewVersionStore constructs a version store.
func NewVersionStore(repo VersionRepository, boundary *Boundary, clock Clock, logger *log.Logger, cfg VersionStoreConfig) *VersionStore {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxRecordAttempts <= 0 {
		cfg.MaxRecordAttempts = DefaultVersionRecordAttempts
	}
	return &VersionStore{
		repo:        repo,
		boundary:    boundary,
		clock:       clock,
		logger:      logger,
		maxAttempts: cfg.MaxRecordAttempts,
	}
}

// RecordVersionInput holds input values for record operations.
type RecordVersionInput struct {
	ResourceType  string
	DocumentID    string
	Snapshot      domain.Snapshot
	OperationKind domain.VersionKind
	AuthorID      string
}

// LatestVersion returns the highest version number, or 0 when the chain is empty.
func (s *VersionStore) LatestVersion(ctx context.Context, resourceType, documentID string) (int64, error) {
	rec, err := s.Latest(ctx, resourceType, documentID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// Latest returns the newest version record.
func (s *VersionStore) Latest(ctx context.Context, resourceType, documentID string) (domain.VersionRecord, error) {
	resourceType, documentID, err := normalizeDocKey(resourceType, documentID)
	if err != nil {
		return domain.VersionRecord{}, err
	}
	return boundaryCall(ctx, s.boundary, "latest version", func(ctx context.Context) (domain.VersionRecord, error) {
		return s.repo.LatestVersion(ctx, resourceType, documentID)
	})
}

// Get returns one version record.
func (s *VersionStore) Get(ctx context.Context, resourceType, documentID string, version int64) (domain.VersionRecord, error) {
	resourceType, documentID, err := normalizeDocKey(resourceType, documentID)
	if err != nil {
		return domain.VersionRecord{}, err
	}
	if version <= 0 {
		return domain.VersionRecord{}, domain.ErrInvalidVersion
	}
	return boundaryCall(ctx, s.boundary, "get version", func(ctx context.Context) (domain.VersionRecord, error) {
		return s.repo.GetVersion(ctx, resourceType, documentID, version)
	})
}

// List returns version records matching filter in ascending version order.
func (s *VersionStore) List(ctx context.Context, filter domain.VersionFilter) ([]domain.VersionRecord, error) {
	resourceType, documentID, err := normalizeDocKey(filter.ResourceType, filter.DocumentID)
	if err != nil {
		return nil, err
	}
	filter.ResourceType = resourceType
	filter.DocumentID = documentID
	filter.AuthorID = strings.TrimSpace(filter.AuthorID)
	return boundaryCall(ctx, s.boundary, "list versions", func(ctx context.Context) ([]domain.VersionRecord, error) {
		return s.repo.ListVersions(ctx, filter)
	})
}

// Record appends latest+1. When a concurrent writer claims that number first the
// read-and-append is retried a bounded number of times.
func (s *VersionStore) Record(ctx context.Context, in RecordVersionInput) (domain.VersionRecord, error) {
	resourceType, documentID, err := normalizeDocKey(in.ResourceType, in.DocumentID)
	if err != nil {
		return domain.VersionRecord{}, err
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		latest, err := s.LatestVersion(ctx, resourceType, documentID)
		if err != nil {
			return domain.VersionRecord{}, err
		}
		rec, err := domain.NewVersionRecord(domain.VersionInput{
			ResourceType:  resourceType,
			DocumentID:    documentID,
			Version:       latest + 1,
			Snapshot:      in.Snapshot,
			OperationKind: in.OperationKind,
			AuthorID:      in.AuthorID,
		}, s.clock())
		if err != nil {
			return domain.VersionRecord{}, err
		}
		err = s.boundary.Do(ctx, "append version", func(ctx context.Context) error {
			return s.repo.AppendVersion(ctx, rec)
		})
		if err == nil {
			s.logger.Debug("version recorded", "resource_type", rec.ResourceType, "document_id", rec.DocumentID, "version", rec.Version, "author_id", rec.AuthorID, "kind", rec.OperationKind)
			return rec, nil
		}
		if !errors.Is(err, domain.ErrVersionExists) {
			return domain.VersionRecord{}, err
		}
		s.logger.Debug("version number taken; retrying", "resource_type", resourceType, "document_id", documentID, "version", rec.Version, "attempt", attempt)
	}
	return domain.VersionRecord{}, fmt.Errorf("record version %s/%s after %d attempts: %w", resourceType, documentID, s.maxAttempts, domain.ErrVersionExists)
}

// Verify loads one version and reports whether its checksum still matches.
func (s *VersionStore) Verify(ctx context.Context, resourceType, documentID string, version int64) (bool, error) {
	rec, err := s.Get(ctx, resourceType, documentID, version)
	if err != nil {
		return false, err
	}
	ok := rec.Verify()
	if !ok {
		s.logger.Warn("version checksum mismatch", "resource_type", rec.ResourceType, "document_id", rec.DocumentID, "version", rec.Version)
	}
	return ok, nil
}

// normalizeDocKey canonicalizes and validates a document key.
func normalizeDocKey(resourceType, documentID string) (string, string, error) {
	resourceType = domain.NormalizeResourceType(resourceType)
	documentID = strings.TrimSpace(documentID)
	if resourceType == "" {
		return "", "", domain.ErrInvalidResourceType
	}
	if documentID == "" {
		return "", "", domain.ErrInvalidID
	}
	return resourceType, documentID, nil
}
