package app

import (
	"context"
	"strings"
	"time"

	"github.com/hylla/concord/internal/domain"
)

// DocumentStore reads and writes live documents in the remote store.
type DocumentStore struct {
	repo     DocumentRepository
	boundary *Boundary
	clock    Clock
}

// NewDocumentStore constructs a document store.
func NewDocumentStore(repo DocumentRepository, boundary *Boundary, clock Clock) *DocumentStore {
	if clock == nil {
		clock = time.Now
	}
	return &DocumentStore{repo: repo, boundary: boundary, clock: clock}
}

// Get returns the live document.
func (s *DocumentStore) Get(ctx context.Context, resourceType, documentID string) (domain.Document, error) {
	resourceType, documentID, err := normalizeDocKey(resourceType, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	return boundaryCall(ctx, s.boundary, "get document", func(ctx context.Context) (domain.Document, error) {
		return s.repo.GetDocument(ctx, resourceType, documentID)
	})
}

// Put overwrites the live document body.
func (s *DocumentStore) Put(ctx context.Context, resourceType, documentID string, body domain.Snapshot, actorID string) (domain.Document, error) {
	resourceType, documentID, err := normalizeDocKey(resourceType, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Document{}, domain.ErrInvalidActor
	}
	normalized, err := domain.NormalizeSnapshot(body)
	if err != nil {
		return domain.Document{}, err
	}
	doc := domain.Document{
		ResourceType: resourceType,
		DocumentID:   documentID,
		Body:         normalized,
		UpdatedAt:    s.clock().UTC(),
		UpdatedBy:    actorID,
	}
	if err := s.boundary.Do(ctx, "put document", func(ctx context.Context) error {
		return s.repo.PutDocument(ctx, doc)
	}); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Delete removes the live document.
func (s *DocumentStore) Delete(ctx context.Context, resourceType, documentID string) error {
	resourceType, documentID, err := normalizeDocKey(resourceType, documentID)
	if err != nil {
		return err
	}
	return s.boundary.Do(ctx, "delete document", func(ctx context.Context) error {
		return s.repo.DeleteDocument(ctx, resourceType, documentID)
	})
}
