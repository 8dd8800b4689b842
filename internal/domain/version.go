package domain

import (
	"slices"
	"strings"
	"time"
)

// VersionKind describes how a version entered the chain.
type VersionKind string

// VersionKind values.
const (
	VersionKindCreate VersionKind = "create"
	VersionKindUpdate VersionKind = "update"
	VersionKindMerge  VersionKind = "merge"
	VersionKindManual VersionKind = "manual"
)

// validVersionKinds stores supported version kinds.
var validVersionKinds = []VersionKind{
	VersionKindCreate,
	VersionKindUpdate,
	VersionKindMerge,
	VersionKindManual,
}

// VersionRecord represents one immutable entry of a document's version chain.
type VersionRecord struct {
	ResourceType  string
	DocumentID    string
	Version       int64
	Snapshot      Snapshot
	OperationKind VersionKind
	AuthorID      string
	RecordedAt    time.Time
	Checksum      string
}

// VersionInput holds values used to build the next version record.
type VersionInput struct {
	ResourceType  string
	DocumentID    string
	Version       int64
	Snapshot      Snapshot
	OperationKind VersionKind
	AuthorID      string
}

// NewVersionRecord validates input and stamps the checksum over a private snapshot copy.
func NewVersionRecord(in VersionInput, now time.Time) (VersionRecord, error) {
	in.ResourceType = NormalizeResourceType(in.ResourceType)
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	in.AuthorID = strings.TrimSpace(in.AuthorID)
	in.OperationKind = NormalizeVersionKind(in.OperationKind)

	if in.ResourceType == "" {
		return VersionRecord{}, ErrInvalidResourceType
	}
	if in.DocumentID == "" {
		return VersionRecord{}, ErrInvalidID
	}
	if in.AuthorID == "" {
		return VersionRecord{}, ErrInvalidActor
	}
	if in.Version <= 0 {
		return VersionRecord{}, ErrInvalidVersion
	}
	if !IsValidVersionKind(in.OperationKind) {
		return VersionRecord{}, ErrInvalidOperationKind
	}
	snapshot, err := NormalizeSnapshot(in.Snapshot)
	if err != nil {
		return VersionRecord{}, err
	}
	return VersionRecord{
		ResourceType:  in.ResourceType,
		DocumentID:    in.DocumentID,
		Version:       in.Version,
		Snapshot:      snapshot,
		OperationKind: in.OperationKind,
		AuthorID:      in.AuthorID,
		RecordedAt:    now.UTC(),
		Checksum:      snapshot.Checksum(),
	}, nil
}

// Verify reports whether the stored checksum still matches the snapshot.
func (v VersionRecord) Verify() bool {
	return v.Checksum != "" && v.Checksum == v.Snapshot.Checksum()
}

// NormalizeVersionKind canonicalizes version kind values.
func NormalizeVersionKind(kind VersionKind) VersionKind {
	return VersionKind(strings.TrimSpace(strings.ToLower(string(kind))))
}

// IsValidVersionKind reports whether a version kind is supported.
func IsValidVersionKind(kind VersionKind) bool {
	return slices.Contains(validVersionKinds, NormalizeVersionKind(kind))
}

// VersionFilter defines store query predicates for version chains.
type VersionFilter struct {
	ResourceType string
	DocumentID   string
	AuthorID     string
	SinceVersion int64
	Limit        int
}

// NormalizeResourceType canonicalizes resource type names.
func NormalizeResourceType(resourceType string) string {
	return strings.TrimSpace(strings.ToLower(resourceType))
}
