// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrServiceUnavailable reports a missing or closed backing service.
var ErrServiceUnavailable = errors.New("service unavailable")

// CoordinationService is the engine surface shared by the REST and MCP adapters.
type CoordinationService interface {
	CheckPermission(context.Context, PermissionRequest) (PermissionResult, error)
	AcquireLock(context.Context, AcquireLockRequest) (LockView, error)
	ReleaseLock(context.Context, ReleaseLockRequest) (ReleaseLockResult, error)
	LockStatus(context.Context, DocumentRef) (LockStatusView, error)
	ListLocks(context.Context, ListLocksRequest) ([]LockView, error)
	GetDocument(context.Context, DocumentRef) (DocumentView, error)
	WriteDocument(context.Context, WriteDocumentRequest) (OperationResult, error)
	ListVersions(context.Context, ListVersionsRequest) ([]VersionView, error)
	DetectConflict(context.Context, DetectConflictRequest) (DetectConflictResult, error)
	ListConflicts(context.Context, ListConflictsRequest) ([]ConflictView, error)
	GetConflict(context.Context, string) (ConflictView, error)
	ResolveConflict(context.Context, ResolveConflictRequest) (ResolutionView, error)
	WriteLog(context.Context, WriteLogRequest) (LogView, error)
	ListLogs(context.Context, ListLogsRequest) ([]LogView, error)
	ActiveOperations(context.Context) ([]OperationView, error)
	Ready(context.Context) error
}

// DocumentRef names one document.
type DocumentRef struct {
	ResourceType string `json:"resource_type"`
	DocumentID   string `json:"document_id"`
}

// PermissionRequest stores transport input for permission checks.
type PermissionRequest struct {
	ActorID        string `json:"actor_id"`
	OperationKind  string `json:"operation_kind"`
	ResourceType   string `json:"resource_type"`
	CheckOwnership bool   `json:"check_ownership,omitempty"`
	DataOwnerID    string `json:"data_owner_id,omitempty"`
}

// PermissionResult reports one permission decision.
type PermissionResult struct {
	ActorID       string `json:"actor_id"`
	OperationKind string `json:"operation_kind"`
	ResourceType  string `json:"resource_type"`
	Allowed       bool   `json:"allowed"`
}

// AcquireLockRequest stores transport input for lease acquisition.
type AcquireLockRequest struct {
	ResourceType string `json:"resource_type"`
	DocumentID   string `json:"document_id"`
	ActorID      string `json:"actor_id,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// ReleaseLockRequest stores transport input for lease release.
type ReleaseLockRequest struct {
	ResourceType string `json:"resource_type"`
	DocumentID   string `json:"document_id"`
	ActorID      string `json:"actor_id,omitempty"`
	Token        string `json:"token,omitempty"`
}

// ReleaseLockResult reports whether a lease was released.
type ReleaseLockResult struct {
	Released bool `json:"released"`
}

// ListLocksRequest stores lock list filters.
type ListLocksRequest struct {
	ResourceType string
	DocumentID   string
	Status       string
	Limit        int
}

// LockView is the transport shape of one lease.
type LockView struct {
	LockID        string    `json:"lock_id"`
	Token         string    `json:"token,omitempty"`
	ResourceType  string    `json:"resource_type"`
	DocumentID    string    `json:"document_id"`
	HolderID      string    `json:"holder_id"`
	Status        string    `json:"status"`
	LeaseSeconds  float64   `json:"lease_seconds"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// LockStatusView reports whether a document is currently locked.
type LockStatusView struct {
	ResourceType string    `json:"resource_type"`
	DocumentID   string    `json:"document_id"`
	Locked       bool      `json:"locked"`
	HolderID     string    `json:"holder_id,omitempty"`
	Lock         *LockView `json:"lock,omitempty"`
}

// DocumentView is the transport shape of one live document.
type DocumentView struct {
	ResourceType string         `json:"resource_type"`
	DocumentID   string         `json:"document_id"`
	Body         map[string]any `json:"body"`
	UpdatedAt    time.Time      `json:"updated_at"`
	UpdatedBy    string         `json:"updated_by"`
}

// WriteDocumentRequest stores transport input for one orchestrated document write.
type WriteDocumentRequest struct {
	ResourceType       string         `json:"-"`
	DocumentID         string         `json:"-"`
	ActorID            string         `json:"actor_id,omitempty"`
	Body               map[string]any `json:"body"`
	OperationKind      string         `json:"operation_kind,omitempty"`
	BaselineVersion    *int64         `json:"baseline_version,omitempty"`
	RequireLock        bool           `json:"require_lock,omitempty"`
	ConflictPrevention bool           `json:"conflict_prevention,omitempty"`
	Sync               bool           `json:"sync,omitempty"`
	CheckOwnership     bool           `json:"check_ownership,omitempty"`
}

// OperationResult reports the outcome of one orchestrated write.
type OperationResult struct {
	OperationID string          `json:"operation_id"`
	Value       map[string]any  `json:"value,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Warning     *AssessmentView `json:"warning,omitempty"`
	ConflictID  string          `json:"conflict_id,omitempty"`
}

// ListVersionsRequest stores version list filters.
type ListVersionsRequest struct {
	ResourceType string
	DocumentID   string
	AuthorID     string
	SinceVersion int64
	Limit        int
}

// VersionView is the transport shape of one version record.
type VersionView struct {
	ResourceType  string         `json:"resource_type"`
	DocumentID    string         `json:"document_id"`
	Version       int64          `json:"version"`
	Snapshot      map[string]any `json:"snapshot"`
	OperationKind string         `json:"operation_kind"`
	AuthorID      string         `json:"author_id"`
	RecordedAt    time.Time      `json:"recorded_at"`
	Checksum      string         `json:"checksum"`
}

// AssessmentView is the transport shape of one conflict assessment.
type AssessmentView struct {
	HasConflict    bool   `json:"has_conflict"`
	Kind           string `json:"kind"`
	Detail         string `json:"detail,omitempty"`
	HolderID       string `json:"holder_id,omitempty"`
	BaseVersion    int64  `json:"base_version"`
	LatestVersion  int64  `json:"latest_version"`
	LatestAuthorID string `json:"latest_author_id,omitempty"`
}

// DetectConflictRequest stores transport input for an explicit conflict check.
type DetectConflictRequest struct {
	ResourceType    string `json:"resource_type"`
	DocumentID      string `json:"document_id"`
	ActorID         string `json:"actor_id,omitempty"`
	BaselineVersion int64  `json:"baseline_version"`
	Record          bool   `json:"record,omitempty"`
}

// DetectConflictResult reports one explicit conflict check.
type DetectConflictResult struct {
	Assessment AssessmentView `json:"assessment"`
	ConflictID string         `json:"conflict_id,omitempty"`
}

// ListConflictsRequest stores conflict list filters.
type ListConflictsRequest struct {
	ResourceType string
	DocumentID   string
	Status       string
	Limit        int
}

// ConflictView is the transport shape of one conflict record.
type ConflictView struct {
	ConflictID          string     `json:"conflict_id"`
	ResourceType        string     `json:"resource_type"`
	DocumentID          string     `json:"document_id"`
	Kind                string     `json:"kind"`
	InvolvedActorIDs    []string   `json:"involved_actor_ids"`
	BaseVersion         int64      `json:"base_version"`
	ConflictingVersions []int64    `json:"conflicting_versions"`
	Status              string     `json:"status"`
	StrategyUsed        string     `json:"strategy_used,omitempty"`
	Resolution          any        `json:"resolution,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// ResolveConflictRequest stores transport input for conflict resolution.
type ResolveConflictRequest struct {
	ConflictID string         `json:"-"`
	Strategy   string         `json:"strategy"`
	ActorID    string         `json:"actor_id,omitempty"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
	Note       string         `json:"note,omitempty"`
}

// ResolutionView reports one applied resolution.
type ResolutionView struct {
	Conflict ConflictView   `json:"conflict"`
	Snapshot map[string]any `json:"snapshot,omitempty"`
}

// WriteLogRequest stores transport input for one audit entry.
type WriteLogRequest struct {
	OperationType string            `json:"operation_type"`
	ActorID       string            `json:"actor_id,omitempty"`
	Level         string            `json:"level,omitempty"`
	Details       string            `json:"details,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Immediate     bool              `json:"immediate,omitempty"`
}

// ListLogsRequest stores audit list filters.
type ListLogsRequest struct {
	ActorID       string
	OperationType string
	Level         string
	Limit         int
}

// LogView is the transport shape of one audit entry.
type LogView struct {
	LogID         string            `json:"log_id"`
	OperationType string            `json:"operation_type"`
	ActorID       string            `json:"actor_id"`
	Level         string            `json:"level"`
	Details       string            `json:"details,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
	RetryCount    int               `json:"retry_count,omitempty"`
}

// OperationView is the transport shape of one in-flight orchestrated operation.
type OperationView struct {
	OperationID   string    `json:"operation_id"`
	OperationKind string    `json:"operation_kind"`
	ResourceType  string    `json:"resource_type"`
	ActorID       string    `json:"actor_id"`
	DataID        string    `json:"data_id,omitempty"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
}
