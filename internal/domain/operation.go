package domain

import (
	"slices"
	"strings"
	"time"
)

// OperationKind identifies the capability an orchestrated call exercises.
type OperationKind string

// OperationKind values.
const (
	OperationCreate OperationKind = "create"
	OperationRead   OperationKind = "read"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// validOperationKinds stores supported operation kinds.
var validOperationKinds = []OperationKind{
	OperationCreate,
	OperationRead,
	OperationUpdate,
	OperationDelete,
}

// NormalizeOperationKind canonicalizes operation kinds.
func NormalizeOperationKind(kind OperationKind) OperationKind {
	return OperationKind(strings.TrimSpace(strings.ToLower(string(kind))))
}

// IsValidOperationKind reports whether an operation kind is supported.
func IsValidOperationKind(kind OperationKind) bool {
	return slices.Contains(validOperationKinds, NormalizeOperationKind(kind))
}

// VersionKind maps a write operation onto the version chain; ok is false when no
// version should be recorded.
func (k OperationKind) VersionKind() (VersionKind, bool) {
	switch NormalizeOperationKind(k) {
	case OperationCreate:
		return VersionKindCreate, true
	case OperationUpdate:
		return VersionKindUpdate, true
	default:
		return "", false
	}
}

// OperationState is the orchestrator state-machine position.
type OperationState string

// OperationState values in execution order.
const (
	StateInit               OperationState = "init"
	StatePermissionChecked  OperationState = "permission_checked"
	StateConflictPrechecked OperationState = "conflict_prechecked"
	StateLocked             OperationState = "locked"
	StateExecuting          OperationState = "executing"
	StateVersionedLogged    OperationState = "versioned_logged"
	StateSynced             OperationState = "synced"
	StateReleased           OperationState = "released"
	StateFailed             OperationState = "failed"
)

// ActiveOperation is the in-memory diagnostics record for one orchestrated call.
type ActiveOperation struct {
	OperationID   string
	OperationKind OperationKind
	ResourceType  string
	ActorID       string
	DataID        string
	State         OperationState
	StartedAt     time.Time
}

// SyncPriority classifies how quickly a change propagates.
type SyncPriority string

// SyncPriority values.
const (
	SyncPriorityHigh   SyncPriority = "high"
	SyncPriorityMedium SyncPriority = "medium"
	SyncPriorityLow    SyncPriority = "low"
)

// IsValidSyncPriority reports whether a priority is supported.
func IsValidSyncPriority(p SyncPriority) bool {
	switch SyncPriority(strings.TrimSpace(strings.ToLower(string(p)))) {
	case SyncPriorityHigh, SyncPriorityMedium, SyncPriorityLow:
		return true
	default:
		return false
	}
}
