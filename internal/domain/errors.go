package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidID            = errors.New("invalid id")
	ErrInvalidActor         = errors.New("invalid actor")
	ErrInvalidResourceType  = errors.New("invalid resource type")
	ErrInvalidLease         = errors.New("invalid lease duration")
	ErrInvalidVersion       = errors.New("invalid version")
	ErrInvalidOperationKind = errors.New("invalid operation kind")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidSnapshot      = errors.New("invalid snapshot")
	ErrInvalidRole          = errors.New("invalid role")
)

// Engine error taxonomy surfaced to callers.
var (
	ErrPermissionDenied        = errors.New("permission denied")
	ErrLockHeld                = errors.New("lock held by another actor")
	ErrPotentialConflict       = errors.New("potential conflict")
	ErrConflictRecordMissing   = errors.New("conflict record missing")
	ErrUnsupportedStrategy     = errors.New("unsupported resolution strategy")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrMissingSelection        = errors.New("manual resolution requires a selected snapshot")
	ErrMissingAncestor         = errors.New("merge requires a recorded common-ancestor snapshot")
	ErrMergeUnavailable        = errors.New("merge requires two diverging versions")
	ErrMergeRequiresManual     = errors.New("merge found conflicting field changes; manual resolution required")
	ErrNoWinningVersion        = errors.New("no version available to apply")
	ErrInfrastructure          = errors.New("infrastructure error")
)

// Store-level errors returned by repository adapters.
var (
	ErrStoreUninitialized = errors.New("store not initialized")
	ErrVersionExists      = errors.New("version already exists")
	ErrLockExists         = errors.New("active lock already exists")
)

// LockHeldError reports the current holder of a foreign active lease.
type LockHeldError struct {
	ResourceType string
	DocumentID   string
	HolderID     string
	ExpiresAt    time.Time
}

// Error implements error.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s: %s/%s held by %q until %s", ErrLockHeld, e.ResourceType, e.DocumentID, e.HolderID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Unwrap exposes the ErrLockHeld sentinel.
func (e *LockHeldError) Unwrap() error {
	return ErrLockHeld
}

// PotentialConflictError carries the assessment that rejected a strict pre-check.
type PotentialConflictError struct {
	Assessment Assessment
}

// Error implements error.
func (e *PotentialConflictError) Error() string {
	detail := strings.TrimSpace(e.Assessment.Detail)
	if detail == "" {
		return fmt.Sprintf("%s: %s", ErrPotentialConflict, e.Assessment.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", ErrPotentialConflict, e.Assessment.Kind, detail)
}

// Unwrap exposes the ErrPotentialConflict sentinel.
func (e *PotentialConflictError) Unwrap() error {
	return ErrPotentialConflict
}

// InfrastructureError wraps a persistent remote-store failure.
type InfrastructureError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrInfrastructure, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *InfrastructureError) Unwrap() []error {
	return []error{ErrInfrastructure, e.Err}
}
