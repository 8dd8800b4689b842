package domain

import (
	"slices"
	"strings"
	"time"
)

// LockStatus identifies the lifecycle state of a lease lock.
type LockStatus string

// Lock status values.
const (
	LockStatusActive   LockStatus = "active"
	LockStatusReleased LockStatus = "released"
	LockStatusExpired  LockStatus = "expired"
)

// validLockStatuses stores supported lock statuses.
var validLockStatuses = []LockStatus{
	LockStatusActive,
	LockStatusReleased,
	LockStatusExpired,
}

// Lock stores one lease-based mutual-exclusion record for a document.
type Lock struct {
	LockID        string
	Token         string
	ResourceType  string
	DocumentID    string
	HolderID      string
	Status        LockStatus
	LeaseDuration time.Duration
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastHeartbeat time.Time
}

// LockInput holds values used to acquire a new lease.
type LockInput struct {
	LockID        string
	Token         string
	ResourceType  string
	DocumentID    string
	HolderID      string
	LeaseDuration time.Duration
}

// NewLock normalizes and validates one lease acquisition request.
func NewLock(in LockInput, now time.Time) (Lock, error) {
	in.LockID = strings.TrimSpace(in.LockID)
	in.Token = strings.TrimSpace(in.Token)
	in.ResourceType = NormalizeResourceType(in.ResourceType)
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	in.HolderID = strings.TrimSpace(in.HolderID)

	if in.LockID == "" || in.Token == "" {
		return Lock{}, ErrInvalidID
	}
	if in.ResourceType == "" {
		return Lock{}, ErrInvalidResourceType
	}
	if in.DocumentID == "" {
		return Lock{}, ErrInvalidID
	}
	if in.HolderID == "" {
		return Lock{}, ErrInvalidActor
	}
	if in.LeaseDuration <= 0 {
		return Lock{}, ErrInvalidLease
	}

	ts := now.UTC()
	return Lock{
		LockID:        in.LockID,
		Token:         in.Token,
		ResourceType:  in.ResourceType,
		DocumentID:    in.DocumentID,
		HolderID:      in.HolderID,
		Status:        LockStatusActive,
		LeaseDuration: in.LeaseDuration,
		CreatedAt:     ts,
		ExpiresAt:     ts.Add(in.LeaseDuration),
		LastHeartbeat: ts,
	}, nil
}

// NormalizeLockStatus canonicalizes lock status values.
func NormalizeLockStatus(status LockStatus) LockStatus {
	return LockStatus(strings.TrimSpace(strings.ToLower(string(status))))
}

// IsValidLockStatus reports whether a status value is supported.
func IsValidLockStatus(status LockStatus) bool {
	return slices.Contains(validLockStatuses, NormalizeLockStatus(status))
}

// IsExpired reports whether the lease lapsed: now - lastHeartbeat > leaseDuration.
func (l Lock) IsExpired(now time.Time) bool {
	return now.UTC().Sub(l.LastHeartbeat.UTC()) > l.LeaseDuration
}

// IsActive reports whether the lock still excludes other actors.
func (l Lock) IsActive(now time.Time) bool {
	if l.Status != LockStatusActive {
		return false
	}
	return !l.IsExpired(now)
}

// HeldBy reports whether the lock holder matches the actor.
func (l Lock) HeldBy(actorID string) bool {
	return l.HolderID == strings.TrimSpace(actorID)
}

// MatchesToken reports whether a release/heartbeat token matches this lease.
func (l Lock) MatchesToken(token string) bool {
	return strings.TrimSpace(token) != "" && l.Token == strings.TrimSpace(token)
}

// Heartbeat re-stamps the lease while it is active.
func (l *Lock) Heartbeat(now time.Time) {
	if l == nil {
		return
	}
	ts := now.UTC()
	l.LastHeartbeat = ts
	l.ExpiresAt = ts.Add(l.LeaseDuration)
}

// Release marks the lock released.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.Status = LockStatusReleased
}

// Expire marks the lock expired.
func (l *Lock) Expire() {
	if l == nil {
		return
	}
	l.Status = LockStatusExpired
}

// LockFilter defines store query predicates for locks.
type LockFilter struct {
	ResourceType    string
	DocumentID      string
	Statuses        []LockStatus
	ExcludeHolderID string
	HeartbeatBefore *time.Time
	Limit           int
}
