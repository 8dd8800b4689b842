package domain

import (
	"slices"
	"strings"
	"time"
)

// ConflictKind classifies a conflict assessment.
type ConflictKind string

// ConflictKind values.
const (
	ConflictKindNone           ConflictKind = "none"
	ConflictKindConcurrentEdit ConflictKind = "concurrent_edit"
	ConflictKindVersion        ConflictKind = "version_conflict"
)

// Assessment is the advisory result of a conflict check.
type Assessment struct {
	HasConflict    bool
	Kind           ConflictKind
	Detail         string
	HolderID       string
	BaseVersion    int64
	LatestVersion  int64
	LatestAuthorID string
}

// NoConflict returns the empty assessment.
func NoConflict(baseVersion, latest int64) Assessment {
	return Assessment{Kind: ConflictKindNone, BaseVersion: baseVersion, LatestVersion: latest}
}

// ConflictStatus identifies the resolution state of a conflict record.
type ConflictStatus string

// ConflictStatus values.
const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// StrategyKind names one resolution strategy.
type StrategyKind string

// StrategyKind values.
const (
	StrategyLastWriteWins StrategyKind = "last_write_wins"
	StrategyMerge         StrategyKind = "merge"
	StrategyManual        StrategyKind = "manual"
	StrategyPriority      StrategyKind = "priority_based"
)

// validStrategies stores supported strategy kinds in canonical order.
var validStrategies = []StrategyKind{
	StrategyLastWriteWins,
	StrategyMerge,
	StrategyManual,
	StrategyPriority,
}

// SupportedStrategies returns all strategy kinds in canonical order.
func SupportedStrategies() []StrategyKind {
	return append([]StrategyKind(nil), validStrategies...)
}

// NormalizeStrategyKind canonicalizes strategy names.
func NormalizeStrategyKind(kind StrategyKind) StrategyKind {
	return StrategyKind(strings.TrimSpace(strings.ToLower(string(kind))))
}

// IsValidStrategyKind reports whether a strategy name is supported.
func IsValidStrategyKind(kind StrategyKind) bool {
	return slices.Contains(validStrategies, NormalizeStrategyKind(kind))
}

// Resolution describes the applied outcome of a resolution strategy.
type Resolution struct {
	WinningVersion int64  `json:"winning_version,omitempty"`
	AppliedVersion int64  `json:"applied_version,omitempty"`
	WinnerActorID  string `json:"winner_actor_id,omitempty"`
	ResolvedBy     string `json:"resolved_by,omitempty"`
	Note           string `json:"note,omitempty"`
}

// ConflictRecord is the durable note that actors' versions diverged.
type ConflictRecord struct {
	ConflictID          string
	ResourceType        string
	DocumentID          string
	Kind                ConflictKind
	InvolvedActorIDs    []string
	BaseVersion         int64
	ConflictingVersions []int64
	Status              ConflictStatus
	StrategyUsed        StrategyKind
	Resolution          Resolution
	CreatedAt           time.Time
	ResolvedAt          *time.Time
}

// ConflictInput holds values used to open a conflict record.
type ConflictInput struct {
	ConflictID          string
	ResourceType        string
	DocumentID          string
	Kind                ConflictKind
	InvolvedActorIDs    []string
	BaseVersion         int64
	ConflictingVersions []int64
}

// NewConflictRecord validates input and returns a pending record.
func NewConflictRecord(in ConflictInput, now time.Time) (ConflictRecord, error) {
	in.ConflictID = strings.TrimSpace(in.ConflictID)
	in.ResourceType = NormalizeResourceType(in.ResourceType)
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	if in.ConflictID == "" || in.DocumentID == "" {
		return ConflictRecord{}, ErrInvalidID
	}
	if in.ResourceType == "" {
		return ConflictRecord{}, ErrInvalidResourceType
	}
	if in.BaseVersion < 0 {
		return ConflictRecord{}, ErrInvalidVersion
	}
	if in.Kind == "" || in.Kind == ConflictKindNone {
		in.Kind = ConflictKindVersion
	}
	record := ConflictRecord{
		ConflictID:   in.ConflictID,
		ResourceType: in.ResourceType,
		DocumentID:   in.DocumentID,
		Kind:         in.Kind,
		BaseVersion:  in.BaseVersion,
		Status:       ConflictStatusPending,
		CreatedAt:    now.UTC(),
	}
	record.AddActors(in.InvolvedActorIDs...)
	record.AddVersions(in.ConflictingVersions...)
	if len(record.InvolvedActorIDs) == 0 {
		return ConflictRecord{}, ErrInvalidActor
	}
	return record, nil
}

// IsPending reports whether the record still awaits resolution.
func (c ConflictRecord) IsPending() bool {
	return c.Status == ConflictStatusPending
}

// AddActors appends involved actors preserving first-seen order.
func (c *ConflictRecord) AddActors(actorIDs ...string) {
	for _, raw := range actorIDs {
		id := strings.TrimSpace(raw)
		if id == "" || slices.Contains(c.InvolvedActorIDs, id) {
			continue
		}
		c.InvolvedActorIDs = append(c.InvolvedActorIDs, id)
	}
}

// AddVersions merges conflicting versions keeping them sorted and unique.
func (c *ConflictRecord) AddVersions(versions ...int64) {
	for _, v := range versions {
		if v <= 0 || slices.Contains(c.ConflictingVersions, v) {
			continue
		}
		c.ConflictingVersions = append(c.ConflictingVersions, v)
	}
	slices.Sort(c.ConflictingVersions)
}

// MarkResolved transitions a pending record to resolved exactly once.
func (c *ConflictRecord) MarkResolved(strategy StrategyKind, resolution Resolution, now time.Time) error {
	if c == nil {
		return ErrConflictRecordMissing
	}
	if !c.IsPending() {
		return ErrConflictAlreadyResolved
	}
	ts := now.UTC()
	c.Status = ConflictStatusResolved
	c.StrategyUsed = NormalizeStrategyKind(strategy)
	c.Resolution = resolution
	c.ResolvedAt = &ts
	return nil
}

// ConflictFilter defines store query predicates for conflict records.
type ConflictFilter struct {
	ResourceType string
	DocumentID   string
	Statuses     []ConflictStatus
	Limit        int
}
