package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// ResolutionInput carries caller-supplied values for one resolution.
type ResolutionInput struct {
	ActorID  string
	Snapshot domain.Snapshot
	Note     string
}

// StrategyResult is what a strategy applied to the document.
type StrategyResult struct {
	Snapshot   domain.Snapshot
	Resolution domain.Resolution
}

// Strategy resolves one pending conflict record.
type Strategy interface {
	Kind() domain.StrategyKind
	Resolve(ctx context.Context, rec domain.ConflictRecord, in ResolutionInput) (StrategyResult, error)
}

// ResolutionOutcome reports the resolved record and the applied document state.
type ResolutionOutcome struct {
	Record   domain.ConflictRecord
	Snapshot domain.Snapshot
}

// documentLocker takes and returns document leases.
type documentLocker interface {
	Acquire(context.Context, AcquireLockInput) (domain.Lock, error)
	Release(context.Context, ReleaseLockInput) (bool, error)
}

// ResolutionDispatcher routes a resolution request to the named strategy.
type ResolutionDispatcher struct {
	conflicts  *ConflictStore
	strategies map[domain.StrategyKind]Strategy
	locks      documentLocker
	idGen      IDGenerator
	logger     *log.Logger
}

// NewResolutionDispatcher constructs a dispatcher over the given strategies.
func NewResolutionDispatcher(conflicts *ConflictStore, logger *log.Logger, strategies ...Strategy) *ResolutionDispatcher {
	if logger == nil {
		logger = log.Default()
	}
	d := &ResolutionDispatcher{
		conflicts:  conflicts,
		strategies: map[domain.StrategyKind]Strategy{},
		logger:     logger,
	}
	for _, s := range strategies {
		d.Register(s)
	}
	return d
}

// WithLocks makes every resolution hold the document lease while its strategy
// writes, so concurrent resolutions of one document cannot both apply.
func (d *ResolutionDispatcher) WithLocks(locks documentLocker, idGen IDGenerator) *ResolutionDispatcher {
	d.locks = locks
	d.idGen = idGen
	return d
}

// Register adds or replaces one strategy.
func (d *ResolutionDispatcher) Register(s Strategy) {
	if s == nil {
		return
	}
	d.strategies[domain.NormalizeStrategyKind(s.Kind())] = s
}

// Strategies returns registered strategy kinds in canonical order.
func (d *ResolutionDispatcher) Strategies() []domain.StrategyKind {
	out := make([]domain.StrategyKind, 0, len(d.strategies))
	for _, kind := range domain.SupportedStrategies() {
		if _, ok := d.strategies[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Resolve applies a strategy to a pending record. On strategy failure the
// record stays pending.
func (d *ResolutionDispatcher) Resolve(ctx context.Context, conflictID string, kind domain.StrategyKind, in ResolutionInput) (ResolutionOutcome, error) {
	kind = domain.NormalizeStrategyKind(kind)
	strategy, ok := d.strategies[kind]
	if !ok {
		return ResolutionOutcome{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedStrategy, kind)
	}
	rec, err := d.conflicts.Get(ctx, conflictID)
	if err != nil {
		return ResolutionOutcome{}, err
	}
	if !rec.IsPending() {
		return ResolutionOutcome{}, domain.ErrConflictAlreadyResolved
	}
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.Note = strings.TrimSpace(in.Note)

	unlock, err := d.lockDocument(ctx, rec, in.ActorID)
	if err != nil {
		d.logger.Info("conflict resolution blocked by document lease", "conflict_id", rec.ConflictID, "strategy", kind, "err", err)
		return ResolutionOutcome{}, err
	}
	defer unlock()
	if d.locks != nil {
		// Another resolver may have finished between the first read and the lease.
		rec, err = d.conflicts.Get(ctx, conflictID)
		if err != nil {
			return ResolutionOutcome{}, err
		}
		if !rec.IsPending() {
			return ResolutionOutcome{}, domain.ErrConflictAlreadyResolved
		}
	}

	result, err := strategy.Resolve(ctx, rec, in)
	if err != nil {
		d.logger.Warn("conflict resolution failed", "conflict_id", rec.ConflictID, "strategy", kind, "err", err)
		return ResolutionOutcome{}, err
	}
	if result.Resolution.ResolvedBy == "" {
		result.Resolution.ResolvedBy = in.ActorID
	}
	if result.Resolution.Note == "" {
		result.Resolution.Note = in.Note
	}
	resolved, err := d.conflicts.MarkResolved(ctx, rec, kind, result.Resolution)
	if err != nil {
		return ResolutionOutcome{}, err
	}
	return ResolutionOutcome{Record: resolved, Snapshot: result.Snapshot}, nil
}

// lockDocument takes the document lease for one resolution. A resolver that
// already holds the lease proceeds under it.
func (d *ResolutionDispatcher) lockDocument(ctx context.Context, rec domain.ConflictRecord, actorID string) (func(), error) {
	if d.locks == nil {
		return func() {}, nil
	}
	holder := domain.SystemActorID
	if d.idGen != nil {
		holder += ":" + d.idGen()
	}
	lock, err := d.locks.Acquire(ctx, AcquireLockInput{
		ResourceType: rec.ResourceType,
		DocumentID:   rec.DocumentID,
		ActorID:      holder,
	})
	var held *domain.LockHeldError
	if errors.As(err, &held) && actorID != "" && held.HolderID == actorID {
		return func() {}, nil
	}
	if err != nil {
		return nil, err
	}
	return func() {
		releaseCtx := context.WithoutCancel(ctx)
		if _, err := d.locks.Release(releaseCtx, ReleaseLockInput{
			ResourceType: lock.ResourceType,
			DocumentID:   lock.DocumentID,
			ActorID:      lock.HolderID,
			Token:        lock.Token,
		}); err != nil {
			d.logger.Warn("resolution lease release failed", "lock_id", lock.LockID, "err", err)
		}
	}, nil
}

// LastWriteWinsStrategy applies the newest version in the chain.
type LastWriteWinsStrategy struct {
	versions  *VersionStore
	documents *DocumentStore
}

// NewLastWriteWinsStrategy constructs the last-write-wins strategy.
func NewLastWriteWinsStrategy(versions *VersionStore, documents *DocumentStore) *LastWriteWinsStrategy {
	return &LastWriteWinsStrategy{versions: versions, documents: documents}
}

// Kind implements Strategy.
func (s *LastWriteWinsStrategy) Kind() domain.StrategyKind { return domain.StrategyLastWriteWins }

// Resolve implements Strategy.
func (s *LastWriteWinsStrategy) Resolve(ctx context.Context, rec domain.ConflictRecord, _ ResolutionInput) (StrategyResult, error) {
	latest, err := s.versions.Latest(ctx, rec.ResourceType, rec.DocumentID)
	if errors.Is(err, ErrNotFound) {
		return StrategyResult{}, fmt.Errorf("%w: %s/%s has no versions", domain.ErrNoWinningVersion, rec.ResourceType, rec.DocumentID)
	}
	if err != nil {
		return StrategyResult{}, err
	}
	if _, err := s.documents.Put(ctx, rec.ResourceType, rec.DocumentID, latest.Snapshot, latest.AuthorID); err != nil {
		return StrategyResult{}, err
	}
	return StrategyResult{
		Snapshot: latest.Snapshot,
		Resolution: domain.Resolution{
			WinningVersion: latest.Version,
			WinnerActorID:  latest.AuthorID,
		},
	}, nil
}

// MergeStrategy three-way merges the two newest conflicting versions against
// the base version.
type MergeStrategy struct {
	versions  *VersionStore
	documents *DocumentStore
	policy    MergePolicy
}

// NewMergeStrategy constructs the merge strategy.
func NewMergeStrategy(versions *VersionStore, documents *DocumentStore, policy MergePolicy) *MergeStrategy {
	if policy != MergeRequireManual {
		policy = MergeLaterWins
	}
	return &MergeStrategy{versions: versions, documents: documents, policy: policy}
}

// Kind implements Strategy.
func (s *MergeStrategy) Kind() domain.StrategyKind { return domain.StrategyMerge }

// Resolve implements Strategy.
func (s *MergeStrategy) Resolve(ctx context.Context, rec domain.ConflictRecord, in ResolutionInput) (StrategyResult, error) {
	if len(rec.ConflictingVersions) < 2 {
		return StrategyResult{}, fmt.Errorf("%w: conflict %s lists %d version(s)", domain.ErrMergeUnavailable, rec.ConflictID, len(rec.ConflictingVersions))
	}
	if rec.BaseVersion <= 0 {
		return StrategyResult{}, fmt.Errorf("%w: conflict %s has no base version", domain.ErrMissingAncestor, rec.ConflictID)
	}
	base, err := s.versions.Get(ctx, rec.ResourceType, rec.DocumentID, rec.BaseVersion)
	if errors.Is(err, ErrNotFound) {
		return StrategyResult{}, fmt.Errorf("%w: version %d not found", domain.ErrMissingAncestor, rec.BaseVersion)
	}
	if err != nil {
		return StrategyResult{}, err
	}
	n := len(rec.ConflictingVersions)
	earlier, err := s.versions.Get(ctx, rec.ResourceType, rec.DocumentID, rec.ConflictingVersions[n-2])
	if err != nil {
		return StrategyResult{}, mergeLoadErr(err, rec.ConflictingVersions[n-2])
	}
	later, err := s.versions.Get(ctx, rec.ResourceType, rec.DocumentID, rec.ConflictingVersions[n-1])
	if err != nil {
		return StrategyResult{}, mergeLoadErr(err, rec.ConflictingVersions[n-1])
	}

	merged, contested := ThreeWayMerge(base.Snapshot, earlier.Snapshot, later.Snapshot)
	if len(contested) > 0 && s.policy == MergeRequireManual {
		return StrategyResult{}, fmt.Errorf("%w: fields %s", domain.ErrMergeRequiresManual, strings.Join(contested, ", "))
	}
	author := in.ActorID
	if author == "" {
		author = domain.SystemActorID
	}
	applied, err := s.versions.Record(ctx, RecordVersionInput{
		ResourceType:  rec.ResourceType,
		DocumentID:    rec.DocumentID,
		Snapshot:      merged,
		OperationKind: domain.VersionKindMerge,
		AuthorID:      author,
	})
	if err != nil {
		return StrategyResult{}, err
	}
	if _, err := s.documents.Put(ctx, rec.ResourceType, rec.DocumentID, applied.Snapshot, author); err != nil {
		return StrategyResult{}, err
	}
	note := ""
	if len(contested) > 0 {
		note = "later version kept for fields: " + strings.Join(contested, ", ")
	}
	return StrategyResult{
		Snapshot: applied.Snapshot,
		Resolution: domain.Resolution{
			WinningVersion: later.Version,
			AppliedVersion: applied.Version,
			WinnerActorID:  later.AuthorID,
			Note:           note,
		},
	}, nil
}

// mergeLoadErr maps a missing diverging version onto ErrMergeUnavailable.
func mergeLoadErr(err error, version int64) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: version %d not found", domain.ErrMergeUnavailable, version)
	}
	return err
}

// ManualStrategy applies a caller-selected snapshot as a new version.
type ManualStrategy struct {
	versions  *VersionStore
	documents *DocumentStore
}

// NewManualStrategy constructs the manual strategy.
func NewManualStrategy(versions *VersionStore, documents *DocumentStore) *ManualStrategy {
	return &ManualStrategy{versions: versions, documents: documents}
}

// Kind implements Strategy.
func (s *ManualStrategy) Kind() domain.StrategyKind { return domain.StrategyManual }

// Resolve implements Strategy.
func (s *ManualStrategy) Resolve(ctx context.Context, rec domain.ConflictRecord, in ResolutionInput) (StrategyResult, error) {
	if in.Snapshot == nil {
		return StrategyResult{}, fmt.Errorf("%w: conflict %s", domain.ErrMissingSelection, rec.ConflictID)
	}
	if in.ActorID == "" {
		return StrategyResult{}, domain.ErrInvalidActor
	}
	applied, err := s.versions.Record(ctx, RecordVersionInput{
		ResourceType:  rec.ResourceType,
		DocumentID:    rec.DocumentID,
		Snapshot:      in.Snapshot,
		OperationKind: domain.VersionKindManual,
		AuthorID:      in.ActorID,
	})
	if err != nil {
		return StrategyResult{}, err
	}
	if _, err := s.documents.Put(ctx, rec.ResourceType, rec.DocumentID, applied.Snapshot, in.ActorID); err != nil {
		return StrategyResult{}, err
	}
	return StrategyResult{
		Snapshot: applied.Snapshot,
		Resolution: domain.Resolution{
			AppliedVersion: applied.Version,
			WinnerActorID:  in.ActorID,
		},
	}, nil
}

// PriorityStrategy applies the latest version written by the most senior
// involved actor. Equal ranks keep involved-actor order.
type PriorityStrategy struct {
	versions  *VersionStore
	documents *DocumentStore
	roles     RoleProvider
}

// NewPriorityStrategy constructs the priority-based strategy.
func NewPriorityStrategy(versions *VersionStore, documents *DocumentStore, roles RoleProvider) *PriorityStrategy {
	return &PriorityStrategy{versions: versions, documents: documents, roles: roles}
}

// Kind implements Strategy.
func (s *PriorityStrategy) Kind() domain.StrategyKind { return domain.StrategyPriority }

// Resolve implements Strategy.
func (s *PriorityStrategy) Resolve(ctx context.Context, rec domain.ConflictRecord, _ ResolutionInput) (StrategyResult, error) {
	type candidate struct {
		actorID string
		rank    int
	}
	candidates := make([]candidate, 0, len(rec.InvolvedActorIDs))
	for _, actorID := range rec.InvolvedActorIDs {
		role, err := s.roles.RoleOf(ctx, actorID)
		if err != nil {
			return StrategyResult{}, err
		}
		candidates = append(candidates, candidate{actorID: actorID, rank: role.Rank()})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return b.rank - a.rank
	})

	for _, c := range candidates {
		authored, err := s.versions.List(ctx, domain.VersionFilter{
			ResourceType: rec.ResourceType,
			DocumentID:   rec.DocumentID,
			AuthorID:     c.actorID,
		})
		if err != nil {
			return StrategyResult{}, err
		}
		if len(authored) == 0 {
			continue
		}
		winner := authored[len(authored)-1]
		if _, err := s.documents.Put(ctx, rec.ResourceType, rec.DocumentID, winner.Snapshot, winner.AuthorID); err != nil {
			return StrategyResult{}, err
		}
		return StrategyResult{
			Snapshot: winner.Snapshot,
			Resolution: domain.Resolution{
				WinningVersion: winner.Version,
				WinnerActorID:  winner.AuthorID,
			},
		}, nil
	}
	return StrategyResult{}, fmt.Errorf("%w: no involved actor authored a version of %s/%s", domain.ErrNoWinningVersion, rec.ResourceType, rec.DocumentID)
}
