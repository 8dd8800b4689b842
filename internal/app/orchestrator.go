package app

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// ConflictPolicy selects how a positive pre-check is treated.
type ConflictPolicy string

// ConflictPolicy values.
const (
	ConflictPolicyStrict ConflictPolicy = "strict"
	ConflictPolicySoft   ConflictPolicy = "soft"
)

// OrchestratorConfig holds pipeline settings.
type OrchestratorConfig struct {
	Policy          ConflictPolicy
	RecordConflicts bool
}

// BusinessFunc performs the caller's write and returns the resulting document
// snapshot, or nil when there is nothing to version.
type BusinessFunc func(context.Context) (domain.Snapshot, error)

// ExecuteInput holds input values for one orchestrated operation.
type ExecuteInput struct {
	OperationKind      domain.OperationKind
	ResourceType       string
	ActorID            string
	Business           BusinessFunc
	DataID             string
	RequireLock        bool
	CheckOwnership     bool
	DataOwnerID        string
	SyncAfterOperation bool
	ConflictPrevention bool
	BaselineVersion    *int64
	LeaseDuration      time.Duration
}

// ExecuteResult reports the business value and bookkeeping of one operation.
type ExecuteResult struct {
	OperationID string
	Value       domain.Snapshot
	Version     int64
	Warning     *domain.Assessment
	ConflictID  string
}

// Orchestrator runs permission, pre-check, lock, business, version, log and sync
// steps in order and always releases an acquired lock.
type Orchestrator struct {
	gate      *PermissionGate
	detector  *ConflictDetector
	conflicts *ConflictStore
	locks     *LockManager
	versions  *VersionStore
	logs      *LogPipeline
	sync      *SyncCoordinator
	events    EventPublisher
	idGen     IDGenerator
	clock     Clock
	logger    *log.Logger
	policy    ConflictPolicy
	record    bool

	mu     sync.RWMutex
	active map[string]domain.ActiveOperation
}

// OrchestratorDeps groups the collaborators of an orchestrator.
type OrchestratorDeps struct {
	Gate      *PermissionGate
	Detector  *ConflictDetector
	Conflicts *ConflictStore
	Locks     *LockManager
	Versions  *VersionStore
	Logs      *LogPipeline
	Sync      *SyncCoordinator
	Events    EventPublisher
	IDGen     IDGenerator
	Clock     Clock
	Logger    *log.Logger
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if deps.IDGen == nil {
		deps.IDGen = func() string { return "" }
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if cfg.Policy != ConflictPolicySoft {
		cfg.Policy = ConflictPolicyStrict
	}
	return &Orchestrator{
		gate:      deps.Gate,
		detector:  deps.Detector,
		conflicts: deps.Conflicts,
		locks:     deps.Locks,
		versions:  deps.Versions,
		logs:      deps.Logs,
		sync:      deps.Sync,
		events:    deps.Events,
		idGen:     deps.IDGen,
		clock:     deps.Clock,
		logger:    deps.Logger,
		policy:    cfg.Policy,
		record:    cfg.RecordConflicts,
		active:    map[string]domain.ActiveOperation{},
	}
}

// Execute runs one collaborative operation. Any acquired lock is released
// before Execute returns, on success and on failure.
func (o *Orchestrator) Execute(ctx context.Context, in ExecuteInput) (result ExecuteResult, err error) {
	in.OperationKind = domain.NormalizeOperationKind(in.OperationKind)
	in.ResourceType = domain.NormalizeResourceType(in.ResourceType)
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.DataID = strings.TrimSpace(in.DataID)
	in.DataOwnerID = strings.TrimSpace(in.DataOwnerID)

	opID := o.idGen()
	result.OperationID = opID
	o.track(domain.ActiveOperation{
		OperationID:   opID,
		OperationKind: in.OperationKind,
		ResourceType:  in.ResourceType,
		ActorID:       in.ActorID,
		DataID:        in.DataID,
		State:         domain.StateInit,
		StartedAt:     o.clock().UTC(),
	})

	var (
		held     *domain.Lock
		deferred *conflictNote
	)
	defer func() {
		if held != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			if _, relErr := o.locks.Release(cleanupCtx, ReleaseLockInput{
				ResourceType: held.ResourceType,
				DocumentID:   held.DocumentID,
				ActorID:      held.HolderID,
				Token:        held.Token,
			}); relErr != nil {
				o.logger.Warn("lock release after operation failed", "operation_id", opID, "lock_id", held.LockID, "err", relErr)
			}
		}
		if err != nil {
			state := o.setState(opID, domain.StateFailed)
			o.logFailure(context.WithoutCancel(ctx), in, opID, state, err)
		} else {
			o.setState(opID, domain.StateReleased)
		}
		o.untrack(opID)
	}()

	if err = validateExecute(in); err != nil {
		return result, err
	}

	allowed, err := o.gate.Check(ctx, PermissionInput{
		ActorID:        in.ActorID,
		OperationKind:  in.OperationKind,
		ResourceType:   in.ResourceType,
		CheckOwnership: in.CheckOwnership,
		DataOwnerID:    in.DataOwnerID,
	})
	if err != nil {
		return result, err
	}
	if !allowed {
		o.publish(ctx, domain.EventPermissionDenied, in, map[string]string{"operation": string(in.OperationKind)})
		o.logger.Warn("operation blocked: permission denied", "operation_id", opID, "actor_id", in.ActorID, "operation", in.OperationKind, "resource_type", in.ResourceType)
		return result, fmt.Errorf("%w: %s may not %s %s", domain.ErrPermissionDenied, in.ActorID, in.OperationKind, in.ResourceType)
	}
	o.setState(opID, domain.StatePermissionChecked)

	if in.ConflictPrevention && in.DataID != "" {
		baseline, err := o.baseline(ctx, in)
		if err != nil {
			return result, err
		}
		check := CheckInput{
			ResourceType:    in.ResourceType,
			DocumentID:      in.DataID,
			ActorID:         in.ActorID,
			BaselineVersion: baseline,
		}
		assessment, err := o.detector.Check(ctx, check)
		if err != nil {
			return result, err
		}
		if assessment.HasConflict {
			if o.policy == ConflictPolicyStrict {
				result.ConflictID = o.noteConflict(ctx, check, assessment)
				o.logger.Warn("operation blocked: potential conflict", "operation_id", opID, "kind", assessment.Kind, "document_id", in.DataID)
				return result, &domain.PotentialConflictError{Assessment: assessment}
			}
			o.logger.Warn("conflict pre-check warning", "operation_id", opID, "kind", assessment.Kind, "document_id", in.DataID)
			result.Warning = &assessment
			// Recorded after the write so the record lists this operation's version.
			deferred = &conflictNote{check: check, assessment: assessment}
		}
	}
	o.setState(opID, domain.StateConflictPrechecked)

	if in.RequireLock && in.DataID != "" {
		lock, err := o.locks.Acquire(ctx, AcquireLockInput{
			ResourceType:  in.ResourceType,
			DocumentID:    in.DataID,
			ActorID:       in.ActorID,
			LeaseDuration: in.LeaseDuration,
		})
		if err != nil {
			return result, err
		}
		held = &lock
		o.setState(opID, domain.StateLocked)
	}

	o.setState(opID, domain.StateExecuting)
	value, err := in.Business(ctx)
	if err != nil {
		return result, err
	}
	result.Value = value

	if kind, ok := in.OperationKind.VersionKind(); ok && value != nil && in.DataID != "" {
		rec, verErr := o.versions.Record(ctx, RecordVersionInput{
			ResourceType:  in.ResourceType,
			DocumentID:    in.DataID,
			Snapshot:      value,
			OperationKind: kind,
			AuthorID:      in.ActorID,
		})
		if verErr != nil {
			o.logger.Warn("version record failed; audit gap", "operation_id", opID, "document_id", in.DataID, "err", verErr)
		} else {
			result.Version = rec.Version
			if deferred == nil && in.BaselineVersion != nil && rec.Version != *in.BaselineVersion+1 {
				deferred = &conflictNote{
					check: CheckInput{
						ResourceType:    in.ResourceType,
						DocumentID:      in.DataID,
						ActorID:         in.ActorID,
						BaselineVersion: *in.BaselineVersion,
					},
					assessment: domain.Assessment{
						HasConflict:   true,
						Kind:          domain.ConflictKindVersion,
						Detail:        fmt.Sprintf("wrote version %d from baseline %d", rec.Version, *in.BaselineVersion),
						BaseVersion:   *in.BaselineVersion,
						LatestVersion: rec.Version,
					},
				}
			}
		}
	}
	if deferred != nil {
		result.ConflictID = o.noteConflict(ctx, deferred.check, deferred.assessment)
	}
	if _, logErr := o.logs.Log(ctx, domain.LogEntryInput{
		OperationType: string(in.OperationKind),
		ActorID:       in.ActorID,
		Level:         domain.LogLevelInfo,
		Details:       fmt.Sprintf("%s %s %s", in.OperationKind, in.ResourceType, in.DataID),
		Metadata:      operationMetadata(in, opID, result.Version),
	}, LogOptions{}); logErr != nil {
		o.logger.Warn("audit log failed; audit gap", "operation_id", opID, "err", logErr)
	}
	o.setState(opID, domain.StateVersionedLogged)

	if in.SyncAfterOperation && in.DataID != "" {
		if _, syncErr := o.sync.Request(ctx, SyncRequest{
			ResourceType: in.ResourceType,
			DocumentID:   in.DataID,
			ActorID:      in.ActorID,
			Version:      result.Version,
		}); syncErr != nil {
			o.logger.Warn("sync request failed", "operation_id", opID, "err", syncErr)
		}
	}
	o.publish(ctx, domain.EventMemberActivity, in, map[string]string{
		"operation": string(in.OperationKind),
		"version":   strconv.FormatInt(result.Version, 10),
	})
	o.setState(opID, domain.StateSynced)
	return result, nil
}

// ActiveOperations returns in-flight operations ordered by start time.
func (o *Orchestrator) ActiveOperations() []domain.ActiveOperation {
	o.mu.RLock()
	out := make([]domain.ActiveOperation, 0, len(o.active))
	for _, op := range o.active {
		out = append(out, op)
	}
	o.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ActiveOperation) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.OperationID, b.OperationID)
	})
	return out
}

// conflictNote is a detected conflict awaiting publication.
type conflictNote struct {
	check      CheckInput
	assessment domain.Assessment
}

// noteConflict publishes and optionally records a detected conflict.
func (o *Orchestrator) noteConflict(ctx context.Context, check CheckInput, assessment domain.Assessment) string {
	if o.events != nil {
		o.events.Publish(ctx, domain.Event{
			Type:         domain.EventConflictDetected,
			ActorID:      check.ActorID,
			ResourceType: check.ResourceType,
			DocumentID:   check.DocumentID,
			Timestamp:    o.clock().UTC(),
			Detail: map[string]string{
				"kind":      string(assessment.Kind),
				"holder_id": assessment.HolderID,
				"detail":    assessment.Detail,
			},
		})
	}
	if !o.record {
		return ""
	}
	rec, err := o.conflicts.Record(ctx, check, assessment)
	if err != nil {
		o.logger.Warn("conflict record failed", "document_id", check.DocumentID, "err", err)
		return ""
	}
	return rec.ConflictID
}

// validateExecute checks the caller-supplied operation fields.
func validateExecute(in ExecuteInput) error {
	switch {
	case !domain.IsValidOperationKind(in.OperationKind):
		return domain.ErrInvalidOperationKind
	case in.ResourceType == "":
		return domain.ErrInvalidResourceType
	case in.ActorID == "":
		return domain.ErrInvalidActor
	case in.Business == nil:
		return ErrBusinessFuncNil
	case in.BaselineVersion != nil && *in.BaselineVersion < 0:
		return domain.ErrInvalidVersion
	}
	return nil
}

// logFailure writes an error-level audit entry for a failed operation.
func (o *Orchestrator) logFailure(ctx context.Context, in ExecuteInput, opID string, reached domain.OperationState, cause error) {
	meta := operationMetadata(in, opID, 0)
	meta["error"] = cause.Error()
	meta["state"] = string(reached)
	opType := string(in.OperationKind)
	if opType == "" {
		opType = "unknown"
	}
	if _, err := o.logs.Log(ctx, domain.LogEntryInput{
		OperationType: opType,
		ActorID:       in.ActorID,
		Level:         domain.LogLevelError,
		Details:       fmt.Sprintf("%s %s %s failed", in.OperationKind, in.ResourceType, in.DataID),
		Metadata:      meta,
	}, LogOptions{}); err != nil {
		o.logger.Error("failure audit log failed", "operation_id", opID, "err", err)
	}
}

// publish emits one event when a publisher is configured.
func (o *Orchestrator) publish(ctx context.Context, typ domain.EventType, in ExecuteInput, detail map[string]string) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, domain.Event{
		Type:         typ,
		ActorID:      in.ActorID,
		ResourceType: in.ResourceType,
		DocumentID:   in.DataID,
		Timestamp:    o.clock().UTC(),
		Detail:       detail,
	})
}

// track registers an in-flight operation.
func (o *Orchestrator) track(op domain.ActiveOperation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[op.OperationID] = op
}

// untrack removes a finished operation.
func (o *Orchestrator) untrack(opID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, opID)
}

// setState advances an operation and returns the state it left.
func (o *Orchestrator) setState(opID string, state domain.OperationState) domain.OperationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.active[opID]
	if !ok {
		return ""
	}
	prev := op.State
	op.State = state
	o.active[opID] = op
	return prev
}

// operationMetadata builds audit metadata for one operation.
func operationMetadata(in ExecuteInput, opID string, version int64) map[string]string {
	meta := map[string]string{
		"operation_id":  opID,
		"resource_type": in.ResourceType,
	}
	if in.DataID != "" {
		meta["document_id"] = in.DataID
	}
	if version > 0 {
		meta["version"] = strconv.FormatInt(version, 10)
	}
	return meta
}

// baseline returns the caller's baseline, or the current latest version when the
// caller did not read one, which limits the pre-check to concurrent edits.
func (o *Orchestrator) baseline(ctx context.Context, in ExecuteInput) (int64, error) {
	if in.BaselineVersion != nil {
		return *in.BaselineVersion, nil
	}
	return o.versions.LatestVersion(ctx, in.ResourceType, in.DataID)
}
