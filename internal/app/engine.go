package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepInterval is how often lapsed leases are reclaimed in the background.
const DefaultSweepInterval = 30 * time.Second

// EngineConfig holds configuration for every engine component.
type EngineConfig struct {
	Locks         LockManagerConfig
	Versions      VersionStoreConfig
	Orchestrator  OrchestratorConfig
	MergePolicy   MergePolicy
	Logs          LogPipelineConfig
	Sync          SyncConfig
	Roles         RoleDirectoryConfig
	Policies      []domain.RolePolicy
	SweepInterval time.Duration
}

// EngineOption customizes engine construction.
type EngineOption func(*engineOptions)

// engineOptions stores optional engine collaborators.
type engineOptions struct {
	logger    *log.Logger
	newTicker TickerFactory
	events    *EventBus
}

// WithLogger sets the component logger.
func WithLogger(logger *log.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithTickerFactory sets the ticker source for heartbeats, flushes and sweeps.
func WithTickerFactory(f TickerFactory) EngineOption {
	return func(o *engineOptions) {
		o.newTicker = f
	}
}

// WithEventBus sets the event bus instead of a private one.
func WithEventBus(bus *EventBus) EngineOption {
	return func(o *engineOptions) {
		o.events = bus
	}
}

// Engine is the public facade over the collaboration components.
type Engine struct {
	clock      Clock
	logger     *log.Logger
	newTicker  TickerFactory
	sweepEvery time.Duration
	closed     atomic.Bool

	events       *EventBus
	roles        *RoleDirectory
	gate         *PermissionGate
	locks        *LockManager
	versions     *VersionStore
	documents    *DocumentStore
	detector     *ConflictDetector
	conflicts    *ConflictStore
	dispatcher   *ResolutionDispatcher
	logs         *LogPipeline
	sync         *SyncCoordinator
	orchestrator *Orchestrator
}

// NewEngine wires every component over one repository.
func NewEngine(repo Repository, idGen IDGenerator, clock Clock, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("engine repository is required")
	}
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	options := engineOptions{newTicker: NewRealTicker}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.logger == nil {
		options.logger = log.Default()
	}
	if options.events == nil {
		options.events = NewEventBus(options.logger)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if len(cfg.Sync.High) == 0 && len(cfg.Sync.Medium) == 0 {
		defaults := DefaultSyncConfig()
		cfg.Sync.High, cfg.Sync.Medium = defaults.High, defaults.Medium
	}
	if cfg.Roles.DefaultRole == "" {
		cfg.Roles.DefaultRole = domain.RoleMember
	}

	logger := options.logger
	boundary := NewBoundary(repo, logger)
	roles, err := NewRoleDirectory(repo, boundary, clock, cfg.Policies, cfg.Roles)
	if err != nil {
		return nil, err
	}
	locks := NewLockManager(repo, boundary, idGen, clock, options.newTicker, logger, cfg.Locks)
	versions := NewVersionStore(repo, boundary, clock, logger, cfg.Versions)
	documents := NewDocumentStore(repo, boundary, clock)
	conflicts := NewConflictStore(repo, versions, boundary, idGen, clock, logger)
	detector := NewConflictDetector(locks, versions, clock)
	gate := NewPermissionGate(roles, logger)
	logs := NewLogPipeline(repo, boundary, idGen, clock, options.newTicker, logger, cfg.Logs)
	syncer := NewSyncCoordinator(options.events, clock, options.newTicker, logger, cfg.Sync)
	dispatcher := NewResolutionDispatcher(conflicts, logger,
		NewLastWriteWinsStrategy(versions, documents),
		NewMergeStrategy(versions, documents, cfg.MergePolicy),
		NewManualStrategy(versions, documents),
		NewPriorityStrategy(versions, documents, roles),
	).WithLocks(locks, idGen)
	orchestrator := NewOrchestrator(OrchestratorDeps{
		Gate:      gate,
		Detector:  detector,
		Conflicts: conflicts,
		Locks:     locks,
		Versions:  versions,
		Logs:      logs,
		Sync:      syncer,
		Events:    options.events,
		IDGen:     idGen,
		Clock:     clock,
		Logger:    logger,
	}, cfg.Orchestrator)

	return &Engine{
		clock:        clock,
		logger:       logger,
		newTicker:    options.newTicker,
		sweepEvery:   cfg.SweepInterval,
		events:       options.events,
		roles:        roles,
		gate:         gate,
		locks:        locks,
		versions:     versions,
		documents:    documents,
		detector:     detector,
		conflicts:    conflicts,
		dispatcher:   dispatcher,
		logs:         logs,
		sync:         syncer,
		orchestrator: orchestrator,
	}, nil
}

// Events returns the engine event bus.
func (e *Engine) Events() *EventBus {
	return e.events
}

// CheckPermission reports whether an actor may perform an operation.
func (e *Engine) CheckPermission(ctx context.Context, in PermissionInput) (bool, error) {
	in.ActorID = actorOrCaller(ctx, in.ActorID)
	allowed, err := e.gate.Check(ctx, in)
	if err == nil && !allowed {
		e.publish(ctx, domain.Event{
			Type:         domain.EventPermissionDenied,
			ActorID:      in.ActorID,
			ResourceType: domain.NormalizeResourceType(in.ResourceType),
			Detail:       map[string]string{"operation": string(domain.NormalizeOperationKind(in.OperationKind))},
		})
	}
	return allowed, err
}

// ExecuteCollaborativeOperation runs one operation through the orchestrator.
func (e *Engine) ExecuteCollaborativeOperation(ctx context.Context, in ExecuteInput) (ExecuteResult, error) {
	if e.closed.Load() {
		return ExecuteResult{}, ErrEngineClosed
	}
	in.ActorID = actorOrCaller(ctx, in.ActorID)
	return e.orchestrator.Execute(ctx, in)
}

// WriteDocumentInput holds input values for a document write.
type WriteDocumentInput struct {
	ResourceType       string
	DocumentID         string
	ActorID            string
	Body               domain.Snapshot
	OperationKind      domain.OperationKind
	BaselineVersion    *int64
	RequireLock        bool
	ConflictPrevention bool
	SyncAfterOperation bool
	CheckOwnership     bool
	DataOwnerID        string
	LeaseDuration      time.Duration
}

// WriteDocument stores a document body through the orchestrator. The operation
// is create when the document does not exist yet and update otherwise, unless
// the caller names one.
func (e *Engine) WriteDocument(ctx context.Context, in WriteDocumentInput) (ExecuteResult, error) {
	resourceType, documentID, err := normalizeDocKey(in.ResourceType, in.DocumentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if in.Body == nil {
		return ExecuteResult{}, domain.ErrInvalidSnapshot
	}
	actorID := actorOrCaller(ctx, in.ActorID)
	kind := domain.NormalizeOperationKind(in.OperationKind)
	owner := strings.TrimSpace(in.DataOwnerID)
	if kind == "" || (in.CheckOwnership && owner == "") {
		existing, err := e.documents.Get(ctx, resourceType, documentID)
		switch {
		case errors.Is(err, ErrNotFound):
			if kind == "" {
				kind = domain.OperationCreate
			}
		case err != nil:
			return ExecuteResult{}, err
		default:
			if kind == "" {
				kind = domain.OperationUpdate
			}
			if owner == "" {
				owner = existing.UpdatedBy
			}
		}
	}
	body := in.Body.Clone()
	return e.ExecuteCollaborativeOperation(ctx, ExecuteInput{
		OperationKind:      kind,
		ResourceType:       resourceType,
		ActorID:            actorID,
		DataID:             documentID,
		RequireLock:        in.RequireLock,
		CheckOwnership:     in.CheckOwnership,
		DataOwnerID:        owner,
		SyncAfterOperation: in.SyncAfterOperation,
		ConflictPrevention: in.ConflictPrevention,
		BaselineVersion:    in.BaselineVersion,
		LeaseDuration:      in.LeaseDuration,
		Business: func(ctx context.Context) (domain.Snapshot, error) {
			doc, err := e.documents.Put(ctx, resourceType, documentID, body, actorID)
			if err != nil {
				return nil, err
			}
			return doc.Body, nil
		},
	})
}

// DeleteDocument removes a document through the orchestrator.
func (e *Engine) DeleteDocument(ctx context.Context, resourceType, documentID, actorID string) (ExecuteResult, error) {
	resourceType, documentID, err := normalizeDocKey(resourceType, documentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	return e.ExecuteCollaborativeOperation(ctx, ExecuteInput{
		OperationKind: domain.OperationDelete,
		ResourceType:  resourceType,
		ActorID:       actorID,
		DataID:        documentID,
		RequireLock:   true,
		Business: func(ctx context.Context) (domain.Snapshot, error) {
			return nil, e.documents.Delete(ctx, resourceType, documentID)
		},
	})
}

// Document returns the live document.
func (e *Engine) Document(ctx context.Context, resourceType, documentID string) (domain.Document, error) {
	return e.documents.Get(ctx, resourceType, documentID)
}

// DetectConflictInput holds input values for an explicit conflict check.
type DetectConflictInput struct {
	ResourceType    string
	DocumentID      string
	ActorID         string
	BaselineVersion int64
	Record          bool
}

// DetectConflictResult reports the assessment and any recorded conflict id.
type DetectConflictResult struct {
	Assessment domain.Assessment
	ConflictID string
}

// DetectConflict runs the advisory check and optionally records a positive result.
func (e *Engine) DetectConflict(ctx context.Context, in DetectConflictInput) (DetectConflictResult, error) {
	check := CheckInput{
		ResourceType:    in.ResourceType,
		DocumentID:      in.DocumentID,
		ActorID:         actorOrCaller(ctx, in.ActorID),
		BaselineVersion: in.BaselineVersion,
	}
	assessment, err := e.detector.Check(ctx, check)
	if err != nil {
		return DetectConflictResult{}, err
	}
	out := DetectConflictResult{Assessment: assessment}
	if !assessment.HasConflict {
		return out, nil
	}
	e.publish(ctx, domain.Event{
		Type:         domain.EventConflictDetected,
		ActorID:      check.ActorID,
		ResourceType: domain.NormalizeResourceType(check.ResourceType),
		DocumentID:   strings.TrimSpace(check.DocumentID),
		Detail:       map[string]string{"kind": string(assessment.Kind), "holder_id": assessment.HolderID},
	})
	if in.Record {
		rec, err := e.conflicts.Record(ctx, check, assessment)
		if err != nil {
			return out, err
		}
		out.ConflictID = rec.ConflictID
	}
	return out, nil
}

// ResolveConflict applies a strategy to a pending conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy domain.StrategyKind, in ResolutionInput) (ResolutionOutcome, error) {
	in.ActorID = actorOrCaller(ctx, in.ActorID)
	outcome, err := e.dispatcher.Resolve(ctx, conflictID, strategy, in)
	if err != nil {
		return ResolutionOutcome{}, err
	}
	rec := outcome.Record
	if _, logErr := e.logs.Log(ctx, domain.LogEntryInput{
		OperationType: "resolve_conflict",
		ActorID:       in.ActorID,
		Level:         domain.LogLevelInfo,
		Details:       "conflict " + rec.ConflictID + " resolved with " + string(rec.StrategyUsed),
		Metadata: map[string]string{
			"conflict_id":   rec.ConflictID,
			"resource_type": rec.ResourceType,
			"document_id":   rec.DocumentID,
			"strategy":      string(rec.StrategyUsed),
		},
	}, LogOptions{Immediate: true}); logErr != nil {
		e.logger.Warn("resolution audit log failed", "conflict_id", rec.ConflictID, "err", logErr)
	}
	e.publish(ctx, domain.Event{
		Type:         domain.EventMemberActivity,
		ActorID:      in.ActorID,
		ResourceType: rec.ResourceType,
		DocumentID:   rec.DocumentID,
		Detail: map[string]string{
			"operation":   "resolve_conflict",
			"conflict_id": rec.ConflictID,
			"strategy":    string(rec.StrategyUsed),
		},
	})
	return outcome, nil
}

// Conflict returns one conflict record.
func (e *Engine) Conflict(ctx context.Context, conflictID string) (domain.ConflictRecord, error) {
	return e.conflicts.Get(ctx, conflictID)
}

// Conflicts lists conflict records.
func (e *Engine) Conflicts(ctx context.Context, filter domain.ConflictFilter) ([]domain.ConflictRecord, error) {
	return e.conflicts.List(ctx, filter)
}

// PendingConflicts counts pending conflict records.
func (e *Engine) PendingConflicts(ctx context.Context) (int, error) {
	return e.conflicts.Count(ctx, domain.ConflictFilter{Statuses: []domain.ConflictStatus{domain.ConflictStatusPending}})
}

// Strategies returns registered resolution strategies.
func (e *Engine) Strategies() []domain.StrategyKind {
	return e.dispatcher.Strategies()
}

// Log writes one audit entry through the pipeline.
func (e *Engine) Log(ctx context.Context, in domain.LogEntryInput, opts LogOptions) (domain.LogEntry, error) {
	in.ActorID = actorOrCaller(ctx, in.ActorID)
	return e.logs.Log(ctx, in, opts)
}

// Logs lists persisted audit entries.
func (e *Engine) Logs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	return e.logs.List(ctx, filter)
}

// FlushLogs drains queued audit entries.
func (e *Engine) FlushLogs(ctx context.Context) (int, error) {
	return e.logs.Drain(ctx)
}

// LockStatus reports whether a document is locked.
func (e *Engine) LockStatus(ctx context.Context, resourceType, documentID string) (LockState, error) {
	return e.locks.IsLocked(ctx, resourceType, documentID)
}

// AcquireLock grants a lease directly.
func (e *Engine) AcquireLock(ctx context.Context, in AcquireLockInput) (domain.Lock, error) {
	in.ActorID = actorOrCaller(ctx, in.ActorID)
	return e.locks.Acquire(ctx, in)
}

// ReleaseLock releases a lease directly.
func (e *Engine) ReleaseLock(ctx context.Context, in ReleaseLockInput) (bool, error) {
	in.ActorID = actorOrCaller(ctx, in.ActorID)
	if strings.TrimSpace(in.Token) == "" {
		if caller, ok := CallerFromContext(ctx); ok {
			in.Token = caller.LockToken
		}
	}
	return e.locks.Release(ctx, in)
}

// Locks lists lock rows.
func (e *Engine) Locks(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	return e.locks.List(ctx, filter)
}

// SweepLocks reclaims lapsed leases.
func (e *Engine) SweepLocks(ctx context.Context) (int, error) {
	return e.locks.Sweep(ctx)
}

// Versions lists a document's version chain.
func (e *Engine) Versions(ctx context.Context, filter domain.VersionFilter) ([]domain.VersionRecord, error) {
	return e.versions.List(ctx, filter)
}

// Version returns one version record.
func (e *Engine) Version(ctx context.Context, resourceType, documentID string, version int64) (domain.VersionRecord, error) {
	return e.versions.Get(ctx, resourceType, documentID, version)
}

// VerifyVersion reports whether a stored version's checksum matches its snapshot.
func (e *Engine) VerifyVersion(ctx context.Context, resourceType, documentID string, version int64) (bool, error) {
	return e.versions.Verify(ctx, resourceType, documentID, version)
}

// ActiveOperations returns in-flight orchestrated operations.
func (e *Engine) ActiveOperations() []domain.ActiveOperation {
	return e.orchestrator.ActiveOperations()
}

// AssignRole persists an actor's role.
func (e *Engine) AssignRole(ctx context.Context, actorID string, role domain.Role) error {
	return e.roles.Assign(ctx, actorID, role)
}

// RoleOf returns an actor's effective role.
func (e *Engine) RoleOf(ctx context.Context, actorID string) (domain.Role, error) {
	return e.roles.RoleOf(ctx, actorID)
}

// RolePolicies returns the active policy table.
func (e *Engine) RolePolicies() []domain.RolePolicy {
	return e.roles.Policies()
}

// SetRolePolicies replaces the policy table.
func (e *Engine) SetRolePolicies(policies []domain.RolePolicy) error {
	if err := e.roles.SetPolicies(policies); err != nil {
		return err
	}
	e.logger.Info("role policies updated", "roles", len(policies))
	return nil
}

// Start runs background work until ctx is done: periodic log flushes, sync
// batches and lock sweeps.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.logs.Run(gctx)
	})
	g.Go(func() error {
		return e.sync.Run(gctx)
	})
	g.Go(func() error {
		return e.runSweeper(gctx)
	})
	return g.Wait()
}

// Close stops heartbeats, flushes queued sync requests and drains the log queue.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.locks.Close()
	flushed := e.sync.Flush(ctx)
	drained, err := e.logs.Drain(ctx)
	e.logger.Info("engine closed", "sync_flushed", flushed, "logs_drained", drained, "logs_pending", e.logs.Pending())
	return err
}

// runSweeper reclaims lapsed leases on every tick.
func (e *Engine) runSweeper(ctx context.Context) error {
	if e.newTicker == nil {
		<-ctx.Done()
		return nil
	}
	ticker := e.newTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := e.locks.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("lock sweep failed", "err", err)
			}
		}
	}
}

// publish stamps and emits one event.
func (e *Engine) publish(ctx context.Context, evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.clock().UTC()
	}
	e.events.Publish(ctx, evt)
}

