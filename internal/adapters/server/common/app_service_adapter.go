package common

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/domain"
)

// EngineAdapter maps transport contracts onto app.Engine APIs.
type EngineAdapter struct {
	engine *app.Engine
}

var _ CoordinationService = (*EngineAdapter)(nil)

// NewEngineAdapter builds one common adapter over an app.Engine instance.
func NewEngineAdapter(engine *app.Engine) *EngineAdapter {
	return &EngineAdapter{engine: engine}
}

// ready reports whether the adapter has a backing engine.
func (a *EngineAdapter) ready() error {
	if a == nil || a.engine == nil {
		return fmt.Errorf("engine adapter is not configured: %w", ErrServiceUnavailable)
	}
	return nil
}

// CheckPermission answers one role-based capability check.
func (a *EngineAdapter) CheckPermission(ctx context.Context, in PermissionRequest) (PermissionResult, error) {
	if err := a.ready(); err != nil {
		return PermissionResult{}, err
	}
	if strings.TrimSpace(in.OperationKind) == "" || strings.TrimSpace(in.ResourceType) == "" {
		return PermissionResult{}, fmt.Errorf("operation_kind and resource_type are required: %w", ErrInvalidRequest)
	}
	input := app.PermissionInput{
		ActorID:        in.ActorID,
		OperationKind:  domain.OperationKind(in.OperationKind),
		ResourceType:   in.ResourceType,
		CheckOwnership: in.CheckOwnership,
		DataOwnerID:    in.DataOwnerID,
	}
	allowed, err := a.engine.CheckPermission(ctx, input)
	if err != nil {
		return PermissionResult{}, fmt.Errorf("check permission: %w", err)
	}
	actorID := strings.TrimSpace(in.ActorID)
	if actorID == "" {
		if caller, ok := app.CallerFromContext(ctx); ok {
			actorID = caller.ActorID
		}
	}
	return PermissionResult{
		ActorID:       actorID,
		OperationKind: string(domain.NormalizeOperationKind(input.OperationKind)),
		ResourceType:  domain.NormalizeResourceType(in.ResourceType),
		Allowed:       allowed,
	}, nil
}

// AcquireLock grants one lease.
func (a *EngineAdapter) AcquireLock(ctx context.Context, in AcquireLockRequest) (LockView, error) {
	if err := a.ready(); err != nil {
		return LockView{}, err
	}
	if in.LeaseSeconds < 0 {
		return LockView{}, fmt.Errorf("lease_seconds must be positive: %w", ErrInvalidRequest)
	}
	lock, err := a.engine.AcquireLock(ctx, app.AcquireLockInput{
		ResourceType:  in.ResourceType,
		DocumentID:    in.DocumentID,
		ActorID:       in.ActorID,
		LeaseDuration: time.Duration(in.LeaseSeconds) * time.Second,
	})
	if err != nil {
		return LockView{}, fmt.Errorf("acquire lock: %w", err)
	}
	return MapLock(lock, true), nil
}

// ReleaseLock releases one lease.
func (a *EngineAdapter) ReleaseLock(ctx context.Context, in ReleaseLockRequest) (ReleaseLockResult, error) {
	if err := a.ready(); err != nil {
		return ReleaseLockResult{}, err
	}
	released, err := a.engine.ReleaseLock(ctx, app.ReleaseLockInput{
		ResourceType: in.ResourceType,
		DocumentID:   in.DocumentID,
		ActorID:      in.ActorID,
		Token:        in.Token,
	})
	if err != nil {
		return ReleaseLockResult{}, fmt.Errorf("release lock: %w", err)
	}
	return ReleaseLockResult{Released: released}, nil
}

// LockStatus reports whether one document is locked.
func (a *EngineAdapter) LockStatus(ctx context.Context, ref DocumentRef) (LockStatusView, error) {
	if err := a.ready(); err != nil {
		return LockStatusView{}, err
	}
	state, err := a.engine.LockStatus(ctx, ref.ResourceType, ref.DocumentID)
	if err != nil {
		return LockStatusView{}, fmt.Errorf("lock status: %w", err)
	}
	out := LockStatusView{
		ResourceType: domain.NormalizeResourceType(ref.ResourceType),
		DocumentID:   strings.TrimSpace(ref.DocumentID),
		Locked:       state.Locked,
		HolderID:     state.HolderID,
	}
	if state.Lock != nil {
		view := MapLock(*state.Lock, false)
		out.Lock = &view
	}
	return out, nil
}

// ListLocks lists lease rows.
func (a *EngineAdapter) ListLocks(ctx context.Context, in ListLocksRequest) ([]LockView, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	filter := domain.LockFilter{
		ResourceType: in.ResourceType,
		DocumentID:   strings.TrimSpace(in.DocumentID),
		Limit:        in.Limit,
	}
	if status := strings.TrimSpace(in.Status); status != "" {
		if !domain.IsValidLockStatus(domain.LockStatus(status)) {
			return nil, fmt.Errorf("unsupported lock status %q: %w", status, ErrInvalidRequest)
		}
		filter.Statuses = []domain.LockStatus{domain.NormalizeLockStatus(domain.LockStatus(status))}
	}
	locks, err := a.engine.Locks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	out := make([]LockView, 0, len(locks))
	for _, lock := range locks {
		out = append(out, MapLock(lock, false))
	}
	return out, nil
}

// GetDocument returns one live document.
func (a *EngineAdapter) GetDocument(ctx context.Context, ref DocumentRef) (DocumentView, error) {
	if err := a.ready(); err != nil {
		return DocumentView{}, err
	}
	doc, err := a.engine.Document(ctx, ref.ResourceType, ref.DocumentID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("get document: %w", err)
	}
	return DocumentView{
		ResourceType: doc.ResourceType,
		DocumentID:   doc.DocumentID,
		Body:         doc.Body,
		UpdatedAt:    doc.UpdatedAt,
		UpdatedBy:    doc.UpdatedBy,
	}, nil
}

// WriteDocument stores one document body through the orchestrator.
func (a *EngineAdapter) WriteDocument(ctx context.Context, in WriteDocumentRequest) (OperationResult, error) {
	if err := a.ready(); err != nil {
		return OperationResult{}, err
	}
	kind := domain.NormalizeOperationKind(domain.OperationKind(in.OperationKind))
	if kind == domain.OperationDelete {
		res, err := a.engine.DeleteDocument(ctx, in.ResourceType, in.DocumentID, in.ActorID)
		if err != nil {
			return OperationResult{}, fmt.Errorf("delete document: %w", err)
		}
		return mapExecuteResult(res), nil
	}
	if in.Body == nil {
		return OperationResult{}, fmt.Errorf("body is required: %w", ErrInvalidRequest)
	}
	res, err := a.engine.WriteDocument(ctx, app.WriteDocumentInput{
		ResourceType:       in.ResourceType,
		DocumentID:         in.DocumentID,
		ActorID:            in.ActorID,
		Body:               domain.Snapshot(in.Body),
		OperationKind:      kind,
		BaselineVersion:    in.BaselineVersion,
		RequireLock:        in.RequireLock,
		ConflictPrevention: in.ConflictPrevention,
		SyncAfterOperation: in.Sync,
		CheckOwnership:     in.CheckOwnership,
	})
	if err != nil {
		return OperationResult{}, fmt.Errorf("write document: %w", err)
	}
	return mapExecuteResult(res), nil
}

// ListVersions lists one document's version chain.
func (a *EngineAdapter) ListVersions(ctx context.Context, in ListVersionsRequest) ([]VersionView, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ResourceType) == "" || strings.TrimSpace(in.DocumentID) == "" {
		return nil, fmt.Errorf("resource_type and document_id are required: %w", ErrInvalidRequest)
	}
	versions, err := a.engine.Versions(ctx, domain.VersionFilter{
		ResourceType: in.ResourceType,
		DocumentID:   in.DocumentID,
		AuthorID:     in.AuthorID,
		SinceVersion: in.SinceVersion,
		Limit:        in.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	out := make([]VersionView, 0, len(versions))
	for _, v := range versions {
		out = append(out, MapVersion(v))
	}
	return out, nil
}

// DetectConflict runs one explicit conflict check.
func (a *EngineAdapter) DetectConflict(ctx context.Context, in DetectConflictRequest) (DetectConflictResult, error) {
	if err := a.ready(); err != nil {
		return DetectConflictResult{}, err
	}
	res, err := a.engine.DetectConflict(ctx, app.DetectConflictInput{
		ResourceType:    in.ResourceType,
		DocumentID:      in.DocumentID,
		ActorID:         in.ActorID,
		BaselineVersion: in.BaselineVersion,
		Record:          in.Record,
	})
	if err != nil {
		return DetectConflictResult{}, fmt.Errorf("detect conflict: %w", err)
	}
	return DetectConflictResult{
		Assessment: MapAssessment(res.Assessment),
		ConflictID: res.ConflictID,
	}, nil
}

// ListConflicts lists conflict records.
func (a *EngineAdapter) ListConflicts(ctx context.Context, in ListConflictsRequest) ([]ConflictView, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	filter := domain.ConflictFilter{
		ResourceType: in.ResourceType,
		DocumentID:   strings.TrimSpace(in.DocumentID),
		Limit:        in.Limit,
	}
	switch status := domain.ConflictStatus(strings.ToLower(strings.TrimSpace(in.Status))); status {
	case "":
	case domain.ConflictStatusPending, domain.ConflictStatusResolved:
		filter.Statuses = []domain.ConflictStatus{status}
	default:
		return nil, fmt.Errorf("unsupported conflict status %q: %w", in.Status, ErrInvalidRequest)
	}
	records, err := a.engine.Conflicts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]ConflictView, 0, len(records))
	for _, rec := range records {
		out = append(out, MapConflict(rec))
	}
	return out, nil
}

// GetConflict returns one conflict record.
func (a *EngineAdapter) GetConflict(ctx context.Context, conflictID string) (ConflictView, error) {
	if err := a.ready(); err != nil {
		return ConflictView{}, err
	}
	rec, err := a.engine.Conflict(ctx, strings.TrimSpace(conflictID))
	if err != nil {
		return ConflictView{}, fmt.Errorf("get conflict: %w", err)
	}
	return MapConflict(rec), nil
}

// ResolveConflict applies one resolution strategy.
func (a *EngineAdapter) ResolveConflict(ctx context.Context, in ResolveConflictRequest) (ResolutionView, error) {
	if err := a.ready(); err != nil {
		return ResolutionView{}, err
	}
	if strings.TrimSpace(in.ConflictID) == "" {
		return ResolutionView{}, fmt.Errorf("conflict id is required: %w", ErrInvalidRequest)
	}
	var snapshot domain.Snapshot
	if in.Snapshot != nil {
		snapshot = domain.Snapshot(in.Snapshot)
	}
	outcome, err := a.engine.ResolveConflict(ctx, strings.TrimSpace(in.ConflictID), domain.StrategyKind(in.Strategy), app.ResolutionInput{
		ActorID:  in.ActorID,
		Snapshot: snapshot,
		Note:     in.Note,
	})
	if err != nil {
		return ResolutionView{}, fmt.Errorf("resolve conflict: %w", err)
	}
	return ResolutionView{
		Conflict: MapConflict(outcome.Record),
		Snapshot: outcome.Snapshot,
	}, nil
}

// WriteLog writes one audit entry.
func (a *EngineAdapter) WriteLog(ctx context.Context, in WriteLogRequest) (LogView, error) {
	if err := a.ready(); err != nil {
		return LogView{}, err
	}
	entry, err := a.engine.Log(ctx, domain.LogEntryInput{
		OperationType: in.OperationType,
		ActorID:       in.ActorID,
		Level:         domain.LogLevel(in.Level),
		Details:       in.Details,
		Metadata:      in.Metadata,
	}, app.LogOptions{Immediate: in.Immediate})
	if err != nil {
		return LogView{}, fmt.Errorf("write log: %w", err)
	}
	return MapLog(entry), nil
}

// ListLogs lists persisted audit entries.
func (a *EngineAdapter) ListLogs(ctx context.Context, in ListLogsRequest) ([]LogView, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	filter := domain.LogFilter{
		ActorID:       strings.TrimSpace(in.ActorID),
		OperationType: strings.TrimSpace(in.OperationType),
		Limit:         in.Limit,
	}
	if level := strings.TrimSpace(in.Level); level != "" {
		if !domain.IsValidLogLevel(domain.LogLevel(level)) {
			return nil, fmt.Errorf("unsupported log level %q: %w", level, ErrInvalidRequest)
		}
		filter.Levels = []domain.LogLevel{domain.NormalizeLogLevel(domain.LogLevel(level))}
	}
	entries, err := a.engine.Logs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	out := make([]LogView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, MapLog(entry))
	}
	return out, nil
}

// ActiveOperations lists in-flight orchestrated operations.
func (a *EngineAdapter) ActiveOperations(context.Context) ([]OperationView, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	ops := a.engine.ActiveOperations()
	out := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperationView{
			OperationID:   op.OperationID,
			OperationKind: string(op.OperationKind),
			ResourceType:  op.ResourceType,
			ActorID:       op.ActorID,
			DataID:        op.DataID,
			State:         string(op.State),
			StartedAt:     op.StartedAt,
		})
	}
	return out, nil
}

// Ready reports whether the backing store answers queries.
func (a *EngineAdapter) Ready(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	if _, err := a.engine.PendingConflicts(ctx); err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	return nil
}

// MapLock converts one domain lease to its transport shape. The token is only
// exposed to the acquiring caller.
func MapLock(lock domain.Lock, withToken bool) LockView {
	view := LockView{
		LockID:        lock.LockID,
		ResourceType:  lock.ResourceType,
		DocumentID:    lock.DocumentID,
		HolderID:      lock.HolderID,
		Status:        string(lock.Status),
		LeaseSeconds:  lock.LeaseDuration.Seconds(),
		CreatedAt:     lock.CreatedAt,
		ExpiresAt:     lock.ExpiresAt,
		LastHeartbeat: lock.LastHeartbeat,
	}
	if withToken {
		view.Token = lock.Token
	}
	return view
}

// MapVersion converts one version record to its transport shape.
func MapVersion(v domain.VersionRecord) VersionView {
	return VersionView{
		ResourceType:  v.ResourceType,
		DocumentID:    v.DocumentID,
		Version:       v.Version,
		Snapshot:      v.Snapshot,
		OperationKind: string(v.OperationKind),
		AuthorID:      v.AuthorID,
		RecordedAt:    v.RecordedAt,
		Checksum:      v.Checksum,
	}
}

// MapAssessment converts one assessment to its transport shape.
func MapAssessment(a domain.Assessment) AssessmentView {
	kind := a.Kind
	if kind == "" {
		kind = domain.ConflictKindNone
	}
	return AssessmentView{
		HasConflict:    a.HasConflict,
		Kind:           string(kind),
		Detail:         a.Detail,
		HolderID:       a.HolderID,
		BaseVersion:    a.BaseVersion,
		LatestVersion:  a.LatestVersion,
		LatestAuthorID: a.LatestAuthorID,
	}
}

// MapConflict converts one conflict record to its transport shape.
func MapConflict(rec domain.ConflictRecord) ConflictView {
	view := ConflictView{
		ConflictID:          rec.ConflictID,
		ResourceType:        rec.ResourceType,
		DocumentID:          rec.DocumentID,
		Kind:                string(rec.Kind),
		InvolvedActorIDs:    append([]string{}, rec.InvolvedActorIDs...),
		BaseVersion:         rec.BaseVersion,
		ConflictingVersions: append([]int64{}, rec.ConflictingVersions...),
		Status:              string(rec.Status),
		StrategyUsed:        string(rec.StrategyUsed),
		CreatedAt:           rec.CreatedAt,
		ResolvedAt:          rec.ResolvedAt,
	}
	if !rec.IsPending() {
		view.Resolution = rec.Resolution
	}
	return view
}

// MapLog converts one audit entry to its transport shape.
func MapLog(entry domain.LogEntry) LogView {
	return LogView{
		LogID:         entry.LogID,
		OperationType: entry.OperationType,
		ActorID:       entry.ActorID,
		Level:         string(entry.Level),
		Details:       entry.Details,
		Metadata:      entry.Metadata,
		RecordedAt:    entry.RecordedAt,
		RetryCount:    entry.RetryCount,
	}
}

// mapExecuteResult converts one orchestrated result to its transport shape.
func mapExecuteResult(res app.ExecuteResult) OperationResult {
	out := OperationResult{
		OperationID: res.OperationID,
		Value:       res.Value,
		Version:     res.Version,
		ConflictID:  res.ConflictID,
	}
	if res.Warning != nil {
		warning := MapAssessment(*res.Warning)
		out.Warning = &warning
	}
	return out
}
