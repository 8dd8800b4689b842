package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// Lock manager defaults.
const (
	DefaultLeaseDuration     = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// LockManagerConfig holds lease timing.
type LockManagerConfig struct {
	DefaultLease      time.Duration
	HeartbeatInterval time.Duration
}

// LockManager grants exclusive leases per document and keeps them alive with heartbeats.
type LockManager struct {
	repo           LockRepository
	boundary       *Boundary
	idGen          IDGenerator
	clock          Clock
	newTicker      TickerFactory
	logger         *log.Logger
	defaultLease   time.Duration
	heartbeatEvery time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu         sync.Mutex
	heartbeats map[string]*heartbeatTask
}

// heartbeatTask tracks one running heartbeat goroutine.
type heartbeatTask struct {
	lock   domain.Lock
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLockManager constructs a lock manager.
func NewLockManager(repo LockRepository, boundary *Boundary, idGen IDGenerator, clock Clock, newTicker TickerFactory, logger *log.Logger, cfg LockManagerConfig) *LockManager {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = DefaultLeaseDuration
	}
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &LockManager{
		repo:           repo,
		boundary:       boundary,
		idGen:          idGen,
		clock:          clock,
		newTicker:      newTicker,
		logger:         logger,
		defaultLease:   cfg.DefaultLease,
		heartbeatEvery: cfg.HeartbeatInterval,
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		heartbeats:     map[string]*heartbeatTask{},
	}
}

// AcquireLockInput holds input values for acquire operations.
type AcquireLockInput struct {
	ResourceType  string
	DocumentID    string
	ActorID       string
	LeaseDuration time.Duration
}

// ReleaseLockInput holds input values for release operations. An empty token
// matches on holder only.
type ReleaseLockInput struct {
	ResourceType string
	DocumentID   string
	ActorID      string
	Token        string
}

// LockState is the result of an IsLocked query.
type LockState struct {
	Locked   bool
	HolderID string
	Lock     *domain.Lock
}

// Acquire grants a lease or returns a LockHeldError naming the current holder.
// Expired leases found on the way are marked expired and reclaimed.
func (m *LockManager) Acquire(ctx context.Context, in AcquireLockInput) (domain.Lock, error) {
	in.ResourceType = domain.NormalizeResourceType(in.ResourceType)
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	in.ActorID = strings.TrimSpace(in.ActorID)
	if in.ResourceType == "" {
		return domain.Lock{}, domain.ErrInvalidResourceType
	}
	if in.DocumentID == "" {
		return domain.Lock{}, domain.ErrInvalidID
	}
	if in.ActorID == "" {
		return domain.Lock{}, domain.ErrInvalidActor
	}
	if in.LeaseDuration <= 0 {
		in.LeaseDuration = m.defaultLease
	}

	holder, found, err := m.liveLock(ctx, in.ResourceType, in.DocumentID)
	if err != nil {
		return domain.Lock{}, err
	}
	if found {
		if holder.HeldBy(in.ActorID) {
			return m.refresh(ctx, holder)
		}
		m.logger.Info("lock acquire refused", "resource_type", in.ResourceType, "document_id", in.DocumentID, "actor_id", in.ActorID, "holder_id", holder.HolderID)
		return domain.Lock{}, lockHeld(holder)
	}

	lock, err := domain.NewLock(domain.LockInput{
		LockID:        m.idGen(),
		Token:         m.idGen(),
		ResourceType:  in.ResourceType,
		DocumentID:    in.DocumentID,
		HolderID:      in.ActorID,
		LeaseDuration: in.LeaseDuration,
	}, m.clock())
	if err != nil {
		return domain.Lock{}, err
	}
	err = m.boundary.Do(ctx, "create lock", func(ctx context.Context) error {
		return m.repo.CreateLock(ctx, lock)
	})
	if errors.Is(err, domain.ErrLockExists) {
		// Lost the race to a concurrent acquirer; report whoever won.
		winner, found, lookupErr := m.liveLock(ctx, in.ResourceType, in.DocumentID)
		if lookupErr != nil {
			return domain.Lock{}, lookupErr
		}
		if found && winner.HeldBy(in.ActorID) {
			return m.refresh(ctx, winner)
		}
		if !found {
			winner = domain.Lock{ResourceType: in.ResourceType, DocumentID: in.DocumentID}
		}
		m.logger.Info("lock acquire lost race", "resource_type", in.ResourceType, "document_id", in.DocumentID, "actor_id", in.ActorID, "holder_id", winner.HolderID)
		return domain.Lock{}, lockHeld(winner)
	}
	if err != nil {
		return domain.Lock{}, err
	}

	m.startHeartbeat(lock)
	m.logger.Info("lock acquired", "lock_id", lock.LockID, "resource_type", lock.ResourceType, "document_id", lock.DocumentID, "holder_id", lock.HolderID, "lease", lock.LeaseDuration)
	return lock, nil
}

// IsLocked reports whether a live lease exists and who holds it.
func (m *LockManager) IsLocked(ctx context.Context, resourceType, documentID string) (LockState, error) {
	resourceType = domain.NormalizeResourceType(resourceType)
	documentID = strings.TrimSpace(documentID)
	if resourceType == "" {
		return LockState{}, domain.ErrInvalidResourceType
	}
	if documentID == "" {
		return LockState{}, domain.ErrInvalidID
	}
	lock, found, err := m.liveLock(ctx, resourceType, documentID)
	if err != nil {
		return LockState{}, err
	}
	if !found {
		return LockState{}, nil
	}
	return LockState{Locked: true, HolderID: lock.HolderID, Lock: &lock}, nil
}

// Release releases the actor's lease. It returns false without error when no
// matching active lease exists or the lease already lapsed.
func (m *LockManager) Release(ctx context.Context, in ReleaseLockInput) (bool, error) {
	in.ResourceType = domain.NormalizeResourceType(in.ResourceType)
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.Token = strings.TrimSpace(in.Token)
	if in.ResourceType == "" {
		return false, domain.ErrInvalidResourceType
	}
	if in.DocumentID == "" {
		return false, domain.ErrInvalidID
	}
	if in.ActorID == "" {
		return false, domain.ErrInvalidActor
	}

	active, err := m.activeLocks(ctx, in.ResourceType, in.DocumentID)
	if err != nil {
		return false, err
	}
	now := m.clock()
	held := false
	for _, lock := range active {
		if !lock.HeldBy(in.ActorID) {
			continue
		}
		held = true
		if in.Token != "" && !lock.MatchesToken(in.Token) {
			m.logger.Warn("lock release token mismatch", "lock_id", lock.LockID, "actor_id", in.ActorID)
			continue
		}
		m.stopHeartbeat(lock.LockID)
		if lock.IsExpired(now) {
			m.expire(ctx, lock)
			m.logger.Info("lock release skipped: lease already expired", "lock_id", lock.LockID, "holder_id", lock.HolderID)
			return false, nil
		}
		err := m.boundary.Do(ctx, "release lock", func(ctx context.Context) error {
			return m.repo.TransitionLock(ctx, lock.LockID, lock.Token, domain.LockStatusActive, domain.LockStatusReleased)
		})
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		m.logger.Info("lock released", "lock_id", lock.LockID, "resource_type", lock.ResourceType, "document_id", lock.DocumentID, "holder_id", lock.HolderID)
		return true, nil
	}
	if !held {
		// Only orphaned tasks remain; a token mismatch leaves the live lease beating.
		m.stopHeartbeatsFor(in.ResourceType, in.DocumentID, in.ActorID)
	}
	m.logger.Debug("lock release ignored: no matching active lease", "resource_type", in.ResourceType, "document_id", in.DocumentID, "actor_id", in.ActorID)
	return false, nil
}

// Sweep marks every lapsed active lease expired and returns how many it reclaimed.
func (m *LockManager) Sweep(ctx context.Context) (int, error) {
	now := m.clock().UTC()
	active, err := boundaryCall(ctx, m.boundary, "list locks", func(ctx context.Context) ([]domain.Lock, error) {
		return m.repo.ListLocks(ctx, domain.LockFilter{
			Statuses:        []domain.LockStatus{domain.LockStatusActive},
			HeartbeatBefore: &now,
		})
	})
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, lock := range active {
		if !lock.IsExpired(now) {
			continue
		}
		if m.expire(ctx, lock) {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		m.logger.Info("lock sweep reclaimed expired leases", "count", reclaimed)
	}
	return reclaimed, nil
}

// List returns locks matching filter.
func (m *LockManager) List(ctx context.Context, filter domain.LockFilter) ([]domain.Lock, error) {
	filter.ResourceType = domain.NormalizeResourceType(filter.ResourceType)
	filter.DocumentID = strings.TrimSpace(filter.DocumentID)
	return boundaryCall(ctx, m.boundary, "list locks", func(ctx context.Context) ([]domain.Lock, error) {
		return m.repo.ListLocks(ctx, filter)
	})
}

// HeartbeatCount returns the number of running heartbeat tasks.
func (m *LockManager) HeartbeatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heartbeats)
}

// Close stops every heartbeat task and waits for them to exit.
func (m *LockManager) Close() {
	m.cancelBase()
	m.mu.Lock()
	tasks := make([]*heartbeatTask, 0, len(m.heartbeats))
	for id, task := range m.heartbeats {
		tasks = append(tasks, task)
		delete(m.heartbeats, id)
	}
	m.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
		<-task.done
	}
}

// liveLock returns the single unexpired active lease for a document, reclaiming lapsed ones.
func (m *LockManager) liveLock(ctx context.Context, resourceType, documentID string) (domain.Lock, bool, error) {
	active, err := m.activeLocks(ctx, resourceType, documentID)
	if err != nil {
		return domain.Lock{}, false, err
	}
	now := m.clock()
	for _, lock := range active {
		if lock.IsExpired(now) {
			m.expire(ctx, lock)
			continue
		}
		return lock, true, nil
	}
	return domain.Lock{}, false, nil
}

// activeLocks lists active-status rows for one document.
func (m *LockManager) activeLocks(ctx context.Context, resourceType, documentID string) ([]domain.Lock, error) {
	return boundaryCall(ctx, m.boundary, "list locks", func(ctx context.Context) ([]domain.Lock, error) {
		return m.repo.ListLocks(ctx, domain.LockFilter{
			ResourceType: resourceType,
			DocumentID:   documentID,
			Statuses:     []domain.LockStatus{domain.LockStatusActive},
		})
	})
}

// refresh re-stamps a lease the actor already holds.
func (m *LockManager) refresh(ctx context.Context, lock domain.Lock) (domain.Lock, error) {
	lock.Heartbeat(m.clock())
	err := m.boundary.Do(ctx, "touch lock", func(ctx context.Context) error {
		return m.repo.TouchLock(ctx, lock.LockID, lock.Token, lock.LastHeartbeat, lock.ExpiresAt)
	})
	if err != nil {
		return domain.Lock{}, err
	}
	m.startHeartbeat(lock)
	m.logger.Debug("lock refreshed", "lock_id", lock.LockID, "holder_id", lock.HolderID)
	return lock, nil
}

// expire transitions a lapsed lease; losing the transition to another caller is fine.
func (m *LockManager) expire(ctx context.Context, lock domain.Lock) bool {
	m.stopHeartbeat(lock.LockID)
	err := m.boundary.Do(ctx, "expire lock", func(ctx context.Context) error {
		return m.repo.TransitionLock(ctx, lock.LockID, lock.Token, domain.LockStatusActive, domain.LockStatusExpired)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("lock expiry failed", "lock_id", lock.LockID, "err", err)
		}
		return false
	}
	m.logger.Info("lock expired", "lock_id", lock.LockID, "resource_type", lock.ResourceType, "document_id", lock.DocumentID, "holder_id", lock.HolderID)
	return true
}

// startHeartbeat launches the per-lock heartbeat goroutine when configured.
func (m *LockManager) startHeartbeat(lock domain.Lock) {
	if m.heartbeatEvery <= 0 || m.newTicker == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx.Err() != nil {
		return
	}
	if _, ok := m.heartbeats[lock.LockID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	task := &heartbeatTask{lock: lock, cancel: cancel, done: make(chan struct{})}
	m.heartbeats[lock.LockID] = task
	go m.runHeartbeat(ctx, task, m.newTicker(m.heartbeatEvery))
}

// runHeartbeat re-stamps the lease on every tick and stops itself when the store
// write fails or the lease is no longer active.
func (m *LockManager) runHeartbeat(ctx context.Context, task *heartbeatTask, ticker Ticker) {
	defer close(task.done)
	defer ticker.Stop()
	lock := task.lock
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := m.clock().UTC()
			err := m.repo.TouchLock(ctx, lock.LockID, lock.Token, now, now.Add(lock.LeaseDuration))
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrNotFound) {
				m.logger.Info("heartbeat stopped: lease no longer active", "lock_id", lock.LockID, "holder_id", lock.HolderID)
			} else {
				m.logger.Warn("heartbeat stopped: store write failed", "lock_id", lock.LockID, "holder_id", lock.HolderID, "err", err)
			}
			m.forgetHeartbeat(lock.LockID, task)
			return
		}
	}
}

// stopHeartbeat cancels one heartbeat task and waits for it.
func (m *LockManager) stopHeartbeat(lockID string) {
	m.mu.Lock()
	task, ok := m.heartbeats[lockID]
	if ok {
		delete(m.heartbeats, lockID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

// stopHeartbeatsFor cancels orphaned tasks for one holder on one document.
func (m *LockManager) stopHeartbeatsFor(resourceType, documentID, actorID string) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, task := range m.heartbeats {
		if task.lock.ResourceType == resourceType && task.lock.DocumentID == documentID && task.lock.HeldBy(actorID) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopHeartbeat(id)
	}
}

// forgetHeartbeat removes a self-stopped task if it is still registered.
func (m *LockManager) forgetHeartbeat(lockID string, task *heartbeatTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.heartbeats[lockID]; ok && current == task {
		delete(m.heartbeats, lockID)
	}
}

// lockHeld builds the typed holder error.
func lockHeld(lock domain.Lock) error {
	return &domain.LockHeldError{
		ResourceType: lock.ResourceType,
		DocumentID:   lock.DocumentID,
		HolderID:     lock.HolderID,
		ExpiresAt:    lock.ExpiresAt,
	}
}

// String renders a lock state for CLI output.
func (s LockState) String() string {
	if !s.Locked {
		return "unlocked"
	}
	return fmt.Sprintf("locked by %s", s.HolderID)
}
