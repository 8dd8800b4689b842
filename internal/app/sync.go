package app

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/concord/internal/domain"
)

// DefaultSyncBatchInterval is the flush cadence for medium and low priority requests.
const DefaultSyncBatchInterval = 5 * time.Second

// SyncConfig holds propagation settings.
type SyncConfig struct {
	High          []string
	Medium        []string
	BatchInterval time.Duration
}

// DefaultSyncConfig returns the built-in resource classification.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		High:          []string{"account", "transaction"},
		Medium:        []string{"budget", "category"},
		BatchInterval: DefaultSyncBatchInterval,
	}
}

// SyncRequest asks subscribers to propagate one document change.
type SyncRequest struct {
	ResourceType string
	DocumentID   string
	ActorID      string
	Version      int64
}

// SyncCoordinator classifies changes by priority, dispatching high priority
// immediately and batching the rest.
type SyncCoordinator struct {
	events     EventPublisher
	clock      Clock
	newTicker  TickerFactory
	logger     *log.Logger
	interval   time.Duration
	priorities map[string]domain.SyncPriority

	mu      sync.Mutex
	pending []SyncRequest
	queued  map[string]int
}

// NewSyncCoordinator constructs a sync coordinator.
func NewSyncCoordinator(events EventPublisher, clock Clock, newTicker TickerFactory, logger *log.Logger, cfg SyncConfig) *SyncCoordinator {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultSyncBatchInterval
	}
	priorities := map[string]domain.SyncPriority{}
	for _, rt := range cfg.Medium {
		priorities[domain.NormalizeResourceType(rt)] = domain.SyncPriorityMedium
	}
	for _, rt := range cfg.High {
		priorities[domain.NormalizeResourceType(rt)] = domain.SyncPriorityHigh
	}
	return &SyncCoordinator{
		events:     events,
		clock:      clock,
		newTicker:  newTicker,
		logger:     logger,
		interval:   cfg.BatchInterval,
		priorities: priorities,
		queued:     map[string]int{},
	}
}

// Classify returns the priority for a resource type.
func (c *SyncCoordinator) Classify(resourceType string) domain.SyncPriority {
	if p, ok := c.priorities[domain.NormalizeResourceType(resourceType)]; ok {
		return p
	}
	return domain.SyncPriorityLow
}

// Request classifies and dispatches or queues one sync request. Queued requests
// for the same document collapse into the newest one.
func (c *SyncCoordinator) Request(ctx context.Context, req SyncRequest) (domain.SyncPriority, error) {
	req.ResourceType = domain.NormalizeResourceType(req.ResourceType)
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.ResourceType == "" || req.DocumentID == "" {
		return "", ErrUnknownSyncRequest
	}
	priority := c.Classify(req.ResourceType)
	if priority == domain.SyncPriorityHigh {
		c.dispatch(ctx, req, priority)
		return priority, nil
	}

	key := req.ResourceType + "/" + req.DocumentID
	c.mu.Lock()
	if idx, ok := c.queued[key]; ok {
		c.pending[idx] = req
	} else {
		c.queued[key] = len(c.pending)
		c.pending = append(c.pending, req)
	}
	c.mu.Unlock()
	return priority, nil
}

// Pending returns the number of queued requests.
func (c *SyncCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush dispatches every queued request and returns how many were sent.
func (c *SyncCoordinator) Flush(ctx context.Context) int {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.queued = map[string]int{}
	c.mu.Unlock()
	for _, req := range batch {
		c.dispatch(ctx, req, c.Classify(req.ResourceType))
	}
	if len(batch) > 0 {
		c.logger.Debug("sync batch flushed", "count", len(batch))
	}
	return len(batch)
}

// Run flushes the batch queue on every tick until ctx is done, then flushes once more.
func (c *SyncCoordinator) Run(ctx context.Context) error {
	if c.newTicker == nil {
		<-ctx.Done()
		c.Flush(context.WithoutCancel(ctx))
		return nil
	}
	ticker := c.newTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C():
			c.Flush(ctx)
		}
	}
}

// dispatch publishes one sync-requested event.
func (c *SyncCoordinator) dispatch(ctx context.Context, req SyncRequest, priority domain.SyncPriority) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, domain.Event{
		Type:         domain.EventSyncRequested,
		ActorID:      req.ActorID,
		ResourceType: req.ResourceType,
		DocumentID:   req.DocumentID,
		Timestamp:    c.clock().UTC(),
		Detail: map[string]string{
			"priority": string(priority),
			"version":  strconv.FormatInt(req.Version, 10),
		},
	})
}
