package domain

import "time"

// EventType names one engine notification.
type EventType string

// EventType values emitted by the engine.
const (
	EventConflictDetected EventType = "conflict-detected"
	EventMemberActivity   EventType = "member-activity"
	EventPermissionDenied EventType = "permission-denied"
	EventSyncRequested    EventType = "sync-requested"
)

// Event is the payload delivered to bus subscribers.
type Event struct {
	Type         EventType
	ActorID      string
	ResourceType string
	DocumentID   string
	Timestamp    time.Time
	Detail       map[string]string
}

// Document is the live state of one shared document in the remote store.
type Document struct {
	ResourceType string
	DocumentID   string
	Body         Snapshot
	UpdatedAt    time.Time
	UpdatedBy    string
}
