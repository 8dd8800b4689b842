package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// LogLevel identifies audit entry severity.
type LogLevel string

// LogLevel values.
const (
	LogLevelInfo     LogLevel = "info"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// validLogLevels stores supported levels.
var validLogLevels = []LogLevel{
	LogLevelInfo,
	LogLevelWarning,
	LogLevelError,
	LogLevelCritical,
}

// LogEntry represents one audit-trail entry for an orchestrated operation.
type LogEntry struct {
	LogID         string
	OperationType string
	ActorID       string
	Level         LogLevel
	Details       string
	Metadata      map[string]string
	RecordedAt    time.Time
	RetryCount    int
}

// LogEntryInput holds values used to build a log entry.
type LogEntryInput struct {
	LogID         string
	OperationType string
	ActorID       string
	Level         LogLevel
	Details       string
	Metadata      map[string]string
}

// NewLogEntry validates and normalizes one audit entry.
func NewLogEntry(in LogEntryInput, now time.Time) (LogEntry, error) {
	in.LogID = strings.TrimSpace(in.LogID)
	in.OperationType = strings.TrimSpace(in.OperationType)
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.Level = NormalizeLogLevel(in.Level)
	if in.Level == "" {
		in.Level = LogLevelInfo
	}
	if in.LogID == "" {
		return LogEntry{}, ErrInvalidID
	}
	if in.OperationType == "" {
		return LogEntry{}, ErrInvalidOperationKind
	}
	if !IsValidLogLevel(in.Level) {
		return LogEntry{}, ErrInvalidLogLevel
	}
	metadata := map[string]string{}
	maps.Copy(metadata, in.Metadata)
	return LogEntry{
		LogID:         in.LogID,
		OperationType: in.OperationType,
		ActorID:       in.ActorID,
		Level:         in.Level,
		Details:       strings.TrimSpace(in.Details),
		Metadata:      metadata,
		RecordedAt:    now.UTC(),
	}, nil
}

// IsSevere reports whether the entry must be written synchronously and never dropped.
func (e LogEntry) IsSevere() bool {
	return e.Level == LogLevelError || e.Level == LogLevelCritical
}

// NormalizeLogLevel canonicalizes level names; "warn" is accepted for warning.
func NormalizeLogLevel(level LogLevel) LogLevel {
	out := LogLevel(strings.TrimSpace(strings.ToLower(string(level))))
	if out == "warn" {
		return LogLevelWarning
	}
	return out
}

// IsValidLogLevel reports whether a level is supported.
func IsValidLogLevel(level LogLevel) bool {
	return slices.Contains(validLogLevels, NormalizeLogLevel(level))
}

// LogFilter defines store query predicates for audit entries.
type LogFilter struct {
	ActorID       string
	OperationType string
	Levels        []LogLevel
	Since         *time.Time
	Limit         int
}
