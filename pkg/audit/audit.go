// Package audit records the decision trail of the remediation pipeline.
//
// Every policy evaluation, approval, execution, and verification emits an
// Event. The default ConsoleLogger writes events to zerolog only; the
// SQLiteLogger adds persistent, HMAC-signed storage so operators can answer
// "who approved what, and why did the gate allow it" after the fact.
//
// This package is in pkg/ so external compliance tooling can import the
// event types and query API without pulling in the rest of the service.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event types emitted by the pipeline.
const (
	EventIncidentOpened    = "incident_opened"
	EventPolicyDecision    = "policy_decision"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventActionExecuted    = "action_executed"
	EventActionVerified    = "action_verified"
	EventIncidentResolved  = "incident_resolved"
	EventCleanup           = "audit_cleanup"
)

// Event represents a single audit log entry.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event"` // "policy_decision", "action_executed", etc.
	IncidentID string    `json:"incidentId,omitempty"`
	ActionID   string    `json:"actionId,omitempty"`
	Actor      string    `json:"actor,omitempty"`   // "system", "policy", or an approver identity
	Outcome    string    `json:"outcome,omitempty"` // gate decision or execution outcome
	Success    bool      `json:"success"`
	Details    string    `json:"details,omitempty"`
	Signature  string    `json:"signature,omitempty"` // Empty for console logger, HMAC for SQLite
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	ID         string
	StartTime  *time.Time
	EndTime    *time.Time
	EventType  string
	IncidentID string
	Actor      string
	Success    *bool
	Limit      int
	Offset     int
}

// Logger defines the interface for audit logging backends.
// ConsoleLogger outputs to zerolog only; SQLiteLogger provides
// persistent storage with signing and retention.
type Logger interface {
	// Log records an audit event
	Log(event Event) error

	// Query retrieves audit events matching the filter (may return empty for console logger)
	Query(filter QueryFilter) ([]Event, error)

	// Count returns the number of audit events matching the filter
	Count(filter QueryFilter) (int, error)

	// Close releases any resources held by the logger
	Close() error
}

// Global logger instance with thread-safe access
var (
	globalLogger Logger
	loggerMu     sync.RWMutex
	loggerOnce   sync.Once
)

// SetLogger sets the global audit logger.
// This should be called during application initialization.
// If called multiple times, subsequent calls replace the previous logger.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the current global audit logger.
// If no logger has been set, it returns a ConsoleLogger.
func GetLogger() Logger {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()

	if l != nil {
		return l
	}

	// Initialize default console logger on first access
	loggerOnce.Do(func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if globalLogger == nil {
			globalLogger = NewConsoleLogger()
		}
	})

	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

// Close closes the global audit logger if one has been set.
func Close() error {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Log is a convenience function that logs an event using the global logger.
func Log(eventType, incidentID, actionID, actor, outcome string, success bool, details string) {
	event := Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		EventType:  eventType,
		IncidentID: incidentID,
		ActionID:   actionID,
		Actor:      actor,
		Outcome:    outcome,
		Success:    success,
		Details:    details,
	}

	if err := GetLogger().Log(event); err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to log audit event")
	}
}

// ConsoleLogger implements Logger by writing to zerolog.
// This is the default implementation when no persistent backend is configured.
type ConsoleLogger struct{}

// NewConsoleLogger creates a new console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes an audit event to zerolog.
func (c *ConsoleLogger) Log(event Event) error {
	logEvent := log.With().
		Str("audit_id", event.ID).
		Str("event", event.EventType).
		Str("incident_id", event.IncidentID).
		Str("action_id", event.ActionID).
		Str("actor", event.Actor).
		Str("outcome", event.Outcome).
		Time("timestamp", event.Timestamp).
		Str("details", event.Details).
		Logger()

	if event.Success {
		logEvent.Info().Msg("Audit event")
	} else {
		logEvent.Warn().Msg("Audit event - FAILED")
	}

	return nil
}

// Query returns an empty slice for the console logger.
// Console logs are not queryable - use the SQLite backend for persistent storage.
func (c *ConsoleLogger) Query(filter QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Count returns zero for the console logger.
func (c *ConsoleLogger) Count(filter QueryFilter) (int, error) {
	return 0, nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}
