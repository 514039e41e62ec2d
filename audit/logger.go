package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
)

const (
	// Event types
	EventTypeRegister = "vault.register"
	EventTypeConnect  = "vault.connect"
	EventTypeCapture  = "vault.capture"
	EventTypeTimeline = "vault.timeline"
	EventTypeRotate   = "vault.rotate"
	EventTypeExport   = "vault.export"
	EventTypeImport   = "vault.import"

	// Operations
	OperationCreate  = "create"
	OperationUpdate  = "update"
	OperationEncrypt = "encrypt"
	OperationDecrypt = "decrypt"
	OperationRotate  = "rotate"
	OperationExport  = "export"
	OperationImport  = "import"

	// Statuses
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ZerologAuditLogger writes audit events to a zerolog logger
type ZerologAuditLogger struct {
	zLogger zerolog.Logger
	level   zerolog.Level
}

// NewZerologAuditLogger logs events at debug level
func NewZerologAuditLogger(logger zerolog.Logger) *ZerologAuditLogger {
	return &ZerologAuditLogger{zLogger: logger, level: zerolog.DebugLevel}
}

// WithLevel returns a copy that logs at level
func (l *ZerologAuditLogger) WithLevel(level zerolog.Level) *ZerologAuditLogger {
	return &ZerologAuditLogger{zLogger: l.zLogger, level: level}
}

// LogEvent logs an audit event with its identifying fields
func (l *ZerologAuditLogger) LogEvent(ctx context.Context, event *types.AuditEvent) error {
	if err := normalize(ctx, event); err != nil {
		return err
	}

	logEvent := l.zLogger.WithLevel(l.level).
		Str("auditId", event.ID).
		Time("timestamp", event.Timestamp).
		Str("eventType", event.EventType).
		Str("operation", event.Operation).
		Str("status", event.Status)

	if event.UserID != "" {
		logEvent = logEvent.Str("userId", event.UserID)
	}
	if event.KeyID != "" {
		logEvent = logEvent.Str("keyId", event.KeyID)
	}
	for _, key := range []ContextKey{KeyToolName, KeyEventID, KeyTargetID, KeyActor, KeyError} {
		if v := event.Context[string(key)]; v != "" {
			logEvent = logEvent.Str(string(key), v)
		}
	}
	if len(event.Metadata) > 0 {
		logEvent = logEvent.Interface("metadata", event.Metadata)
	}

	logEvent.Msg("Audit event")
	return nil
}

// GetEvents is not supported, events only go to the log stream
func (l *ZerologAuditLogger) GetEvents(ctx context.Context, filter map[string]interface{}) ([]*types.AuditEvent, error) {
	return nil, fmt.Errorf("getting events not supported for zerolog audit logger")
}

// MemoryAuditLogger keeps events in memory so they can be queried. The CLI
// records every invocation into one to report the quickstart's audit trail.
type MemoryAuditLogger struct {
	mu     sync.RWMutex
	events []*types.AuditEvent
}

func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) LogEvent(ctx context.Context, event *types.AuditEvent) error {
	if err := normalize(ctx, event); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// GetEvents returns events whose fields equal every filter value. Supported
// filter keys are eventType, operation, status, userId and keyId.
func (l *MemoryAuditLogger) GetEvents(ctx context.Context, filters map[string]interface{}) ([]*types.AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*types.AuditEvent
	for _, e := range l.events {
		ok, err := matches(e, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// MultiAuditLogger sends each event to every logger in order
type MultiAuditLogger struct {
	loggers []interfaces.AuditLogger
}

func NewMultiAuditLogger(loggers ...interfaces.AuditLogger) *MultiAuditLogger {
	return &MultiAuditLogger{loggers: loggers}
}

// LogEvent returns the first error but still offers the event to the
// remaining loggers
func (m *MultiAuditLogger) LogEvent(ctx context.Context, event *types.AuditEvent) error {
	var first error
	for _, l := range m.loggers {
		if err := l.LogEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// GetEvents asks each logger in turn and returns the first answer
func (m *MultiAuditLogger) GetEvents(ctx context.Context, filters map[string]interface{}) ([]*types.AuditEvent, error) {
	var lastErr error = fmt.Errorf("no audit logger can query events")
	for _, l := range m.loggers {
		events, err := l.GetEvents(ctx, filters)
		if err == nil {
			return events, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func matches(e *types.AuditEvent, filters map[string]interface{}) (bool, error) {
	for k, v := range filters {
		want, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("%w: audit filter %q must be a string", types.ErrValidation, k)
		}
		var got string
		switch k {
		case "eventType":
			got = e.EventType
		case "operation":
			got = e.Operation
		case "status":
			got = e.Status
		case "userId":
			got = e.UserID
		case "keyId":
			got = e.KeyID
		default:
			return false, fmt.Errorf("%w: unsupported audit filter %q", types.ErrValidation, k)
		}
		if got != want {
			return false, nil
		}
	}
	return true, nil
}

// normalize fills defaults and copies known context values into the event
func normalize(ctx context.Context, event *types.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Context == nil {
		event.Context = make(map[string]string)
	}
	for _, key := range contextKeys {
		if _, set := event.Context[string(key)]; set {
			continue
		}
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			event.Context[string(key)] = v
		}
	}
	if event.UserID == "" {
		event.UserID = event.Context[string(KeyUserID)]
	}
	return nil
}

// WithUser adds the vault owner to the context
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, KeyUserID, userID)
}

// WithActor records who drives the operation
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, KeyActor, actor)
}

// WithOperation adds operation information to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, KeyOperation, operation)
}

// NewAuditEvent creates a new audit event with essential fields
func NewAuditEvent(eventType, operation, userID string) *types.AuditEvent {
	return &types.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Operation: operation,
		Status:    StatusSuccess,
		UserID:    userID,
		Context:   make(map[string]string),
	}
}
