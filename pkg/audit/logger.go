package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Search returns events matching filter, newest first
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)

	// Close closes the logger and releases resources
	Close() error
}

// NewEvent creates a base audit event with common fields populated from ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus, accountID string) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		AccountID: accountID,
		RequestID: observability.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// NoOpLogger discards all events
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that does nothing
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (NoOpLogger) Log(context.Context, *AuditEvent) error { return nil }

func (NoOpLogger) Search(context.Context, SearchFilter) ([]*AuditEvent, error) {
	return []*AuditEvent{}, nil
}

func (NoOpLogger) Close() error { return nil }

// MemoryLogger keeps events in process memory. It backs the in-memory storage
// type and tests.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []*AuditEvent
	nextID int64
}

// NewMemoryLogger creates a new in-memory audit logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log stores a copy of event and assigns it an ID
func (l *MemoryLogger) Log(_ context.Context, event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	event.ID = l.nextID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	stored := *event
	if event.Metadata != nil {
		stored.Metadata = make(map[string]interface{}, len(event.Metadata))
		for k, v := range event.Metadata {
			stored.Metadata[k] = v
		}
	}
	l.events = append(l.events, &stored)
	return nil
}

// Search returns matching events ordered newest first
func (l *MemoryLogger) Search(_ context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*AuditEvent, 0)
	for _, e := range l.events {
		if filter.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (l *MemoryLogger) Close() error { return nil }

// LogrusLogger mirrors audit events into the application log. It cannot search.
type LogrusLogger struct {
	log *logrus.Entry
}

// NewLogrusLogger creates an audit logger writing to log
func NewLogrusLogger(log *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{log: log.WithField("component", "audit")}
}

// Log writes event as a structured log line
func (l *LogrusLogger) Log(_ context.Context, event *AuditEvent) error {
	entry := l.log.WithFields(logrus.Fields{
		"event_type": event.EventType,
		"status":     event.Status,
		"account_id": event.AccountID,
	})
	if event.RequestID != "" {
		entry = entry.WithField("request_id", event.RequestID)
	}
	if event.ResourceID != "" {
		entry = entry.WithField("resource", string(event.ResourceType)+"/"+event.ResourceID)
	}
	for k, v := range event.Metadata {
		entry = entry.WithField("meta_"+k, v)
	}

	switch event.Status {
	case EventStatusFailure:
		entry.WithField("error", event.ErrorMessage).Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

func (l *LogrusLogger) Search(context.Context, SearchFilter) ([]*AuditEvent, error) {
	return []*AuditEvent{}, nil
}

func (l *LogrusLogger) Close() error { return nil }

// StoreUnavailableEvent records a storage operation that failed after its
// retries ran out, so the account can be reconciled later.
func StoreUnavailableEvent(ctx context.Context, operation, accountID string, err error) *AuditEvent {
	event := NewEvent(ctx, EventTypeStoreUnavailable, EventStatusFailure, accountID)
	event.ResourceType = ResourceTypeStore
	event.ResourceID = operation
	event.Message = "storage unavailable during " + operation
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	event.Metadata["operation"] = operation
	return event
}
