package audit

import (
	"context"
	"errors"
)

// MultiLogger logs to multiple audit loggers. Search is served by the first logger.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log logs an audit event to all configured loggers, continuing past failures
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Search delegates to the primary logger
func (m *MultiLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	if len(m.loggers) == 0 {
		return []*AuditEvent{}, nil
	}
	return m.loggers[0].Search(ctx, filter)
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
