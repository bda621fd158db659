package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	event_type VARCHAR(100) NOT NULL,
	status VARCHAR(20) NOT NULL,
	account_id VARCHAR(255),
	resource_type VARCHAR(50),
	resource_id VARCHAR(255),
	request_id VARCHAR(100),
	message TEXT,
	error_message TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_account_time ON audit_logs(account_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_logs_status ON audit_logs(status) WHERE status <> 'success';
`

const auditColumns = `id, timestamp, event_type, status, account_id,
	resource_type, resource_id, request_id,
	message, error_message, metadata`

// DBLogger writes audit events to the audit_logs table in Postgres
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates the audit_logs table if needed. The caller owns db.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return &DBLogger{db: db}, nil
}

// Log inserts event and stores the generated ID on it
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (
			timestamp, event_type, status, account_id,
			resource_type, resource_id, request_id,
			message, error_message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		event.Timestamp, event.EventType, event.Status, event.AccountID,
		event.ResourceType, event.ResourceID, event.RequestID,
		event.Message, event.ErrorMessage, metadata,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// whereClause accumulates positional conditions for a search
type whereClause struct {
	conds []string
	args  []any
}

func (w *whereClause) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereClause) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func searchQuery(filter SearchFilter) (string, []any) {
	var where whereClause
	if filter.StartTime != nil {
		where.add("timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		where.add("timestamp <= $%d", *filter.EndTime)
	}
	if filter.AccountID != "" {
		where.add("account_id = $%d", filter.AccountID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		where.add("event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Status != nil {
		where.add("status = $%d", string(*filter.Status))
	}

	query := "SELECT " + auditColumns + " FROM audit_logs" + where.String() + " ORDER BY timestamp DESC, id DESC"
	args := where.args
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

// Search returns events matching filter, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	query, args := searchQuery(filter)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*AuditEvent, error) {
	var (
		e                                           AuditEvent
		account, resType, resID, reqID, msg, errMsg sql.NullString
		metadata                                    []byte
	)
	if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.Status, &account,
		&resType, &resID, &reqID, &msg, &errMsg, &metadata); err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	e.AccountID = account.String
	e.ResourceType = ResourceType(resType.String)
	e.ResourceID = resID.String
	e.RequestID = reqID.String
	e.Message = msg.String
	e.ErrorMessage = errMsg.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

// Close is a no-op; the database handle belongs to the caller
func (l *DBLogger) Close() error {
	return nil
}
