package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Subscription events
	EventTypeSubscriptionUpdate    EventType = "subscription.update"
	EventTypeSubscriptionReconcile EventType = "subscription.reconcile"

	// Ledger events
	EventTypeLedgerCommit EventType = "ledger.commit"
	EventTypeLedgerRefund EventType = "ledger.refund"

	// Routing events
	EventTypeRoutingGated EventType = "routing.gated"

	// Storage events
	EventTypeStoreUnavailable EventType = "store.unavailable"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusPartial EventStatus = "partial"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypeAccount      ResourceType = "account"
	ResourceTypeSubscription ResourceType = "subscription"
	ResourceTypeLedger       ResourceType = "ledger"
	ResourceTypeStore        ResourceType = "store"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID           int64                  `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	Status       EventStatus            `json:"status"`
	AccountID    string                 `json:"account_id,omitempty"`
	ResourceType ResourceType           `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime  *time.Time
	EndTime    *time.Time
	AccountID  string
	EventTypes []EventType
	Status     *EventStatus
	Limit      int
}

func (f SearchFilter) matches(e *AuditEvent) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
