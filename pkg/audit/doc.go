// Package audit records operator-facing events for subscription updates,
// reconciliations, ledger mutations, gated routing requests and storage outages.
//
// # Loggers
//
//   - DBLogger: PostgreSQL audit_logs table, searchable
//   - MemoryLogger: in-process store for the memory backend and tests
//   - LogrusLogger: mirrors events into the application log
//   - MultiLogger: fans out to several loggers
//
// # Usage Example
//
//	event := audit.NewEvent(ctx, audit.EventTypeSubscriptionUpdate, audit.EventStatusPartial, accountID)
//	event.ResourceType = audit.ResourceTypeSubscription
//	event.Metadata["failed"] = []string{"usage_record"}
//	logger.Log(ctx, event)
//
// Search recent failures:
//
//	failed := audit.EventStatusFailure
//	events, err := logger.Search(ctx, audit.SearchFilter{AccountID: accountID, Status: &failed, Limit: 50})
package audit
