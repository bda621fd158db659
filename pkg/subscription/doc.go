// Package subscription propagates one canonical subscription fact to every
// denormalized record that depends on it.
//
// UpdateSubscription turns a verified Fact into a single Changed event and
// hands it to independent projectors:
//
//   - account: tier, credit grant and the nested subscription snapshot
//   - subscription_record: period bounds, limits and a usage snapshot
//   - usage_record: credit totals sized by the tier grant
//   - audit_log: written last, recording which projections succeeded
//
// The state projectors run concurrently, each wrapped in the shared retry
// policy. They are idempotent upserts, so replaying an event is safe. There is
// no cross-record transaction and nothing is rolled back: a partial failure is
// reported in the Result and repaired by EnsureConsistency, which re-applies
// the subscription record (or the account snapshot when no record exists).
//
// Canceled and unpaid subscriptions keep their nominal tier on the records but
// receive free entitlements.
package subscription
