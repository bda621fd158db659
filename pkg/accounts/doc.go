// Package accounts defines the account-scoped data model shared by the metering
// components: account tiers, credit balances, ledger mutations, subscription
// projections and the plan entitlements that size them.
//
// # Credit balance
//
// An account's spendable allowance is a single prepaid balance:
//
//	available = total - used
//
// The balance is the canonical spending ledger. Monthly feature quotas are rate
// caps checked alongside it, and the usage record kept by the subscription
// projectors mirrors the tier grant rather than acting as a second balance.
//
// # Errors
//
// ValidationError and NotFoundError are shared by every component so handlers
// can map them to HTTP status codes without knowing which package raised them.
package accounts
