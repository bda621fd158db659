// Package quota enforces per-feature monthly usage caps keyed to the account tier.
//
// Quotas are rate caps, not balances: spending is governed by the credit
// ledger, and a quota only limits how often a feature may be used in the
// current period.
//
// Periods reset lazily. Every read or write first checks the stored reset
// time; once it has passed, the counters are zeroed and the reset time moves
// forward by whole months until it lies in the future. The reset is a
// compare-and-swap on the old reset time, so concurrent callers reset at most
// once. There is no background sweep.
package quota
