// Package metering runs the request control flow end to end.
//
// Route classifies the text, selects a backend tier and reports whether the
// account can afford it: the messages quota must have room and the credit
// ledger must cover the estimate rounded up to whole credits. Nothing is
// deducted at this point.
//
// After the caller has invoked the chosen backend, Complete commits the
// actual cost and counts the feature use. Fail refunds whatever was committed
// for a session whose answer could not be delivered.
package metering
