package ledger

import (
	"context"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

// BalanceEvent is pushed to subscribers after every successful balance change.
// Delivery is at-least-once; MutationID identifies duplicates.
type BalanceEvent struct {
	AccountID  string                 `json:"accountId"`
	MutationID string                 `json:"mutationId"`
	Kind       accounts.MutationKind  `json:"kind"`
	Amount     int64                  `json:"amount"`
	Balance    accounts.CreditBalance `json:"balance"`
	At         time.Time              `json:"at"`
}

// Notifier fans balance events out to subscribers
type Notifier interface {
	Publish(ctx context.Context, event BalanceEvent) error
	// Subscribe registers fn for events of one account. The returned cancel
	// function is safe to call more than once.
	Subscribe(accountID string, fn func(BalanceEvent)) (cancel func(), err error)
	Close() error
}
