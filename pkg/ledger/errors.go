package ledger

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

// InsufficientCreditsError is returned when a commit exceeds the available balance.
// The balance is left unchanged.
type InsufficientCreditsError struct {
	AccountID string
	Requested int64
	Balance   accounts.CreditBalance
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for account %s: requested %d, available %d",
		e.AccountID, e.Requested, e.Balance.Available())
}

// IsInsufficientCredits checks if an error is an insufficient credits error
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}
