package routing

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

// GatingError is returned when an account requests a tier its plan does not permit
type GatingError struct {
	Requested   string
	Suggested   string
	AccountTier accounts.Tier
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("tier %s is not available on the %s plan; suggested tier: %s", e.Requested, e.AccountTier, e.Suggested)
}

// IsGating checks if an error is a gating error
func IsGating(err error) bool {
	var target *GatingError
	return errors.As(err, &target)
}
