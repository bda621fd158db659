package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRecordNotWritten marks projections skipped because the subscription record write failed
var ErrRecordNotWritten = errors.New("subscription record not written")

// PartialConsistencyError reports an update where some projections were
// written and others were not. Nothing is rolled back; EnsureConsistency
// repairs the failed projections later.
type PartialConsistencyError struct {
	AccountID string
	Updated   []string
	Failed    map[string]error
}

func (e *PartialConsistencyError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("subscription update for account %s partially applied: updated [%s], failed [%s]",
		e.AccountID, strings.Join(e.Updated, ", "), strings.Join(names, ", "))
}

// Unwrap returns the projector errors
func (e *PartialConsistencyError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// IsPartialConsistency checks if an error is a partial consistency error
func IsPartialConsistency(err error) bool {
	var target *PartialConsistencyError
	return errors.As(err, &target)
}
