package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/routing"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

// retryAfterUnavailable is the Retry-After hint sent with 503s
const retryAfterUnavailable = 2 * time.Second

// InsufficientCreditsResponse is the 402 body
type InsufficientCreditsResponse struct {
	Error     string `json:"error"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
}

// writeServiceError maps a typed service error to its status code
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *ledger.InsufficientCreditsError
		gate         *routing.GatingError
	)

	switch {
	case accounts.IsValidation(err):
		httputil.WriteValidationError(w, err.Error())

	case accounts.IsNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())

	case errors.As(err, &insufficient):
		httputil.WriteJSON(w, http.StatusPaymentRequired, InsufficientCreditsResponse{
			Error:     "insufficient credits",
			Total:     insufficient.Balance.Total,
			Used:      insufficient.Balance.Used,
			Available: insufficient.Balance.Available(),
		})

	case errors.As(err, &gate):
		httputil.WriteDetailedError(w, http.StatusForbidden, err, map[string]string{
			"requestedTier": gate.Requested,
			"suggestedTier": gate.Suggested,
			"accountTier":   string(gate.AccountTier),
		})

	case storage.IsUnavailable(err):
		observability.LoggerFromContext(r.Context()).WithError(err).Warn("store unavailable")
		httputil.WriteServiceUnavailable(w, "storage temporarily unavailable, retry later", retryAfterUnavailable)

	default:
		observability.LoggerFromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteInternalError(w)
	}
}
