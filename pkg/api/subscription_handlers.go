package api

import (
	"net/http"

	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/subscription"
)

// updateSubscription handles POST /subscription/update.
// A partially applied fact answers 207 with the failed projections.
func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var fact subscription.Fact
	if !httputil.ParseJSONOrError(w, r, &fact) {
		return
	}

	result, err := s.deps.Subscriptions.UpdateSubscription(r.Context(), fact)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.writeSubscriptionResult(w, r, result)
}

// reconcileSubscription handles POST /subscription/reconcile
func (s *Server) reconcileSubscription(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.AccountID, "accountId") {
		return
	}

	result, err := s.deps.Subscriptions.EnsureConsistency(r.Context(), req.AccountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.writeSubscriptionResult(w, r, result)
}

func (s *Server) writeSubscriptionResult(w http.ResponseWriter, r *http.Request, result *subscription.Result) {
	if result.Success {
		httputil.WriteSuccess(w, result)
		return
	}
	observability.LoggerFromContext(r.Context()).
		WithError(result.Err()).
		WithField("account_id", result.AccountID).
		Warn("subscription partially applied")
	httputil.WriteJSON(w, http.StatusMultiStatus, result)
}
