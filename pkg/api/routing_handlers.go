package api

import (
	"net/http"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
	"github.com/platinummonkey/tiermeter/pkg/metering"
)

// route handles POST /route
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.ValidateAll(w,
		httputil.NonEmpty(req.AccountID, "accountId"),
		httputil.NonEmpty(req.Text, "text"),
	) {
		return
	}

	var tier accounts.Tier
	if req.AccountTier != "" {
		parsed, err := accounts.ParseTier(req.AccountTier)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		tier = parsed
	}

	resp, err := s.deps.Router.Route(r.Context(), metering.RouteRequest{
		AccountID:      req.AccountID,
		Text:           req.Text,
		AccountTier:    tier,
		History:        req.History,
		ManualOverride: req.ManualOverrideTier,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, resp)
}

// completeRoute handles POST /route/complete
func (s *Server) completeRoute(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.AccountID, "accountId") {
		return
	}

	result, err := s.deps.Router.Complete(r.Context(), metering.CompletionRequest{
		AccountID:   req.AccountID,
		Tier:        req.Tier,
		Feature:     accounts.Feature(req.Feature),
		InputUnits:  req.InputUnits,
		OutputUnits: req.OutputUnits,
		Credits:     req.Credits,
		SessionID:   req.SessionID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// failRoute handles POST /route/fail
func (s *Server) failRoute(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.AccountID, "accountId") {
		return
	}

	result, err := s.deps.Router.Fail(r.Context(), metering.FailureRequest{
		AccountID: req.AccountID,
		SessionID: req.SessionID,
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, mutationResponse(result))
}

func mutationResponse(result *ledger.Result) MutationResponse {
	resp := MutationResponse{
		Success:        result.Success,
		AvailableAfter: result.AvailableAfter,
		Balance:        result.Balance,
	}
	if result.Mutation != nil {
		resp.MutationID = result.Mutation.ID
	}
	return resp
}
