package api

import (
	"net/http"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
)

// getCredits handles GET /credits
func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.RequireQueryString(w, r, "accountId")
	if !ok {
		return
	}

	balance, err := s.deps.Credits.Balance(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, balance)
}

// useCredits handles POST /credits/use
func (s *Server) useCredits(w http.ResponseWriter, r *http.Request) {
	var req UseCreditsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.ValidateAll(w,
		httputil.NonEmpty(req.AccountID, "accountId"),
		httputil.Positive(req.Amount, "amount"),
	) {
		return
	}

	feature := accounts.FeatureMessages
	if req.Feature != "" {
		parsed, err := accounts.ParseFeature(req.Feature)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		feature = parsed
	}

	result, err := s.deps.Credits.Commit(r.Context(), ledger.CommitRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Feature:   feature,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, mutationResponse(result))
}

// refundCredits handles POST /credits/refund
func (s *Server) refundCredits(w http.ResponseWriter, r *http.Request) {
	var req RefundCreditsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.AccountID, "accountId") ||
		!httputil.RequirePositive(w, req.Amount, "amount") {
		return
	}

	result, err := s.deps.Credits.Refund(r.Context(), ledger.RefundRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, mutationResponse(result))
}

// creditHistory handles GET /credits/history
func (s *Server) creditHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.RequireQueryString(w, r, "accountId")
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", ledger.DefaultHistoryLimit)
	if !ok {
		return
	}

	mutations, err := s.deps.Credits.History(r.Context(), accountID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if mutations == nil {
		mutations = []*accounts.LedgerMutation{}
	}

	httputil.WriteSuccess(w, HistoryResponse{AccountID: accountID, Mutations: mutations})
}
