package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/httputil"
)

// usageSummary handles GET /usage/summary
func (s *Server) usageSummary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.RequireQueryString(w, r, "accountId")
	if !ok {
		return
	}

	summary, err := s.deps.Usage.Summary(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, summary)
}

// searchAudit handles GET /audit
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 100)
	if !ok {
		return
	}

	filter := audit.SearchFilter{
		AccountID: httputil.ParseQueryString(r, "accountId", ""),
		Limit:     limit,
	}
	if eventType := httputil.ParseQueryString(r, "type", ""); eventType != "" {
		filter.EventTypes = []audit.EventType{audit.EventType(eventType)}
	}
	if status := httputil.ParseQueryString(r, "status", ""); status != "" {
		st := audit.EventStatus(status)
		filter.Status = &st
	}
	if since := httputil.ParseQueryString(r, "since", ""); since != "" {
		start, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.StartTime = &start
	}

	events, err := s.deps.Audit.Search(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}

	httputil.WriteSuccess(w, AuditResponse{Events: events})
}
