package api

import (
	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
)

// RouteRequest is the body of POST /route
type RouteRequest struct {
	AccountID          string   `json:"accountId"`
	Text               string   `json:"text"`
	AccountTier        string   `json:"accountTier,omitempty"`
	History            []string `json:"history,omitempty"`
	ManualOverrideTier string   `json:"manualOverrideTier,omitempty"`
}

// CompleteRequest is the body of POST /route/complete
type CompleteRequest struct {
	AccountID   string         `json:"accountId"`
	Tier        string         `json:"tier"`
	Feature     string         `json:"feature,omitempty"`
	InputUnits  int            `json:"inputUnits"`
	OutputUnits int            `json:"outputUnits"`
	Credits     int64          `json:"credits,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FailRequest is the body of POST /route/fail
type FailRequest struct {
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// UseCreditsRequest is the body of POST /credits/use
type UseCreditsRequest struct {
	AccountID string         `json:"accountId"`
	Amount    int64          `json:"amount"`
	Feature   string         `json:"feature,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RefundCreditsRequest is the body of POST /credits/refund
type RefundCreditsRequest struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ReconcileRequest is the body of POST /subscription/reconcile
type ReconcileRequest struct {
	AccountID string `json:"accountId"`
}

// MutationResponse is returned by the credit mutation endpoints
type MutationResponse struct {
	Success        bool                   `json:"success"`
	AvailableAfter int64                  `json:"availableAfter"`
	Balance        accounts.CreditBalance `json:"balance"`
	MutationID     string                 `json:"mutationId,omitempty"`
}

// HistoryResponse is returned by GET /credits/history
type HistoryResponse struct {
	AccountID string                     `json:"accountId"`
	Mutations []*accounts.LedgerMutation `json:"mutations"`
}

// AuditResponse is returned by GET /audit
type AuditResponse struct {
	Events []*audit.AuditEvent `json:"events"`
}
