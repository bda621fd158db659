package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
	"github.com/platinummonkey/tiermeter/pkg/metering"
	"github.com/platinummonkey/tiermeter/pkg/quota"
	"github.com/platinummonkey/tiermeter/pkg/subscription"
)

// maxBodyBytes bounds every request body
const maxBodyBytes = 1 << 20

// Router picks backend tiers and settles their cost
type Router interface {
	Route(ctx context.Context, req metering.RouteRequest) (*metering.RouteResponse, error)
	Complete(ctx context.Context, req metering.CompletionRequest) (*metering.CompletionResult, error)
	Fail(ctx context.Context, req metering.FailureRequest) (*ledger.Result, error)
}

// Credits reads and mutates credit balances
type Credits interface {
	Balance(ctx context.Context, accountID string) (accounts.CreditBalance, error)
	Commit(ctx context.Context, req ledger.CommitRequest) (*ledger.Result, error)
	Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.Result, error)
	History(ctx context.Context, accountID string, limit int) ([]*accounts.LedgerMutation, error)
}

// Usage reports quota state
type Usage interface {
	Summary(ctx context.Context, accountID string) (*quota.Summary, error)
}

// Subscriptions propagates subscription facts
type Subscriptions interface {
	UpdateSubscription(ctx context.Context, fact subscription.Fact) (*subscription.Result, error)
	EnsureConsistency(ctx context.Context, accountID string) (*subscription.Result, error)
}

// Dependencies wires the services behind the API
type Dependencies struct {
	Router        Router
	Credits       Credits
	Usage         Usage
	Subscriptions Subscriptions
	// Audit is optional; GET /audit is only served when set
	Audit audit.Logger
}

// Server is the HTTP API server
type Server struct {
	deps   Dependencies
	router *mux.Router
	log    *logrus.Entry
}

// NewServer creates a new API server with every route registered
func NewServer(deps Dependencies, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(
		httputil.RequestIDMiddleware(s.log),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)

	// Routing
	s.router.HandleFunc("/route", s.route).Methods("POST")
	s.router.HandleFunc("/route/complete", s.completeRoute).Methods("POST")
	s.router.HandleFunc("/route/fail", s.failRoute).Methods("POST")

	// Credits
	s.router.HandleFunc("/credits", s.getCredits).Methods("GET")
	s.router.HandleFunc("/credits/use", s.useCredits).Methods("POST")
	s.router.HandleFunc("/credits/refund", s.refundCredits).Methods("POST")
	s.router.HandleFunc("/credits/history", s.creditHistory).Methods("GET")

	// Usage
	s.router.HandleFunc("/usage/summary", s.usageSummary).Methods("GET")

	// Subscriptions
	s.router.HandleFunc("/subscription/update", s.updateSubscription).Methods("POST")
	s.router.HandleFunc("/subscription/reconcile", s.reconcileSubscription).Methods("POST")

	if s.deps.Audit != nil {
		s.router.HandleFunc("/audit", s.searchAudit).Methods("GET")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying mux router so callers can mount health and metrics routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}
