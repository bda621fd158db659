package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/classifier"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/quota"
	"github.com/platinummonkey/tiermeter/pkg/routing"
)

const tracerName = "github.com/platinummonkey/tiermeter/pkg/metering"

// Denial reasons reported on a route response
const (
	DenialQuotaExhausted      = "quota_exhausted"
	DenialInsufficientCredits = "insufficient_credits"
	DenialGated               = "gated"
)

// Classifier labels request text
type Classifier interface {
	Classify(text string, history []string) classifier.Result
}

// RouteRequest is one inbound coaching request. AccountTier may only lower
// the stored tier, for example to preview the free experience.
type RouteRequest struct {
	AccountID      string
	Text           string
	AccountTier    accounts.Tier
	History        []string
	ManualOverride string
}

// RouteResponse is the routing decision plus the affordability checks
type RouteResponse struct {
	*routing.Decision
	Classification   classifier.Result      `json:"classification"`
	AccountTier      accounts.Tier          `json:"accountTier"`
	EstimatedCredits int64                  `json:"estimatedCredits"`
	Affordable       bool                   `json:"affordable"`
	DenialReason     string                 `json:"denialReason,omitempty"`
	Quota            *quota.Status          `json:"quota"`
	Balance          accounts.CreditBalance `json:"balance"`
}

// CompletionRequest settles a request the backend answered.
// Credits, when set, is charged as is; otherwise the cost is derived from the units.
type CompletionRequest struct {
	AccountID   string
	Tier        string
	Feature     accounts.Feature
	InputUnits  int
	OutputUnits int
	Credits     int64
	SessionID   string
	Metadata    map[string]any
}

// CompletionResult is the outcome of Complete
type CompletionResult struct {
	Credits int64          `json:"credits"`
	Ledger  *ledger.Result `json:"ledger"`
	Quota   *quota.Status  `json:"quota"`
}

// FailureRequest refunds a session. With Amount zero the unrefunded credits
// committed for SessionID are returned.
type FailureRequest struct {
	AccountID string
	SessionID string
	Amount    int64
	Reason    string
}

// Service is the metering facade
type Service struct {
	classifier Classifier
	router     *routing.Router
	ledger     *ledger.Ledger
	quotas     *quota.Tracker
	audit      audit.Logger
	metrics    *observability.Metrics
	log        *logrus.Entry
	tracer     trace.Tracer
	sessions   keyedMutex
}

// Option configures a Service
type Option func(*Service)

// WithAudit sets the audit logger for gating denials
func WithAudit(a audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) { s.log = log }
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

// NewService creates the metering facade
func NewService(c Classifier, router *routing.Router, l *ledger.Ledger, q *quota.Tracker, opts ...Option) *Service {
	s := &Service{
		classifier: c,
		router:     router,
		ledger:     l,
		quotas:     q,
		audit:      audit.NewNoOpLogger(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "metering")
	}
	return s
}

func (s *Service) logger(ctx context.Context) *logrus.Entry {
	entry := s.log
	if id := observability.GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return observability.WithTraceContext(ctx, entry)
}

// Route classifies and routes a request and checks quota and credits for the
// chosen tier. The account is created on first use.
func (s *Service) Route(ctx context.Context, req RouteRequest) (resp *RouteResponse, err error) {
	if req.AccountID == "" {
		return nil, accounts.NewValidationError("accountId", "is required")
	}
	if req.Text == "" {
		return nil, accounts.NewValidationError("text", "is required")
	}

	ctx, span := s.tracer.Start(ctx, "metering.Route", trace.WithAttributes(
		attribute.String("account.id", req.AccountID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := s.logger(ctx).WithField("account_id", req.AccountID)

	account, err := s.ledger.EnsureAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	tier, err := effectiveTier(account.Tier, req.AccountTier)
	if err != nil {
		return nil, err
	}
	if tier != req.AccountTier && req.AccountTier != "" {
		log.WithFields(logrus.Fields{
			"requested_tier": req.AccountTier,
			"stored_tier":    account.Tier,
		}).Warn("requested tier above the stored tier ignored")
	}

	cls := s.classifier.Classify(req.Text, req.History)
	log.WithFields(logrus.Fields{
		"complexity":   cls.Complexity,
		"type":         cls.Type,
		"matched_rule": cls.MatchedRule,
		"word_count":   cls.WordCount,
	}).Debug("request classified")

	decision, err := s.router.Route(routing.RouteInput{
		Classification: cls,
		AccountTier:    tier,
		ManualOverride: req.ManualOverride,
		Text:           req.Text,
	})
	if err != nil {
		if routing.IsGating(err) {
			s.recordGated(ctx, req.AccountID, err)
		}
		return nil, err
	}
	s.metrics.ObserveRoute(decision.Tier, string(cls.Complexity), decision.Overridden, decision.EstimatedCost)
	span.SetAttributes(
		attribute.String("route.tier", decision.Tier),
		attribute.String("route.rule", decision.Rule),
		attribute.String("classification.complexity", string(cls.Complexity)),
	)

	quotaStatus, err := s.quotas.CanUse(ctx, req.AccountID, accounts.FeatureMessages)
	if err != nil {
		return nil, err
	}

	credits := routing.CreditsFor(decision.EstimatedCost)
	affordable := true
	if credits > 0 {
		affordable, err = s.ledger.CanAfford(ctx, req.AccountID, credits)
		if err != nil {
			return nil, err
		}
	}
	balance, err := s.ledger.Balance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	resp = &RouteResponse{
		Decision:         decision,
		Classification:   cls,
		AccountTier:      tier,
		EstimatedCredits: credits,
		Quota:            quotaStatus,
		Balance:          balance,
		Affordable:       quotaStatus.CanUse && affordable,
	}
	switch {
	case !quotaStatus.CanUse:
		resp.DenialReason = DenialQuotaExhausted
	case !affordable:
		resp.DenialReason = DenialInsufficientCredits
	}
	if resp.DenialReason != "" {
		s.metrics.ObserveDenial(resp.DenialReason)
	}

	log.WithFields(logrus.Fields{
		"tier":              decision.Tier,
		"rule":              decision.Rule,
		"estimated_credits": credits,
		"affordable":        resp.Affordable,
		"denial_reason":     resp.DenialReason,
	}).Info("request routed")
	return resp, nil
}

// effectiveTier is the stored tier unless a lower one was requested
func effectiveTier(stored, requested accounts.Tier) (accounts.Tier, error) {
	if requested == "" {
		return stored, nil
	}
	if !requested.Valid() {
		return "", accounts.NewValidationError("accountTier", "unknown account tier %q", requested)
	}
	if requested.Below(stored) {
		return requested, nil
	}
	return stored, nil
}

func (s *Service) recordGated(ctx context.Context, accountID string, err error) {
	s.metrics.ObserveDenial(DenialGated)
	event := audit.NewEvent(ctx, audit.EventTypeRoutingGated, audit.EventStatusDenied, accountID)
	event.ResourceType = audit.ResourceTypeAccount
	event.ResourceID = accountID
	event.Message = err.Error()
	var gate *routing.GatingError
	if errors.As(err, &gate) {
		event.Metadata["requested_tier"] = gate.Requested
		event.Metadata["suggested_tier"] = gate.Suggested
		event.Metadata["account_tier"] = string(gate.AccountTier)
	}
	if aerr := s.audit.Log(ctx, event); aerr != nil {
		s.logger(ctx).WithError(aerr).Warn("failed to write audit event")
	}
}

// Complete charges the actual cost of an answered request and counts the feature use
func (s *Service) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if req.AccountID == "" {
		return nil, accounts.NewValidationError("accountId", "is required")
	}
	feature := req.Feature
	if feature == "" {
		feature = accounts.FeatureMessages
	}
	if !feature.Valid() {
		return nil, accounts.NewValidationError("feature", "unknown feature %q", feature)
	}

	credits := req.Credits
	if credits == 0 {
		cost, err := s.actualCost(req)
		if err != nil {
			return nil, err
		}
		credits = routing.CreditsFor(cost)
	}
	if credits <= 0 {
		return nil, accounts.NewValidationError("credits", "must be positive, got %d", credits)
	}

	metadata := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Tier != "" {
		metadata["tier"] = req.Tier
	}

	result, err := s.ledger.Commit(ctx, ledger.CommitRequest{
		AccountID: req.AccountID,
		Amount:    credits,
		Feature:   feature,
		SessionID: req.SessionID,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	status, err := s.quotas.Increment(ctx, req.AccountID, feature)
	if err != nil {
		return nil, fmt.Errorf("credits committed but quota not counted: %w", err)
	}
	return &CompletionResult{Credits: credits, Ledger: result, Quota: status}, nil
}

func (s *Service) actualCost(req CompletionRequest) (float64, error) {
	if req.Tier == "" {
		return 0, accounts.NewValidationError("tier", "is required when credits are not given")
	}
	tier, ok := s.router.Catalog().Get(req.Tier)
	if !ok {
		return 0, accounts.NewValidationError("tier", "unknown tier %q", req.Tier)
	}
	if req.InputUnits < 0 || req.OutputUnits < 0 {
		return 0, accounts.NewValidationError("units", "must not be negative")
	}
	return float64(req.InputUnits+req.OutputUnits) * tier.CostPerUnit, nil
}

// Fail refunds credits for a request whose answer could not be delivered
func (s *Service) Fail(ctx context.Context, req FailureRequest) (*ledger.Result, error) {
	if req.AccountID == "" {
		return nil, accounts.NewValidationError("accountId", "is required")
	}
	reason := req.Reason
	if reason == "" {
		reason = "backend failure"
	}

	if req.Amount == 0 && req.SessionID == "" {
		return nil, accounts.NewValidationError("sessionId", "is required when amount is not given")
	}
	if req.SessionID != "" {
		// Held until the refund is in the history, so a concurrent Fail for
		// the same session sees it and finds nothing left to return.
		unlock := s.sessions.Lock(req.AccountID + "\x00" + req.SessionID)
		defer unlock()
	}

	amount := req.Amount
	if amount == 0 {
		outstanding, err := s.outstanding(ctx, req.AccountID, req.SessionID)
		if err != nil {
			return nil, err
		}
		if outstanding == 0 {
			return nil, accounts.NewValidationError("sessionId", "no unrefunded credits for session %q", req.SessionID)
		}
		amount = outstanding
	}

	return s.ledger.Refund(ctx, ledger.RefundRequest{
		AccountID: req.AccountID,
		Amount:    amount,
		Reason:    reason,
		SessionID: req.SessionID,
	})
}

// outstanding sums successful commits minus refunds recorded for a session
func (s *Service) outstanding(ctx context.Context, accountID, sessionID string) (int64, error) {
	history, err := s.ledger.History(ctx, accountID, ledger.MaxHistoryLimit)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range history {
		if m.SessionID != sessionID || !m.Success {
			continue
		}
		total += m.Amount
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// keyedMutex serializes callers per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
