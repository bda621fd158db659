package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

const tracerName = "github.com/platinummonkey/tiermeter/pkg/subscription"

// ProjectionFailure names a projection an update did not reach
type ProjectionFailure struct {
	Projection string `json:"projection"`
	Error      string `json:"error"`
}

// Result reports which projections an update reached
type Result struct {
	AccountID          string              `json:"accountId"`
	EventID            string              `json:"eventId"`
	Success            bool                `json:"success"`
	UpdatedProjections []string            `json:"updatedProjections"`
	Errors             []ProjectionFailure `json:"errors,omitempty"`

	failed map[string]error
}

// Err returns a *PartialConsistencyError if any projection failed
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return &PartialConsistencyError{
		AccountID: r.AccountID,
		Updated:   append([]string(nil), r.UpdatedProjections...),
		Failed:    r.failed,
	}
}

// Manager propagates a subscription fact to every projection without a
// cross-record transaction
type Manager struct {
	accounts    storage.AccountStore
	projections storage.ProjectionStore
	projectors  []Projector
	audit       audit.Logger
	metrics     *observability.Metrics
	policy      retry.Policy
	log         *logrus.Entry
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithAudit sets the audit logger that backs the audit_log projection
func WithAudit(a audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRetryPolicy overrides the per-projector retry policy
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

// WithProjectors replaces the state projectors
func WithProjectors(projectors ...Projector) Option {
	return func(m *Manager) { m.projectors = projectors }
}

// NewManager creates a manager with the account, subscription record and usage record projectors
func NewManager(accts storage.AccountStore, projections storage.ProjectionStore, plans accounts.Plans, opts ...Option) *Manager {
	if plans == nil {
		plans = accounts.DefaultPlans()
	}
	m := &Manager{
		accounts:    accts,
		projections: projections,
		projectors: []Projector{
			NewAccountProjector(accts, plans),
			NewSubscriptionRecordProjector(projections, plans),
			NewUsageRecordProjector(projections, accts, plans),
		},
		audit:  audit.NewNoOpLogger(),
		policy: retry.DefaultPolicy(),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "subscription")
	}
	m.policy.ShouldRetry = storage.IsUnavailable
	return m
}

// UpdateSubscription validates fact and applies it to every projection. It
// returns an error only for invalid input; projection failures are reported
// in the Result and through Result.Err.
func (m *Manager) UpdateSubscription(ctx context.Context, fact Fact) (*Result, error) {
	return m.apply(ctx, fact, false)
}

// EnsureConsistency re-applies the newest subscription state found in the
// subscription record or the account snapshot.
func (m *Manager) EnsureConsistency(ctx context.Context, accountID string) (*Result, error) {
	if accountID == "" {
		return nil, accounts.NewValidationError("accountId", "is required")
	}

	fact, err := m.authoritativeFact(ctx, accountID)
	if err != nil {
		m.metrics.ObserveReconcile(false)
		return nil, err
	}

	result, err := m.apply(ctx, fact, true)
	if err != nil {
		m.metrics.ObserveReconcile(false)
		return nil, err
	}
	m.metrics.ObserveReconcile(result.Success)
	return result, nil
}

// authoritativeFact picks the newer of the subscription record and the
// account snapshot. A later billing period wins, then a later update; the
// record wins a tie.
func (m *Manager) authoritativeFact(ctx context.Context, accountID string) (Fact, error) {
	rec, err := retry.DoValue(ctx, m.retryPolicy("get subscription record"), func(ctx context.Context) (*accounts.SubscriptionRecord, error) {
		return m.projections.GetSubscriptionRecord(ctx, accountID)
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Fact{}, fmt.Errorf("failed to read subscription record: %w", err)
		}
		rec = nil
	}

	account, err := retry.DoValue(ctx, m.retryPolicy("get account"), func(ctx context.Context) (*accounts.Account, error) {
		return m.accounts.GetAccount(ctx, accountID)
	})
	var snap *accounts.SubscriptionSnapshot
	switch {
	case err == nil:
		snap = account.Subscription
	case !errors.Is(err, storage.ErrNotFound):
		return Fact{}, fmt.Errorf("failed to read account: %w", err)
	}

	switch {
	case rec == nil && snap == nil:
		return Fact{}, &accounts.NotFoundError{Resource: "subscription", ID: accountID}
	case rec == nil:
		return FactFromSnapshot(accountID, snap), nil
	case snap != nil && newerState(snap.PeriodStart, snap.UpdatedAt, rec.PeriodStart, rec.UpdatedAt):
		m.log.WithFields(logrus.Fields{
			"account_id":      accountID,
			"record_status":   rec.Status,
			"snapshot_status": snap.Status,
		}).Warn("account snapshot is newer than the subscription record")
		return FactFromSnapshot(accountID, snap), nil
	default:
		return FactFromRecord(rec), nil
	}
}

func newerState(start, updated, otherStart, otherUpdated time.Time) bool {
	if !start.Equal(otherStart) {
		return start.After(otherStart)
	}
	return updated.After(otherUpdated)
}

func (m *Manager) retryPolicy(op string) retry.Policy {
	p := m.policy
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.metrics.ObserveRetry(op)
		m.log.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("retrying subscription storage operation")
	}
	return p
}

// previousStatus returns the last recorded status, or "" if none is readable
func (m *Manager) previousStatus(ctx context.Context, accountID string) accounts.SubscriptionStatus {
	rec, err := m.projections.GetSubscriptionRecord(ctx, accountID)
	if err == nil {
		return rec.Status
	}
	if !errors.Is(err, storage.ErrNotFound) {
		m.log.WithError(err).WithField("account_id", accountID).Debug("could not read previous subscription status")
	}
	return ""
}

func (m *Manager) apply(ctx context.Context, fact Fact, reconcile bool) (*Result, error) {
	if err := fact.Validate(); err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "subscription.UpdateSubscription", trace.WithAttributes(
		attribute.String("account.id", fact.AccountID),
		attribute.String("subscription.tier", string(fact.Tier)),
		attribute.String("subscription.status", string(fact.Status)),
		attribute.Bool("subscription.reconcile", reconcile),
	))
	defer span.End()

	log := m.log.WithField("account_id", fact.AccountID)
	if id := observability.GetRequestID(ctx); id != "" {
		log = log.WithField("request_id", id)
	}

	previous := m.previousStatus(ctx, fact.AccountID)
	if !ExpectedTransition(previous, fact.Status) {
		log.WithFields(logrus.Fields{
			"from": previous,
			"to":   fact.Status,
		}).Warn("unexpected subscription status transition; applying anyway")
	}

	event := newChanged(fact, previous, m.now())
	event.Reconcile = reconcile
	span.SetAttributes(attribute.String("subscription.event_id", event.ID))

	result := &Result{
		AccountID: fact.AccountID,
		EventID:   event.ID,
		failed:    make(map[string]error),
	}

	// The subscription record lands first. If it fails nothing else is
	// written, so no projection ever holds state newer than the record.
	record, rest := m.splitProjectors()
	if record != nil {
		err := m.project(ctx, record, event)
		m.collect(result, record.Name(), err)
		if err != nil {
			for _, p := range rest {
				m.collect(result, p.Name(), fmt.Errorf("skipped %s projection: %w", p.Name(), ErrRecordNotWritten))
			}
			rest = nil
		}
	}

	errs := m.runProjectors(ctx, event, rest)
	for i, p := range rest {
		m.collect(result, p.Name(), errs[i])
	}

	// The audit entry is written last so it records the outcome of the state projections.
	m.collect(result, ProjectionAuditLog, m.recordAudit(ctx, event, result))

	result.Success = len(result.failed) == 0
	if len(result.failed) > 0 {
		result.Errors = make([]ProjectionFailure, 0, len(result.failed))
		for name, err := range result.failed {
			result.Errors = append(result.Errors, ProjectionFailure{Projection: name, Error: err.Error()})
		}
		sort.Slice(result.Errors, func(i, j int) bool {
			return result.Errors[i].Projection < result.Errors[j].Projection
		})
		err := result.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial consistency")
		log.WithError(err).WithField("event_id", event.ID).Error("subscription update partially applied")
	} else {
		log.WithFields(logrus.Fields{
			"event_id":       event.ID,
			"effective_tier": fact.EffectiveTier(),
			"status":         fact.Status,
		}).Info("subscription update applied")
	}
	return result, nil
}

// splitProjectors separates the subscription record projector from the rest
func (m *Manager) splitProjectors() (Projector, []Projector) {
	var (
		record Projector
		rest   []Projector
	)
	for _, p := range m.projectors {
		if record == nil && p.Name() == ProjectionSubscriptionRecord {
			record = p
			continue
		}
		rest = append(rest, p)
	}
	return record, rest
}

// runProjectors runs projectors concurrently. Each projector's error is kept
// in its own slot; a failure never cancels the others.
func (m *Manager) runProjectors(ctx context.Context, event Changed, projectors []Projector) []error {
	errs := make([]error, len(projectors))
	var g errgroup.Group
	for i, p := range projectors {
		i, p := i, p
		g.Go(func() error {
			errs[i] = m.project(ctx, p, event)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (m *Manager) project(ctx context.Context, p Projector, event Changed) error {
	ctx, span := m.tracer.Start(ctx, "subscription.project."+p.Name())
	defer span.End()

	err := retry.Do(ctx, m.retryPolicy(p.Name()), func(ctx context.Context) error {
		return p.Project(ctx, event)
	})
	m.metrics.ObserveProjection(p.Name(), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update %s projection: %w", p.Name(), err)
	}
	return nil
}

func (m *Manager) collect(result *Result, name string, err error) {
	if err != nil {
		result.failed[name] = err
		return
	}
	result.UpdatedProjections = append(result.UpdatedProjections, name)
}

func (m *Manager) recordAudit(ctx context.Context, event Changed, result *Result) error {
	eventType := audit.EventTypeSubscriptionUpdate
	if event.Reconcile {
		eventType = audit.EventTypeSubscriptionReconcile
	}
	status := audit.EventStatusSuccess
	if len(result.failed) > 0 {
		status = audit.EventStatusPartial
		if len(result.UpdatedProjections) == 0 {
			status = audit.EventStatusFailure
		}
	}

	entry := audit.NewEvent(ctx, eventType, status, event.Fact.AccountID)
	entry.Timestamp = event.At
	entry.ResourceType = audit.ResourceTypeSubscription
	entry.ResourceID = event.ID
	entry.Message = fmt.Sprintf("%s subscription %s", event.Fact.Tier, event.Fact.Status)
	entry.Metadata["tier"] = string(event.Fact.Tier)
	entry.Metadata["effective_tier"] = string(event.Fact.EffectiveTier())
	entry.Metadata["status"] = string(event.Fact.Status)
	if event.PreviousStatus != "" {
		entry.Metadata["previous_status"] = string(event.PreviousStatus)
	}
	entry.Metadata["updated"] = append([]string(nil), result.UpdatedProjections...)
	if len(result.failed) > 0 {
		failed := make([]string, 0, len(result.failed))
		for name := range result.failed {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		entry.Metadata["failed"] = failed
		entry.ErrorMessage = (&PartialConsistencyError{AccountID: event.Fact.AccountID, Updated: result.UpdatedProjections, Failed: result.failed}).Error()
	}

	err := retry.Do(ctx, m.retryPolicy(ProjectionAuditLog), func(ctx context.Context) error {
		return m.audit.Log(ctx, entry)
	})
	m.metrics.ObserveProjection(ProjectionAuditLog, err == nil)
	if err != nil {
		return fmt.Errorf("failed to update %s projection: %w", ProjectionAuditLog, err)
	}
	return nil
}
