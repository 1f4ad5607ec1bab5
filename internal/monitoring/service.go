package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/metrics"
	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/notify"
	"github.com/peerlend/escrow-engine/internal/store"
)

// Store is the persistence the monitor needs.
type Store interface {
	store.RuleStore
	store.AlertStore
	ListUserTicketsBetween(ctx context.Context, userID string, from, to time.Time) ([]model.TradeTicket, error)
	GetUserRole(ctx context.Context, userID string) (model.Role, error)
}

// Subscriber is the change feed the monitor listens on.
type Subscriber interface {
	Subscribe(pred feed.Predicate, handler func(feed.Event)) *feed.Subscription
}

// Service evaluates tickets against the enabled rules and maintains alerts.
type Service struct {
	store    Store
	notifier notify.Notifier
	registry Registry
	now      func() time.Time
}

// NewService creates a monitor using registry to resolve rule patterns.
func NewService(st Store, notifier notify.Notifier, registry Registry) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SeedDefaults installs DefaultRules when the rule store is empty.
func (s *Service) SeedDefaults(ctx context.Context) error {
	existing, err := s.store.ListRules(ctx, false)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	now := s.now()
	for _, r := range DefaultRules() {
		r.CreatedAt, r.UpdatedAt = now, now
		if err := s.store.PutRule(ctx, &r); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	slog.Info("seeded default monitoring rules", "count", len(DefaultRules()))
	return nil
}

// Start subscribes to ticket changes on sub and evaluates each in feed order.
// Events published after Start returns are never missed. The caller owns the
// returned subscription.
func (s *Service) Start(ctx context.Context, sub Subscriber) *feed.Subscription {
	subscription := sub.Subscribe(feed.Tickets, func(ev feed.Event) {
		if ev.Ticket == nil {
			return
		}
		if err := s.Process(ctx, *ev.Ticket); err != nil {
			slog.Error("monitoring evaluation failed", "ticket_id", ev.DocID, "seq", ev.Seq, "err", err)
		}
	})
	slog.Info("transaction monitoring started")
	return subscription
}

// Run is Start followed by a wait until ctx is done.
func (s *Service) Run(ctx context.Context, sub Subscriber) error {
	subscription := s.Start(ctx, sub)
	<-ctx.Done()
	subscription.Unsubscribe()
	slog.Info("transaction monitoring stopped")
	return nil
}

// Process evaluates t against every enabled rule. Rules are independent: a
// failure or violation on one does not stop the others.
func (s *Service) Process(ctx context.Context, t model.TradeTicket) error {
	rules, err := s.store.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	windows := make(map[time.Duration][]model.TradeTicket)
	var errs []error
	for _, rule := range rules {
		ev, ok := s.registry[rule.Pattern]
		if !ok {
			slog.Warn("no evaluator for rule pattern", "rule_id", rule.ID, "pattern", rule.Pattern)
			continue
		}

		var history []model.TradeTicket
		if needsHistory(rule.Pattern) {
			w := rule.Thresholds.Window()
			h, cached := windows[w]
			if !cached {
				h, err = s.history(ctx, t, w)
				if err != nil {
					errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
					continue
				}
				windows[w] = h
			}
			history = h
		}

		if !ev.Evaluate(t, history, rule.Thresholds) {
			continue
		}
		if err := s.raise(ctx, rule, t); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	return errors.Join(errs...)
}

// history returns the owner's tickets in [t.CreatedAt-window, t.CreatedAt].
// Anchoring at creation keeps re-evaluation of a modified ticket stable.
func (s *Service) history(ctx context.Context, t model.TradeTicket, window time.Duration) ([]model.TradeTicket, error) {
	h, err := s.store.ListUserTicketsBetween(ctx, t.UserID, t.CreatedAt.Add(-window), t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for i := range h {
		if h[i].ID == t.ID {
			h[i] = t
			return h, nil
		}
	}
	return append(h, t), nil
}

// raise records a violation: append to the open alert for (user, rule) or
// open a new one. A ticket already listed by any alert for the rule is never
// recorded again. Concurrent writers are resolved by the store's version
// check and its one-open-alert constraint.
func (s *Service) raise(ctx context.Context, rule model.MonitoringRule, t model.TradeTicket) error {
	reported, err := s.reported(ctx, t.UserID, rule.ID, t.ID)
	if err != nil {
		return err
	}
	if reported {
		return nil
	}

	for attempt := 0; attempt < store.MaxTxAttempts; attempt++ {
		open, err := s.store.FindOpenAlert(ctx, t.UserID, rule.ID)
		switch {
		case err == nil:
			if !open.AddTransaction(t.ID) {
				return nil
			}
			open.UpdatedAt = s.now()
			err = s.store.UpdateAlert(ctx, open)
			if errors.Is(err, model.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			metrics.AlertsRaised.WithLabelValues(rule.ID, string(rule.Severity)).Inc()
			slog.Info("transaction alert extended", "alert_id", open.ID, "rule_id", rule.ID, "ticket_id", t.ID)
			return nil
		case !errors.Is(err, model.ErrNotFound):
			return err
		}

		now := s.now()
		a := &model.TransactionAlert{
			ID:           uuid.New().String(),
			UserID:       t.UserID,
			RuleID:       rule.ID,
			RuleName:     rule.Name,
			Severity:     rule.Severity,
			Transactions: []string{t.ID},
			DetectedAt:   now,
			Status:       model.AlertNew,
			UpdatedAt:    now,
		}
		err = s.store.CreateAlert(ctx, a)
		if errors.Is(err, model.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return err
		}

		metrics.AlertsRaised.WithLabelValues(rule.ID, string(rule.Severity)).Inc()
		slog.Warn("transaction alert raised", "alert_id", a.ID, "rule_id", rule.ID, "user_id", t.UserID,
			"ticket_id", t.ID, "severity", rule.Severity)
		s.notifyAlert(ctx, rule, a, t)
		return nil
	}
	return fmt.Errorf("raise alert for user %s: %w", t.UserID, model.ErrVersionConflict)
}

// reported reports whether an alert for (user, rule), open or closed, already
// lists ticketID, so a re-evaluated ticket is not counted under a second alert.
func (s *Service) reported(ctx context.Context, userID, ruleID, ticketID string) (bool, error) {
	alerts, err := s.store.ListAlerts(ctx, model.AlertFilter{UserID: userID})
	if err != nil {
		return false, fmt.Errorf("list alerts: %w", err)
	}
	for _, a := range alerts {
		if a.RuleID != ruleID {
			continue
		}
		for _, id := range a.Transactions {
			if id == ticketID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Service) notifyAlert(ctx context.Context, rule model.MonitoringRule, a *model.TransactionAlert, t model.TradeTicket) {
	msg := notify.Message{
		Type:     "transaction_alert",
		Title:    "Unusual activity detected",
		Message:  fmt.Sprintf("Your recent activity matched %q and is under review", rule.Name),
		Priority: string(rule.Severity),
	}
	if err := s.notifier.Notify(ctx, t.UserID, msg); err != nil {
		slog.Warn("alert notification failed", "alert_id", a.ID, "user_id", t.UserID, "err", err)
	}
	if !rule.Severity.Escalates() {
		return
	}
	admin := notify.Message{
		Type:     "admin_alert",
		Title:    fmt.Sprintf("%s alert: %s", strings.ToUpper(string(rule.Severity)), rule.Name),
		Message:  fmt.Sprintf("User %s triggered %s on ticket %s (alert %s)", t.UserID, rule.ID, t.ID, a.ID),
		Priority: string(rule.Severity),
	}
	if err := s.notifier.NotifyRoles(ctx, admin, model.RoleAdmin); err != nil {
		slog.Warn("admin alert notification failed", "alert_id", a.ID, "err", err)
	}
}

// staff roles can see every alert and review them.
func staff(r model.Role) bool {
	return r != model.RoleUser && r != ""
}

// GetAlerts returns alerts matching f. Non-staff viewers only see their own.
func (s *Service) GetAlerts(ctx context.Context, viewerID string, f model.AlertFilter) ([]model.TransactionAlert, error) {
	role, err := s.role(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if !staff(role) {
		f.UserID = viewerID
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, model.Errorf(model.ErrValidation, "unknown alert status %q", f.Status)
	}
	alerts, err := s.store.ListAlerts(ctx, f)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []model.TransactionAlert{}
	}
	return alerts, nil
}

// UpdateAlertStatus records a staff review of an alert. Closed alerts stay
// closed; a new violation opens a fresh alert instead.
func (s *Service) UpdateAlertStatus(ctx context.Context, alertID string, status model.AlertStatus, resolution, reviewerID string) (*model.TransactionAlert, error) {
	if !status.Valid() {
		return nil, model.Errorf(model.ErrValidation, "unknown alert status %q", status)
	}
	role, err := s.role(ctx, reviewerID)
	if err != nil {
		return nil, err
	}
	if !staff(role) {
		return nil, model.Errorf(model.ErrForbidden, "only staff can review alerts")
	}

	for attempt := 0; attempt < store.MaxTxAttempts; attempt++ {
		a, err := s.store.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}
		if !a.Status.Open() {
			return nil, model.Errorf(model.ErrInvalidState, "alert is already %s", a.Status)
		}
		now := s.now()
		a.Status = status
		if resolution != "" {
			a.Resolution = resolution
		}
		a.ReviewedBy = reviewerID
		a.ReviewedAt = &now
		a.UpdatedAt = now

		err = s.store.UpdateAlert(ctx, a)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		slog.Info("alert reviewed", "alert_id", a.ID, "status", status, "reviewer_id", reviewerID)
		return a, nil
	}
	return nil, fmt.Errorf("update alert %s: %w", alertID, model.ErrVersionConflict)
}

// ListRules returns every rule, enabled or not.
func (s *Service) ListRules(ctx context.Context, viewerID string) ([]model.MonitoringRule, error) {
	role, err := s.role(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if !staff(role) {
		return nil, model.Errorf(model.ErrForbidden, "only staff can view monitoring rules")
	}
	rules, err := s.store.ListRules(ctx, false)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []model.MonitoringRule{}
	}
	return rules, nil
}

// PutRule creates or replaces a rule. Admin only.
func (s *Service) PutRule(ctx context.Context, actorID string, r model.MonitoringRule) (*model.MonitoringRule, error) {
	role, err := s.role(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if role != model.RoleAdmin {
		return nil, model.Errorf(model.ErrForbidden, "only admins can change monitoring rules")
	}
	if err := s.validateRule(r); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < store.MaxTxAttempts; attempt++ {
		existing, err := s.store.ListRules(ctx, false)
		if err != nil {
			return nil, err
		}
		now := s.now()
		r.Version, r.CreatedAt = 0, now
		for _, e := range existing {
			if e.ID == r.ID {
				r.Version, r.CreatedAt = e.Version, e.CreatedAt
			}
		}
		r.UpdatedAt = now

		err = s.store.PutRule(ctx, &r)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		slog.Info("monitoring rule saved", "rule_id", r.ID, "pattern", r.Pattern, "enabled", r.Enabled, "actor_id", actorID)
		return &r, nil
	}
	return nil, fmt.Errorf("put rule %s: %w", r.ID, model.ErrVersionConflict)
}

func (s *Service) validateRule(r model.MonitoringRule) error {
	if r.ID == "" || r.Name == "" {
		return model.Errorf(model.ErrValidation, "rule id and name are required")
	}
	if _, ok := s.registry[r.Pattern]; !ok {
		return model.Errorf(model.ErrValidation, "unknown rule pattern %q", r.Pattern)
	}
	if !validSeverity(r.Severity) {
		return model.Errorf(model.ErrValidation, "unknown severity %q", r.Severity)
	}
	if needsHistory(r.Pattern) && r.Thresholds.TimeWindow <= 0 {
		return model.Errorf(model.ErrValidation, "time_window must be positive for %s rules", r.Pattern)
	}
	if r.Thresholds.MaxTransactions < 0 || r.Thresholds.MinAmount.IsNegative() {
		return model.Errorf(model.ErrValidation, "thresholds must not be negative")
	}
	return nil
}

func (s *Service) role(ctx context.Context, userID string) (model.Role, error) {
	if userID == "" {
		return "", model.Errorf(model.ErrValidation, "user id is required")
	}
	r, err := s.store.GetUserRole(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve role for %s: %w", userID, err)
	}
	return r, nil
}
