package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are optimistic: reads record the version they observed and
// commit re-validates every read and write under the store lock.
type MemoryStore struct {
	mu            sync.RWMutex
	tickets       map[string]*model.TradeTicket
	wallets       map[string]*model.Wallet
	escrows       map[string]*model.EscrowTransaction
	escrowTicket  map[string]string // ticket id (either side) → escrow id
	disputes      map[string]*model.Dispute
	rules         map[string]*model.MonitoringRule
	alerts        map[string]*model.TransactionAlert
	profiles      map[string]*model.UserProfile
	rateLimits    map[string]*model.RateLimitRecord
	notifications []model.Notification
	payments      []model.PaymentEvent

	pub feed.Publisher
}

// NewMemoryStore creates a new in-memory store. Committed ticket and alert
// writes are published to pub when it is non-nil.
func NewMemoryStore(pub feed.Publisher) *MemoryStore {
	return &MemoryStore{
		tickets:      make(map[string]*model.TradeTicket),
		wallets:      make(map[string]*model.Wallet),
		escrows:      make(map[string]*model.EscrowTransaction),
		escrowTicket: make(map[string]string),
		disputes:     make(map[string]*model.Dispute),
		rules:        make(map[string]*model.MonitoringRule),
		alerts:       make(map[string]*model.TransactionAlert),
		profiles:     make(map[string]*model.UserProfile),
		rateLimits:   make(map[string]*model.RateLimitRecord),
		pub:          pub,
	}
}

func (s *MemoryStore) publish(evs []feed.Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range evs {
		s.pub.Publish(ev)
	}
}

// --- Tickets ---

func (s *MemoryStore) CreateTicket(_ context.Context, t *model.TradeTicket) error {
	s.mu.Lock()
	if _, ok := s.tickets[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("ticket %s: %w", t.ID, model.ErrAlreadyExists)
	}
	t.Version = 1
	c := t.Clone()
	s.tickets[t.ID] = c
	s.mu.Unlock()

	s.publish([]feed.Event{feed.TicketEvent(feed.Added, c)})
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, id string) (*model.TradeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, model.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListOpenTickets(_ context.Context, typ model.TicketType, amount decimal.Decimal) ([]model.TradeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeTicket
	for _, t := range s.tickets {
		if t.Status == model.TicketOpen && t.Type == typ && t.Amount.Equal(amount) {
			result = append(result, *t.Clone())
		}
	}
	sortTicketsOldestFirst(result)
	return result, nil
}

func (s *MemoryStore) ListUserTicketsBetween(_ context.Context, userID string, from, to time.Time) ([]model.TradeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeTicket
	for _, t := range s.tickets {
		if t.UserID != userID || t.CreatedAt.Before(from) || t.CreatedAt.After(to) {
			continue
		}
		result = append(result, *t.Clone())
	}
	sortTicketsOldestFirst(result)
	return result, nil
}

func (s *MemoryStore) ListTickets(_ context.Context, f model.TicketFilter) ([]model.TradeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeTicket
	for _, t := range s.tickets {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		result = append(result, *t.Clone())
	}
	sortTicketsOldestFirst(result)
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// sortTicketsOldestFirst orders by CreatedAt, breaking ties by id so that
// equal timestamps still yield a deterministic order.
func sortTicketsOldestFirst(ts []model.TradeTicket) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// --- Wallets and escrow ---

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, model.ErrWalletNotFound)
	}
	c := *w
	return &c, nil
}

func (s *MemoryStore) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID, Currency: "NGN"}
		s.wallets[userID] = w
	}
	w.Balance = balance
	w.UpdatedAt = time.Now().UTC()
	w.Version++
	return nil
}

func (s *MemoryStore) GetEscrowByTicket(_ context.Context, ticketID string) (*model.EscrowTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.escrowTicket[ticketID]
	if !ok {
		return nil, fmt.Errorf("escrow for ticket %s: %w", ticketID, model.ErrNotFound)
	}
	return s.escrows[id].Clone(), nil
}

// --- Disputes ---

func (s *MemoryStore) GetDispute(_ context.Context, id string) (*model.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, model.ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) UpdateDispute(_ context.Context, d *model.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.disputes[d.ID]
	if !ok {
		return fmt.Errorf("dispute %s: %w", d.ID, model.ErrNotFound)
	}
	if cur.Version != d.Version {
		return fmt.Errorf("dispute %s: %w", d.ID, model.ErrVersionConflict)
	}
	d.Version++
	s.disputes[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) ListDisputesByTicket(_ context.Context, ticketID string) ([]model.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Dispute
	for _, d := range s.disputes {
		if d.TicketID == ticketID {
			result = append(result, *d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Rules and alerts ---

func (s *MemoryStore) ListRules(_ context.Context, enabledOnly bool) ([]model.MonitoringRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MonitoringRule
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) PutRule(_ context.Context, r *model.MonitoringRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	if existing, ok := s.rules[r.ID]; ok {
		cur = existing.Version
	}
	if cur != r.Version {
		return fmt.Errorf("rule %s: %w", r.ID, model.ErrVersionConflict)
	}
	r.Version++
	c := *r
	s.rules[r.ID] = &c
	return nil
}

func (s *MemoryStore) CreateAlert(_ context.Context, a *model.TransactionAlert) error {
	s.mu.Lock()
	if _, ok := s.alerts[a.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("alert %s: %w", a.ID, model.ErrAlreadyExists)
	}
	if a.Status.Open() {
		if open := s.findOpenAlertLocked(a.UserID, a.RuleID); open != nil {
			s.mu.Unlock()
			return fmt.Errorf("open alert for user %s rule %s: %w", a.UserID, a.RuleID, model.ErrAlreadyExists)
		}
	}
	a.Version = 1
	c := a.Clone()
	s.alerts[a.ID] = c
	s.mu.Unlock()

	s.publish([]feed.Event{feed.AlertEvent(feed.Added, c)})
	return nil
}

func (s *MemoryStore) findOpenAlertLocked(userID, ruleID string) *model.TransactionAlert {
	for _, a := range s.alerts {
		if a.UserID == userID && a.RuleID == ruleID && a.Status.Open() {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) FindOpenAlert(_ context.Context, userID, ruleID string) (*model.TransactionAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := s.findOpenAlertLocked(userID, ruleID)
	if a == nil {
		return nil, fmt.Errorf("open alert for user %s rule %s: %w", userID, ruleID, model.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*model.TransactionAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, a *model.TransactionAlert) error {
	s.mu.Lock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("alert %s: %w", a.ID, model.ErrNotFound)
	}
	if cur.Version != a.Version {
		s.mu.Unlock()
		return fmt.Errorf("alert %s: %w", a.ID, model.ErrVersionConflict)
	}
	a.Version++
	c := a.Clone()
	s.alerts[a.ID] = c
	s.mu.Unlock()

	s.publish([]feed.Event{feed.AlertEvent(feed.Modified, c)})
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, f model.AlertFilter) ([]model.TransactionAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionAlert
	for _, a := range s.alerts {
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		result = append(result, *a.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DetectedAt.After(result[j].DetectedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// --- Profiles ---

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, model.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *p
	s.profiles[p.UserID] = &c
	return nil
}

func (s *MemoryStore) GetUserRole(_ context.Context, userID string) (model.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.profiles[userID]; ok && p.Role != "" {
		return p.Role, nil
	}
	return model.RoleUser, nil
}

func (s *MemoryStore) ListUsersByRole(_ context.Context, roles ...model.Role) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, p := range s.profiles {
		for _, r := range roles {
			if p.Role == r {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Rate limits ---

func (s *MemoryStore) GetRateLimit(_ context.Context, key string) (*model.RateLimitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rateLimits[key]
	if !ok {
		return nil, fmt.Errorf("rate limit %s: %w", key, model.ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) PutRateLimit(_ context.Context, r *model.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	if existing, ok := s.rateLimits[r.Key]; ok {
		cur = existing.Version
	}
	if cur != r.Version {
		return fmt.Errorf("rate limit %s: %w", r.Key, model.ErrVersionConflict)
	}
	r.Version++
	c := *r
	s.rateLimits[r.Key] = &c
	return nil
}

// --- Notifications and payments ---

func (s *MemoryStore) InsertNotification(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID != userID {
			continue
		}
		result = append(result, s.notifications[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertPaymentEvent(_ context.Context, e *model.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments = append(s.payments, *e)
	return nil
}

// PaymentEvents returns a copy of every recorded payment event.
func (s *MemoryStore) PaymentEvents() []model.PaymentEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.PaymentEvent(nil), s.payments...)
}
