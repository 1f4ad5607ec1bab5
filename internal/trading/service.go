// Package trading owns the ticket lifecycle: creation under tier limits,
// risk-gated matching, atomic escrow creation, confirmation and cancellation.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/peerlend/escrow-engine/internal/metrics"
	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/risk"
	"github.com/peerlend/escrow-engine/internal/store"
	"github.com/peerlend/escrow-engine/internal/tier"
)

// Config tunes matching.
type Config struct {
	// RiskGate rejects a match when even the best candidate scores above it.
	RiskGate int
	// FailurePenalty is the score assigned when a candidate cannot be assessed.
	FailurePenalty int
	// AssessConcurrency bounds parallel risk assessments per findMatch.
	AssessConcurrency int
}

// DefaultConfig returns the production matching policy.
func DefaultConfig() Config {
	return Config{RiskGate: 80, FailurePenalty: 80, AssessConcurrency: 8}
}

// Service handles ticket operations. Multi-document changes go through the
// store's transaction capability, so concurrent escrows against one wallet
// are linearized by version checks rather than a process-wide mutex.
type Service struct {
	store    store.Store
	profiles store.ProfileStore
	assessor risk.Assessor
	cfg      Config
	now      func() time.Time
}

// NewService creates a trading service. profiles may differ from st (for
// example a Redis-cached view of the same data).
func NewService(st store.Store, profiles store.ProfileStore, assessor risk.Assessor, cfg Config) *Service {
	if cfg.AssessConcurrency <= 0 {
		cfg.AssessConcurrency = 1
	}
	return &Service{
		store:    st,
		profiles: profiles,
		assessor: assessor,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateTicketRequest is the JSON body for ticket creation.
type CreateTicketRequest struct {
	Type           model.TicketType `json:"type"`
	Amount         decimal.Decimal  `json:"amount"`
	Description    string           `json:"description"`
	MembershipTier string           `json:"membership_tier"` // optional; must equal the owner's profile tier
	MaturityDate   *time.Time       `json:"maturity_date,omitempty"`
}

// CreateTicket validates the amount against the owner's tier ceiling and
// persists an Open ticket carrying the tier's interest rate.
func (s *Service) CreateTicket(ctx context.Context, ownerID string, req CreateTicketRequest) (*model.TradeTicket, error) {
	if ownerID == "" {
		return nil, model.Errorf(model.ErrValidation, "user id is required")
	}
	if !req.Type.Valid() {
		return nil, model.Errorf(model.ErrValidation, "type must be borrow or invest")
	}
	if !req.Amount.IsPositive() {
		return nil, model.Errorf(model.ErrValidation, "amount must be positive")
	}

	tierName, err := s.ownerTier(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if req.MembershipTier != "" && req.MembershipTier != tierName {
		return nil, model.Errorf(model.ErrValidation, "membership tier %q does not match your %s tier", req.MembershipTier, tierName)
	}
	policy, err := tier.Lookup(tierName)
	if err != nil {
		return nil, model.Errorf(model.ErrValidation, "unknown membership tier %q", tierName)
	}
	if err := policy.CheckAmount(req.Type, req.Amount); err != nil {
		return nil, err
	}

	now := s.now()
	t := &model.TradeTicket{
		ID:             uuid.New().String(),
		UserID:         ownerID,
		Type:           req.Type,
		Amount:         req.Amount,
		Interest:       policy.InterestFor(req.Type),
		Status:         model.TicketOpen,
		Description:    req.Description,
		MembershipTier: policy.Name,
		CreatedAt:      now,
		UpdatedAt:      now,
		MaturityDate:   req.MaturityDate,
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	metrics.TicketsCreated.WithLabelValues(string(t.Type)).Inc()
	slog.Info("ticket created", "ticket_id", t.ID, "user_id", ownerID, "type", t.Type, "amount", t.Amount.String())
	return t, nil
}

// ownerTier resolves the tier from the stored profile. Users without a
// profile are basic.
func (s *Service) ownerTier(ctx context.Context, ownerID string) (string, error) {
	p, err := s.profiles.GetProfile(ctx, ownerID)
	if errors.Is(err, model.ErrNotFound) {
		return tier.Basic, nil
	}
	if err != nil {
		return "", fmt.Errorf("load profile %s: %w", ownerID, err)
	}
	if p.MembershipTier == "" {
		return tier.Basic, nil
	}
	return p.MembershipTier, nil
}

// GetTicket returns one ticket.
func (s *Service) GetTicket(ctx context.Context, id string) (*model.TradeTicket, error) {
	return s.store.GetTicket(ctx, id)
}

// ListTickets returns tickets matching f, newest first.
func (s *Service) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.TradeTicket, error) {
	return s.store.ListTickets(ctx, f)
}

// GetWallet returns a user's wallet.
func (s *Service) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// scored is a match candidate with its pair risk score.
type scored struct {
	ticket model.TradeTicket
	score  int
}

// FindMatch returns the lowest-risk open counter-ticket for ticketID, or nil
// when there is no candidate or even the best one scores above the risk gate.
// Ties in score go to the oldest candidate.
func (s *Service) FindMatch(ctx context.Context, ticketID string) (*model.TradeTicket, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TicketOpen {
		return nil, model.Errorf(model.ErrInvalidState, "Only open tickets can be matched")
	}

	open, err := s.store.ListOpenTickets(ctx, t.Type.Opposite(), t.Amount)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	candidates := make([]scored, 0, len(open))
	for _, c := range open {
		if c.UserID != t.UserID {
			candidates = append(candidates, scored{ticket: c})
		}
	}
	if len(candidates) == 0 {
		metrics.MatchAttempts.WithLabelValues("none").Inc()
		return nil, nil
	}

	s.scoreCandidates(ctx, t, candidates)

	// candidates arrive oldest first; a stable sort keeps FIFO among equal scores.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	best := candidates[0]
	if best.score > s.cfg.RiskGate {
		metrics.MatchAttempts.WithLabelValues("gated").Inc()
		slog.Info("match rejected by risk gate", "ticket_id", t.ID, "best_score", best.score, "candidates", len(candidates))
		return nil, nil
	}
	metrics.MatchAttempts.WithLabelValues("matched").Inc()
	return &best.ticket, nil
}

// scoreCandidates assesses every candidate concurrently. Failures never
// abort matching: the candidate gets the fail-closed penalty score.
func (s *Service) scoreCandidates(ctx context.Context, t *model.TradeTicket, candidates []scored) {
	owner, ownerErr := s.profiles.GetProfile(ctx, t.UserID)
	if ownerErr != nil {
		slog.Warn("owner profile unavailable, scoring all candidates as risky",
			"ticket_id", t.ID, "user_id", t.UserID, "err", ownerErr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.AssessConcurrency)
	for i := range candidates {
		c := &candidates[i]
		if ownerErr != nil {
			c.score = s.cfg.FailurePenalty
			continue
		}
		g.Go(func() error {
			c.score = s.assess(gctx, owner, c.ticket)
			return nil
		})
	}
	g.Wait()
}

func (s *Service) assess(ctx context.Context, owner *model.UserProfile, cand model.TradeTicket) int {
	counter, err := s.profiles.GetProfile(ctx, cand.UserID)
	if err != nil {
		slog.Warn("counterparty profile unavailable", "candidate_id", cand.ID, "user_id", cand.UserID, "err", err)
		return s.cfg.FailurePenalty
	}
	a, err := s.assessor.Assess(ctx, owner.UserID, counter.UserID, *owner, *counter)
	if err != nil {
		slog.Warn("risk assessment failed", "candidate_id", cand.ID, "user_id", cand.UserID, "err", err)
		return s.cfg.FailurePenalty
	}
	return a.RiskScore
}

// CreateEscrow atomically opens the escrow for a ticket pair: one Pending
// EscrowTransaction, both tickets moved to Escrow and pointed at each other,
// and the with-interest amount debited from the investor's wallet. Any
// failure leaves no visible change.
func (s *Service) CreateEscrow(ctx context.Context, ticketID, matchedID string) (*model.EscrowTransaction, error) {
	start := time.Now()
	var escrow *model.EscrowTransaction

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		m, err := tx.GetTicket(ctx, matchedID)
		if err != nil {
			return err
		}
		if err := checkPair(t, m); err != nil {
			return err
		}
		if _, err := tx.GetEscrowByTicket(ctx, t.ID); err == nil {
			return model.Errorf(model.ErrInvalidState, "ticket %s already has an escrow", t.ID)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		borrow, invest := t, m
		if t.Type == model.TicketInvest {
			borrow, invest = m, t
		}
		held := model.EscrowAmountFor(borrow.Amount, borrow.Interest)

		w, err := tx.GetWallet(ctx, invest.UserID)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(held) {
			return model.Errorf(model.ErrInsufficientFunds,
				"insufficient funds: balance %s is below escrow amount %s", w.Balance.String(), held.String())
		}

		now := s.now()
		w.Balance = w.Balance.Sub(held)
		w.UpdatedAt = now
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}

		escrow = &model.EscrowTransaction{
			ID:              uuid.New().String(),
			TicketID:        t.ID,
			MatchedTicketID: m.ID,
			InvestorID:      invest.UserID,
			BorrowerID:      borrow.UserID,
			Amount:          borrow.Amount,
			Interest:        borrow.Interest,
			HeldAmount:      held,
			Status:          model.EscrowPending,
			CreatedAt:       now,
		}
		if err := tx.PutEscrow(ctx, escrow); err != nil {
			return err
		}

		for _, pair := range [][2]*model.TradeTicket{{t, m}, {m, t}} {
			tk, other := pair[0], pair[1]
			amt := held
			tk.Status = model.TicketEscrow
			tk.MatchedTicketID = other.ID
			tk.EscrowAmount = &amt
			tk.UpdatedAt = now
			if err := tx.PutTicket(ctx, tk); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.EscrowLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	metrics.EscrowsOpened.Inc()
	slog.Info("escrow opened", "escrow_id", escrow.ID, "ticket_id", ticketID, "matched_ticket_id", matchedID,
		"investor_id", escrow.InvestorID, "held", escrow.HeldAmount.String())
	return escrow, nil
}

// checkPair validates that two tickets can be escrowed against each other.
func checkPair(t, m *model.TradeTicket) error {
	if t.ID == m.ID {
		return model.Errorf(model.ErrValidation, "a ticket cannot be matched with itself")
	}
	if t.UserID == m.UserID {
		return model.Errorf(model.ErrValidation, "tickets belong to the same user")
	}
	if t.Type != m.Type.Opposite() {
		return model.Errorf(model.ErrValidation, "tickets must be of opposite types")
	}
	if !t.Amount.Equal(m.Amount) {
		return model.Errorf(model.ErrValidation, "ticket amounts differ")
	}
	for _, tk := range []*model.TradeTicket{t, m} {
		if !model.CanTransition(tk.Status, model.TicketEscrow) {
			return model.Errorf(model.ErrInvalidState, "ticket %s is %s and cannot enter escrow", tk.ID, tk.Status)
		}
	}
	if (t.MatchedTicketID != "" && t.MatchedTicketID != m.ID) || (m.MatchedTicketID != "" && m.MatchedTicketID != t.ID) {
		return model.Errorf(model.ErrInvalidState, "ticket is already matched with another ticket")
	}
	return nil
}

// MatchResult is the outcome of MatchTicket.
type MatchResult struct {
	Matched bool                     `json:"matched"`
	Ticket  *model.TradeTicket       `json:"ticket"`
	Match   *model.TradeTicket       `json:"match,omitempty"`
	Escrow  *model.EscrowTransaction `json:"escrow,omitempty"`
}

// MatchTicket runs findMatch for the caller's ticket and, when a counter-ticket
// passes the risk gate, opens the escrow for the pair.
func (s *Service) MatchTicket(ctx context.Context, ticketID, callerID string) (*MatchResult, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.UserID != callerID {
		return nil, model.Errorf(model.ErrForbidden, "only the ticket owner can request a match")
	}

	// A candidate escrowed by someone else between scoring and escrow
	// creation is skipped by searching once more.
	var (
		match  *model.TradeTicket
		escrow *model.EscrowTransaction
	)
	for attempt := 0; ; attempt++ {
		match, err = s.FindMatch(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if match == nil {
			return &MatchResult{Matched: false, Ticket: t}, nil
		}
		escrow, err = s.CreateEscrow(ctx, t.ID, match.ID)
		if err == nil {
			break
		}
		if attempt > 0 || !errors.Is(err, model.ErrInvalidState) {
			return nil, err
		}
		slog.Info("match candidate taken, searching again", "ticket_id", t.ID, "candidate_id", match.ID, "err", err)
	}
	if t, err = s.store.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	if match, err = s.store.GetTicket(ctx, match.ID); err != nil {
		return nil, err
	}
	return &MatchResult{Matched: true, Ticket: t, Match: match, Escrow: escrow}, nil
}

// ConfirmTrade completes an escrowed ticket pair and releases the escrow.
// Confirming an already Completed ticket is a no-op so clients may retry.
func (s *Service) ConfirmTrade(ctx context.Context, ticketID, callerID string) (*model.TradeTicket, error) {
	var result *model.TradeTicket
	released := false

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		released = false
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		result = t
		if t.Status == model.TicketCompleted {
			return nil
		}
		if t.Status != model.TicketEscrow {
			return model.Errorf(model.ErrInvalidState, "Only tickets in escrow can be confirmed")
		}

		m, err := tx.GetTicket(ctx, t.MatchedTicketID)
		if err != nil {
			return err
		}
		if callerID != t.UserID && callerID != m.UserID {
			return model.Errorf(model.ErrForbidden, "only a party to the trade can confirm it")
		}

		e, err := tx.GetEscrowByTicket(ctx, t.ID)
		if err != nil {
			return err
		}

		now := s.now()
		e.Status = model.EscrowReleased
		e.ReleasedAt = &now
		if err := tx.PutEscrow(ctx, e); err != nil {
			return err
		}
		for _, tk := range []*model.TradeTicket{t, m} {
			tk.Status = model.TicketCompleted
			tk.UpdatedAt = now
			if err := tx.PutTicket(ctx, tk); err != nil {
				return err
			}
		}
		released = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if released {
		slog.Info("trade confirmed", "ticket_id", ticketID, "matched_ticket_id", result.MatchedTicketID)
	}
	return result, nil
}

// CancelTicket cancels an Open ticket. No funds are held yet, so nothing
// needs reversing.
func (s *Service) CancelTicket(ctx context.Context, ticketID, callerID string) (*model.TradeTicket, error) {
	var result *model.TradeTicket

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.UserID != callerID {
			return model.Errorf(model.ErrForbidden, "only the ticket owner can cancel it")
		}
		if t.Status != model.TicketOpen {
			return model.Errorf(model.ErrInvalidState, "Only open tickets can be cancelled")
		}
		t.Status = model.TicketCancelled
		t.UpdatedAt = s.now()
		result = t
		return tx.PutTicket(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("ticket cancelled", "ticket_id", ticketID)
	return result, nil
}
