package trading_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/risk"
	"github.com/peerlend/escrow-engine/internal/store"
	"github.com/peerlend/escrow-engine/internal/tier"
	"github.com/peerlend/escrow-engine/internal/trading"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stepClock advances one second per reading so creation order is strict.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// fakeAssessor scores by counterparty id; ids in fail return an error.
type fakeAssessor struct {
	scores map[string]int
	fail   map[string]bool
}

func (f *fakeAssessor) Assess(_ context.Context, _, counterpartyID string, _, _ model.UserProfile) (risk.Assessment, error) {
	if f.fail[counterpartyID] {
		return risk.Assessment{}, errors.New("assessment backend unavailable")
	}
	s := f.scores[counterpartyID]
	return risk.Assessment{RiskScore: s, RiskLevel: risk.LevelFor(s)}, nil
}

type testEnv struct {
	svc *trading.Service
	ms  *store.MemoryStore
}

// newTestEnv creates a Service over an in-memory store. A nil assessor uses
// the default scorer.
func newTestEnv(t *testing.T, assessor risk.Assessor) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore(nil)
	clock := &stepClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	if assessor == nil {
		assessor = risk.NewScorerWithClock(clock.Now)
	}
	svc := trading.NewService(ms, ms, assessor, trading.DefaultConfig()).WithClock(clock.Now)
	return &testEnv{svc: svc, ms: ms}
}

func (e *testEnv) user(t *testing.T, id string, verified bool) {
	t.Helper()
	err := e.ms.PutProfile(context.Background(), &model.UserProfile{
		UserID:         id,
		MembershipTier: tier.Basic,
		KYCVerified:    verified,
		EmailVerified:  verified,
		PhoneVerified:  verified,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func (e *testEnv) ticket(t *testing.T, owner string, typ model.TicketType, amount float64) *model.TradeTicket {
	t.Helper()
	tk, err := e.svc.CreateTicket(context.Background(), owner, trading.CreateTicketRequest{Type: typ, Amount: d(amount)})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

// --- Creation ---

func TestCreateTicket_TierGate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tk, err := env.svc.CreateTicket(ctx, "b1", trading.CreateTicketRequest{Type: model.TicketBorrow, Amount: d(500), MembershipTier: tier.Basic})
	if err != nil {
		t.Fatalf("at-cap ticket should succeed: %v", err)
	}
	if !tk.Interest.Equal(d(25)) || tk.Status != model.TicketOpen {
		t.Errorf("unexpected ticket: interest=%s status=%s", tk.Interest, tk.Status)
	}

	_, err = env.svc.CreateTicket(ctx, "b1", trading.CreateTicketRequest{Type: model.TicketBorrow, Amount: d(500.01), MembershipTier: tier.Basic})
	if !errors.Is(err, model.ErrValidation) || !errors.Is(err, tier.ErrLimitExceeded) {
		t.Fatalf("expected tier validation error, got %v", err)
	}
	if err.Error() != "Your basic tier only allows borrowing up to 500" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	inv, err := env.svc.CreateTicket(ctx, "i1", trading.CreateTicketRequest{Type: model.TicketInvest, Amount: d(1000)})
	if err != nil {
		t.Fatalf("invest at cap: %v", err)
	}
	if !inv.Interest.Equal(d(20)) {
		t.Errorf("expected invest interest 20, got %s", inv.Interest)
	}
}

func TestCreateTicket_UsesProfileTier(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ms.PutProfile(context.Background(), &model.UserProfile{UserID: "g1", MembershipTier: tier.Gold})

	tk, err := env.svc.CreateTicket(context.Background(), "g1", trading.CreateTicketRequest{Type: model.TicketBorrow, Amount: d(9000)})
	if err != nil {
		t.Fatalf("gold user within cap: %v", err)
	}
	if tk.MembershipTier != tier.Gold {
		t.Errorf("expected gold tier, got %s", tk.MembershipTier)
	}
}

func TestCreateTicket_RequestCannotRaiseTier(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.user(t, "b1", true)

	_, err := env.svc.CreateTicket(ctx, "b1", trading.CreateTicketRequest{
		Type: model.TicketBorrow, Amount: d(50000), MembershipTier: tier.Platinum,
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("basic user claiming platinum: expected ErrValidation, got %v", err)
	}
	if tickets, _ := env.ms.ListTickets(ctx, model.TicketFilter{UserID: "b1"}); len(tickets) != 0 {
		t.Errorf("no ticket should be stored, got %d", len(tickets))
	}

	tk, err := env.svc.CreateTicket(ctx, "b1", trading.CreateTicketRequest{
		Type: model.TicketBorrow, Amount: d(400), MembershipTier: tier.Basic,
	})
	if err != nil {
		t.Fatalf("matching tier should be accepted: %v", err)
	}
	if tk.MembershipTier != tier.Basic {
		t.Errorf("expected basic tier, got %s", tk.MembershipTier)
	}
}

func TestCreateTicket_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		owner string
		req   trading.CreateTicketRequest
	}{
		{"missing owner", "", trading.CreateTicketRequest{Type: model.TicketBorrow, Amount: d(10)}},
		{"bad type", "u", trading.CreateTicketRequest{Type: "lend", Amount: d(10)}},
		{"zero amount", "u", trading.CreateTicketRequest{Type: model.TicketBorrow, Amount: decimal.Zero}},
		{"unknown tier", "u", trading.CreateTicketRequest{Type: model.TicketBorrow, Amount: d(10), MembershipTier: "diamond"}},
	}
	for _, c := range cases {
		if _, err := env.svc.CreateTicket(ctx, c.owner, c.req); !errors.Is(err, model.ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", c.name, err)
		}
	}
}

// --- Matching ---

func TestMatchTicket_BasicScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.user(t, "borrower", true)
	env.user(t, "investor", true)
	env.ms.SetBalance(ctx, "investor", d(1000))

	borrow := env.ticket(t, "borrower", model.TicketBorrow, 500)
	invest := env.ticket(t, "investor", model.TicketInvest, 500)

	res, err := env.svc.MatchTicket(ctx, borrow.ID, "borrower")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !res.Matched || res.Match.ID != invest.ID {
		t.Fatalf("expected match with invest ticket, got %+v", res)
	}

	if !res.Escrow.Amount.Equal(d(500)) || !res.Escrow.HeldAmount.Equal(d(625)) {
		t.Errorf("escrow amount=%s held=%s, want 500/625", res.Escrow.Amount, res.Escrow.HeldAmount)
	}
	if res.Escrow.InvestorID != "investor" || res.Escrow.BorrowerID != "borrower" || res.Escrow.Status != model.EscrowPending {
		t.Errorf("unexpected escrow roles: %+v", res.Escrow)
	}

	for _, id := range []string{borrow.ID, invest.ID} {
		tk, _ := env.ms.GetTicket(ctx, id)
		if tk.Status != model.TicketEscrow {
			t.Errorf("ticket %s status %s, want escrow", id, tk.Status)
		}
		if tk.EscrowAmount == nil || !tk.EscrowAmount.Equal(d(625)) {
			t.Errorf("ticket %s escrow amount %v, want 625", id, tk.EscrowAmount)
		}
	}
	b, _ := env.ms.GetTicket(ctx, borrow.ID)
	i, _ := env.ms.GetTicket(ctx, invest.ID)
	if b.MatchedTicketID != i.ID || i.MatchedTicketID != b.ID {
		t.Errorf("matched ids not symmetric: %s <-> %s", b.MatchedTicketID, i.MatchedTicketID)
	}

	w, _ := env.ms.GetWallet(ctx, "investor")
	if !w.Balance.Equal(d(375)) {
		t.Errorf("expected investor balance 375, got %s", w.Balance)
	}
}

func TestFindMatch_LowestRiskThenOldest(t *testing.T) {
	fa := &fakeAssessor{scores: map[string]int{"c1": 40, "c2": 30, "c3": 30}}
	env := newTestEnv(t, fa)
	for _, u := range []string{"owner", "c1", "c2", "c3"} {
		env.user(t, u, true)
	}

	env.ticket(t, "c1", model.TicketInvest, 400)
	oldestTie := env.ticket(t, "c2", model.TicketInvest, 400)
	env.ticket(t, "c3", model.TicketInvest, 400)
	own := env.ticket(t, "owner", model.TicketBorrow, 400)

	m, err := env.svc.FindMatch(context.Background(), own.ID)
	if err != nil {
		t.Fatalf("find match: %v", err)
	}
	if m == nil || m.ID != oldestTie.ID {
		t.Fatalf("expected oldest of the lowest-risk tie (%s), got %+v", oldestTie.ID, m)
	}
}

func TestFindMatch_IgnoresOwnAndMismatchedTickets(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	env.user(t, "owner", true)
	env.user(t, "other", true)

	env.ticket(t, "owner", model.TicketInvest, 300)
	env.ticket(t, "other", model.TicketInvest, 250)
	env.ticket(t, "other", model.TicketBorrow, 300)
	own := env.ticket(t, "owner", model.TicketBorrow, 300)

	m, err := env.svc.FindMatch(context.Background(), own.ID)
	if err != nil {
		t.Fatalf("find match: %v", err)
	}
	if m != nil {
		t.Errorf("expected no candidate, got %+v", m)
	}
}

func TestFindMatch_RiskGateRejectsAll(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{scores: map[string]int{"c1": 81, "c2": 95}})
	for _, u := range []string{"owner", "c1", "c2"} {
		env.user(t, u, false)
	}
	env.ticket(t, "c1", model.TicketInvest, 100)
	env.ticket(t, "c2", model.TicketInvest, 100)
	own := env.ticket(t, "owner", model.TicketBorrow, 100)

	m, err := env.svc.FindMatch(context.Background(), own.ID)
	if err != nil {
		t.Fatalf("find match: %v", err)
	}
	if m != nil {
		t.Errorf("gate should reject every candidate above 80, got %s", m.ID)
	}
}

func TestFindMatch_UnverifiedPairGatedByDefaultScorer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.user(t, "owner", false)
	env.user(t, "c1", false)
	env.ticket(t, "c1", model.TicketInvest, 100)
	own := env.ticket(t, "owner", model.TicketBorrow, 100)

	if m, _ := env.svc.FindMatch(context.Background(), own.ID); m != nil {
		t.Errorf("two unverified parties must not match, got %s", m.ID)
	}
}

func TestFindMatch_AssessmentFailureIsPenalizedNotFatal(t *testing.T) {
	fa := &fakeAssessor{
		scores: map[string]int{"risky": 85},
		fail:   map[string]bool{"broken": true},
	}
	env := newTestEnv(t, fa)
	for _, u := range []string{"owner", "risky", "broken"} {
		env.user(t, u, true)
	}
	env.ticket(t, "risky", model.TicketInvest, 100)
	broken := env.ticket(t, "broken", model.TicketInvest, 100)
	own := env.ticket(t, "owner", model.TicketBorrow, 100)

	m, err := env.svc.FindMatch(context.Background(), own.ID)
	if err != nil {
		t.Fatalf("assessment failure must not surface: %v", err)
	}
	// Penalty 80 beats 85 and sits exactly at the gate.
	if m == nil || m.ID != broken.ID {
		t.Fatalf("expected penalized candidate %s, got %+v", broken.ID, m)
	}
}

func TestFindMatch_MissingCounterpartyProfile(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{scores: map[string]int{"known": 81}})
	env.user(t, "owner", true)
	env.user(t, "known", true)
	env.ticket(t, "known", model.TicketInvest, 100)
	ghost := env.ticket(t, "ghost", model.TicketInvest, 100)
	own := env.ticket(t, "owner", model.TicketBorrow, 100)

	m, _ := env.svc.FindMatch(context.Background(), own.ID)
	if m == nil || m.ID != ghost.ID {
		t.Fatalf("profile-less candidate should score the penalty and win over 81, got %+v", m)
	}
}

func TestFindMatch_RequiresOpenTicket(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	own := env.ticket(t, "owner", model.TicketBorrow, 100)
	env.svc.CancelTicket(context.Background(), own.ID, "owner")

	if _, err := env.svc.FindMatch(context.Background(), own.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestMatchTicket_OwnerOnly(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	own := env.ticket(t, "owner", model.TicketBorrow, 100)

	if _, err := env.svc.MatchTicket(context.Background(), own.ID, "intruder"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

// racingAssessor runs race once, during the first assessment, to simulate a
// concurrent escrow landing between scoring and escrow creation.
type racingAssessor struct {
	fakeAssessor
	once sync.Once
	race func()
}

func (r *racingAssessor) Assess(ctx context.Context, userID, counterpartyID string, a, b model.UserProfile) (risk.Assessment, error) {
	r.once.Do(r.race)
	return r.fakeAssessor.Assess(ctx, userID, counterpartyID, a, b)
}

func TestMatchTicket_CandidateTakenFallsBackToNext(t *testing.T) {
	ra := &racingAssessor{fakeAssessor: fakeAssessor{scores: map[string]int{"i1": 10, "i2": 20}}}
	env := newTestEnv(t, ra)
	ctx := context.Background()
	for _, u := range []string{"b1", "i1", "i2"} {
		env.user(t, u, true)
	}
	env.ms.SetBalance(ctx, "i1", d(1000))
	env.ms.SetBalance(ctx, "i2", d(1000))

	mine := env.ticket(t, "b1", model.TicketBorrow, 500)
	rival := env.ticket(t, "b2", model.TicketBorrow, 500)
	best := env.ticket(t, "i1", model.TicketInvest, 500)
	next := env.ticket(t, "i2", model.TicketInvest, 500)

	ra.race = func() {
		if _, err := env.svc.CreateEscrow(ctx, rival.ID, best.ID); err != nil {
			t.Errorf("rival escrow: %v", err)
		}
	}

	res, err := env.svc.MatchTicket(ctx, mine.ID, "b1")
	if err != nil {
		t.Fatalf("match should fall back to the next candidate: %v", err)
	}
	if !res.Matched || res.Match.ID != next.ID {
		t.Fatalf("expected match with %s, got %+v", next.ID, res.Match)
	}
	if r, _ := env.ms.GetTicket(ctx, best.ID); r.MatchedTicketID != rival.ID {
		t.Errorf("rival escrow should stand, best matched with %s", r.MatchedTicketID)
	}
}

// --- Escrow ---

func TestCreateEscrow_InsufficientFundsIsAtomic(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	ctx := context.Background()
	env.ms.SetBalance(ctx, "investor", d(600))

	borrow := env.ticket(t, "borrower", model.TicketBorrow, 500)
	invest := env.ticket(t, "investor", model.TicketInvest, 500)

	_, err := env.svc.CreateEscrow(ctx, borrow.ID, invest.ID)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	for _, id := range []string{borrow.ID, invest.ID} {
		tk, _ := env.ms.GetTicket(ctx, id)
		if tk.Status != model.TicketOpen || tk.EscrowAmount != nil || tk.MatchedTicketID != "" {
			t.Errorf("ticket %s changed despite failure: %+v", id, tk)
		}
	}
	if _, err := env.ms.GetEscrowByTicket(ctx, borrow.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("escrow created despite failure: %v", err)
	}
	w, _ := env.ms.GetWallet(ctx, "investor")
	if !w.Balance.Equal(d(600)) {
		t.Errorf("wallet changed despite failure: %s", w.Balance)
	}
}

func TestCreateEscrow_WalletNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	borrow := env.ticket(t, "borrower", model.TicketBorrow, 100)
	invest := env.ticket(t, "investor", model.TicketInvest, 100)

	_, err := env.svc.CreateEscrow(context.Background(), invest.ID, borrow.ID)
	if !errors.Is(err, model.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	tk, _ := env.ms.GetTicket(context.Background(), borrow.ID)
	if tk.Status != model.TicketOpen {
		t.Errorf("ticket moved to %s without a wallet", tk.Status)
	}
}

func TestCreateEscrow_RejectsInvalidPairs(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	ctx := context.Background()
	env.ms.SetBalance(ctx, "investor", d(10000))

	b := env.ticket(t, "borrower", model.TicketBorrow, 100)
	sameSide := env.ticket(t, "other", model.TicketBorrow, 100)
	otherAmount := env.ticket(t, "investor", model.TicketInvest, 200)
	own := env.ticket(t, "borrower", model.TicketInvest, 100)

	if _, err := env.svc.CreateEscrow(ctx, b.ID, sameSide.ID); !errors.Is(err, model.ErrValidation) {
		t.Errorf("same type: expected ErrValidation, got %v", err)
	}
	if _, err := env.svc.CreateEscrow(ctx, b.ID, otherAmount.ID); !errors.Is(err, model.ErrValidation) {
		t.Errorf("different amount: expected ErrValidation, got %v", err)
	}
	if _, err := env.svc.CreateEscrow(ctx, b.ID, own.ID); !errors.Is(err, model.ErrValidation) {
		t.Errorf("same owner: expected ErrValidation, got %v", err)
	}
}

func TestCreateEscrow_TicketAlreadyEscrowed(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	ctx := context.Background()
	env.ms.SetBalance(ctx, "i1", d(1000))
	env.ms.SetBalance(ctx, "i2", d(1000))

	b := env.ticket(t, "b1", model.TicketBorrow, 100)
	i1 := env.ticket(t, "i1", model.TicketInvest, 100)
	i2 := env.ticket(t, "i2", model.TicketInvest, 100)

	if _, err := env.svc.CreateEscrow(ctx, b.ID, i1.ID); err != nil {
		t.Fatalf("first escrow: %v", err)
	}
	if _, err := env.svc.CreateEscrow(ctx, b.ID, i2.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for re-escrow, got %v", err)
	}
}

func TestCreateEscrow_ConcurrentDebitsOnOneWallet(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	ctx := context.Background()
	env.ms.SetBalance(ctx, "investor", d(1000))

	const pairs = 4
	type pair struct{ borrow, invest string }
	var ps []pair
	for i := 0; i < pairs; i++ {
		b := env.ticket(t, "borrower"+string(rune('a'+i)), model.TicketBorrow, 500)
		inv := env.ticket(t, "investor", model.TicketInvest, 500)
		ps = append(ps, pair{b.ID, inv.ID})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for _, p := range ps {
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			if _, err := env.svc.CreateEscrow(ctx, p.borrow, p.invest); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if ok != 1 {
		t.Fatalf("exactly one 625 escrow fits a 1000 balance, %d succeeded", ok)
	}
	w, _ := env.ms.GetWallet(ctx, "investor")
	if !w.Balance.Equal(d(375)) {
		t.Errorf("expected balance 375, got %s", w.Balance)
	}
}

// --- Confirmation and cancellation ---

func escrowedPair(t *testing.T, env *testEnv) (borrow, invest *model.TradeTicket) {
	t.Helper()
	ctx := context.Background()
	env.ms.SetBalance(ctx, "investor", d(1000))
	borrow = env.ticket(t, "borrower", model.TicketBorrow, 200)
	invest = env.ticket(t, "investor", model.TicketInvest, 200)
	if _, err := env.svc.CreateEscrow(ctx, borrow.ID, invest.ID); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	return borrow, invest
}

func TestConfirmTrade_CompletesPairAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	ctx := context.Background()
	borrow, invest := escrowedPair(t, env)

	tk, err := env.svc.ConfirmTrade(ctx, borrow.ID, "investor")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if tk.Status != model.TicketCompleted {
		t.Errorf("expected completed, got %s", tk.Status)
	}
	other, _ := env.ms.GetTicket(ctx, invest.ID)
	if other.Status != model.TicketCompleted {
		t.Errorf("matched ticket not completed: %s", other.Status)
	}
	e, _ := env.ms.GetEscrowByTicket(ctx, borrow.ID)
	if e.Status != model.EscrowReleased || e.ReleasedAt == nil {
		t.Errorf("escrow not released: %+v", e)
	}

	again, err := env.svc.ConfirmTrade(ctx, borrow.ID, "investor")
	if err != nil {
		t.Fatalf("second confirm must be a no-op, got %v", err)
	}
	if again.Version != tk.Version {
		t.Errorf("no-op confirm wrote the ticket: version %d → %d", tk.Version, again.Version)
	}
}

func TestConfirmTrade_RequiresEscrow(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	open := env.ticket(t, "borrower", model.TicketBorrow, 100)

	if _, err := env.svc.ConfirmTrade(context.Background(), open.ID, "borrower"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestConfirmTrade_PartiesOnly(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	borrow, _ := escrowedPair(t, env)

	if _, err := env.svc.ConfirmTrade(context.Background(), borrow.ID, "stranger"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestCancelTicket_OnlyOpen(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	ctx := context.Background()

	open := env.ticket(t, "owner", model.TicketBorrow, 100)
	if tk, err := env.svc.CancelTicket(ctx, open.ID, "owner"); err != nil || tk.Status != model.TicketCancelled {
		t.Fatalf("cancel open: %v %+v", err, tk)
	}
	if _, err := env.svc.CancelTicket(ctx, open.ID, "owner"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("cancel cancelled: expected ErrInvalidState, got %v", err)
	}

	borrow, _ := escrowedPair(t, env)
	_, err := env.svc.CancelTicket(ctx, borrow.ID, "borrower")
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("cancel escrow: expected ErrInvalidState, got %v", err)
	}
	if err.Error() != "Only open tickets can be cancelled" {
		t.Errorf("unexpected message %q", err.Error())
	}

	env.svc.ConfirmTrade(ctx, borrow.ID, "borrower")
	if _, err := env.svc.CancelTicket(ctx, borrow.ID, "borrower"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("cancel completed: expected ErrInvalidState, got %v", err)
	}
}

func TestCancelTicket_OwnerOnly(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	open := env.ticket(t, "owner", model.TicketBorrow, 100)

	if _, err := env.svc.CancelTicket(context.Background(), open.ID, "someone"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

// --- HTTP ---

func newRouter(env *testEnv) chi.Router {
	h := trading.NewHandler(env.svc)
	r := chi.NewRouter()
	r.Post("/api/v1/tickets", h.CreateTicket)
	r.Get("/api/v1/tickets", h.ListTickets)
	r.Get("/api/v1/tickets/{ticketID}", h.GetTicket)
	r.Post("/api/v1/tickets/{ticketID}/match", h.Match)
	r.Post("/api/v1/tickets/{ticketID}/cancel", h.Cancel)
	r.Get("/api/v1/wallets/{userID}", h.GetWallet)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHTTP_CreateTicket(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	router := newRouter(env)

	w := doJSON(t, router, "POST", "/api/v1/tickets", "u1", map[string]any{"type": "borrow", "amount": "450"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var tk model.TradeTicket
	json.NewDecoder(w.Body).Decode(&tk)
	if tk.UserID != "u1" || !tk.Amount.Equal(d(450)) {
		t.Errorf("unexpected ticket %+v", tk)
	}

	w = doJSON(t, router, "POST", "/api/v1/tickets", "u1", map[string]any{"type": "borrow", "amount": "501"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Your basic tier only allows borrowing up to 500") {
		t.Errorf("tier message missing: %s", w.Body.String())
	}
}

func TestHTTP_CancelConflictAndNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	router := newRouter(env)
	borrow, _ := escrowedPair(t, env)

	w := doJSON(t, router, "POST", "/api/v1/tickets/"+borrow.ID+"/cancel", "borrower", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/api/v1/tickets/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHTTP_MatchWithoutFunds(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	router := newRouter(env)
	env.ms.SetBalance(context.Background(), "investor", d(10))
	borrow := env.ticket(t, "borrower", model.TicketBorrow, 100)
	env.ticket(t, "investor", model.TicketInvest, 100)

	w := doJSON(t, router, "POST", "/api/v1/tickets/"+borrow.ID+"/match", "borrower", nil)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHTTP_WalletNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeAssessor{})
	w := doJSON(t, newRouter(env), "GET", "/api/v1/wallets/ghost", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
