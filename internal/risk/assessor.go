// Package risk scores a prospective counterparty pair from verification and
// history signals. Scores range from 0 (safe) to 100 (fraud-likely).
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/peerlend/escrow-engine/internal/model"
)

// Level buckets a score for display and policy.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ErrMissingProfile is returned when a profile has no user id.
var ErrMissingProfile = errors.New("risk: profile missing user id")

// Factor is one contribution to a pair's score.
type Factor struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

// Assessment is the result of scoring a pair.
type Assessment struct {
	RiskScore int      `json:"risk_score"`
	RiskLevel Level    `json:"risk_level"`
	Factors   []Factor `json:"factors"`
}

// Assessor scores a user against a counterparty.
type Assessor interface {
	Assess(ctx context.Context, userID, counterpartyID string, a, b model.UserProfile) (Assessment, error)
}

// Factor weights, per party.
const (
	weightKYCUnverified   = 35
	weightEmailUnverified = 5
	weightPhoneUnverified = 5
	weightNewAccount      = 5
	weightDisputeLost     = 10
	maxDisputeLost        = 30
	weightDefault         = 15
	maxDefault            = 45
	creditPerTrade        = 2
	maxTradeCredit        = 10

	newAccountAge = 30 * 24 * time.Hour
)

// Scorer is the default Assessor. It is a pure function of its inputs and
// the clock.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a scorer using the wall clock.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// NewScorerWithClock creates a scorer with an injected clock.
func NewScorerWithClock(now func() time.Time) *Scorer {
	return &Scorer{now: now}
}

// Assess sums both parties' individual scores, capped at 100. A pair of
// unverified parties is pushed past the matching gate while one verified
// party paired with one unverified party is not.
func (s *Scorer) Assess(_ context.Context, userID, counterpartyID string, a, b model.UserProfile) (Assessment, error) {
	if a.UserID == "" || b.UserID == "" {
		return Assessment{}, ErrMissingProfile
	}
	if a.UserID != userID || b.UserID != counterpartyID {
		return Assessment{}, errors.New("risk: profiles do not match the assessed pair")
	}

	var factors []Factor
	total := 0
	for _, p := range []model.UserProfile{a, b} {
		fs, score := s.party(p)
		factors = append(factors, fs...)
		total += score
	}
	if total > 100 {
		total = 100
	}

	return Assessment{
		RiskScore: total,
		RiskLevel: LevelFor(total),
		Factors:   factors,
	}, nil
}

func (s *Scorer) party(p model.UserProfile) ([]Factor, int) {
	var out []Factor
	add := func(name string, score int) {
		if score != 0 {
			out = append(out, Factor{Name: name, UserID: p.UserID, Score: score})
		}
	}

	if !p.KYCVerified {
		add("kyc_unverified", weightKYCUnverified)
	}
	if !p.EmailVerified {
		add("email_unverified", weightEmailUnverified)
	}
	if !p.PhoneVerified {
		add("phone_unverified", weightPhoneUnverified)
	}
	if p.CreatedAt.IsZero() || s.now().Sub(p.CreatedAt) < newAccountAge {
		add("new_account", weightNewAccount)
	}
	add("disputes_lost", min(p.DisputesLost*weightDisputeLost, maxDisputeLost))
	add("defaults", min(p.Defaults*weightDefault, maxDefault))
	add("completed_trades", -min(p.CompletedTrades*creditPerTrade, maxTradeCredit))

	score := 0
	for _, f := range out {
		score += f.Score
	}
	if score < 0 {
		score = 0
	}
	return out, score
}

// LevelFor buckets a score.
func LevelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}
