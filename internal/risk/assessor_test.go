package risk

import (
	"context"
	"testing"
	"time"

	"github.com/peerlend/escrow-engine/internal/model"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func verified(id string) model.UserProfile {
	return model.UserProfile{
		UserID:        id,
		KYCVerified:   true,
		EmailVerified: true,
		PhoneVerified: true,
		CreatedAt:     fixedNow.AddDate(-1, 0, 0),
	}
}

func unverified(id string) model.UserProfile {
	return model.UserProfile{UserID: id, CreatedAt: fixedNow.Add(-time.Hour)}
}

func TestAssess_VerifiedPairIsLowRisk(t *testing.T) {
	s := NewScorerWithClock(func() time.Time { return fixedNow })

	a, err := s.Assess(context.Background(), "a", "b", verified("a"), verified("b"))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.RiskScore != 0 {
		t.Errorf("expected score 0, got %d (%v)", a.RiskScore, a.Factors)
	}
	if a.RiskLevel != LevelLow {
		t.Errorf("expected low level, got %s", a.RiskLevel)
	}
}

func TestAssess_UnverifiedPairExceedsGate(t *testing.T) {
	s := NewScorerWithClock(func() time.Time { return fixedNow })

	a, err := s.Assess(context.Background(), "a", "b", unverified("a"), unverified("b"))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.RiskScore <= 80 {
		t.Errorf("two unverified parties should score above 80, got %d", a.RiskScore)
	}
	if a.RiskLevel != LevelCritical {
		t.Errorf("expected critical, got %s", a.RiskLevel)
	}
}

func TestAssess_MixedPairBelowGate(t *testing.T) {
	s := NewScorerWithClock(func() time.Time { return fixedNow })

	a, _ := s.Assess(context.Background(), "a", "b", verified("a"), unverified("b"))
	if a.RiskScore > 80 {
		t.Errorf("one verified party should stay under the gate, got %d", a.RiskScore)
	}
	for _, f := range a.Factors {
		if f.UserID != "b" {
			t.Errorf("verified party contributed factor %+v", f)
		}
	}
}

func TestAssess_HistoryFactorsCapped(t *testing.T) {
	s := NewScorerWithClock(func() time.Time { return fixedNow })

	bad := verified("a")
	bad.DisputesLost = 10
	bad.Defaults = 10

	a, _ := s.Assess(context.Background(), "a", "b", bad, verified("b"))
	if a.RiskScore != maxDisputeLost+maxDefault {
		t.Errorf("expected capped score %d, got %d", maxDisputeLost+maxDefault, a.RiskScore)
	}
}

func TestAssess_TradeCreditNeverNegative(t *testing.T) {
	s := NewScorerWithClock(func() time.Time { return fixedNow })

	good := verified("a")
	good.CompletedTrades = 50

	a, _ := s.Assess(context.Background(), "a", "b", good, verified("b"))
	if a.RiskScore != 0 {
		t.Errorf("score should floor at 0, got %d", a.RiskScore)
	}
}

func TestAssess_MissingProfile(t *testing.T) {
	s := NewScorer()
	if _, err := s.Assess(context.Background(), "a", "b", model.UserProfile{}, verified("b")); err == nil {
		t.Error("expected error for empty profile")
	}
}

func TestLevelFor(t *testing.T) {
	cases := map[int]Level{0: LevelLow, 29: LevelLow, 30: LevelMedium, 60: LevelHigh, 80: LevelCritical, 100: LevelCritical}
	for score, want := range cases {
		if got := LevelFor(score); got != want {
			t.Errorf("LevelFor(%d) = %s, want %s", score, got, want)
		}
	}
}
