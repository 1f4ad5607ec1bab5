package monitoring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
)

var t0 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func tk(id string, amount int64, at time.Time) model.TradeTicket {
	return model.TradeTicket{ID: id, UserID: "u1", Amount: decimal.NewFromInt(amount), CreatedAt: at}
}

func amounts(vals ...int64) []model.TradeTicket {
	out := make([]model.TradeTicket, len(vals))
	for i, v := range vals {
		out[i] = tk(string(rune('a'+i)), v, t0.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func TestRapid(t *testing.T) {
	th := model.Thresholds{TimeWindow: 10, MaxTransactions: 3}
	if rapid(model.TradeTicket{}, amounts(1, 1), th) {
		t.Error("two tickets should not be rapid")
	}
	if !rapid(model.TradeTicket{}, amounts(1, 1, 1), th) {
		t.Error("three tickets should be rapid")
	}
	if !rapid(model.TradeTicket{}, amounts(5, 5, 5), model.Thresholds{}) {
		t.Error("unset max should default to three")
	}
}

func TestEscalating(t *testing.T) {
	tests := []struct {
		name string
		vals []int64
		want bool
	}{
		{"too few", []int64{100, 200}, false},
		{"increasing past 1.5x", []int64{100, 120, 150}, true},
		{"increasing below 1.5x", []int64{100, 110, 140}, false},
		{"flat step", []int64{100, 100, 200}, false},
		{"dip", []int64{100, 300, 200, 400}, false},
		{"long run", []int64{100, 101, 102, 103, 160}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := escalating(model.TradeTicket{}, amounts(tc.vals...), model.Thresholds{}); got != tc.want {
				t.Errorf("escalating(%v) = %v, want %v", tc.vals, got, tc.want)
			}
		})
	}
}

func TestUnusualHours(t *testing.T) {
	lagos, err := time.LoadLocation("Africa/Lagos")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	u := unusualHours{loc: lagos}
	tests := []struct {
		utcHour int
		want    bool
	}{
		{6, true},   // 07:00 local
		{7, false},  // 08:00 local
		{17, false}, // 18:00 local
		{18, true},  // 19:00 local
		{23, true},
	}
	for _, tc := range tests {
		at := time.Date(2025, 6, 2, tc.utcHour, 30, 0, 0, time.UTC)
		if got := u.Evaluate(tk("x", 1, at), nil, model.Thresholds{}); got != tc.want {
			t.Errorf("UTC %02d:30: got %v, want %v", tc.utcHour, got, tc.want)
		}
	}
}

func TestMultipleCounterparties(t *testing.T) {
	h := amounts(1, 1, 1, 1)
	h[0].MatchedTicketID = "m1"
	h[1].MatchedTicketID = "m2"
	h[2].MatchedTicketID = "m2"
	th := model.Thresholds{TimeWindow: 60, MaxTransactions: 3}
	if multipleCounterparties(model.TradeTicket{}, h, th) {
		t.Error("two distinct counterparties should not trigger")
	}
	h[3].MatchedTicketID = "m3"
	if !multipleCounterparties(model.TradeTicket{}, h, th) {
		t.Error("three distinct counterparties should trigger")
	}
}

func TestHighValue(t *testing.T) {
	th := model.Thresholds{MinAmount: decimal.NewFromInt(5000)}
	if highValue(tk("a", 5000, t0), nil, th) {
		t.Error("amount equal to the threshold should not trigger")
	}
	if !highValue(tk("a", 5001, t0), nil, th) {
		t.Error("amount above the threshold should trigger")
	}
}

func TestDefaultRegistryCoversDefaultRules(t *testing.T) {
	reg := DefaultRegistry(nil)
	for _, r := range DefaultRules() {
		if _, ok := reg[r.Pattern]; !ok {
			t.Errorf("rule %s uses unregistered pattern %s", r.ID, r.Pattern)
		}
		if !validSeverity(r.Severity) {
			t.Errorf("rule %s has invalid severity %s", r.ID, r.Severity)
		}
	}
}
