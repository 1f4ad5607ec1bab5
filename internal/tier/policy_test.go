package tier

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckAmount_AtCapAllowed(t *testing.T) {
	p, err := Lookup(Basic)
	if err != nil {
		t.Fatalf("lookup basic: %v", err)
	}
	if err := p.CheckAmount(model.TicketBorrow, d(500)); err != nil {
		t.Errorf("amount at cap should pass, got %v", err)
	}
}

func TestCheckAmount_EveryTierGate(t *testing.T) {
	for _, name := range Names() {
		p, _ := Lookup(name)
		for _, typ := range []model.TicketType{model.TicketBorrow, model.TicketInvest} {
			limit := p.LimitFor(typ)

			if err := p.CheckAmount(typ, limit); err != nil {
				t.Errorf("%s/%s: amount == limit rejected: %v", name, typ, err)
			}
			if err := p.CheckAmount(typ, limit.Sub(d(0.01))); err != nil {
				t.Errorf("%s/%s: amount < limit rejected: %v", name, typ, err)
			}

			err := p.CheckAmount(typ, limit.Add(d(0.01)))
			if !errors.Is(err, ErrLimitExceeded) {
				t.Errorf("%s/%s: expected ErrLimitExceeded, got %v", name, typ, err)
			}
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("%s/%s: limit error should classify as validation", name, typ)
			}
		}
	}
}

func TestLimitError_Message(t *testing.T) {
	p, _ := Lookup("Basic")

	err := p.CheckAmount(model.TicketBorrow, d(501))
	want := "Your basic tier only allows borrowing up to 500"
	if err == nil || err.Error() != want {
		t.Errorf("got %v, want %q", err, want)
	}

	err = p.CheckAmount(model.TicketInvest, d(1001))
	want = "Your basic tier only allows investing up to 1000"
	if err == nil || err.Error() != want {
		t.Errorf("got %v, want %q", err, want)
	}
}

func TestInterestFor(t *testing.T) {
	for _, name := range Names() {
		p, _ := Lookup(name)
		if !p.InterestFor(model.TicketBorrow).Equal(d(25)) {
			t.Errorf("%s borrow interest = %s, want 25", name, p.InterestFor(model.TicketBorrow))
		}
		if !p.InterestFor(model.TicketInvest).Equal(d(20)) {
			t.Errorf("%s invest interest = %s, want 20", name, p.InterestFor(model.TicketInvest))
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := Lookup("diamond"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestNames_OrderedByLoanCeiling(t *testing.T) {
	names := Names()
	want := []string{Basic, Silver, Gold, Platinum}
	if len(names) != len(want) {
		t.Fatalf("got %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestCommission(t *testing.T) {
	p, _ := Lookup(Gold)
	if got := p.Commission(d(1000)); !got.Equal(d(30)) {
		t.Errorf("gold commission on 1000 = %s, want 30", got)
	}
}
