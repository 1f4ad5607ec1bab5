// Package tier implements the membership tier policy: per-tier borrowing and
// investing ceilings, commission and fee schedule, and the interest rate a
// ticket carries by type.
//
// The policy is a static lookup. Nothing here touches storage.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
)

// Tier names.
const (
	Basic    = "basic"
	Silver   = "silver"
	Gold     = "gold"
	Platinum = "platinum"
)

var (
	// ErrLimitExceeded is returned when a ticket amount is above the owning
	// tier's borrowing or investing ceiling.
	ErrLimitExceeded = errors.New("tier: limit exceeded")

	// ErrUnknownTier is returned for a tier name not in the policy table.
	ErrUnknownTier = errors.New("tier: unknown membership tier")
)

// Policy describes what one membership tier allows.
type Policy struct {
	Name string

	// MaxLoan caps a single Borrow ticket.
	MaxLoan decimal.Decimal

	// MaxInvestment caps a single Invest ticket.
	MaxInvestment decimal.Decimal

	// CommissionRate is the platform cut on completed trades, in percent.
	CommissionRate decimal.Decimal

	MonthlyFee    decimal.Decimal
	WithdrawalFee decimal.Decimal

	// BorrowInterest and InvestInterest are the percent rates stamped on new
	// tickets of each type.
	BorrowInterest decimal.Decimal
	InvestInterest decimal.Decimal
}

var policies = map[string]Policy{
	Basic: {
		Name:           Basic,
		MaxLoan:        decimal.NewFromInt(500),
		MaxInvestment:  decimal.NewFromInt(1000),
		CommissionRate: decimal.NewFromInt(5),
		MonthlyFee:     decimal.Zero,
		WithdrawalFee:  decimal.NewFromInt(50),
		BorrowInterest: decimal.NewFromInt(25),
		InvestInterest: decimal.NewFromInt(20),
	},
	Silver: {
		Name:           Silver,
		MaxLoan:        decimal.NewFromInt(2000),
		MaxInvestment:  decimal.NewFromInt(5000),
		CommissionRate: decimal.NewFromInt(4),
		MonthlyFee:     decimal.NewFromInt(1000),
		WithdrawalFee:  decimal.NewFromInt(25),
		BorrowInterest: decimal.NewFromInt(25),
		InvestInterest: decimal.NewFromInt(20),
	},
	Gold: {
		Name:           Gold,
		MaxLoan:        decimal.NewFromInt(10000),
		MaxInvestment:  decimal.NewFromInt(25000),
		CommissionRate: decimal.NewFromInt(3),
		MonthlyFee:     decimal.NewFromInt(2500),
		WithdrawalFee:  decimal.NewFromInt(10),
		BorrowInterest: decimal.NewFromInt(25),
		InvestInterest: decimal.NewFromInt(20),
	},
	Platinum: {
		Name:           Platinum,
		MaxLoan:        decimal.NewFromInt(50000),
		MaxInvestment:  decimal.NewFromInt(100000),
		CommissionRate: decimal.NewFromInt(2),
		MonthlyFee:     decimal.NewFromInt(5000),
		WithdrawalFee:  decimal.Zero,
		BorrowInterest: decimal.NewFromInt(25),
		InvestInterest: decimal.NewFromInt(20),
	},
}

// Lookup returns the policy for a tier name (case-insensitive).
func Lookup(name string) (Policy, error) {
	p, ok := policies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return p, nil
}

// Names returns every tier name in ascending order of loan ceiling.
func Names() []string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return policies[names[i]].MaxLoan.LessThan(policies[names[j]].MaxLoan)
	})
	return names
}

// LimitFor returns the ceiling that applies to a ticket of type t.
func (p Policy) LimitFor(t model.TicketType) decimal.Decimal {
	if t == model.TicketBorrow {
		return p.MaxLoan
	}
	return p.MaxInvestment
}

// InterestFor returns the percent rate a new ticket of type t carries.
func (p Policy) InterestFor(t model.TicketType) decimal.Decimal {
	if t == model.TicketBorrow {
		return p.BorrowInterest
	}
	return p.InvestInterest
}

// Commission returns the platform commission owed on amount.
func (p Policy) Commission(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.CommissionRate).Div(decimal.NewFromInt(100)).Round(2)
}

// CheckAmount validates a ticket amount against the tier ceiling.
// Amounts equal to the ceiling are allowed.
func (p Policy) CheckAmount(t model.TicketType, amount decimal.Decimal) error {
	limit := p.LimitFor(t)
	if amount.GreaterThan(limit) {
		return &LimitError{Tier: p.Name, Type: t, Limit: limit}
	}
	return nil
}

// LimitError carries the user-facing tier ceiling message. It matches both
// ErrLimitExceeded and model.ErrValidation.
type LimitError struct {
	Tier  string
	Type  model.TicketType
	Limit decimal.Decimal
}

func (e *LimitError) Error() string {
	verb := "investing"
	if e.Type == model.TicketBorrow {
		verb = "borrowing"
	}
	return fmt.Sprintf("Your %s tier only allows %s up to %s", e.Tier, verb, e.Limit.String())
}

func (e *LimitError) Unwrap() []error {
	return []error{ErrLimitExceeded, model.ErrValidation}
}

// UserMessage is the message shown to the ticket owner.
func (e *LimitError) UserMessage() string { return e.Error() }
