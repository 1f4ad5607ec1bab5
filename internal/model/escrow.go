package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the lifecycle state of an escrow transaction.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// EscrowTransaction holds the funds of one matched ticket pair.
// Amount is the principal, not the with-interest amount held on the tickets.
type EscrowTransaction struct {
	ID              string          `json:"id"`
	TicketID        string          `json:"ticket_id"`
	MatchedTicketID string          `json:"matched_ticket_id"`
	InvestorID      string          `json:"investor_id"`
	BorrowerID      string          `json:"borrower_id"`
	Amount          decimal.Decimal `json:"amount"`
	Interest        decimal.Decimal `json:"interest"`
	HeldAmount      decimal.Decimal `json:"held_amount"` // debited from the investor wallet
	Status          EscrowStatus    `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
	Version         int64           `json:"version"`
}

// Clone returns a deep copy of the escrow transaction.
func (e *EscrowTransaction) Clone() *EscrowTransaction {
	c := *e
	if e.ReleasedAt != nil {
		v := *e.ReleasedAt
		c.ReleasedAt = &v
	}
	return &c
}

// Covers reports whether the escrow belongs to the given ticket (either side).
func (e *EscrowTransaction) Covers(ticketID string) bool {
	return e.TicketID == ticketID || e.MatchedTicketID == ticketID
}

// Wallet is a user's spendable balance.
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updated_at"`
	Version   int64           `json:"version"`
}
