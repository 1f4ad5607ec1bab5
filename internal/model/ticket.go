// Package model defines the core domain types shared across the escrow engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketType is the side of a trade ticket.
type TicketType string

const (
	TicketBorrow TicketType = "borrow"
	TicketInvest TicketType = "invest"
)

// Valid reports whether t is a known ticket type.
func (t TicketType) Valid() bool {
	return t == TicketBorrow || t == TicketInvest
}

// Opposite returns the type a ticket of type t is matched against.
func (t TicketType) Opposite() TicketType {
	if t == TicketBorrow {
		return TicketInvest
	}
	return TicketBorrow
}

// TicketStatus is a state of the ticket state machine.
type TicketStatus string

const (
	TicketOpen      TicketStatus = "open"
	TicketMatched   TicketStatus = "matched"
	TicketEscrow    TicketStatus = "escrow"
	TicketCompleted TicketStatus = "completed"
	TicketDisputed  TicketStatus = "disputed"
	TicketCancelled TicketStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketCancelled
}

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketOpen:     {TicketMatched, TicketEscrow, TicketCancelled},
	TicketMatched:  {TicketEscrow},
	TicketEscrow:   {TicketCompleted, TicketDisputed},
	TicketDisputed: {TicketCompleted, TicketCancelled},
}

// CanTransition reports whether a ticket may move from one status to another.
func CanTransition(from, to TicketStatus) bool {
	for _, next := range ticketTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TradeTicket is a single-sided borrow or invest offer.
// Tickets are never deleted; terminal tickets are kept for audit and monitoring.
type TradeTicket struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Type            TicketType       `json:"type"`
	Amount          decimal.Decimal  `json:"amount"`
	Interest        decimal.Decimal  `json:"interest"` // percent
	Status          TicketStatus     `json:"status"`
	Description     string           `json:"description,omitempty"`
	MembershipTier  string           `json:"membership_tier"`
	MatchedTicketID string           `json:"matched_ticket_id,omitempty"`
	EscrowAmount    *decimal.Decimal `json:"escrow_amount,omitempty"` // amount + amount*interest/100
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	MaturityDate    *time.Time       `json:"maturity_date,omitempty"`
	Version         int64            `json:"version"`
}

// Clone returns a deep copy of the ticket.
func (t *TradeTicket) Clone() *TradeTicket {
	c := *t
	if t.EscrowAmount != nil {
		v := *t.EscrowAmount
		c.EscrowAmount = &v
	}
	if t.MaturityDate != nil {
		v := *t.MaturityDate
		c.MaturityDate = &v
	}
	return &c
}

// EscrowAmountFor computes principal plus interest for the given percent rate.
func EscrowAmountFor(amount, interestPct decimal.Decimal) decimal.Decimal {
	return amount.Add(amount.Mul(interestPct).Div(decimal.NewFromInt(100)))
}

// TicketFilter narrows ticket listings. Zero values match everything.
type TicketFilter struct {
	UserID string
	Status TicketStatus
	Type   TicketType
	Limit  int
}
