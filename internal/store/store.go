// Package store defines the persistence interfaces for the escrow engine.
// Implementations include PostgreSQL (JSONB document table, source of truth),
// in-memory (testing and development), and a Redis read-through cache for
// user profiles.
//
// Every mutable document carries a Version. Writers present the version they
// read; a stale version fails with model.ErrVersionConflict. Multi-document
// changes go through Transactor.RunInTx.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
)

// MaxTxAttempts bounds how often RunInTx re-runs a transaction function
// after a conflicting concurrent commit.
const MaxTxAttempts = 5

// Tx is the capability handed to a transaction function. Reads observe a
// consistent snapshot plus the transaction's own writes; writes become visible
// only when the function returns nil and the commit succeeds.
type Tx interface {
	GetTicket(ctx context.Context, id string) (*model.TradeTicket, error)
	PutTicket(ctx context.Context, t *model.TradeTicket) error

	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	PutWallet(ctx context.Context, w *model.Wallet) error

	GetEscrowByTicket(ctx context.Context, ticketID string) (*model.EscrowTransaction, error)
	PutEscrow(ctx context.Context, e *model.EscrowTransaction) error

	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	PutDispute(ctx context.Context, d *model.Dispute) error
}

// Transactor runs fn atomically. If fn returns an error nothing it wrote is
// applied. Conflicting commits are retried up to MaxTxAttempts times, so fn
// must be free of side effects outside the Tx.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// TicketStore persists trade tickets.
type TicketStore interface {
	// CreateTicket persists a new ticket (Version 0).
	CreateTicket(ctx context.Context, t *model.TradeTicket) error

	// GetTicket retrieves a ticket by id.
	GetTicket(ctx context.Context, id string) (*model.TradeTicket, error)

	// ListOpenTickets returns open tickets of a type and exact amount,
	// oldest first.
	ListOpenTickets(ctx context.Context, typ model.TicketType, amount decimal.Decimal) ([]model.TradeTicket, error)

	// ListUserTicketsBetween returns a user's tickets created in [from, to],
	// oldest first.
	ListUserTicketsBetween(ctx context.Context, userID string, from, to time.Time) ([]model.TradeTicket, error)

	// ListTickets returns tickets matching filter, newest first.
	ListTickets(ctx context.Context, filter model.TicketFilter) ([]model.TradeTicket, error)
}

// WalletStore is the wallet collaborator outside transactions.
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// SetBalance creates or overwrites a wallet balance.
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error
}

// EscrowStore reads escrow transactions.
type EscrowStore interface {
	GetEscrowByTicket(ctx context.Context, ticketID string) (*model.EscrowTransaction, error)
}

// DisputeStore persists disputes.
type DisputeStore interface {
	GetDispute(ctx context.Context, id string) (*model.Dispute, error)

	// UpdateDispute writes d if its Version is current.
	UpdateDispute(ctx context.Context, d *model.Dispute) error

	ListDisputesByTicket(ctx context.Context, ticketID string) ([]model.Dispute, error)
}

// RuleStore persists monitoring rules.
type RuleStore interface {
	ListRules(ctx context.Context, enabledOnly bool) ([]model.MonitoringRule, error)

	// PutRule creates (Version 0) or updates a rule.
	PutRule(ctx context.Context, r *model.MonitoringRule) error
}

// AlertStore persists transaction alerts.
type AlertStore interface {
	// CreateAlert persists a new alert. It fails with model.ErrAlreadyExists
	// if an open alert already exists for the same (UserID, RuleID).
	CreateAlert(ctx context.Context, a *model.TransactionAlert) error

	// FindOpenAlert returns the open alert for (userID, ruleID), or
	// model.ErrNotFound.
	FindOpenAlert(ctx context.Context, userID, ruleID string) (*model.TransactionAlert, error)

	GetAlert(ctx context.Context, id string) (*model.TransactionAlert, error)

	// UpdateAlert writes a if its Version is current.
	UpdateAlert(ctx context.Context, a *model.TransactionAlert) error

	// ListAlerts returns alerts matching filter, newest first.
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.TransactionAlert, error)
}

// ProfileStore persists user profiles and doubles as the role resolver.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)
	PutProfile(ctx context.Context, p *model.UserProfile) error

	// GetUserRole returns the user's role, model.RoleUser when unknown.
	GetUserRole(ctx context.Context, userID string) (model.Role, error)

	// ListUsersByRole returns the ids of users holding any of roles.
	ListUsersByRole(ctx context.Context, roles ...model.Role) ([]string, error)
}

// RateLimitStore persists admission-control records.
type RateLimitStore interface {
	// GetRateLimit returns the record for key, or model.ErrNotFound.
	GetRateLimit(ctx context.Context, key string) (*model.RateLimitRecord, error)

	// PutRateLimit creates (Version 0) or updates a record.
	PutRateLimit(ctx context.Context, r *model.RateLimitRecord) error
}

// NotificationStore is the user inbox.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}

// PaymentStore records payment gateway events for analytics.
type PaymentStore interface {
	InsertPaymentEvent(ctx context.Context, e *model.PaymentEvent) error
}

// Store is the full persistence interface.
type Store interface {
	Transactor
	TicketStore
	WalletStore
	EscrowStore
	DisputeStore
	RuleStore
	AlertStore
	ProfileStore
	RateLimitStore
	NotificationStore
	PaymentStore
}
