package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/model"
)

// RunInTx runs fn inside a READ COMMITTED transaction. Reads lock their rows
// (SELECT ... FOR UPDATE) and writes are version-checked, so a concurrent
// commit surfaces as model.ErrVersionConflict or a serialization failure,
// both of which are retried.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 0; attempt < MaxTxAttempts; attempt++ {
		var evs []feed.Event
		evs, err = s.runOnce(ctx, fn)
		if err == nil {
			s.publish(evs...)
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", MaxTxAttempts, err)
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) ([]feed.Event, error) {
	dbTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tx := &pgTx{q: dbTx}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	for _, apply := range tx.onCommit {
		apply()
	}
	return tx.events, nil
}

func retryable(err error) bool {
	if errors.Is(err, model.ErrVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// pgTx writes through to the database transaction immediately; the caller's
// document versions and the change-feed events are applied after commit.
type pgTx struct {
	q        pgx.Tx
	onCommit []func()
	events   []feed.Event
}

func (tx *pgTx) GetTicket(ctx context.Context, id string) (*model.TradeTicket, error) {
	return getDoc[model.TradeTicket](ctx, tx.q, collTickets, id, true, model.ErrNotFound)
}

func (tx *pgTx) PutTicket(ctx context.Context, t *model.TradeTicket) error {
	c := t.Clone()
	c.Version = t.Version + 1
	if err := putDoc(ctx, tx.q, docRef{collTickets, t.ID, t.UserID, t.CreatedAt}, t.Version, c); err != nil {
		return err
	}
	kind := feed.Modified
	if t.Version == 0 {
		kind = feed.Added
	}
	tx.events = append(tx.events, feed.TicketEvent(kind, c))
	tx.onCommit = append(tx.onCommit, func() { t.Version = c.Version })
	return nil
}

func (tx *pgTx) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return getDoc[model.Wallet](ctx, tx.q, collWallets, userID, true, model.ErrWalletNotFound)
}

func (tx *pgTx) PutWallet(ctx context.Context, w *model.Wallet) error {
	c := *w
	c.Version = w.Version + 1
	if err := putDoc(ctx, tx.q, docRef{collWallets, w.UserID, w.UserID, w.UpdatedAt}, w.Version, &c); err != nil {
		return err
	}
	tx.onCommit = append(tx.onCommit, func() { w.Version = c.Version })
	return nil
}

func (tx *pgTx) GetEscrowByTicket(ctx context.Context, ticketID string) (*model.EscrowTransaction, error) {
	return getEscrowByTicket(ctx, tx.q, ticketID, true)
}

func (tx *pgTx) PutEscrow(ctx context.Context, e *model.EscrowTransaction) error {
	c := e.Clone()
	c.Version = e.Version + 1
	if err := putDoc(ctx, tx.q, docRef{collEscrows, e.ID, e.InvestorID, e.CreatedAt}, e.Version, c); err != nil {
		return err
	}
	tx.onCommit = append(tx.onCommit, func() { e.Version = c.Version })
	return nil
}

func (tx *pgTx) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	return getDoc[model.Dispute](ctx, tx.q, collDisputes, id, true, model.ErrNotFound)
}

func (tx *pgTx) PutDispute(ctx context.Context, d *model.Dispute) error {
	c := d.Clone()
	c.Version = d.Version + 1
	if err := putDoc(ctx, tx.q, docRef{collDisputes, d.ID, d.UserID, d.CreatedAt}, d.Version, c); err != nil {
		return err
	}
	tx.onCommit = append(tx.onCommit, func() { d.Version = c.Version })
	return nil
}
