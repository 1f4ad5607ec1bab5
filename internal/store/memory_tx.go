package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/model"
)

// RunInTx runs fn against a fresh optimistic transaction, retrying on
// model.ErrVersionConflict up to MaxTxAttempts times.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 0; attempt < MaxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := newMemTx(s)
		if err = fn(ctx, tx); err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				continue
			}
			return err
		}
		if err = tx.commit(); err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", MaxTxAttempts, err)
}

// memTx buffers writes and the versions of everything it read. Version 0
// records that a document was observed absent.
type memTx struct {
	s     *MemoryStore
	reads map[string]int64

	tickets  map[string]txWrite[model.TradeTicket]
	wallets  map[string]txWrite[model.Wallet]
	escrows  map[string]txWrite[model.EscrowTransaction]
	disputes map[string]txWrite[model.Dispute]
}

// txWrite keeps the caller's pointer so its Version can be advanced once
// the commit lands.
type txWrite[T any] struct {
	orig *T
	doc  *T
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:        s,
		reads:    make(map[string]int64),
		tickets:  make(map[string]txWrite[model.TradeTicket]),
		wallets:  make(map[string]txWrite[model.Wallet]),
		escrows:  make(map[string]txWrite[model.EscrowTransaction]),
		disputes: make(map[string]txWrite[model.Dispute]),
	}
}

func (tx *memTx) observe(key string, version int64) {
	if _, ok := tx.reads[key]; !ok {
		tx.reads[key] = version
	}
}

func (tx *memTx) GetTicket(_ context.Context, id string) (*model.TradeTicket, error) {
	if w, ok := tx.tickets[id]; ok {
		return w.doc.Clone(), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	t, ok := tx.s.tickets[id]
	if !ok {
		tx.observe("tickets/"+id, 0)
		return nil, fmt.Errorf("ticket %s: %w", id, model.ErrNotFound)
	}
	tx.observe("tickets/"+id, t.Version)
	return t.Clone(), nil
}

func (tx *memTx) PutTicket(_ context.Context, t *model.TradeTicket) error {
	tx.tickets[t.ID] = txWrite[model.TradeTicket]{orig: t, doc: t.Clone()}
	return nil
}

func (tx *memTx) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	if w, ok := tx.wallets[userID]; ok {
		c := *w.doc
		return &c, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	w, ok := tx.s.wallets[userID]
	if !ok {
		tx.observe("wallets/"+userID, 0)
		return nil, fmt.Errorf("wallet %s: %w", userID, model.ErrWalletNotFound)
	}
	tx.observe("wallets/"+userID, w.Version)
	c := *w
	return &c, nil
}

func (tx *memTx) PutWallet(_ context.Context, w *model.Wallet) error {
	c := *w
	tx.wallets[w.UserID] = txWrite[model.Wallet]{orig: w, doc: &c}
	return nil
}

func (tx *memTx) GetEscrowByTicket(_ context.Context, ticketID string) (*model.EscrowTransaction, error) {
	for _, w := range tx.escrows {
		if w.doc.Covers(ticketID) {
			return w.doc.Clone(), nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	id, ok := tx.s.escrowTicket[ticketID]
	if !ok {
		tx.observe("escrow-ticket/"+ticketID, 0)
		return nil, fmt.Errorf("escrow for ticket %s: %w", ticketID, model.ErrNotFound)
	}
	e := tx.s.escrows[id]
	tx.observe("escrow-ticket/"+ticketID, e.Version)
	tx.observe("escrows/"+id, e.Version)
	return e.Clone(), nil
}

func (tx *memTx) PutEscrow(_ context.Context, e *model.EscrowTransaction) error {
	tx.escrows[e.ID] = txWrite[model.EscrowTransaction]{orig: e, doc: e.Clone()}
	return nil
}

func (tx *memTx) GetDispute(_ context.Context, id string) (*model.Dispute, error) {
	if w, ok := tx.disputes[id]; ok {
		return w.doc.Clone(), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	d, ok := tx.s.disputes[id]
	if !ok {
		tx.observe("disputes/"+id, 0)
		return nil, fmt.Errorf("dispute %s: %w", id, model.ErrNotFound)
	}
	tx.observe("disputes/"+id, d.Version)
	return d.Clone(), nil
}

func (tx *memTx) PutDispute(_ context.Context, d *model.Dispute) error {
	tx.disputes[d.ID] = txWrite[model.Dispute]{orig: d, doc: d.Clone()}
	return nil
}

// currentVersionLocked returns the committed version behind a read key.
// Caller holds s.mu.
func (s *MemoryStore) currentVersionLocked(key string) int64 {
	coll, id, _ := strings.Cut(key, "/")
	switch coll {
	case "tickets":
		if t, ok := s.tickets[id]; ok {
			return t.Version
		}
	case "wallets":
		if w, ok := s.wallets[id]; ok {
			return w.Version
		}
	case "escrows":
		if e, ok := s.escrows[id]; ok {
			return e.Version
		}
	case "escrow-ticket":
		if eid, ok := s.escrowTicket[id]; ok {
			return s.escrows[eid].Version
		}
	case "disputes":
		if d, ok := s.disputes[id]; ok {
			return d.Version
		}
	}
	return 0
}

func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()

	for key, v := range tx.reads {
		if s.currentVersionLocked(key) != v {
			s.mu.Unlock()
			return fmt.Errorf("%s changed concurrently: %w", key, model.ErrVersionConflict)
		}
	}
	for id, w := range tx.tickets {
		if s.currentVersionLocked("tickets/"+id) != w.doc.Version {
			s.mu.Unlock()
			return fmt.Errorf("ticket %s: %w", id, model.ErrVersionConflict)
		}
	}
	for id, w := range tx.wallets {
		if s.currentVersionLocked("wallets/"+id) != w.doc.Version {
			s.mu.Unlock()
			return fmt.Errorf("wallet %s: %w", id, model.ErrVersionConflict)
		}
	}
	for id, w := range tx.escrows {
		if s.currentVersionLocked("escrows/"+id) != w.doc.Version {
			s.mu.Unlock()
			return fmt.Errorf("escrow %s: %w", id, model.ErrVersionConflict)
		}
		for _, tid := range []string{w.doc.TicketID, w.doc.MatchedTicketID} {
			if eid, ok := s.escrowTicket[tid]; ok && eid != id {
				s.mu.Unlock()
				return fmt.Errorf("ticket %s already escrowed: %w", tid, model.ErrVersionConflict)
			}
		}
	}
	for id, w := range tx.disputes {
		if s.currentVersionLocked("disputes/"+id) != w.doc.Version {
			s.mu.Unlock()
			return fmt.Errorf("dispute %s: %w", id, model.ErrVersionConflict)
		}
	}

	var evs []feed.Event
	for id, w := range tx.tickets {
		kind := feed.Modified
		if w.doc.Version == 0 {
			kind = feed.Added
		}
		w.doc.Version++
		w.orig.Version = w.doc.Version
		s.tickets[id] = w.doc
		evs = append(evs, feed.TicketEvent(kind, w.doc))
	}
	for id, w := range tx.wallets {
		w.doc.Version++
		w.orig.Version = w.doc.Version
		s.wallets[id] = w.doc
	}
	for id, w := range tx.escrows {
		w.doc.Version++
		w.orig.Version = w.doc.Version
		s.escrows[id] = w.doc
		s.escrowTicket[w.doc.TicketID] = id
		s.escrowTicket[w.doc.MatchedTicketID] = id
	}
	for id, w := range tx.disputes {
		w.doc.Version++
		w.orig.Version = w.doc.Version
		s.disputes[id] = w.doc
	}
	s.mu.Unlock()

	s.publish(evs)
	return nil
}
