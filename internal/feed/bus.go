// Package feed is the change feed of the escrow engine. Stores publish every
// committed ticket and alert write; subscribers (monitoring, the WebSocket hub)
// react to each change exactly once.
package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerlend/escrow-engine/internal/model"
)

// Kind is the type of document change.
type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
)

// Collections carried on the feed.
const (
	CollectionTickets       = "tickets"
	CollectionAlerts        = "alerts"
	CollectionNotifications = "notifications"
)

// Event is one committed change. Exactly one of the document pointers is set,
// matching Collection. Documents are copies owned by the event.
type Event struct {
	Seq          uint64                  `json:"seq"`
	Kind         Kind                    `json:"kind"`
	Collection   string                  `json:"collection"`
	DocID        string                  `json:"doc_id"`
	UserID       string                  `json:"user_id"`
	At           time.Time               `json:"at"`
	Ticket       *model.TradeTicket      `json:"ticket,omitempty"`
	Alert        *model.TransactionAlert `json:"alert,omitempty"`
	Notification *model.Notification     `json:"notification,omitempty"`
}

// TicketEvent builds an event for a committed ticket write.
func TicketEvent(kind Kind, t *model.TradeTicket) Event {
	return Event{Kind: kind, Collection: CollectionTickets, DocID: t.ID, UserID: t.UserID, At: t.UpdatedAt, Ticket: t.Clone()}
}

// AlertEvent builds an event for a committed alert write.
func AlertEvent(kind Kind, a *model.TransactionAlert) Event {
	return Event{Kind: kind, Collection: CollectionAlerts, DocID: a.ID, UserID: a.UserID, At: a.UpdatedAt, Alert: a.Clone()}
}

// NotificationEvent builds an event for a delivered notification.
func NotificationEvent(n *model.Notification) Event {
	c := *n
	return Event{Kind: Added, Collection: CollectionNotifications, DocID: n.ID, UserID: n.UserID, At: n.CreatedAt, Notification: &c}
}

// Publisher accepts committed changes. Publish must not block on subscribers.
type Publisher interface {
	Publish(ev Event)
}

// Predicate selects the events a subscriber receives.
type Predicate func(Event) bool

// Tickets matches ticket events.
func Tickets(ev Event) bool { return ev.Collection == CollectionTickets }

// Bus is an in-process change feed with per-subscriber ordered delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64
	seq  atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Publish stamps a sequence number on ev and queues it for every matching
// subscriber. It never blocks on a slow handler.
func (b *Bus) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.pred == nil || s.pred(ev) {
			s.enqueue(ev)
		}
	}
}

// Subscribe registers handler for events matching pred (nil matches all).
// Handlers for one subscription run sequentially on a dedicated goroutine.
func (b *Bus) Subscribe(pred Predicate, handler func(Event)) *Subscription {
	b.mu.Lock()
	b.next++
	s := &Subscription{
		id:      b.next,
		bus:     b,
		pred:    pred,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.pump()
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	id      uint64
	bus     *Bus
	pred    Predicate
	handler func(Event)

	qmu   sync.Mutex
	queue []Event
	wake  chan struct{}

	// callMu is held for the duration of every handler call, so Unsubscribe
	// can wait out an in-flight callback.
	callMu  sync.Mutex
	stopped bool
	once    sync.Once
	done    chan struct{}
}

func (s *Subscription) enqueue(ev Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()

			s.callMu.Lock()
			if s.stopped {
				s.callMu.Unlock()
				return
			}
			s.handler(ev)
			s.callMu.Unlock()
		}
	}
}

// Unsubscribe detaches the subscription. Once it returns no further handler
// call starts. It waits for an in-flight call to finish, so it must not be
// called from inside the handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()

		s.callMu.Lock()
		s.stopped = true
		s.callMu.Unlock()

		close(s.done)
	})
}
