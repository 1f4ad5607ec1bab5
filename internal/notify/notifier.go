// Package notify delivers user notifications. A Dispatcher hands every
// notification to all registered senders (inbox store, change feed, log); a
// single sender failure does not prevent delivery to the rest.
//
// Notification delivery is advisory: callers log a returned error and carry
// on, it never aborts the business operation that triggered it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peerlend/escrow-engine/internal/model"
)

// Sender is the interface that each delivery channel must implement.
type Sender interface {
	// Send delivers one notification.
	Send(ctx context.Context, n model.Notification) error
	// Name returns a human-readable identifier for the sender (e.g. "inbox").
	Name() string
}

// Message is the caller-supplied part of a notification.
type Message struct {
	Type     string
	Title    string
	Message  string
	Priority string
}

// RoleDirectory resolves broadcast recipients.
type RoleDirectory interface {
	ListUsersByRole(ctx context.Context, roles ...model.Role) ([]string, error)
}

// Notifier is what services depend on.
type Notifier interface {
	Notify(ctx context.Context, userID string, msg Message) error
	NotifyRoles(ctx context.Context, msg Message, roles ...model.Role) error
}

// Dispatcher fans notifications out to every Sender.
type Dispatcher struct {
	senders []Sender
	roles   RoleDirectory
	now     func() time.Time
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher delivering to senders. roles may be nil
// when role broadcasts are not needed.
func NewDispatcher(roles RoleDirectory, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		roles:   roles,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default().With(slog.String("component", "notifier")),
	}
}

// Notify delivers msg to one user.
func (d *Dispatcher) Notify(ctx context.Context, userID string, msg Message) error {
	if userID == "" {
		return fmt.Errorf("notify: empty recipient")
	}
	priority := msg.Priority
	if priority == "" {
		priority = "normal"
	}
	n := model.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      msg.Type,
		Title:     msg.Title,
		Message:   msg.Message,
		Priority:  priority,
		CreatedAt: d.now(),
	}
	return d.dispatch(ctx, n)
}

// NotifyRoles delivers msg to every user holding one of roles. The role
// lookup is resolved at call time, never cached.
func (d *Dispatcher) NotifyRoles(ctx context.Context, msg Message, roles ...model.Role) error {
	if d.roles == nil {
		return fmt.Errorf("notify: no role directory configured")
	}
	ids, err := d.roles.ListUsersByRole(ctx, roles...)
	if err != nil {
		return fmt.Errorf("notify: resolve roles: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if err := d.Notify(ctx, id, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, n); err != nil {
			d.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("user_id", n.UserID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
