// Package dispute implements the dispute lifecycle for escrowed trades:
// filing, evidence and comment intake, and privileged status transitions
// ending in a write-once resolution that settles the ticket pair.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/metrics"
	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/notify"
	"github.com/peerlend/escrow-engine/internal/store"
)

// RoleResolver reports a user's platform role.
type RoleResolver interface {
	GetUserRole(ctx context.Context, userID string) (model.Role, error)
}

// Config tunes dispute triage.
type Config struct {
	// HighValueThreshold marks disputes over escrowed amounts at or above it
	// as high priority. Amounts at or above a tenth of it are medium.
	HighValueThreshold decimal.Decimal
}

// DefaultConfig returns the production triage policy.
func DefaultConfig() Config {
	return Config{HighValueThreshold: decimal.NewFromInt(10000)}
}

// Service owns disputes.
type Service struct {
	store    store.Store
	roles    RoleResolver
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(st store.Store, roles RoleResolver, notifier notify.Notifier, cfg Config) *Service {
	return &Service{
		store:    st,
		roles:    roles,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// next is the linear review path. Rejected is reachable from any
// non-terminal status and is handled separately.
var next = map[model.DisputeStatus]model.DisputeStatus{
	model.DisputeOpen:        model.DisputeEvidence,
	model.DisputeEvidence:    model.DisputeUnderReview,
	model.DisputeUnderReview: model.DisputeArbitration,
	model.DisputeArbitration: model.DisputeResolved,
}

// CanTransition reports whether a dispute may move from one status to another.
func CanTransition(from, to model.DisputeStatus) bool {
	if from.Terminal() {
		return false
	}
	return to == model.DisputeRejected || next[from] == to
}

func (s *Service) priority(amount decimal.Decimal) (model.DisputePriority, []string) {
	switch {
	case amount.GreaterThanOrEqual(s.cfg.HighValueThreshold):
		return model.PriorityHigh, []string{model.FlagHighValue}
	case amount.GreaterThanOrEqual(s.cfg.HighValueThreshold.Div(decimal.NewFromInt(10))):
		return model.PriorityMedium, nil
	}
	return model.PriorityLow, nil
}

// CreateDispute files a dispute against an escrowed ticket. Both tickets of
// the pair move to Disputed in the same transaction.
func (s *Service) CreateDispute(ctx context.Context, ticketID, filerID, reason, description string) (*model.Dispute, error) {
	if filerID == "" {
		return nil, model.Errorf(model.ErrValidation, "user id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, model.Errorf(model.ErrValidation, "reason is required")
	}

	var d *model.Dispute
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.Status != model.TicketEscrow {
			return model.Errorf(model.ErrInvalidState, "Only tickets in escrow can be disputed")
		}
		m, err := tx.GetTicket(ctx, t.MatchedTicketID)
		if err != nil {
			return err
		}

		var counterparty string
		switch filerID {
		case t.UserID:
			counterparty = m.UserID
		case m.UserID:
			counterparty = t.UserID
		default:
			return model.Errorf(model.ErrForbidden, "only a party to the trade can open a dispute")
		}

		now := s.now()
		amount := t.Amount
		if t.EscrowAmount != nil {
			amount = *t.EscrowAmount
		}
		prio, flags := s.priority(amount)

		d = &model.Dispute{
			ID:             uuid.New().String(),
			TicketID:       t.ID,
			UserID:         filerID,
			CounterpartyID: counterparty,
			Reason:         reason,
			Description:    description,
			Status:         model.DisputeOpen,
			Evidence:       []model.Evidence{},
			Comments:       []model.Comment{},
			Timeline: []model.TimelineEntry{{
				Status:    model.DisputeOpen,
				Message:   "Dispute opened: " + reason,
				ActorID:   filerID,
				Timestamp: now,
			}},
			Priority:  prio,
			Flags:     flags,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.PutDispute(ctx, d); err != nil {
			return err
		}
		for _, tk := range []*model.TradeTicket{t, m} {
			tk.Status = model.TicketDisputed
			tk.UpdatedAt = now
			if err := tx.PutTicket(ctx, tk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputeTransitions.WithLabelValues(string(model.DisputeOpen)).Inc()
	slog.Info("dispute opened", "dispute_id", d.ID, "ticket_id", ticketID, "user_id", filerID, "priority", d.Priority)

	msg := notify.Message{
		Type:     "dispute_created",
		Title:    "Dispute opened",
		Message:  fmt.Sprintf("Dispute %s was opened on ticket %s: %s", d.ID, ticketID, reason),
		Priority: string(d.Priority),
	}
	s.notifyUser(ctx, filerID, msg)
	if err := s.notifier.NotifyRoles(ctx, msg, model.RoleAdmin, model.RoleSupport); err != nil {
		slog.Warn("admin dispute notification failed", "dispute_id", d.ID, "err", err)
	}
	return d, nil
}

// EvidenceInput is the caller-supplied part of an evidence item.
type EvidenceInput struct {
	Type        model.EvidenceType `json:"type"`
	Content     string             `json:"content"`
	Description string             `json:"description"`
}

// SubmitEvidence appends an evidence item. It does not change the status.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, submitterID string, in EvidenceInput) (*model.Evidence, error) {
	if !in.Type.Valid() {
		return nil, model.Errorf(model.ErrValidation, "evidence type must be text, image, document or video")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, model.Errorf(model.ErrValidation, "evidence content is required")
	}
	role, err := s.role(ctx, submitterID)
	if err != nil {
		return nil, err
	}

	var ev model.Evidence
	err = s.mutate(ctx, disputeID, func(d *model.Dispute) error {
		if !d.IsParty(submitterID) && !role.Privileged() {
			return model.Errorf(model.ErrForbidden, "only dispute parties can submit evidence")
		}
		ev = model.Evidence{
			ID:          uuid.New().String(),
			Type:        in.Type,
			SubmittedBy: submitterID,
			Content:     in.Content,
			Description: in.Description,
			Timestamp:   s.now(),
		}
		d.Evidence = append(d.Evidence, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// AddComment appends a comment. The author's role is resolved here rather
// than trusted from the caller. Only privileged roles may post private
// comments.
func (s *Service) AddComment(ctx context.Context, disputeID, userID, message string, private bool) (*model.Comment, error) {
	if strings.TrimSpace(message) == "" {
		return nil, model.Errorf(model.ErrValidation, "message is required")
	}
	role, err := s.role(ctx, userID)
	if err != nil {
		return nil, err
	}
	if private && !role.Privileged() {
		return nil, model.Errorf(model.ErrForbidden, "only admins and arbitrators can post private comments")
	}

	var c model.Comment
	err = s.mutate(ctx, disputeID, func(d *model.Dispute) error {
		if !d.IsParty(userID) && role == model.RoleUser {
			return model.Errorf(model.ErrForbidden, "only dispute parties can comment")
		}
		c = model.Comment{
			ID:        uuid.New().String(),
			UserID:    userID,
			Role:      role,
			Message:   message,
			Private:   private,
			Timestamp: s.now(),
		}
		d.Comments = append(d.Comments, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// mutate applies fn to an open dispute inside a transaction.
func (s *Service) mutate(ctx context.Context, disputeID string, fn func(d *model.Dispute) error) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			return model.Errorf(model.ErrInvalidState, "dispute is %s and no longer accepts submissions", d.Status)
		}
		if err := fn(d); err != nil {
			return err
		}
		d.UpdatedAt = s.now()
		return tx.PutDispute(ctx, d)
	})
}

// StatusUpdate is a privileged status transition request.
type StatusUpdate struct {
	Status   model.DisputeStatus `json:"status"`
	Note     string              `json:"note"`
	Decision string              `json:"decision"` // required for Resolved
	Reason   string              `json:"reason"`
}

// UpdateStatus moves a dispute along its lifecycle. Terminal statuses write
// the resolution once and settle the ticket pair and escrow: Resolved
// completes both tickets and releases the escrow, Rejected cancels both and
// refunds the held amount to the investor's wallet.
func (s *Service) UpdateStatus(ctx context.Context, disputeID, actorID string, up StatusUpdate) (*model.Dispute, error) {
	role, err := s.role(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !role.Privileged() {
		return nil, model.Errorf(model.ErrForbidden, "only admins and arbitrators can change dispute status")
	}
	if !up.Status.Valid() {
		return nil, model.Errorf(model.ErrValidation, "unknown dispute status %q", up.Status)
	}

	var d *model.Dispute
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d, err = tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() || d.Resolution != nil {
			return model.Errorf(model.ErrAlreadyResolved, "dispute is already %s", d.Status)
		}
		if !CanTransition(d.Status, up.Status) {
			return model.Errorf(model.ErrInvalidState, "dispute cannot move from %s to %s", d.Status, up.Status)
		}

		now := s.now()
		if up.Status.Terminal() {
			res, err := resolution(d, up, actorID, now)
			if err != nil {
				return err
			}
			if err := s.settle(ctx, tx, d, up.Status, now); err != nil {
				return err
			}
			d.Resolution = res
		}

		msg := up.Note
		if msg == "" {
			msg = fmt.Sprintf("Status changed to %s", up.Status)
		}
		d.Status = up.Status
		d.Timeline = append(d.Timeline, model.TimelineEntry{
			Status:    up.Status,
			Message:   msg,
			ActorID:   actorID,
			Timestamp: now,
		})
		d.UpdatedAt = now
		return tx.PutDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputeTransitions.WithLabelValues(string(d.Status)).Inc()
	slog.Info("dispute status changed", "dispute_id", d.ID, "status", d.Status, "actor_id", actorID)

	s.notifyUser(ctx, d.UserID, notify.Message{
		Type:     "dispute_updated",
		Title:    "Dispute updated",
		Message:  fmt.Sprintf("Your dispute %s is now %s", d.ID, d.Status),
		Priority: string(d.Priority),
	})
	return s.visible(d, role), nil
}

func resolution(d *model.Dispute, up StatusUpdate, actorID string, now time.Time) (*model.Resolution, error) {
	res := &model.Resolution{
		Decision:   up.Decision,
		Reason:     up.Reason,
		ResolvedBy: actorID,
		ResolvedAt: now,
	}
	if up.Status == model.DisputeRejected {
		res.Decision = model.DecisionRejected
	} else {
		switch up.Decision {
		case model.DecisionFiler:
			res.FavoredUserID = d.UserID
		case model.DecisionCounterparty:
			res.FavoredUserID = d.CounterpartyID
		case model.DecisionPartial:
		default:
			return nil, model.Errorf(model.ErrValidation, "decision must be filer, counterparty or partial")
		}
	}
	if strings.TrimSpace(res.Reason) == "" {
		return nil, model.Errorf(model.ErrValidation, "a resolution reason is required")
	}
	return res, nil
}

// settle cascades a terminal dispute status onto the ticket pair and escrow.
func (s *Service) settle(ctx context.Context, tx store.Tx, d *model.Dispute, status model.DisputeStatus, now time.Time) error {
	t, err := tx.GetTicket(ctx, d.TicketID)
	if err != nil {
		return err
	}
	m, err := tx.GetTicket(ctx, t.MatchedTicketID)
	if err != nil {
		return err
	}
	e, err := tx.GetEscrowByTicket(ctx, t.ID)
	if err != nil {
		return err
	}

	target, escrowStatus := model.TicketCompleted, model.EscrowReleased
	if status == model.DisputeRejected {
		target, escrowStatus = model.TicketCancelled, model.EscrowRefunded
	}

	for _, tk := range []*model.TradeTicket{t, m} {
		if !model.CanTransition(tk.Status, target) {
			return model.Errorf(model.ErrInvalidState, "ticket %s is %s and cannot become %s", tk.ID, tk.Status, target)
		}
		tk.Status = target
		tk.UpdatedAt = now
		if err := tx.PutTicket(ctx, tk); err != nil {
			return err
		}
	}

	if e.Status != model.EscrowPending {
		return model.Errorf(model.ErrInvalidState, "escrow %s is already %s", e.ID, e.Status)
	}
	if escrowStatus == model.EscrowRefunded {
		w, err := tx.GetWallet(ctx, e.InvestorID)
		if err != nil {
			return err
		}
		w.Balance = w.Balance.Add(e.HeldAmount)
		w.UpdatedAt = now
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}
	}
	e.Status = escrowStatus
	e.ReleasedAt = &now
	return tx.PutEscrow(ctx, e)
}

// GetDispute returns a dispute as seen by viewerID. Private comments are
// withheld from non-privileged viewers.
func (s *Service) GetDispute(ctx context.Context, disputeID, viewerID string) (*model.Dispute, error) {
	role, err := s.role(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(viewerID) && role == model.RoleUser {
		return nil, model.Errorf(model.ErrForbidden, "not a party to this dispute")
	}
	return s.visible(d, role), nil
}

// ListDisputes returns a ticket's disputes visible to viewerID.
func (s *Service) ListDisputes(ctx context.Context, ticketID, viewerID string) ([]model.Dispute, error) {
	role, err := s.role(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListDisputesByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Dispute, 0, len(all))
	for i := range all {
		if !all[i].IsParty(viewerID) && role == model.RoleUser {
			continue
		}
		out = append(out, *s.visible(&all[i], role))
	}
	return out, nil
}

// visible filters private comments for non-privileged roles.
func (s *Service) visible(d *model.Dispute, role model.Role) *model.Dispute {
	if role.Privileged() {
		return d
	}
	c := d.Clone()
	c.Comments = make([]model.Comment, 0, len(d.Comments))
	for _, cm := range d.Comments {
		if !cm.Private {
			c.Comments = append(c.Comments, cm)
		}
	}
	return c
}

func (s *Service) role(ctx context.Context, userID string) (model.Role, error) {
	if userID == "" {
		return "", model.Errorf(model.ErrValidation, "user id is required")
	}
	r, err := s.roles.GetUserRole(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve role for %s: %w", userID, err)
	}
	return r, nil
}

func (s *Service) notifyUser(ctx context.Context, userID string, msg notify.Message) {
	if err := s.notifier.Notify(ctx, userID, msg); err != nil {
		slog.Warn("dispute notification failed", "user_id", userID, "type", msg.Type, "err", err)
	}
}
