package notify

import (
	"context"
	"log/slog"

	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/model"
)

// Inbox is the persistence a StoreSender writes to.
type Inbox interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// StoreSender persists notifications into the user's inbox.
type StoreSender struct {
	inbox Inbox
}

func NewStoreSender(inbox Inbox) *StoreSender { return &StoreSender{inbox: inbox} }

func (s *StoreSender) Name() string { return "inbox" }

func (s *StoreSender) Send(ctx context.Context, n model.Notification) error {
	return s.inbox.InsertNotification(ctx, &n)
}

// FeedSender pushes notifications onto the change feed so connected
// WebSocket clients see them immediately.
type FeedSender struct {
	pub feed.Publisher
}

func NewFeedSender(pub feed.Publisher) *FeedSender { return &FeedSender{pub: pub} }

func (s *FeedSender) Name() string { return "feed" }

func (s *FeedSender) Send(_ context.Context, n model.Notification) error {
	s.pub.Publish(feed.NotificationEvent(&n))
	return nil
}

// LogSender writes notifications to the structured log.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Send(ctx context.Context, n model.Notification) error {
	slog.InfoContext(ctx, "notification",
		"user_id", n.UserID, "type", n.Type, "title", n.Title, "priority", n.Priority)
	return nil
}
