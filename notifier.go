package chatsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Notification describes an incoming message worth surfacing to the user.
type Notification struct {
	ConversationID string
	Title          string
	SenderID       string
	Preview        string
	Timestamp      time.Time
	UnreadCount    int
}

// Notifier delivers local notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) {
	l.Logger.Info().
		Str("conversation_id", n.ConversationID).
		Str("title", n.Title).
		Str("sender_id", n.SenderID).
		Str("preview", n.Preview).
		Int("unread", n.UnreadCount).
		Msg("new message")
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}
