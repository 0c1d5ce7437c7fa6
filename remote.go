package chatsync

import (
	"context"
	"time"
)

// Subscription is a live change-feed registration.
type Subscription interface {
	Stop()
}

// MessageFeedHandler receives each snapshot of a message feed. When the feed
// terminates it is called once more with a non-nil err and an empty batch.
type MessageFeedHandler func(batch MessageBatch, err error)

// ConversationFeedHandler is the conversation-scope counterpart of MessageFeedHandler.
type ConversationFeedHandler func(batch ConversationBatch, err error)

// MessageFeed subscribes to the messages of one conversation, ascending by timestamp.
type MessageFeed interface {
	SubscribeMessages(ctx context.Context, conversationID string, h MessageFeedHandler) (Subscription, error)
}

// ConversationFeed subscribes to every conversation that lists userID as a participant.
type ConversationFeed interface {
	SubscribeConversations(ctx context.Context, userID string, h ConversationFeedHandler) (Subscription, error)
}

// MessageWriter performs an idempotent merge-upsert of the authored fields of
// a message at its stable id.
type MessageWriter interface {
	UpsertMessage(ctx context.Context, m RemoteMessage) error
}

// MessageFetcher returns the most recent limit messages of a conversation, ascending.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error)
}

// ReadMarker records read receipts and clears the user's unread count.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) error
}

// UserDirectory resolves display names.
type UserDirectory interface {
	LookupUserName(ctx context.Context, userID string) (string, error)
}

// Remote is the full remote document backend.
type Remote interface {
	MessageFeed
	ConversationFeed
	MessageWriter
	MessageFetcher
	ReadMarker
	UserDirectory
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Stop() { f() }
