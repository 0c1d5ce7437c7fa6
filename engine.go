package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotSignedIn is returned by user operations before Start or after SignOut.
var ErrNotSignedIn = errors.New("chatsync: not signed in")

type engineOptions struct {
	logger          zerolog.Logger
	metrics         *Metrics
	clock           Clock
	notifier        Notifier
	onMessages      func()
	onConversations func()
	queue           []QueueOption
	reconciler      []ReconcilerOption
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) EngineOption {
	return func(o *engineOptions) { o.clock = c }
}

// WithEngineNotifier sets the notifier used for incoming messages.
func WithEngineNotifier(n Notifier) EngineOption {
	return func(o *engineOptions) { o.notifier = n }
}

// OnMessagesChanged is called, on the owner goroutine, after the messages of
// the open conversation change.
func OnMessagesChanged(fn func()) EngineOption {
	return func(o *engineOptions) { o.onMessages = fn }
}

// OnConversationsChanged is called after the conversation list changes.
func OnConversationsChanged(fn func()) EngineOption {
	return func(o *engineOptions) { o.onConversations = fn }
}

// WithQueueOptions passes options through to the DeliveryQueue.
func WithQueueOptions(opts ...QueueOption) EngineOption {
	return func(o *engineOptions) { o.queue = append(o.queue, opts...) }
}

// WithReconcilerOptions passes options through to the Reconciler.
func WithReconcilerOptions(opts ...ReconcilerOption) EngineOption {
	return func(o *engineOptions) { o.reconciler = append(o.reconciler, opts...) }
}

// Engine wires the store owner, the delivery queue, the reconciler and the
// aggregator around one local store and one remote backend.
type Engine struct {
	owner      *Owner
	store      LocalStore
	monitor    *Monitor
	queue      *DeliveryQueue
	reconciler *Reconciler
	aggregator *Aggregator
	names      *SenderNames
	clock      Clock
	logger     zerolog.Logger

	onMessages      func()
	onConversations func()

	mu     sync.Mutex
	userID string
}

// NewEngine builds an engine. The monitor is started by Start and stopped by Stop.
func NewEngine(store LocalStore, remote Remote, monitor *Monitor, opts ...EngineOption) *Engine {
	o := engineOptions{
		logger:          zerolog.Nop(),
		clock:           SystemClock,
		notifier:        nopNotifier{},
		onMessages:      func() {},
		onConversations: func() {},
	}
	for _, opt := range opts {
		opt(&o)
	}

	owner := NewOwner(o.logger)
	names := NewSenderNames(remote, o.logger)
	queue := NewDeliveryQueue(owner, store, remote, monitor, append([]QueueOption{
		WithQueueClock(o.clock),
		WithQueueLogger(o.logger),
		WithQueueMetrics(o.metrics),
	}, o.queue...)...)
	reconciler := NewReconciler(owner, store, remote, queue, monitor, append([]ReconcilerOption{
		WithSenderNames(names),
		WithReconcilerClock(o.clock),
		WithReconcilerLogger(o.logger),
		WithReconcilerMetrics(o.metrics),
	}, o.reconciler...)...)
	aggregator := NewAggregator(owner, store, remote, monitor,
		WithNotifier(o.notifier),
		WithAggregatorLogger(o.logger),
		WithAggregatorMetrics(o.metrics),
		WithParticipantsChanged(reconciler.participantsChanged),
	)

	return &Engine{
		owner:           owner,
		store:           store,
		monitor:         monitor,
		queue:           queue,
		reconciler:      reconciler,
		aggregator:      aggregator,
		names:           names,
		clock:           o.clock,
		logger:          o.logger.With().Str("component", "engine").Logger(),
		onMessages:      o.onMessages,
		onConversations: o.onConversations,
	}
}

// Start signs userID in: pending messages are scheduled, the conversation list
// is subscribed, and connectivity monitoring begins.
func (e *Engine) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotSignedIn
	}
	e.mu.Lock()
	e.userID = userID
	e.mu.Unlock()

	if err := e.queue.Start(ctx); err != nil {
		return fmt.Errorf("start delivery queue: %w", err)
	}
	if err := e.aggregator.Start(ctx, userID, e.onConversations); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}
	e.monitor.Start(ctx)
	e.logger.Info().Str("user_id", userID).Msg("engine started")
	return nil
}

func (e *Engine) currentUser() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.userID == "" {
		return "", ErrNotSignedIn
	}
	return e.userID, nil
}

// Send stores a new outgoing message and triggers delivery. The returned
// message is in the sending state.
func (e *Engine) Send(ctx context.Context, d Draft) (*Message, error) {
	uid, err := e.currentUser()
	if err != nil {
		return nil, err
	}
	if d.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(d.Content) == "" && d.Media == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: d.ConversationID,
		SenderID:       uid,
		Content:        d.Content,
		Timestamp:      e.clock.Now(),
		Status:         StatusSending,
		Media:          d.Media,
		Delivery:       &DeliveryState{},
	}
	err = e.owner.Do(ctx, func() error {
		if err := e.store.InsertMessage(m); err != nil {
			return err
		}
		if c, err := e.store.Conversation(m.ConversationID); err == nil && !m.Timestamp.Before(c.LastMessageTimestamp) {
			c.LastMessagePreview = preview(m)
			c.LastMessageTimestamp = m.Timestamp
			c.LastSenderID = uid
			if err := e.store.SaveConversations(c); err != nil {
				e.logger.Warn().Err(err).Str("conversation_id", c.ID).Msg("update conversation preview")
			}
			e.onConversations()
		}
		e.onMessages()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	e.queue.TriggerFlush()
	e.logger.Debug().Str("message_id", m.ID).Str("conversation_id", m.ConversationID).Msg("message queued")
	return m.Clone(), nil
}

func preview(m *Message) string {
	if m.Content == "" && m.Media != nil {
		return "[" + m.Media.Type + "]"
	}
	return m.Content
}

// Retry restarts automatic delivery of a failed message.
func (e *Engine) Retry(ctx context.Context, id string) error {
	return e.queue.Retry(ctx, id)
}

// OpenConversation starts reconciling conversationID and silences its notifications.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	if err := e.reconciler.Start(ctx, conversationID, uid, e.onMessages); err != nil {
		return err
	}
	return e.aggregator.SetActiveConversation(ctx, conversationID)
}

// CloseConversation stops reconciling the open conversation.
func (e *Engine) CloseConversation(ctx context.Context) error {
	if err := e.reconciler.Stop(ctx); err != nil {
		return err
	}
	return e.aggregator.SetActiveConversation(ctx, "")
}

// MarkConversationRead marks the open conversation as read. The unread count
// is cleared locally even when the remote write fails.
func (e *Engine) MarkConversationRead(ctx context.Context) error {
	cid, err := e.reconciler.ConversationID(ctx)
	if err != nil {
		return err
	}
	if cid == "" {
		return ErrStopped
	}
	markErr := e.reconciler.MarkRead(ctx)
	if err := e.aggregator.ResetUnread(ctx, cid); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return markErr
}

// CreatePlaceholderConversation adds a conversation locally before the remote
// store knows about it. An empty id gets a generated one.
func (e *Engine) CreatePlaceholderConversation(ctx context.Context, id, title string, participantIDs []string) (*Conversation, error) {
	uid, err := e.currentUser()
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	return e.aggregator.AppendPlaceholderConversation(ctx, id, title, participantIDs, uid)
}

// Messages returns the messages of a conversation, oldest first. A positive
// limit keeps the newest rows.
func (e *Engine) Messages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var out []*Message
	err := e.owner.Do(ctx, func() error {
		var err error
		out, err = e.store.Messages(MessageQuery{ConversationID: conversationID, Limit: limit})
		return err
	})
	return out, err
}

// Outbox returns every message the remote store has not acknowledged.
func (e *Engine) Outbox(ctx context.Context) ([]*Message, error) {
	var out []*Message
	err := e.owner.Do(ctx, func() error {
		var err error
		out, err = e.store.Messages(MessageQuery{LocalOnly: true})
		return err
	})
	return out, err
}

// Message returns one message by id.
func (e *Engine) Message(ctx context.Context, id string) (*Message, error) {
	var out *Message
	err := e.owner.Do(ctx, func() error {
		var err error
		out, err = e.store.Message(id)
		return err
	})
	return out, err
}

// Conversations returns the conversation list, most recent first.
func (e *Engine) Conversations(ctx context.Context, limit int) ([]*Conversation, error) {
	var out []*Conversation
	err := e.owner.Do(ctx, func() error {
		var err error
		out, err = e.store.Conversations(limit)
		return err
	})
	return out, err
}

// IsReachable reports the last observed network state.
func (e *Engine) IsReachable() bool {
	return e.monitor.IsReachable()
}

// SignOut stops every subscription and timer. Stored data is kept.
func (e *Engine) SignOut(ctx context.Context) error {
	err := errors.Join(
		e.reconciler.Stop(ctx),
		e.aggregator.Stop(ctx),
		e.queue.Reset(ctx),
	)
	e.names.Reset()
	e.mu.Lock()
	e.userID = ""
	e.mu.Unlock()
	e.logger.Info().Msg("signed out")
	return err
}

// Stop signs out and shuts the engine down. The store is left open.
func (e *Engine) Stop() {
	if err := e.SignOut(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
		e.logger.Warn().Err(err).Msg("sign out during stop")
	}
	e.monitor.Stop()
	e.owner.Stop()
}
