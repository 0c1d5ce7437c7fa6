package chatsync

import (
	"context"
	"errors"
	"slices"

	"github.com/rs/zerolog"
)

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithNotifier sets where qualifying incoming messages are reported.
func WithNotifier(n Notifier) AggregatorOption {
	return func(a *Aggregator) { a.notifier = n }
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(l zerolog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l.With().Str("component", "aggregator").Logger() }
}

// WithAggregatorMetrics records conversation events on m.
func WithAggregatorMetrics(m *Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// WithParticipantsChanged registers fn to run on the owner after a
// conversation is stored with a new participant list.
func WithParticipantsChanged(fn func(conversationID string)) AggregatorOption {
	return func(a *Aggregator) { a.participantsChanged = fn }
}

// Aggregator keeps the local conversation list of a user in step with the
// remote store and raises notifications for new incoming messages.
//
// The snapshot delivered when the feed is opened never notifies. After that,
// every added or modified conversation whose last message is newer than the
// local one and was written by someone else counts once: one notification and
// one unread increment, unless the conversation is currently open.
type Aggregator struct {
	owner    *Owner
	store    LocalStore
	feed     ConversationFeed
	monitor  *Monitor
	notifier Notifier
	logger   zerolog.Logger
	metrics  *Metrics

	participantsChanged func(conversationID string)

	// Owner-confined state.
	active      bool
	generation  uint64
	userID      string
	onChange    func()
	sub         Subscription
	subscribing bool
	listener    Token
	ctx         context.Context
	cancel      context.CancelFunc
	open        string
}

// NewAggregator creates an idle aggregator.
func NewAggregator(owner *Owner, store LocalStore, feed ConversationFeed, monitor *Monitor, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		owner:    owner,
		store:    store,
		feed:     feed,
		monitor:  monitor,
		notifier: nopNotifier{},
		logger:   zerolog.Nop(),

		participantsChanged: func(string) {},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes to every conversation that lists userID as a participant.
func (a *Aggregator) Start(ctx context.Context, userID string, onChange func()) error {
	return a.owner.Do(ctx, func() error {
		a.stopLocked()
		a.active = true
		a.generation++
		a.userID = userID
		a.onChange = onChange
		if a.onChange == nil {
			a.onChange = func() {}
		}
		a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

		gen := a.generation
		a.listener = a.monitor.AddListener(func(reachable bool) {
			a.owner.Go(func() { a.onConnectivity(gen, reachable) })
		})
		a.subscribe(gen)
		a.logger.Info().Str("user_id", userID).Msg("aggregator started")
		return nil
	})
}

// Stop cancels the subscription.
func (a *Aggregator) Stop(ctx context.Context) error {
	return a.owner.Do(ctx, func() error {
		a.stopLocked()
		return nil
	})
}

// SetActiveConversation records the conversation the user is looking at.
// Pass "" when none is open.
func (a *Aggregator) SetActiveConversation(ctx context.Context, conversationID string) error {
	return a.owner.Do(ctx, func() error {
		a.open = conversationID
		return nil
	})
}

// ResetUnread clears the unread count of a conversation.
func (a *Aggregator) ResetUnread(ctx context.Context, conversationID string) error {
	return a.owner.Do(ctx, func() error {
		c, err := a.store.Conversation(conversationID)
		if err != nil {
			return err
		}
		if c.UnreadCount == 0 {
			return nil
		}
		c.UnreadCount = 0
		if err := a.store.SaveConversations(c); err != nil {
			return err
		}
		a.changed()
		return nil
	})
}

// AppendPlaceholderConversation inserts a local conversation so it can be
// shown before the remote store reports it. An existing row is returned as is.
func (a *Aggregator) AppendPlaceholderConversation(ctx context.Context, id, title string, participantIDs []string, currentUserID string) (*Conversation, error) {
	var out *Conversation
	err := a.owner.Do(ctx, func() error {
		existing, err := a.store.Conversation(id)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		participants := dedupe(append([]string{currentUserID}, participantIDs...))
		c := &Conversation{
			ID:             id,
			Title:          title,
			ParticipantIDs: participants,
			Type:           conversationTypeFor(participants),
			Placeholder:    true,
		}
		if err := a.store.SaveConversations(c); err != nil {
			return err
		}
		out = c.Clone()
		a.participantsChanged(c.ID)
		a.changed()
		return nil
	})
	return out, err
}

// ============================================================================
// Owner-confined internals
// ============================================================================

func (a *Aggregator) changed() {
	if a.onChange != nil {
		a.onChange()
	}
}

func (a *Aggregator) stopLocked() {
	if !a.active {
		return
	}
	a.active = false
	a.generation++
	if a.sub != nil {
		a.sub.Stop()
		a.sub = nil
	}
	a.subscribing = false
	a.monitor.RemoveListener(a.listener)
	a.cancel()
	a.onChange = nil
	a.open = ""
	a.logger.Info().Str("user_id", a.userID).Msg("aggregator stopped")
}

func (a *Aggregator) subscribe(gen uint64) {
	a.subscribing = true
	ctx, uid := a.ctx, a.userID
	handler := func(batch ConversationBatch, err error) {
		a.owner.Go(func() { a.applyFeed(gen, batch, err) })
	}
	go func() {
		sub, err := a.feed.SubscribeConversations(ctx, uid, handler)
		a.owner.Go(func() {
			if gen != a.generation {
				if sub != nil {
					sub.Stop()
				}
				return
			}
			a.subscribing = false
			if err != nil {
				a.metrics.feedError("conversations")
				a.logger.Warn().Err(err).Msg("subscribe conversations")
				return
			}
			if a.sub != nil {
				sub.Stop()
				return
			}
			a.sub = sub
		})
	}()
}

func (a *Aggregator) onConnectivity(gen uint64, reachable bool) {
	if gen != a.generation || !reachable || a.sub != nil || a.subscribing {
		return
	}
	a.subscribe(gen)
}

func (a *Aggregator) applyFeed(gen uint64, batch ConversationBatch, err error) {
	if gen != a.generation {
		return
	}
	if err != nil {
		a.metrics.feedError("conversations")
		a.logger.Warn().Err(err).Msg("conversation feed terminated")
		if a.sub != nil {
			a.sub.Stop()
			a.sub = nil
		}
		return
	}
	a.apply(batch)
}

func (a *Aggregator) apply(batch ConversationBatch) {
	var (
		saves    []*Conversation
		notify   []Notification
		reshaped []string
		removed  int
	)
	for _, ch := range batch.Changes {
		a.metrics.conversationChange(ch.Kind, batch.Initial)
		rc := ch.Conversation
		switch ch.Kind {
		case ChangeRemoved:
			if err := a.store.DeleteConversation(rc.ID); err != nil {
				a.logger.Error().Err(err).Str("conversation_id", rc.ID).Msg("delete conversation")
				continue
			}
			removed++
		case ChangeAdded, ChangeModified:
			c, qualifying, participants, ok := a.merge(rc, batch.Initial)
			if !ok {
				continue
			}
			saves = append(saves, c)
			if participants {
				reshaped = append(reshaped, c.ID)
			}
			if qualifying {
				notify = append(notify, Notification{
					ConversationID: c.ID,
					Title:          c.Title,
					SenderID:       c.LastSenderID,
					Preview:        c.LastMessagePreview,
					Timestamp:      c.LastMessageTimestamp,
					UnreadCount:    c.UnreadCount,
				})
			}
		default:
			a.logger.Warn().Str("kind", string(ch.Kind)).Msg("unknown change kind")
		}
	}

	if len(saves) > 0 {
		if err := a.store.SaveConversations(saves...); err != nil {
			a.logger.Warn().Err(err).Int("rows", len(saves)).Msg("batch save failed, saving rows individually")
			for _, c := range saves {
				if err := a.store.SaveConversations(c); err != nil {
					a.logger.Error().Err(err).Str("conversation_id", c.ID).Msg("save conversation")
				}
			}
		}
	}
	for _, id := range reshaped {
		a.participantsChanged(id)
	}
	for _, n := range notify {
		a.notifier.Notify(a.ctx, n)
		a.metrics.notified()
	}
	if len(saves) > 0 || removed > 0 {
		a.changed()
	}
}

// merge folds rc into the local row. qualifying reports whether the change is
// a new incoming message that should notify; participants whether the
// participant list differs from the stored one.
func (a *Aggregator) merge(rc RemoteConversation, initial bool) (c *Conversation, qualifying, participants, ok bool) {
	local, err := a.store.Conversation(rc.ID)
	switch {
	case err == nil:
		c = local
	case errors.Is(err, ErrNotFound):
		c = &Conversation{ID: rc.ID}
	default:
		a.logger.Error().Err(err).Str("conversation_id", rc.ID).Msg("load conversation")
		return nil, false, false, false
	}

	newer := rc.LastMessageTimestamp.After(c.LastMessageTimestamp)
	qualifying = !initial && newer && rc.LastSenderID != "" && rc.LastSenderID != a.userID
	suppressed := rc.ID == a.open

	c.Title = rc.Title
	ids := dedupe(rc.ParticipantIDs)
	participants = !slices.Equal(ids, c.ParticipantIDs)
	c.ParticipantIDs = ids
	c.Type = rc.Type
	if c.Type == "" {
		c.Type = conversationTypeFor(c.ParticipantIDs)
	}
	if !rc.LastMessageTimestamp.Before(c.LastMessageTimestamp) {
		c.LastMessagePreview = rc.LastMessagePreview
		c.LastMessageTimestamp = rc.LastMessageTimestamp
		c.LastSenderID = rc.LastSenderID
	}
	c.Placeholder = false

	if n, found := rc.UnreadCounts[a.userID]; found {
		c.UnreadCount = n
	} else if qualifying && !suppressed {
		c.UnreadCount++
	}
	return c, qualifying && !suppressed, participants, true
}
