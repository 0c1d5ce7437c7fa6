package chatsync

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sync defaults.
const (
	DefaultRefreshLimit    = 200
	DefaultRefreshInterval = 2 * time.Second
)

// MessageSource is the part of the remote backend the Reconciler reads from.
type MessageSource interface {
	MessageFeed
	MessageFetcher
	ReadMarker
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRefreshLimit sets how many recent messages a refresh fetches.
func WithRefreshLimit(n int) ReconcilerOption {
	return func(r *Reconciler) { r.refreshLimit = n }
}

// WithRefreshInterval sets the minimum spacing of automatic refreshes.
func WithRefreshInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithSenderNames fills SenderName on inbound messages from names.
func WithSenderNames(names *SenderNames) ReconcilerOption {
	return func(r *Reconciler) { r.names = names }
}

// WithReconcilerClock replaces the wall clock.
func WithReconcilerClock(c Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = c }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l.With().Str("component", "reconciler").Logger() }
}

// WithReconcilerMetrics records applied changes on m.
func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// Reconciler mirrors the messages of the open conversation from the remote
// store into the local store.
type Reconciler struct {
	owner   *Owner
	store   LocalStore
	remote  MessageSource
	queue   *DeliveryQueue
	monitor *Monitor
	names   *SenderNames
	clock   Clock
	logger  zerolog.Logger
	metrics *Metrics

	refreshLimit int
	limiter      *rate.Limiter

	// Owner-confined state.
	active         bool
	generation     uint64
	conversationID string
	userID         string
	onChange       func()
	sub            Subscription
	subscribing    bool
	listener       Token
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewReconciler creates an idle reconciler. Acknowledgments of local-only
// rows observed on the feed are delegated to queue.
func NewReconciler(owner *Owner, store LocalStore, remote MessageSource, queue *DeliveryQueue, monitor *Monitor, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		owner:        owner,
		store:        store,
		remote:       remote,
		queue:        queue,
		monitor:      monitor,
		clock:        SystemClock,
		logger:       zerolog.Nop(),
		refreshLimit: DefaultRefreshLimit,
		limiter:      rate.NewLimiter(rate.Every(DefaultRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds the reconciler to conversationID and subscribes to its feed.
// onChange runs on the owner after every applied batch. A previous binding is
// stopped first.
func (r *Reconciler) Start(ctx context.Context, conversationID, userID string, onChange func()) error {
	return r.owner.Do(ctx, func() error {
		r.stopLocked()
		r.active = true
		r.generation++
		r.conversationID = conversationID
		r.userID = userID
		r.onChange = onChange
		if r.onChange == nil {
			r.onChange = func() {}
		}
		r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

		gen := r.generation
		r.listener = r.monitor.AddListener(func(reachable bool) {
			r.owner.Go(func() { r.onConnectivity(gen, reachable) })
		})
		r.subscribe(gen)
		r.logger.Info().Str("conversation_id", conversationID).Msg("reconciler started")
		return nil
	})
}

// Stop cancels the subscription. Results still in flight are discarded.
func (r *Reconciler) Stop(ctx context.Context) error {
	return r.owner.Do(ctx, func() error {
		r.stopLocked()
		return nil
	})
}

// ConversationID returns the bound conversation, or "" when idle.
func (r *Reconciler) ConversationID(ctx context.Context) (string, error) {
	var id string
	err := r.owner.Do(ctx, func() error {
		id = r.conversationID
		return nil
	})
	return id, err
}

// Refresh fetches the recent messages of the conversation and applies them
// through the same path as feed events. Absent rows are not deleted.
func (r *Reconciler) Refresh(ctx context.Context) error {
	var (
		gen uint64
		cid string
	)
	err := r.owner.Do(ctx, func() error {
		if !r.active {
			return ErrStopped
		}
		gen, cid = r.generation, r.conversationID
		return nil
	})
	if err != nil {
		return err
	}
	return r.refresh(ctx, gen, cid)
}

// MarkRead records this user's receipt on every unread inbound message of the
// conversation. The remote store is written first; local rows only gain the
// receipt once it has accepted them, so a failed call can be repeated.
func (r *Reconciler) MarkRead(ctx context.Context) error {
	var (
		gen      uint64
		cid, uid string
		ids      []string
		at       time.Time
	)
	err := r.owner.Do(ctx, func() error {
		if !r.active {
			return ErrStopped
		}
		gen, cid, uid = r.generation, r.conversationID, r.userID
		at = r.clock.Now()
		msgs, err := r.store.Messages(MessageQuery{
			ConversationID: cid,
			Filter: func(m *Message) bool {
				return m.SenderID != uid && !m.IsLocalOnly() && !m.HasReceiptFrom(uid)
			},
		})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil || len(ids) == 0 {
		return err
	}
	if err := r.remote.MarkRead(ctx, cid, uid, ids, at); err != nil {
		return err
	}

	return r.owner.Do(ctx, func() error {
		marked := make(map[string]bool, len(ids))
		for _, id := range ids {
			marked[id] = true
		}
		msgs, err := r.store.Messages(MessageQuery{
			ConversationID: cid,
			Filter:         func(m *Message) bool { return marked[m.ID] && !m.HasReceiptFrom(uid) },
		})
		if err != nil || len(msgs) == 0 {
			return err
		}
		derive := r.deriver(cid)
		for _, m := range msgs {
			m.ReadBy = append(m.ReadBy, uid)
			if m.ReadTimestamps == nil {
				m.ReadTimestamps = make(map[string]time.Time)
			}
			m.ReadTimestamps[uid] = at
			derive(m)
		}
		if err := r.store.SaveMessages(msgs...); err != nil {
			return err
		}
		if gen == r.generation {
			r.onChange()
		}
		return nil
	})
}

// participantsChanged re-derives the status of the open conversation's
// messages after its participant list was stored or replaced.
func (r *Reconciler) participantsChanged(cid string) {
	if !r.active || cid != r.conversationID {
		return
	}
	msgs, err := r.store.Messages(MessageQuery{
		ConversationID: cid,
		Filter: func(m *Message) bool {
			return m.Status == StatusSent || m.Status == StatusDelivered
		},
	})
	if err != nil {
		r.logger.Error().Err(err).Str("conversation_id", cid).Msg("load messages for participants")
		return
	}
	derive := r.deriver(cid)
	var changed []*Message
	for _, m := range msgs {
		if derive(m) {
			changed = append(changed, m)
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := r.store.SaveMessages(changed...); err != nil {
		r.logger.Error().Err(err).Str("conversation_id", cid).Msg("save re-derived status")
		return
	}
	r.onChange()
}

// ============================================================================
// Owner-confined internals
// ============================================================================

func (r *Reconciler) stopLocked() {
	if !r.active {
		return
	}
	r.active = false
	r.generation++
	if r.sub != nil {
		r.sub.Stop()
		r.sub = nil
	}
	r.subscribing = false
	r.monitor.RemoveListener(r.listener)
	r.cancel()
	r.logger.Info().Str("conversation_id", r.conversationID).Msg("reconciler stopped")
	r.conversationID = ""
	r.onChange = nil
}

// subscribe opens the feed off the owner and installs it if still current.
// At most one subscribe is in flight per binding.
func (r *Reconciler) subscribe(gen uint64) {
	r.subscribing = true
	ctx, cid := r.ctx, r.conversationID
	handler := func(batch MessageBatch, err error) {
		r.owner.Go(func() { r.applyFeed(gen, batch, err) })
	}
	go func() {
		sub, err := r.remote.SubscribeMessages(ctx, cid, handler)
		r.owner.Go(func() {
			if gen != r.generation {
				if sub != nil {
					sub.Stop()
				}
				return
			}
			r.subscribing = false
			if err != nil {
				r.metrics.feedError("messages")
				r.logger.Warn().Err(err).Str("conversation_id", cid).Msg("subscribe messages")
				return
			}
			if r.sub != nil {
				sub.Stop()
				return
			}
			r.sub = sub
		})
	}()
}

func (r *Reconciler) applyFeed(gen uint64, batch MessageBatch, err error) {
	if gen != r.generation {
		return
	}
	if err != nil {
		r.metrics.feedError("messages")
		r.logger.Warn().Err(err).Str("conversation_id", r.conversationID).Msg("message feed terminated")
		if r.sub != nil {
			r.sub.Stop()
			r.sub = nil
		}
		return
	}
	if r.apply(batch.Changes) {
		r.onChange()
	}
}

func (r *Reconciler) onConnectivity(gen uint64, reachable bool) {
	if gen != r.generation || !reachable {
		return
	}
	if r.sub == nil && !r.subscribing {
		r.subscribe(gen)
	}
	if !r.limiter.Allow() {
		return
	}
	ctx, cid := r.ctx, r.conversationID
	go func() {
		if err := r.refresh(ctx, gen, cid); err != nil && !errors.Is(err, ErrStopped) {
			r.logger.Warn().Err(err).Str("conversation_id", cid).Msg("refresh after reconnect")
		}
	}()
}

func (r *Reconciler) refresh(ctx context.Context, gen uint64, cid string) error {
	remote, err := r.remote.FetchMessages(ctx, cid, r.refreshLimit)
	if err != nil {
		return err
	}
	changes := make([]MessageChange, len(remote))
	for i, rm := range remote {
		changes[i] = MessageChange{Kind: ChangeAdded, Message: rm}
	}
	return r.owner.Do(ctx, func() error {
		if gen != r.generation {
			return ErrStopped
		}
		if r.apply(changes) {
			r.onChange()
		}
		r.logger.Debug().Int("messages", len(remote)).Str("conversation_id", cid).Msg("refreshed")
		return nil
	})
}

// deriver returns the status derivation for messages of cid. Without a stored
// conversation the participants are unknown, so only delivered is derived.
func (r *Reconciler) deriver(cid string) func(*Message) bool {
	conv, err := r.store.Conversation(cid)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn().Err(err).Str("conversation_id", cid).Msg("load conversation")
		}
		return (*Message).applyAnyReceipt
	}
	return func(m *Message) bool { return m.applyReceipts(conv.OtherParticipants(m.SenderID)) }
}

// apply merges changes into the store and reports whether anything was written.
func (r *Reconciler) apply(changes []MessageChange) bool {
	if len(changes) == 0 {
		return false
	}
	derive := r.deriver(r.conversationID)

	var (
		saves   []*Message
		deletes []string
		unnamed []string
	)
	for _, ch := range changes {
		rm := ch.Message
		if rm.ConversationID == "" {
			rm.ConversationID = r.conversationID
		}
		if rm.ConversationID != r.conversationID {
			continue
		}
		switch ch.Kind {
		case ChangeRemoved:
			deletes = append(deletes, rm.ID)
		case ChangeAdded, ChangeModified:
			m := r.merge(rm, derive)
			if m == nil {
				continue
			}
			if err := m.Validate(); err != nil {
				r.logger.Warn().Err(err).Str("message_id", rm.ID).Msg("skip invalid remote message")
				continue
			}
			if m.SenderName == "" && r.names != nil && m.SenderID != "" {
				if name, ok := r.names.Cached(m.SenderID); ok {
					m.SenderName = name
				} else if !slices.Contains(unnamed, m.SenderID) {
					unnamed = append(unnamed, m.SenderID)
				}
			}
			saves = append(saves, m)
		default:
			r.logger.Warn().Str("kind", string(ch.Kind)).Msg("unknown change kind")
			continue
		}
		r.metrics.reconciled(ch.Kind)
	}

	if len(saves) > 0 {
		if err := r.store.SaveMessages(saves...); err != nil {
			r.logger.Warn().Err(err).Int("rows", len(saves)).Msg("batch save failed, saving rows individually")
			for _, m := range saves {
				if err := r.store.SaveMessages(m); err != nil {
					r.logger.Error().Err(err).Str("message_id", m.ID).Msg("save message")
				}
			}
		}
	}
	for _, id := range deletes {
		if err := r.store.DeleteMessage(id); err != nil {
			r.logger.Error().Err(err).Str("message_id", id).Msg("delete message")
		}
	}
	for _, uid := range unnamed {
		r.resolveName(uid)
	}
	return len(saves) > 0 || len(deletes) > 0
}

// merge returns the local row updated with rm, or nil when it cannot be read.
func (r *Reconciler) merge(rm RemoteMessage, derive func(*Message) bool) *Message {
	local, err := r.store.Message(rm.ID)
	if errors.Is(err, ErrNotFound) {
		m := &Message{
			ID:             rm.ID,
			ConversationID: rm.ConversationID,
			SenderID:       rm.SenderID,
			Content:        rm.Content,
			Timestamp:      rm.Timestamp,
			Status:         StatusSent,
			Media:          rm.Media,
		}
		mergeReceipts(m, rm)
		derive(m)
		return m
	}
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", rm.ID).Msg("load message")
		return nil
	}

	if local.IsLocalOnly() {
		// Our own write came back: the queue owns the transition to sent.
		mergeReceipts(local, rm)
		r.queue.acknowledge(local)
		derive(local)
		return local
	}

	local.SenderID = rm.SenderID
	local.Content = rm.Content
	local.Timestamp = rm.Timestamp
	local.Media = rm.Media
	mergeReceipts(local, rm)
	derive(local)
	return local
}

// mergeReceipts unions the remote receipts into m. Receipts are never removed.
func mergeReceipts(m *Message, rm RemoteMessage) {
	for _, uid := range rm.ReadBy {
		if !slices.Contains(m.ReadBy, uid) {
			m.ReadBy = append(m.ReadBy, uid)
		}
	}
	for uid, at := range rm.ReadTimestamps {
		if m.ReadTimestamps == nil {
			m.ReadTimestamps = make(map[string]time.Time, len(rm.ReadTimestamps))
		}
		if _, ok := m.ReadTimestamps[uid]; !ok {
			m.ReadTimestamps[uid] = at
		}
	}
}

// resolveName looks up a sender off the owner and backfills the rows of the
// conversation that lack a name.
func (r *Reconciler) resolveName(userID string) {
	gen, ctx, cid := r.generation, r.ctx, r.conversationID
	go func() {
		name, err := r.names.Lookup(ctx, userID)
		if err != nil || name == "" {
			return
		}
		r.owner.Go(func() {
			if gen != r.generation {
				return
			}
			msgs, err := r.store.Messages(MessageQuery{
				ConversationID: cid,
				Filter:         func(m *Message) bool { return m.SenderID == userID && m.SenderName == "" },
			})
			if err != nil || len(msgs) == 0 {
				return
			}
			for _, m := range msgs {
				m.SenderName = name
			}
			if err := r.store.SaveMessages(msgs...); err != nil {
				r.logger.Error().Err(err).Str("user_id", userID).Msg("save sender names")
				return
			}
			r.onChange()
		})
	}()
}
