// Package firestoreremote implements chatsync.Remote on Cloud Firestore.
//
// Collections:
//
//	conversations/{cid}                 participant_ids, last_message_*, unread_counts
//	conversations/{cid}/messages/{id}   authored fields, read_by, read_timestamps
//	users/{uid}                         name
package firestoreremote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LuminPulse-AI/chatsync"
)

// Option configures New.
type Option func(*config)

type config struct {
	database string
	client   []option.ClientOption
	logger   zerolog.Logger
}

// WithDatabase selects a named Firestore database instead of the default one.
func WithDatabase(id string) Option {
	return func(c *config) { c.database = id }
}

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) Option {
	return func(c *config) { c.client = append(c.client, option.WithCredentialsFile(path)) }
}

// WithClientOptions passes raw client options through.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *config) { c.client = append(c.client, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Remote implements chatsync.Remote.
type Remote struct {
	client *firestore.Client
	logger zerolog.Logger
}

var _ chatsync.Remote = (*Remote)(nil)

// New creates a Firestore-backed remote for projectID.
func New(ctx context.Context, projectID string, opts ...Option) (*Remote, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for the firestore remote")
	}
	cfg := config{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		client *firestore.Client
		err    error
	)
	if cfg.database != "" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, cfg.database, cfg.client...)
	} else {
		client, err = firestore.NewClient(ctx, projectID, cfg.client...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Remote{
		client: client,
		logger: cfg.logger.With().Str("component", "firestore").Logger(),
	}, nil
}

// Close releases the client.
func (r *Remote) Close() error {
	return r.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (r *Remote) conversationsCol() *firestore.CollectionRef {
	return r.client.Collection("conversations")
}

func (r *Remote) conversationDoc(id string) *firestore.DocumentRef {
	return r.conversationsCol().Doc(id)
}

func (r *Remote) messagesCol(conversationID string) *firestore.CollectionRef {
	return r.conversationDoc(conversationID).Collection("messages")
}

func (r *Remote) messageDoc(conversationID, id string) *firestore.DocumentRef {
	return r.messagesCol(conversationID).Doc(id)
}

// ─────────────────────────────────────────
// Writes and reads
// ─────────────────────────────────────────

// UpsertMessage merges the authored fields into the message document.
// Receipts written by readers are left untouched.
func (r *Remote) UpsertMessage(ctx context.Context, m chatsync.RemoteMessage) error {
	_, err := r.messageDoc(m.ConversationID, m.ID).Set(ctx, authoredFields(m), firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore UpsertMessage: %w", err)
	}
	return nil
}

// FetchMessages returns the newest limit messages, oldest first.
func (r *Remote) FetchMessages(ctx context.Context, conversationID string, limit int) ([]chatsync.RemoteMessage, error) {
	q := r.messagesCol(conversationID).OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []chatsync.RemoteMessage
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore FetchMessages: %w", err)
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			r.logger.Warn().Err(err).Str("message_id", snap.Ref.ID).Msg("skip undecodable message")
			continue
		}
		out = append(out, doc.toRemote(snap.Ref.ID, conversationID))
	}
	slices.Reverse(out)
	return out, nil
}

// MarkRead adds userID to the receipts of every message and clears the
// user's unread count on the conversation.
func (r *Remote) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) error {
	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(messageIDs)+1)
	for _, id := range messageIDs {
		job, err := bw.Update(r.messageDoc(conversationID, id), receiptUpdates(userID, at))
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore MarkRead: %w", err)
		}
		jobs = append(jobs, job)
	}
	job, err := bw.Set(r.conversationDoc(conversationID), map[string]any{
		"unread_counts": map[string]any{userID: 0},
	}, firestore.MergeAll)
	if err != nil {
		bw.End()
		return fmt.Errorf("firestore MarkRead: %w", err)
	}
	jobs = append(jobs, job)
	bw.End()

	var errs []error
	for _, j := range jobs {
		if _, err := j.Results(); err != nil && status.Code(err) != codes.NotFound {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("firestore MarkRead: %w", err)
	}
	return nil
}

type userDoc struct {
	Name string `firestore:"name"`
}

// LookupUserName reads users/{uid}.
func (r *Remote) LookupUserName(ctx context.Context, userID string) (string, error) {
	snap, err := r.client.Collection("users").Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", chatsync.ErrNotFound
		}
		return "", fmt.Errorf("firestore LookupUserName: %w", err)
	}
	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("firestore LookupUserName decode: %w", err)
	}
	return doc.Name, nil
}

// ─────────────────────────────────────────
// Feeds
// ─────────────────────────────────────────

type snapshotSub struct {
	it      *firestore.QuerySnapshotIterator
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func (s *snapshotSub) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
	s.it.Stop()
}

// quiet reports whether err ends the feed because Stop was called.
func (s *snapshotSub) quiet(err error) bool {
	return s.stopped.Load() || errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled
}

// SubscribeMessages streams the messages of one conversation by timestamp.
func (r *Remote) SubscribeMessages(ctx context.Context, conversationID string, h chatsync.MessageFeedHandler) (chatsync.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &snapshotSub{
		it:     r.messagesCol(conversationID).OrderBy("timestamp", firestore.Asc).Snapshots(ctx),
		cancel: cancel,
	}
	go func() {
		initial := true
		for {
			snap, err := sub.it.Next()
			if err != nil {
				if !sub.quiet(err) {
					h(chatsync.MessageBatch{}, fmt.Errorf("firestore message feed: %w", err))
				}
				return
			}
			batch := chatsync.MessageBatch{Initial: initial}
			initial = false
			for _, ch := range snap.Changes {
				kind, ok := changeKind(ch.Kind)
				if !ok {
					continue
				}
				var doc messageDoc
				if err := ch.Doc.DataTo(&doc); err != nil {
					r.logger.Warn().Err(err).Str("message_id", ch.Doc.Ref.ID).Msg("skip undecodable message")
					continue
				}
				batch.Changes = append(batch.Changes, chatsync.MessageChange{
					Kind:    kind,
					Message: doc.toRemote(ch.Doc.Ref.ID, conversationID),
				})
			}
			h(batch, nil)
		}
	}()
	return sub, nil
}

// SubscribeConversations streams every conversation listing userID.
func (r *Remote) SubscribeConversations(ctx context.Context, userID string, h chatsync.ConversationFeedHandler) (chatsync.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &snapshotSub{
		it:     r.conversationsCol().Where("participant_ids", "array-contains", userID).Snapshots(ctx),
		cancel: cancel,
	}
	go func() {
		initial := true
		for {
			snap, err := sub.it.Next()
			if err != nil {
				if !sub.quiet(err) {
					h(chatsync.ConversationBatch{}, fmt.Errorf("firestore conversation feed: %w", err))
				}
				return
			}
			batch := chatsync.ConversationBatch{Initial: initial}
			initial = false
			for _, ch := range snap.Changes {
				kind, ok := changeKind(ch.Kind)
				if !ok {
					continue
				}
				var doc conversationDoc
				if err := ch.Doc.DataTo(&doc); err != nil {
					r.logger.Warn().Err(err).Str("conversation_id", ch.Doc.Ref.ID).Msg("skip undecodable conversation")
					continue
				}
				batch.Changes = append(batch.Changes, chatsync.ConversationChange{
					Kind:         kind,
					Conversation: doc.toRemote(ch.Doc.Ref.ID),
				})
			}
			h(batch, nil)
		}
	}()
	return sub, nil
}
