package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// armed returns the deadlines of timers that may still fire.
func (c *fakeClock) armed() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}
	return out
}

// fakeSub records Stop calls.
type fakeSub struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeSub) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeSub) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type markReadCall struct {
	conversationID string
	userID         string
	messageIDs     []string
	at             time.Time
}

// fakeRemote is an in-process Remote. Feeds are driven by the test through
// the captured handlers.
type fakeRemote struct {
	mu sync.Mutex

	writes   []RemoteMessage
	writeErr func(context.Context, RemoteMessage) error

	fetched     map[string][]RemoteMessage
	fetches     int
	markRead    []markReadCall
	markReadErr error
	names       map[string]string
	lookups     int

	msgHandlers  map[string]MessageFeedHandler
	msgSubs      map[string]*fakeSub
	convHandler  ConversationFeedHandler
	convSub      *fakeSub
	subscribeErr error
	// subscribeGate, when set, holds every subscribe call until closed.
	subscribeGate  chan struct{}
	msgSubscribes  int
	convSubscribes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		fetched:     make(map[string][]RemoteMessage),
		names:       make(map[string]string),
		msgHandlers: make(map[string]MessageFeedHandler),
		msgSubs:     make(map[string]*fakeSub),
	}
}

func (r *fakeRemote) UpsertMessage(ctx context.Context, m RemoteMessage) error {
	r.mu.Lock()
	r.writes = append(r.writes, m)
	fn := r.writeErr
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, m)
	}
	return nil
}

func (r *fakeRemote) FetchMessages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	msgs := r.fetched[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]RemoteMessage(nil), msgs...), nil
}

func (r *fakeRemote) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markRead = append(r.markRead, markReadCall{conversationID, userID, messageIDs, at})
	return r.markReadErr
}

func (r *fakeRemote) LookupUserName(ctx context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	name, ok := r.names[userID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (r *fakeRemote) SubscribeMessages(ctx context.Context, conversationID string, h MessageFeedHandler) (Subscription, error) {
	r.mu.Lock()
	r.msgSubscribes++
	gate := r.subscribeGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	sub := &fakeSub{}
	r.msgHandlers[conversationID] = h
	r.msgSubs[conversationID] = sub
	return sub, nil
}

func (r *fakeRemote) SubscribeConversations(ctx context.Context, userID string, h ConversationFeedHandler) (Subscription, error) {
	r.mu.Lock()
	r.convSubscribes++
	gate := r.subscribeGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	r.convHandler = h
	r.convSub = &fakeSub{}
	return r.convSub, nil
}

// holdSubscribes makes subscribe calls block until the returned func runs.
func (r *fakeRemote) holdSubscribes() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.subscribeGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.subscribeGate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *fakeRemote) subscribeCalls() (messages, conversations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgSubscribes, r.convSubscribes
}

func (r *fakeRemote) failMarkRead(err error) {
	r.mu.Lock()
	r.markReadErr = err
	r.mu.Unlock()
}

func (r *fakeRemote) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func (r *fakeRemote) written() []RemoteMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemoteMessage(nil), r.writes...)
}

func (r *fakeRemote) onWrite(fn func(context.Context, RemoteMessage) error) {
	r.mu.Lock()
	r.writeErr = fn
	r.mu.Unlock()
}

func (r *fakeRemote) failWrites(err error) {
	r.mu.Lock()
	r.writeErr = func(context.Context, RemoteMessage) error { return err }
	r.mu.Unlock()
}

func (r *fakeRemote) messageHandler(conversationID string) MessageFeedHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgHandlers[conversationID]
}

func (r *fakeRemote) messageSub(conversationID string) *fakeSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgSubs[conversationID]
}

func (r *fakeRemote) conversationHandler() ConversationFeedHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convHandler
}

func (r *fakeRemote) conversationSub() *fakeSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convSub
}

func (r *fakeRemote) markReadCalls() []markReadCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]markReadCall(nil), r.markRead...)
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// newTestOwner starts an owner that is stopped with the test.
func newTestOwner(t *testing.T) *Owner {
	t.Helper()
	o := NewOwner(zerolog.Nop())
	t.Cleanup(o.Stop)
	return o
}

// newTestMonitor starts a probe-less monitor that is stopped with the test.
func newTestMonitor(t *testing.T, reachable bool) *Monitor {
	t.Helper()
	m := NewMonitor(nil, WithInitialReachability(reachable))
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

// settle waits for every closure queued on o so far to run.
func settle(t *testing.T, o *Owner) {
	t.Helper()
	if err := o.Do(context.Background(), func() error { return nil }); err != nil && !errors.Is(err, ErrStopped) {
		t.Fatalf("owner barrier: %v", err)
	}
}

func pendingMessage(id, conversationID string, ts time.Time, status Status, retryCount int, next time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "alice",
		Content:        "hello " + id,
		Timestamp:      ts,
		Status:         status,
		Delivery:       &DeliveryState{RetryCount: retryCount, NextRetryAt: next},
	}
}

func mustGet(t *testing.T, s LocalStore, id string) *Message {
	t.Helper()
	m, err := s.Message(id)
	if err != nil {
		t.Fatalf("message %s: %v", id, err)
	}
	return m
}
