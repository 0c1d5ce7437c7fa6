package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type serverCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

// feedServer answers every subscribe with a one-change initial snapshot.
type feedServer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string
	cmds   []serverCommand
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	s := &feedServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/feed" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.mu.Unlock()

	ctx := r.Context()
	if err := s.send(ctx, conn, EventAuthenticated, map[string]string{}); err != nil {
		return
	}
	for {
		var cmd serverCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		s.mu.Lock()
		s.cmds = append(s.cmds, cmd)
		s.mu.Unlock()

		switch cmd.Type {
		case CommandPing:
			var p PongPayload
			_ = json.Unmarshal(cmd.Payload, &p)
			_ = s.send(ctx, conn, EventPong, p)
		case CommandSubscribeMessages:
			var p SubscribePayload
			_ = json.Unmarshal(cmd.Payload, &p)
			_ = s.send(ctx, conn, EventMessages, MessagesPayload{
				SubscriptionID: p.SubscriptionID,
				Initial:        true,
				Changes: []MessageChange{{
					Kind:    ChangeAdded,
					Message: RemoteMessage{ID: "m1", ConversationID: p.ConversationID, SenderID: "bob", Content: "hi", Timestamp: t0},
				}},
			})
		case CommandSubscribeConversations:
			var p SubscribePayload
			_ = json.Unmarshal(cmd.Payload, &p)
			_ = s.send(ctx, conn, EventConversations, ConversationsPayload{
				SubscriptionID: p.SubscriptionID,
				Initial:        true,
				Changes: []ConversationChange{{
					Kind:         ChangeAdded,
					Conversation: RemoteConversation{ID: "c1", ParticipantIDs: []string{p.UserID, "bob"}},
				}},
			})
		}
	}
}

func (s *feedServer) send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, RealtimeEnvelope{Type: typ, Payload: data})
}

// push sends an event on the newest connection.
func (s *feedServer) push(typ string, payload any) {
	s.t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(s.t, s.send(ctx, conn, typ, payload))
}

// drop closes the newest connection from the server side.
func (s *feedServer) drop() {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "restarting")
}

func (s *feedServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *feedServer) commands(typ string) []serverCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []serverCommand
	for _, c := range s.cmds {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (s *feedServer) client(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	c := NewClient(s.srv.URL, "tok-123", opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func subscriptionID(t *testing.T, cmd serverCommand) string {
	t.Helper()
	var p SubscribePayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &p))
	return p.SubscriptionID
}

func TestRealtimeFeedSubscriptions(t *testing.T) {
	s := newFeedServer(t)
	monitor := NewMonitor(nil, WithInitialReachability(false))
	c := s.client(t, WithLinkMonitor(monitor))
	ctx := context.Background()

	batches := make(chan MessageBatch, 4)
	sub, err := c.SubscribeMessages(ctx, "c1", func(b MessageBatch, err error) {
		if err == nil {
			batches <- b
		}
	})
	require.NoError(t, err)

	select {
	case b := <-batches:
		assert.True(t, b.Initial)
		require.Len(t, b.Changes, 1)
		assert.Equal(t, ChangeAdded, b.Changes[0].Kind)
		assert.Equal(t, "c1", b.Changes[0].Message.ConversationID)
		assert.True(t, b.Changes[0].Message.Timestamp.Equal(t0))
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}
	assert.Equal(t, StateConnected, c.Feed().State())
	assert.True(t, monitor.IsReachable())
	s.mu.Lock()
	assert.Equal(t, []string{"tok-123"}, s.tokens)
	s.mu.Unlock()

	t.Run("second subscription shares the connection", func(t *testing.T) {
		convs := make(chan ConversationBatch, 1)
		_, err := c.SubscribeConversations(ctx, "alice", func(b ConversationBatch, err error) {
			if err == nil {
				convs <- b
			}
		})
		require.NoError(t, err)
		select {
		case b := <-convs:
			require.Len(t, b.Changes, 1)
			assert.Equal(t, []string{"alice", "bob"}, b.Changes[0].Conversation.ParticipantIDs)
		case <-time.After(2 * time.Second):
			t.Fatal("no conversation snapshot")
		}
		assert.Equal(t, 1, s.connCount())
	})

	t.Run("ping", func(t *testing.T) {
		pong, err := c.Feed().Ping(ctx)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(pong.RequestID, "ping-"))
	})

	t.Run("stop unsubscribes", func(t *testing.T) {
		id := subscriptionID(t, s.commands(CommandSubscribeMessages)[0])
		sub.Stop()
		sub.Stop()
		require.Eventually(t, func() bool { return len(s.commands(CommandUnsubscribe)) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, id, subscriptionID(t, s.commands(CommandUnsubscribe)[0]))
	})

	t.Run("disconnect", func(t *testing.T) {
		c.Close()
		assert.Equal(t, StateDisconnected, c.Feed().State())
		_, err := c.Feed().Ping(ctx)
		assert.Error(t, err)
	})
}

func TestRealtimeFeedErrorEvent(t *testing.T) {
	s := newFeedServer(t)
	c := s.client(t)

	var (
		mu      sync.Mutex
		batches int
		errs    []error
	)
	_, err := c.SubscribeMessages(context.Background(), "c1", func(b MessageBatch, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		batches++
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return batches == 1
	}, 2*time.Second, 5*time.Millisecond)

	id := subscriptionID(t, s.commands(CommandSubscribeMessages)[0])
	s.push(EventError, FeedErrorPayload{SubscriptionID: id, Message: "permission denied"})
	s.push(EventError, FeedErrorPayload{SubscriptionID: id, Message: "again"})
	s.push(EventMessages, MessagesPayload{SubscriptionID: id, Changes: []MessageChange{{Kind: ChangeModified}}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Pong round-trips after the pushes, so every pushed event has been handled.
	_, err = c.Feed().Ping(context.Background())
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.EqualError(t, errs[0], "permission denied")
	assert.Len(t, errs, 1)
	assert.Equal(t, 1, batches)
}

func TestRealtimeFeedReconnect(t *testing.T) {
	s := newFeedServer(t)

	var (
		mu          sync.Mutex
		transitions []bool
	)
	monitor := NewMonitor(nil, WithInitialReachability(true))
	monitor.AddListener(func(reachable bool) {
		mu.Lock()
		transitions = append(transitions, reachable)
		mu.Unlock()
	})
	monitor.Start(context.Background())
	t.Cleanup(monitor.Stop)

	c := s.client(t,
		WithLinkMonitor(monitor),
		WithRealtimeConfig(RealtimeConfig{
			AutoReconnect:      true,
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
		}),
	)

	batches := make(chan MessageBatch, 4)
	_, err := c.SubscribeMessages(context.Background(), "c1", func(b MessageBatch, err error) {
		if err == nil {
			batches <- b
		}
	})
	require.NoError(t, err)
	<-batches

	s.drop()

	select {
	case b := <-batches:
		assert.True(t, b.Initial)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not resumed")
	}
	assert.Equal(t, 2, s.connCount())

	subs := s.commands(CommandSubscribeMessages)
	require.Len(t, subs, 2)
	assert.Equal(t, subscriptionID(t, subs[0]), subscriptionID(t, subs[1]))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{true, false, true}, transitions)
	mu.Unlock()
	assert.True(t, monitor.IsReachable())
}

func TestRealtimeFeedWithoutReconnect(t *testing.T) {
	s := newFeedServer(t)
	c := s.client(t, WithRealtimeConfig(RealtimeConfig{}))

	batches := make(chan MessageBatch, 1)
	errs := make(chan error, 1)
	_, err := c.SubscribeMessages(context.Background(), "c1", func(b MessageBatch, err error) {
		if err != nil {
			errs <- err
			return
		}
		batches <- b
	})
	require.NoError(t, err)
	<-batches

	s.drop()
	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "feed disconnected")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not failed")
	}
	assert.Equal(t, StateDisconnected, c.Feed().State())
}
