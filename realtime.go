package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

// Event and command types of the change feed.
const (
	EventAuthenticated = "authenticated"
	EventPong          = "pong"
	EventMessages      = "messages.changes"
	EventConversations = "conversations.changes"
	EventError         = "error"

	CommandPing                   = "ping"
	CommandSubscribeMessages      = "messages.subscribe"
	CommandSubscribeConversations = "conversations.subscribe"
	CommandUnsubscribe            = "unsubscribe"
)

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// SubscribePayload opens a feed. Exactly one of ConversationID and UserID is set.
type SubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// MessagesPayload carries one snapshot of a message feed.
type MessagesPayload struct {
	SubscriptionID string          `json:"subscriptionId"`
	Initial        bool            `json:"initial"`
	Changes        []MessageChange `json:"changes"`
}

// ConversationsPayload carries one snapshot of a conversation feed.
type ConversationsPayload struct {
	SubscriptionID string               `json:"subscriptionId"`
	Initial        bool                 `json:"initial"`
	Changes        []ConversationChange `json:"changes"`
}

// FeedErrorPayload terminates one subscription, or reports a connection-level
// problem when SubscriptionID is empty.
type FeedErrorPayload struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Message        string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the change feed connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up for
// a minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Subscriptions
// ============================================================================

type feedSubscription struct {
	feed            *RealtimeFeed
	command         string
	payload         SubscribePayload
	onMessages      MessageFeedHandler
	onConversations ConversationFeedHandler
	once            sync.Once
}

func (s *feedSubscription) Stop() {
	s.once.Do(func() { s.feed.unsubscribe(s) })
}

func (s *feedSubscription) fail(err error) {
	s.once.Do(func() {
		if s.onMessages != nil {
			s.onMessages(MessageBatch{}, err)
		}
		if s.onConversations != nil {
			s.onConversations(ConversationBatch{}, err)
		}
	})
}

func (s *feedSubscription) subscribeCommand() *RealtimeCommand {
	return &RealtimeCommand{Type: s.command, Payload: s.payload}
}

// ============================================================================
// RealtimeFeed
// ============================================================================

// RealtimeFeed multiplexes change-feed subscriptions over one WebSocket with
// heartbeat and auto-reconnect. Subscriptions survive reconnects: each is
// re-sent on the new connection and answered with a fresh initial snapshot.
type RealtimeFeed struct {
	baseURL string
	config  RealtimeConfig
	monitor *Monitor
	logger  zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	subs             map[string]*feedSubscription

	counter      atomic.Uint64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

func newRealtimeFeed(baseURL string, config RealtimeConfig, monitor *Monitor, logger zerolog.Logger) *RealtimeFeed {
	config.defaults()
	return &RealtimeFeed{
		baseURL:      baseURL,
		config:       config,
		monitor:      monitor,
		logger:       logger.With().Str("component", "feed").Logger(),
		state:        StateDisconnected,
		recon:        newReconnector(&config),
		subs:         make(map[string]*feedSubscription),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (f *RealtimeFeed) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect establishes the WebSocket connection.
func (f *RealtimeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	f.intentionalClose = false
	f.mu.Unlock()
	return f.dial(ctx)
}

func (f *RealtimeFeed) wsURL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/feed?token=" + url.QueryEscape(f.config.Token)
}

func (f *RealtimeFeed) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{HTTPClient: f.config.HTTPClient})
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(f.config.ReadLimit)

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.mu.Lock()
	if f.cancelFn != nil {
		// Stops the loops of the previous connection.
		f.cancelFn()
	}
	f.conn = conn
	f.state = StateConnected
	f.cancelFn = cancel
	subs := make([]*feedSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	f.recon.markConnected()
	f.logger.Info().Int("subscriptions", len(subs)).Msg("feed connected")
	if f.monitor != nil {
		f.monitor.SetReachable(true)
	}

	for _, s := range subs {
		if err := f.write(connCtx, conn, s.subscribeCommand()); err != nil {
			f.logger.Warn().Err(err).Str("subscription_id", s.payload.SubscriptionID).Msg("resubscribe")
		}
	}

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx)
	return nil
}

func (f *RealtimeFeed) setState(s RealtimeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Disconnect closes the connection. Subscriptions are kept and resumed by the
// next Connect.
func (f *RealtimeFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	cancel := f.cancelFn
	f.cancelFn = nil
	conn := f.conn
	f.conn = nil
	f.state = StateDisconnected
	f.mu.Unlock()

	f.clearPendingPings()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	// Cancelled after the close handshake; a cancelled read closes the
	// connection with a policy violation instead.
	if cancel != nil {
		cancel()
	}
	return err
}

// SubscribeMessages opens a message feed for conversationID, connecting first
// if needed.
func (f *RealtimeFeed) SubscribeMessages(ctx context.Context, conversationID string, h MessageFeedHandler) (Subscription, error) {
	s := &feedSubscription{
		feed:       f,
		command:    CommandSubscribeMessages,
		payload:    SubscribePayload{ConversationID: conversationID},
		onMessages: h,
	}
	return f.subscribe(ctx, s)
}

// SubscribeConversations opens the conversation feed of userID.
func (f *RealtimeFeed) SubscribeConversations(ctx context.Context, userID string, h ConversationFeedHandler) (Subscription, error) {
	s := &feedSubscription{
		feed:            f,
		command:         CommandSubscribeConversations,
		payload:         SubscribePayload{UserID: userID},
		onConversations: h,
	}
	return f.subscribe(ctx, s)
}

func (f *RealtimeFeed) subscribe(ctx context.Context, s *feedSubscription) (Subscription, error) {
	s.payload.SubscriptionID = fmt.Sprintf("sub-%d", f.counter.Add(1))

	f.mu.Lock()
	f.subs[s.payload.SubscriptionID] = s
	state, conn := f.state, f.conn
	f.mu.Unlock()

	var err error
	switch state {
	case StateConnected:
		err = f.write(ctx, conn, s.subscribeCommand())
	case StateConnecting, StateReconnecting:
		// Sent once the connection is up.
	case StateDisconnected:
		err = f.Connect(ctx)
	}
	if err != nil {
		f.remove(s.payload.SubscriptionID)
		return nil, err
	}
	return s, nil
}

func (f *RealtimeFeed) remove(id string) *feedSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[id]
	delete(f.subs, id)
	return s
}

func (f *RealtimeFeed) unsubscribe(s *feedSubscription) {
	id := s.payload.SubscriptionID
	if f.remove(id) == nil {
		return
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.write(ctx, conn, &RealtimeCommand{
		Type:    CommandUnsubscribe,
		Payload: SubscribePayload{SubscriptionID: id},
	})
	if err != nil {
		f.logger.Debug().Err(err).Str("subscription_id", id).Msg("unsubscribe")
	}
}

// Send sends a raw command over the WebSocket.
func (f *RealtimeFeed) Send(ctx context.Context, cmd *RealtimeCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	return f.write(ctx, conn, cmd)
}

func (f *RealtimeFeed) write(ctx context.Context, conn *websocket.Conn, cmd *RealtimeCommand) error {
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return wsjson.Write(ctx, conn, cmd)
}

// Ping sends a ping and waits for the pong.
func (f *RealtimeFeed) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", f.counter.Add(1))

	ch := make(chan PongPayload, 1)
	f.pendingMu.Lock()
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()
	forget := func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}

	err := f.Send(ctx, &RealtimeCommand{
		Type:    CommandPing,
		Payload: PongPayload{RequestID: requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(f.config.PongTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (f *RealtimeFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			if !intentional {
				f.state = StateDisconnected
				f.conn = nil
			}
			f.mu.Unlock()
			if intentional {
				return
			}

			f.logger.Warn().Err(err).Msg("feed disconnected")
			f.clearPendingPings()
			if f.monitor != nil {
				f.monitor.SetReachable(false)
			}
			if f.config.AutoReconnect {
				f.reconnect(ctx)
			} else {
				f.failAll(fmt.Errorf("feed disconnected: %w", err))
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		f.dispatch(env)
	}
}

// dispatch runs on the read goroutine so that batches reach handlers in
// arrival order.
func (f *RealtimeFeed) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventPong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			f.pendingMu.Lock()
			ch, ok := f.pendingPings[p.RequestID]
			if ok {
				delete(f.pendingPings, p.RequestID)
			}
			f.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case EventMessages:
		var p MessagesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			f.logger.Warn().Err(err).Msg("decode message changes")
			return
		}
		if s := f.lookup(p.SubscriptionID); s != nil && s.onMessages != nil {
			s.onMessages(MessageBatch{Initial: p.Initial, Changes: p.Changes}, nil)
		}
	case EventConversations:
		var p ConversationsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			f.logger.Warn().Err(err).Msg("decode conversation changes")
			return
		}
		if s := f.lookup(p.SubscriptionID); s != nil && s.onConversations != nil {
			s.onConversations(ConversationBatch{Initial: p.Initial, Changes: p.Changes}, nil)
		}
	case EventError:
		var p FeedErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if p.SubscriptionID == "" {
			f.logger.Warn().Str("error", p.Message).Msg("feed error")
			return
		}
		if s := f.remove(p.SubscriptionID); s != nil {
			s.fail(errors.New(p.Message))
		}
	default:
		f.logger.Debug().Str("type", env.Type).Msg("ignoring feed event")
	}
}

func (f *RealtimeFeed) lookup(id string) *feedSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id]
}

func (f *RealtimeFeed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() != StateConnected {
				return
			}
			if _, err := f.Ping(ctx); err != nil {
				f.mu.Lock()
				conn := f.conn
				f.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (f *RealtimeFeed) reconnect(ctx context.Context) {
	for f.recon.shouldReconnect() {
		delay := f.recon.nextDelay()
		f.setState(StateReconnecting)
		f.logger.Info().Int("attempt", f.recon.attempt).Dur("delay", delay).Msg("feed reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		f.mu.Lock()
		intentional := f.intentionalClose
		f.mu.Unlock()
		if intentional {
			return
		}
		// dial cancels ctx once the new connection is up.
		err := f.dial(context.WithoutCancel(ctx))
		if err == nil {
			return
		}
		f.logger.Warn().Err(err).Msg("feed reconnect failed")
	}
	f.setState(StateDisconnected)
	f.failAll(fmt.Errorf("feed reconnect gave up after %d attempts", f.recon.attempt))
}

// failAll terminates every subscription with err.
func (f *RealtimeFeed) failAll(err error) {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*feedSubscription)
	f.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

func (f *RealtimeFeed) clearPendingPings() {
	f.pendingMu.Lock()
	for k, ch := range f.pendingPings {
		close(ch)
		delete(f.pendingPings, k)
	}
	f.pendingMu.Unlock()
}
