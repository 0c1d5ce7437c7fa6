// Package chatsync is a local-first message synchronization and delivery
// engine.
//
// Messages are written to a durable local store first and delivered to a
// remote document backend by a DeliveryQueue that survives restarts and
// offline periods. A Reconciler mirrors the open conversation back from the
// remote feed, and an Aggregator keeps the conversation list and unread
// counts current.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com", token)
//	monitor := chatsync.NewMonitor(chatsync.DialProbe("chat.example.com:443", 3*time.Second))
//	engine := chatsync.NewEngine(chatsync.NewMemoryStore(), client, monitor)
//	engine.Start(ctx, "user-1")
//	engine.OpenConversation(ctx, "conv-1")
//	engine.Send(ctx, chatsync.Draft{ConversationID: "conv-1", Content: "Hello!"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend over its HTTP API and its WebSocket change
// feed. It implements Remote.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	realtime   RealtimeConfig
	monitor    *Monitor
	logger     zerolog.Logger
	feed       *RealtimeFeed
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRealtimeConfig tunes the change feed connection.
func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

// WithLinkMonitor reports the feed connection state to m.
func WithLinkMonitor(m *Monitor) ClientOption {
	return func(c *Client) { c.monitor = m }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l.With().Str("component", "client").Logger() }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		realtime: RealtimeConfig{AutoReconnect: true},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.realtime.Token = c.token
	c.feed = newRealtimeFeed(c.baseURL, c.realtime, c.monitor, c.logger)
	return c
}

// Feed returns the WebSocket change feed shared by every subscription.
func (c *Client) Feed() *RealtimeFeed {
	return c.feed
}

// Close disconnects the change feed.
func (c *Client) Close() error {
	return c.feed.Disconnect()
}

// ============================================================================
// Errors
// ============================================================================

// APIError is a non-2xx response of the backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chatsync: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chatsync: http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is maps 404 responses to ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Remote
// ============================================================================

func messagePath(conversationID string) string {
	return "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// UpsertMessage stores the authored fields of m at its id. Repeating the call
// is harmless.
func (c *Client) UpsertMessage(ctx context.Context, m RemoteMessage) error {
	m.ReadBy = nil
	m.ReadTimestamps = nil
	_, err := c.doRequest(ctx, http.MethodPut, messagePath(m.ConversationID)+"/"+url.PathEscape(m.ID), m, nil)
	return err
}

type messageList struct {
	Messages []RemoteMessage `json:"messages"`
}

// FetchMessages returns the most recent limit messages, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, messagePath(conversationID), nil, q)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[messageList](data)
	if err != nil {
		return nil, err
	}
	for i := range list.Messages {
		if list.Messages[i].ConversationID == "" {
			list.Messages[i].ConversationID = conversationID
		}
	}
	return list.Messages, nil
}

type readRequest struct {
	UserID     string    `json:"userId"`
	MessageIDs []string  `json:"messageIds"`
	At         time.Time `json:"at"`
}

// MarkRead records userID's receipt on messageIDs and clears its unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read",
		readRequest{UserID: userID, MessageIDs: messageIDs, At: at}, nil)
	return err
}

type userProfile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LookupUserName returns the display name of userID.
func (c *Client) LookupUserName(ctx context.Context, userID string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return "", err
	}
	p, err := decodeJSON[userProfile](data)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// SubscribeMessages subscribes to one conversation over the change feed.
func (c *Client) SubscribeMessages(ctx context.Context, conversationID string, h MessageFeedHandler) (Subscription, error) {
	return c.feed.SubscribeMessages(ctx, conversationID, h)
}

// SubscribeConversations subscribes to the conversation list of userID.
func (c *Client) SubscribeConversations(ctx context.Context, userID string, h ConversationFeedHandler) (Subscription, error) {
	return c.feed.SubscribeConversations(ctx, userID, h)
}
