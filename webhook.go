package chatsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSignatureHeader carries "sha256=<hex hmac>" of the request body.
const WebhookSignatureHeader = "X-Chatsync-Signature"

// WebhookEventMessage is the only event a WebhookNotifier posts.
const WebhookEventMessage = "message.new"

// WebhookPayload is the JSON body posted for one notification.
type WebhookPayload struct {
	Source       string         `json:"source"`
	Event        string         `json:"event"`
	Timestamp    int64          `json:"timestamp"`
	Notification WebhookMessage `json:"notification"`
}

// WebhookMessage mirrors Notification on the wire.
type WebhookMessage struct {
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title,omitempty"`
	SenderID       string    `json:"senderId"`
	Preview        string    `json:"preview"`
	Timestamp      time.Time `json:"timestamp"`
	UnreadCount    int       `json:"unreadCount"`
}

// ============================================================================
// Signing
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload decodes and validates a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != "chatsync" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Notification.ConversationID == "" || payload.Notification.SenderID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (conversation, sender)")
	}
	return &payload, nil
}

// WebhookHandler verifies, parses, and hands webhook requests to fn. It is
// the receiving end of a WebhookNotifier.
func WebhookHandler(secret string, fn func(*WebhookPayload) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reply := func(status int, v any) {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(status)
			json.NewEncoder(rw).Encode(v)
		}
		if r.Method != http.MethodPost {
			reply(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			reply(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		if !VerifyWebhookSignature(body, r.Header.Get(WebhookSignatureHeader), secret) {
			reply(http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
		payload, err := ParseWebhookPayload(body)
		if err != nil {
			reply(http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := fn(payload); err != nil {
			reply(http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		reply(http.StatusOK, map[string]bool{"ok": true})
	})
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier posts signed notifications to an HTTP endpoint from a
// background worker. Notify never blocks; when the queue is full the
// notification is dropped.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger

	queue     chan Notification
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type WebhookOption func(*WebhookNotifier)

func WithWebhookHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.httpClient = c }
}

func WithWebhookLogger(l zerolog.Logger) WebhookOption {
	return func(w *WebhookNotifier) { w.logger = l.With().Str("component", "webhook").Logger() }
}

// WithWebhookQueue sets how many notifications may wait for delivery.
func WithWebhookQueue(n int) WebhookOption {
	return func(w *WebhookNotifier) { w.queue = make(chan Notification, n) }
}

// NewWebhookNotifier starts a notifier posting to url. Close stops it.
func NewWebhookNotifier(url, secret string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zerolog.Nop(),
		queue:      make(chan Notification, 64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *WebhookNotifier) Notify(_ context.Context, n Notification) {
	select {
	case <-w.done:
	case w.queue <- n:
	default:
		w.logger.Warn().Str("conversation_id", n.ConversationID).Msg("webhook queue full, dropping notification")
	}
}

// Close stops the worker. Queued notifications that were not posted yet are
// discarded.
func (w *WebhookNotifier) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

func (w *WebhookNotifier) run() {
	defer w.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.done
		cancel()
	}()
	for {
		select {
		case <-w.done:
			return
		case n := <-w.queue:
			if err := w.post(ctx, n); err != nil {
				w.logger.Warn().Err(err).Str("conversation_id", n.ConversationID).Msg("webhook post failed")
			}
		}
	}
}

func (w *WebhookNotifier) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(WebhookPayload{
		Source:    "chatsync",
		Event:     WebhookEventMessage,
		Timestamp: time.Now().UnixMilli(),
		Notification: WebhookMessage{
			ConversationID: n.ConversationID,
			Title:          n.Title,
			SenderID:       n.SenderID,
			Preview:        n.Preview,
			Timestamp:      n.Timestamp,
			UnreadCount:    n.UnreadCount,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(WebhookSignatureHeader, SignWebhookBody(body, w.secret))
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans a notification out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}
