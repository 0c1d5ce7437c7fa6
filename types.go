package chatsync

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned by a LocalStore when a row does not exist.
	ErrNotFound = errors.New("chatsync: not found")
	// ErrDuplicate is returned when inserting a message whose id already exists.
	ErrDuplicate = errors.New("chatsync: duplicate id")
	// ErrStopped is returned by operations on a stopped component.
	ErrStopped = errors.New("chatsync: stopped")
	// ErrInvalidMessage wraps every Validate failure.
	ErrInvalidMessage = errors.New("chatsync: invalid message")
)

// ============================================================================
// Message
// ============================================================================

// Media is an opaque attachment reference. The engine stores and forwards it
// without interpreting it.
type Media struct {
	URL      string        `json:"url"`
	Type     string        `json:"type,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// DeliveryState is the retry bookkeeping of a message that has not been
// confirmed by the remote store. It is nil on every other message.
type DeliveryState struct {
	RetryCount  int       `json:"retryCount"`
	NextRetryAt time.Time `json:"nextRetryAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Message is the local replica of a chat message.
type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversationId"`
	SenderID       string               `json:"senderId"`
	Content        string               `json:"content"`
	Timestamp      time.Time            `json:"timestamp"`
	Status         Status               `json:"status"`
	ReadBy         []string             `json:"readBy,omitempty"`
	ReadTimestamps map[string]time.Time `json:"readTimestamps,omitempty"`
	Media          *Media               `json:"media,omitempty"`
	Delivery       *DeliveryState       `json:"delivery,omitempty"`

	// Computed on this device, never part of the remote payload.
	SenderName  string `json:"senderName,omitempty"`
	Translation string `json:"translation,omitempty"`
}

// IsLocalOnly reports whether the remote store has not yet acknowledged the message.
func (m *Message) IsLocalOnly() bool {
	return m.Status.localOnly()
}

// Validate checks the invariants that tie Status to the delivery bookkeeping.
func (m *Message) Validate() error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("%w: id and conversation are required", ErrInvalidMessage)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %d", ErrInvalidMessage, m.Status)
	}
	if m.IsLocalOnly() != (m.Delivery != nil) {
		return fmt.Errorf("%w: %s message with delivery state %v", ErrInvalidMessage, m.Status, m.Delivery != nil)
	}
	return nil
}

// HasReceiptFrom reports whether userID has acknowledged the message.
func (m *Message) HasReceiptFrom(userID string) bool {
	if slices.Contains(m.ReadBy, userID) {
		return true
	}
	_, ok := m.ReadTimestamps[userID]
	return ok
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	if m.ReadTimestamps != nil {
		c.ReadTimestamps = make(map[string]time.Time, len(m.ReadTimestamps))
		for k, v := range m.ReadTimestamps {
			c.ReadTimestamps[k] = v
		}
	}
	if m.Media != nil {
		media := *m.Media
		c.Media = &media
	}
	if m.Delivery != nil {
		d := *m.Delivery
		c.Delivery = &d
	}
	return &c
}

// Draft is a message authored on this device, before it is stored.
type Draft struct {
	ConversationID string
	Content        string
	Media          *Media
}

// ============================================================================
// Conversation
// ============================================================================

// ConversationType distinguishes one-to-one from group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is the local replica of a conversation and its denormalized
// last-message fields.
type Conversation struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title,omitempty"`
	ParticipantIDs       []string         `json:"participantIds"`
	Type                 ConversationType `json:"type"`
	LastMessagePreview   string           `json:"lastMessagePreview,omitempty"`
	LastMessageTimestamp time.Time        `json:"lastMessageTimestamp,omitempty"`
	LastSenderID         string           `json:"lastSenderId,omitempty"`
	UnreadCount          int              `json:"unreadCount"`
	Placeholder          bool             `json:"placeholder,omitempty"`
}

// OtherParticipants returns the participants except userID, in order.
func (c *Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, p := range c.ParticipantIDs {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	cc := *c
	cc.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	return &cc
}

func conversationTypeFor(participantIDs []string) ConversationType {
	if len(participantIDs) > 2 {
		return ConversationGroup
	}
	return ConversationDirect
}

// dedupe keeps the first occurrence of every id.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// ============================================================================
// Remote documents
// ============================================================================

// ChangeKind is the kind of a change-feed event.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// RemoteMessage is the message document held by the remote store.
type RemoteMessage struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversationId"`
	SenderID       string               `json:"senderId"`
	Content        string               `json:"content"`
	Timestamp      time.Time            `json:"timestamp"`
	ReadBy         []string             `json:"readBy,omitempty"`
	ReadTimestamps map[string]time.Time `json:"readTimestamps,omitempty"`
	Media          *Media               `json:"media,omitempty"`
}

// RemoteConversation is the conversation document held by the remote store.
type RemoteConversation struct {
	ID                   string           `json:"id"`
	Title                string           `json:"title,omitempty"`
	ParticipantIDs       []string         `json:"participantIds"`
	Type                 ConversationType `json:"type,omitempty"`
	LastMessagePreview   string           `json:"lastMessagePreview,omitempty"`
	LastMessageTimestamp time.Time        `json:"lastMessageTimestamp,omitempty"`
	LastSenderID         string           `json:"lastSenderId,omitempty"`
	UnreadCounts         map[string]int   `json:"unreadCounts,omitempty"`
}

// MessageChange is one event of a message change feed.
type MessageChange struct {
	Kind    ChangeKind    `json:"kind"`
	Message RemoteMessage `json:"message"`
}

// MessageBatch is one snapshot delivered by a message feed.
type MessageBatch struct {
	Initial bool            `json:"initial"`
	Changes []MessageChange `json:"changes"`
}

// ConversationChange is one event of a conversation change feed.
type ConversationChange struct {
	Kind         ChangeKind         `json:"kind"`
	Conversation RemoteConversation `json:"conversation"`
}

// ConversationBatch is one snapshot delivered by a conversation feed.
type ConversationBatch struct {
	Initial bool                 `json:"initial"`
	Changes []ConversationChange `json:"changes"`
}

// toRemote returns the authored fields of a local message. Receipts are never
// written by the author.
func toRemote(m *Message) RemoteMessage {
	rm := RemoteMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
	}
	if m.Media != nil {
		media := *m.Media
		rm.Media = &media
	}
	return rm
}
