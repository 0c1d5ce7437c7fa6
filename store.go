package chatsync

import (
	"slices"
	"sort"
	"sync"
)

// MessageQuery filters and orders a message fetch. Results are ascending by
// Timestamp (ties by ID). A positive Limit keeps the newest Limit rows.
type MessageQuery struct {
	ConversationID string
	Statuses       []Status
	LocalOnly      bool
	Filter         func(*Message) bool
	Limit          int
}

// Match reports whether m satisfies every set criterion.
func (q MessageQuery) Match(m *Message) bool {
	if q.ConversationID != "" && m.ConversationID != q.ConversationID {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, m.Status) {
		return false
	}
	if q.LocalOnly && !m.IsLocalOnly() {
		return false
	}
	if q.Filter != nil && !q.Filter(m) {
		return false
	}
	return true
}

// SortMessages orders msgs ascending by timestamp, then id, and applies limit.
func SortMessages(msgs []*Message, limit int) []*Message {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// SortConversations orders convs by most recent activity and applies limit.
func SortConversations(convs []*Conversation, limit int) []*Conversation {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageTimestamp.Equal(convs[j].LastMessageTimestamp) {
			return convs[i].LastMessageTimestamp.After(convs[j].LastMessageTimestamp)
		}
		return convs[i].ID < convs[j].ID
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs
}

// LocalStore is the durable on-device store. The engine only touches it from
// its Owner goroutine. Returned values are copies.
type LocalStore interface {
	Message(id string) (*Message, error)
	Messages(q MessageQuery) ([]*Message, error)
	// InsertMessage fails with ErrDuplicate when the id exists.
	InsertMessage(m *Message) error
	// SaveMessages upserts all rows atomically.
	SaveMessages(msgs ...*Message) error
	DeleteMessage(id string) error

	Conversation(id string) (*Conversation, error)
	Conversations(limit int) ([]*Conversation, error)
	SaveConversations(convs ...*Conversation) error
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(id string) error

	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory LocalStore.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]*Message
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]*Message),
		conversations: make(map[string]*Conversation),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) Message(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Messages(q MessageQuery) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Message
	for _, m := range s.messages {
		if q.Match(m) {
			result = append(result, m.Clone())
		}
	}
	return SortMessages(result, q.Limit), nil
}

func (s *MemoryStore) InsertMessage(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return ErrDuplicate
	}
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) SaveMessages(msgs ...*Message) error {
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m.Clone()
	}
	return nil
}

func (s *MemoryStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStore) Conversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Conversations(limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, c.Clone())
	}
	return SortConversations(result, limit), nil
}

func (s *MemoryStore) SaveConversations(convs ...*Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = c.Clone()
	}
	return nil
}

func (s *MemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
