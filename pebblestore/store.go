// Package pebblestore is a durable chatsync.LocalStore backed by Pebble.
//
// Layout:
//
//	m/<id>                  message JSON
//	c/<cid>                 conversation JSON
//	x/<cid>/<ts>/<id>       per-conversation timestamp index (cid and id path-escaped)
//	o/<id>                  messages not yet acknowledged by the remote store
//
// Every write goes through a batch committed with pebble.Sync, so a message is
// on disk before the call that stored it returns.
package pebblestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync"
)

const (
	prefixMessage      = "m/"
	prefixConversation = "c/"
	prefixIndex        = "x/"
	prefixOutbox       = "o/"
)

// Option configures Open.
type Option func(*options)

type options struct {
	inMemory bool
	logger   zerolog.Logger
}

// InMemory keeps the database in memory. Nothing survives Close.
func InMemory() Option {
	return func(o *options) { o.inMemory = true }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Store implements chatsync.LocalStore.
type Store struct {
	db     *pebble.DB
	logger zerolog.Logger
}

var _ chatsync.LocalStore = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	po := &pebble.Options{}
	if o.inMemory {
		po.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		o.logger.Error().Err(err).Str("path", path).Msg("pebble open failed")
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	logger := o.logger.With().Str("component", "pebblestore").Logger()
	logger.Info().Str("path", path).Bool("in_memory", o.inMemory).Msg("pebble opened")
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.logger.Info().Msg("pebble closed")
	return nil
}

// ── Keys ─────────────────────────────────────────────────

func messageKey(id string) []byte { return []byte(prefixMessage + id) }

func conversationKey(id string) []byte { return []byte(prefixConversation + id) }

func outboxKey(id string) []byte { return []byte(prefixOutbox + id) }

// Index segments are path-escaped so an id holding "/" cannot reach into
// another conversation's range.
func indexPrefix(cid string) []byte { return []byte(prefixIndex + url.PathEscape(cid) + "/") }

// indexKey sorts by timestamp inside a conversation. Times before the epoch
// collapse to zero.
func indexKey(m *chatsync.Message) []byte {
	ts := max(m.Timestamp.UnixNano(), 0)
	return []byte(fmt.Sprintf("%s%020d/%s", indexPrefix(m.ConversationID), ts, url.PathEscape(m.ID)))
}

// indexedID returns the message id at the end of an index key.
func indexedID(key []byte) string {
	i := bytes.LastIndexByte(key, '/')
	id, err := url.PathUnescape(string(key[i+1:]))
	if err != nil {
		return string(key[i+1:])
	}
	return id
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ── Low-level helpers ────────────────────────────────────

func (s *Store) get(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return chatsync.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// scan calls fn with every key (and value) under prefix.
func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return errors.Join(iter.Error(), iter.Close())
}

func (s *Store) commit(b *pebble.Batch) error {
	defer b.Close()
	return b.Commit(pebble.Sync)
}

// ── Messages ─────────────────────────────────────────────

func (s *Store) Message(id string) (*chatsync.Message, error) {
	var m chatsync.Message
	if err := s.get(messageKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) Messages(q chatsync.MessageQuery) ([]*chatsync.Message, error) {
	var ids []string
	switch {
	case q.ConversationID != "":
		err := s.scan(indexPrefix(q.ConversationID), func(key, _ []byte) error {
			ids = append(ids, indexedID(key))
			return nil
		})
		if err != nil {
			return nil, err
		}
	case q.LocalOnly:
		prefix := []byte(prefixOutbox)
		err := s.scan(prefix, func(key, _ []byte) error {
			ids = append(ids, string(key[len(prefix):]))
			return nil
		})
		if err != nil {
			return nil, err
		}
	default:
		var result []*chatsync.Message
		err := s.scan([]byte(prefixMessage), func(key, value []byte) error {
			var m chatsync.Message
			if err := json.Unmarshal(value, &m); err != nil {
				s.logger.Warn().Err(err).Str("key", string(key)).Msg("skip undecodable message")
				return nil
			}
			if q.Match(&m) {
				result = append(result, &m)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return chatsync.SortMessages(result, q.Limit), nil
	}

	result := make([]*chatsync.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.Message(id)
		if errors.Is(err, chatsync.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", id).Msg("skip undecodable message")
			continue
		}
		if q.Match(m) {
			result = append(result, m)
		}
	}
	return chatsync.SortMessages(result, q.Limit), nil
}

func (s *Store) InsertMessage(m *chatsync.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, closer, err := s.db.Get(messageKey(m.ID))
	if err == nil {
		closer.Close()
		return chatsync.ErrDuplicate
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	b := s.db.NewBatch()
	if err := s.stage(b, m); err != nil {
		b.Close()
		return err
	}
	return s.commit(b)
}

// SaveMessages writes every row in one synced batch. When the same id occurs
// more than once the last occurrence wins.
func (s *Store) SaveMessages(msgs ...*chatsync.Message) error {
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	last := make(map[string]*chatsync.Message, len(msgs))
	for _, m := range msgs {
		last[m.ID] = m
	}
	b := s.db.NewBatch()
	for _, m := range last {
		if err := s.stage(b, m); err != nil {
			b.Close()
			return err
		}
	}
	return s.commit(b)
}

// stage adds m and its index entries to b, dropping stale entries of the
// previous version.
func (s *Store) stage(b *pebble.Batch, m *chatsync.Message) error {
	prev, err := s.Message(m.ID)
	switch {
	case err == nil:
		if prev.ConversationID != m.ConversationID || !prev.Timestamp.Equal(m.Timestamp) {
			if err := b.Delete(indexKey(prev), nil); err != nil {
				return err
			}
		}
	case errors.Is(err, chatsync.ErrNotFound):
	default:
		// An undecodable previous row is overwritten.
		s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("overwrite undecodable message")
		if err := s.dropIndexEntries(b, m.ID); err != nil {
			return err
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	if err := b.Set(messageKey(m.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(indexKey(m), nil, nil); err != nil {
		return err
	}
	if m.IsLocalOnly() {
		return b.Set(outboxKey(m.ID), nil, nil)
	}
	return b.Delete(outboxKey(m.ID), nil)
}

func (s *Store) DeleteMessage(id string) error {
	m, err := s.Message(id)
	if errors.Is(err, chatsync.ErrNotFound) {
		return nil
	}
	b := s.db.NewBatch()
	if err == nil {
		err = b.Delete(indexKey(m), nil)
	} else {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("delete undecodable message")
		err = s.dropIndexEntries(b, id)
	}
	if err != nil {
		b.Close()
		return err
	}
	if err := errors.Join(b.Delete(messageKey(id), nil), b.Delete(outboxKey(id), nil)); err != nil {
		b.Close()
		return err
	}
	return s.commit(b)
}

// dropIndexEntries stages the removal of every index entry naming id. It scans
// the whole index and is only used when the stored row cannot tell where its
// entry lives.
func (s *Store) dropIndexEntries(b *pebble.Batch, id string) error {
	return s.scan([]byte(prefixIndex), func(key, _ []byte) error {
		if indexedID(key) != id {
			return nil
		}
		return b.Delete(append([]byte(nil), key...), nil)
	})
}

// ── Conversations ────────────────────────────────────────

func (s *Store) Conversation(id string) (*chatsync.Conversation, error) {
	var c chatsync.Conversation
	if err := s.get(conversationKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) Conversations(limit int) ([]*chatsync.Conversation, error) {
	var result []*chatsync.Conversation
	err := s.scan([]byte(prefixConversation), func(key, value []byte) error {
		var c chatsync.Conversation
		if err := json.Unmarshal(value, &c); err != nil {
			s.logger.Warn().Err(err).Str("key", string(key)).Msg("skip undecodable conversation")
			return nil
		}
		result = append(result, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chatsync.SortConversations(result, limit), nil
}

func (s *Store) SaveConversations(convs ...*chatsync.Conversation) error {
	b := s.db.NewBatch()
	for _, c := range convs {
		data, err := json.Marshal(c)
		if err != nil {
			b.Close()
			return fmt.Errorf("encode conversation %s: %w", c.ID, err)
		}
		if err := b.Set(conversationKey(c.ID), data, nil); err != nil {
			b.Close()
			return err
		}
	}
	return s.commit(b)
}

// DeleteConversation removes the conversation and every message it indexes.
func (s *Store) DeleteConversation(id string) error {
	b := s.db.NewBatch()
	prefix := indexPrefix(id)
	err := s.scan(prefix, func(key, _ []byte) error {
		mid := indexedID(key)
		if err := errors.Join(b.Delete(messageKey(mid), nil), b.Delete(outboxKey(mid), nil)); err != nil {
			return err
		}
		return b.Delete(append([]byte(nil), key...), nil)
	})
	if err == nil {
		err = b.Delete(conversationKey(id), nil)
	}
	if err != nil {
		b.Close()
		return err
	}
	return s.commit(b)
}
