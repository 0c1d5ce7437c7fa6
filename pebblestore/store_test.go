package pebblestore

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("chatsync", InMemory())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ids(msgs []*chatsync.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sent(id, cid string, ts time.Time) *chatsync.Message {
	return &chatsync.Message{ID: id, ConversationID: cid, SenderID: "alice", Content: "hi " + id, Timestamp: ts, Status: chatsync.StatusSent}
}

func pending(id, cid string, ts time.Time, retry int) *chatsync.Message {
	return &chatsync.Message{
		ID:             id,
		ConversationID: cid,
		SenderID:       "alice",
		Content:        "hi " + id,
		Timestamp:      ts,
		Status:         chatsync.StatusFailed,
		Delivery:       &chatsync.DeliveryState{RetryCount: retry, NextRetryAt: ts.Add(8 * time.Second), LastError: "unavailable"},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := openMem(t)
	m := sent("m1", "c1", t0)
	m.ReadBy = []string{"bob"}
	m.ReadTimestamps = map[string]time.Time{"bob": t0.Add(time.Minute)}
	m.Media = &chatsync.Media{URL: "https://cdn.example.com/v.mp4", Type: "video", Duration: 3 * time.Second}
	require.NoError(t, s.InsertMessage(m))

	got, err := s.Message("m1")
	require.NoError(t, err)
	assert.Equal(t, chatsync.StatusSent, got.Status)
	assert.True(t, got.Timestamp.Equal(t0))
	assert.Equal(t, []string{"bob"}, got.ReadBy)
	assert.True(t, got.ReadTimestamps["bob"].Equal(t0.Add(time.Minute)))
	assert.Equal(t, *m.Media, *got.Media)

	assert.ErrorIs(t, s.InsertMessage(sent("m1", "c1", t0)), chatsync.ErrDuplicate)
	_, err = s.Message("missing")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}

func TestMessagesByConversation(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.SaveMessages(
		sent("b", "c1", t0.Add(2*time.Second)),
		sent("a", "c1", t0.Add(2*time.Second)),
		sent("z", "c1", t0),
		sent("x", "c10", t0),
	))

	msgs, err := s.Messages(chatsync.MessageQuery{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b"}, ids(msgs))

	msgs, err = s.Messages(chatsync.MessageQuery{ConversationID: "c1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(msgs))

	t.Run("timestamp change moves the index entry", func(t *testing.T) {
		require.NoError(t, s.SaveMessages(sent("z", "c1", t0.Add(time.Hour))))
		msgs, err := s.Messages(chatsync.MessageQuery{ConversationID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "z"}, ids(msgs))
	})

	t.Run("last duplicate in a batch wins", func(t *testing.T) {
		first := sent("d", "c1", t0)
		second := sent("d", "c1", t0.Add(time.Second))
		second.Content = "second"
		require.NoError(t, s.SaveMessages(first, second))
		got, err := s.Message("d")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Content)
	})
}

func indexKeys(t *testing.T, s *Store) []string {
	t.Helper()
	var keys []string
	require.NoError(t, s.scan([]byte(prefixIndex), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	return keys
}

func TestIndexWithSlashesInIDs(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.SaveMessages(
		sent("m1", "a", t0),
		sent("m2", "a/b", t0),
		sent("x/1", "a", t0.Add(time.Second)),
	))

	msgs, err := s.Messages(chatsync.MessageQuery{ConversationID: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "x/1"}, ids(msgs))

	msgs, err = s.Messages(chatsync.MessageQuery{ConversationID: "a/b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(msgs))

	require.NoError(t, s.DeleteConversation("a"))
	_, err = s.Message("m2")
	assert.NoError(t, err)
	_, err = s.Message("x/1")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	assert.Len(t, indexKeys(t, s), 1)
}

func TestUndecodableRowLeavesNoIndexEntry(t *testing.T) {
	corrupt := func(t *testing.T, s *Store, id string) {
		t.Helper()
		require.NoError(t, s.db.Set(messageKey(id), []byte("{"), pebble.Sync))
		_, err := s.Message(id)
		require.Error(t, err)
	}

	t.Run("delete", func(t *testing.T) {
		s := openMem(t)
		require.NoError(t, s.SaveMessages(sent("m1", "c1", t0), sent("m2", "c1", t0.Add(time.Second))))
		corrupt(t, s, "m1")

		require.NoError(t, s.DeleteMessage("m1"))
		_, err := s.Message("m1")
		assert.ErrorIs(t, err, chatsync.ErrNotFound)
		assert.Len(t, indexKeys(t, s), 1)
	})

	t.Run("overwrite", func(t *testing.T) {
		s := openMem(t)
		require.NoError(t, s.SaveMessages(sent("m1", "c1", t0)))
		corrupt(t, s, "m1")

		require.NoError(t, s.SaveMessages(sent("m1", "c2", t0.Add(time.Hour))))
		assert.Equal(t, []string{string(indexKey(sent("m1", "c2", t0.Add(time.Hour))))}, indexKeys(t, s))
	})
}

func TestOutboxIndex(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.InsertMessage(pending("p1", "c1", t0, 1)))
	require.NoError(t, s.InsertMessage(pending("p2", "c2", t0.Add(time.Second), 3)))
	require.NoError(t, s.InsertMessage(sent("s1", "c1", t0)))

	msgs, err := s.Messages(chatsync.MessageQuery{LocalOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids(msgs))
	assert.Equal(t, 3, msgs[1].Delivery.RetryCount)

	acked := sent("p1", "c1", t0)
	require.NoError(t, s.SaveMessages(acked))
	require.NoError(t, s.DeleteMessage("p2"))
	require.NoError(t, s.DeleteMessage("never-existed"))

	msgs, err = s.Messages(chatsync.MessageQuery{LocalOnly: true})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = s.Messages(chatsync.MessageQuery{Statuses: []chatsync.Status{chatsync.StatusSent}})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "s1"}, ids(msgs))
}

func TestConversations(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.SaveConversations(
		&chatsync.Conversation{ID: "c1", Title: "One", ParticipantIDs: []string{"a", "b"}, LastMessageTimestamp: t0, UnreadCount: 2},
		&chatsync.Conversation{ID: "c2", Title: "Two", LastMessageTimestamp: t0.Add(time.Hour)},
	))
	require.NoError(t, s.SaveMessages(sent("m1", "c1", t0), sent("m2", "c2", t0)))
	require.NoError(t, s.InsertMessage(pending("m3", "c1", t0, 0)))

	convs, err := s.Conversations(0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
	assert.Equal(t, 2, convs[1].UnreadCount)

	require.NoError(t, s.DeleteConversation("c1"))
	_, err = s.Conversation("c1")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	_, err = s.Message("m1")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	local, err := s.Messages(chatsync.MessageQuery{LocalOnly: true})
	require.NoError(t, err)
	assert.Empty(t, local)
	_, err = s.Message("m2")
	assert.NoError(t, err)
}

func TestReopenKeepsPendingMessages(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.InsertMessage(pending("p1", "c1", t0, 5)))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	msgs, err := s.Messages(chatsync.MessageQuery{LocalOnly: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chatsync.StatusFailed, msgs[0].Status)
	assert.Equal(t, 5, msgs[0].Delivery.RetryCount)
	assert.Equal(t, "unavailable", msgs[0].Delivery.LastError)
}
