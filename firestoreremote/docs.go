package firestoreremote

import (
	"time"

	"cloud.google.com/go/firestore"

	"github.com/LuminPulse-AI/chatsync"
)

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type mediaDoc struct {
	URL      string `firestore:"url"`
	Type     string `firestore:"type,omitempty"`
	Duration int64  `firestore:"duration_ms,omitempty"`
}

type messageDoc struct {
	ConversationID string               `firestore:"conversation_id"`
	SenderID       string               `firestore:"sender_id"`
	Content        string               `firestore:"content"`
	Timestamp      time.Time            `firestore:"timestamp"`
	ReadBy         []string             `firestore:"read_by,omitempty"`
	ReadTimestamps map[string]time.Time `firestore:"read_timestamps,omitempty"`
	Media          *mediaDoc            `firestore:"media,omitempty"`
}

type conversationDoc struct {
	Title                string         `firestore:"title"`
	ParticipantIDs       []string       `firestore:"participant_ids"`
	Type                 string         `firestore:"type"`
	LastMessagePreview   string         `firestore:"last_message_preview"`
	LastMessageTimestamp time.Time      `firestore:"last_message_timestamp"`
	LastSenderID         string         `firestore:"last_sender_id"`
	UnreadCounts         map[string]int `firestore:"unread_counts,omitempty"`
}

func (d messageDoc) toRemote(id, conversationID string) chatsync.RemoteMessage {
	m := chatsync.RemoteMessage{
		ID:             id,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Timestamp:      d.Timestamp,
		ReadBy:         d.ReadBy,
		ReadTimestamps: d.ReadTimestamps,
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if d.Media != nil {
		m.Media = &chatsync.Media{
			URL:      d.Media.URL,
			Type:     d.Media.Type,
			Duration: time.Duration(d.Media.Duration) * time.Millisecond,
		}
	}
	return m
}

func (d conversationDoc) toRemote(id string) chatsync.RemoteConversation {
	return chatsync.RemoteConversation{
		ID:                   id,
		Title:                d.Title,
		ParticipantIDs:       d.ParticipantIDs,
		Type:                 chatsync.ConversationType(d.Type),
		LastMessagePreview:   d.LastMessagePreview,
		LastMessageTimestamp: d.LastMessageTimestamp,
		LastSenderID:         d.LastSenderID,
		UnreadCounts:         d.UnreadCounts,
	}
}

// authoredFields is the merge payload of an upsert. It never contains receipts.
func authoredFields(m chatsync.RemoteMessage) map[string]any {
	fields := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"timestamp":       m.Timestamp,
	}
	if m.Media != nil {
		fields["media"] = map[string]any{
			"url":         m.Media.URL,
			"type":        m.Media.Type,
			"duration_ms": m.Media.Duration.Milliseconds(),
		}
	}
	return fields
}

// receiptUpdates records one reader. The field path form keeps user ids with
// dots intact.
func receiptUpdates(userID string, at time.Time) []firestore.Update {
	return []firestore.Update{
		{Path: "read_by", Value: firestore.ArrayUnion(userID)},
		{FieldPath: firestore.FieldPath{"read_timestamps", userID}, Value: at},
	}
}

func changeKind(k firestore.DocumentChangeKind) (chatsync.ChangeKind, bool) {
	switch k {
	case firestore.DocumentAdded:
		return chatsync.ChangeAdded, true
	case firestore.DocumentModified:
		return chatsync.ChangeModified, true
	case firestore.DocumentRemoved:
		return chatsync.ChangeRemoved, true
	default:
		return "", false
	}
}
