package store

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
)

func (s *Store) InsertMessage(m *Message) error {
	var protocolID interface{}
	if m.ProtocolMessageID != nil {
		protocolID = *m.ProtocolMessageID
	}
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, kind, body, protocol_message_id, status, sent_at, edited_at, logical_clock)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9)`,
		m.ID, m.ConversationID, m.SenderID, m.Kind, m.Body, protocolID, m.Status, m.SentAt, m.LogicalClock); err != nil {
		return fmt.Errorf("store: error inserting message: %w", err)
	}
	s.touch(KindMessage, ids.IDFromBytes(m.ID), OpAdded)
	return nil
}

func (s *Store) Message(id ids.ID) (*Message, error) {
	m := &Message{}
	if err := s.DB.Tx.Get(m, "SELECT * FROM messages WHERE id = $1", id[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("message %x", id))
	}
	return m, nil
}

func (s *Store) MessageByProtocolID(protocolID []byte) (*Message, error) {
	m := &Message{}
	if err := s.DB.Tx.Get(m, "SELECT * FROM messages WHERE protocol_message_id = $1", protocolID); err != nil {
		return nil, notFound(err, "message by protocol id")
	}
	return m, nil
}

func (s *Store) Messages(conversationID ids.ID, limit int) ([]*Message, error) {
	messages := []*Message{}
	if err := s.DB.Tx.Select(&messages,
		"SELECT * FROM messages WHERE conversation_id = $1 ORDER BY sent_at DESC LIMIT $2",
		conversationID[:], limit); err != nil {
		return nil, fmt.Errorf("store: error selecting messages: %w", err)
	}
	return messages, nil
}

// NextLogicalClock allocates the next logical clock value for a
// conversation's message ordering.
func (s *Store) NextLogicalClock(conversationID ids.ID) (uint64, error) {
	var clock uint64
	if err := s.DB.Tx.Get(&clock,
		"SELECT COALESCE(MAX(logical_clock), 0) + 1 FROM messages WHERE conversation_id = $1",
		conversationID[:]); err != nil {
		return 0, fmt.Errorf("store: error reading logical clock: %w", err)
	}
	return clock, nil
}

// UnreadForeignUpTo lists messages up to a point in time which were not
// authored by the local user, for read-receipt fanout.
func (s *Store) UnreadForeignUpTo(conversationID, selfID ids.ID, sentAt uint64) ([]*Message, error) {
	messages := []*Message{}
	if err := s.DB.Tx.Select(&messages, `
		SELECT m.* FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1 AND m.sender_id != $2
			AND m.sent_at > c.last_read_at AND m.sent_at <= $3`,
		conversationID[:], selfID[:], sentAt); err != nil {
		return nil, fmt.Errorf("store: error selecting unread messages: %w", err)
	}
	return messages, nil
}

// InsertMessageEdit records an edit in the history without touching the live
// content, for edits which lost their conflict check.
func (s *Store) InsertMessageEdit(e *MessageEdit) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO message_edits (id, message_id, body, logical_clock, created_at) VALUES ($1, $2, $3, $4, $5)",
		e.ID, e.MessageID, e.Body, e.LogicalClock, e.CreatedAt); err != nil {
		return fmt.Errorf("store: error inserting message edit: %w", err)
	}
	return nil
}

func (s *Store) LatestEdit(messageID ids.ID) (*MessageEdit, error) {
	e := &MessageEdit{}
	if err := s.DB.Tx.Get(e,
		"SELECT * FROM message_edits WHERE message_id = $1 ORDER BY logical_clock DESC, id DESC LIMIT 1",
		messageID[:]); err != nil {
		return nil, notFound(err, "latest edit")
	}
	return e, nil
}

// ApplyEdit appends to the append-only edit history and swaps the live
// content. The caller has already decided the edit wins its conflict check.
func (s *Store) ApplyEdit(e *MessageEdit) error {
	if err := s.InsertMessageEdit(e); err != nil {
		return err
	}
	if _, err := s.DB.Tx.Exec(
		"UPDATE messages SET body = $1, edited_at = $2, logical_clock = $3 WHERE id = $4",
		e.Body, e.CreatedAt, e.LogicalClock, e.MessageID); err != nil {
		return fmt.Errorf("store: error updating message body: %w", err)
	}
	s.touch(KindMessage, ids.IDFromBytes(e.MessageID), OpUpdated)
	return nil
}

func (s *Store) MessageEdits(messageID ids.ID) ([]*MessageEdit, error) {
	edits := []*MessageEdit{}
	if err := s.DB.Tx.Select(&edits,
		"SELECT * FROM message_edits WHERE message_id = $1 ORDER BY logical_clock, id", messageID[:]); err != nil {
		return nil, fmt.Errorf("store: error selecting message edits: %w", err)
	}
	return edits, nil
}

// UpsertMessageStatus ORs new status bits into the per-recipient row, then
// recomputes the message's aggregated bitset as the OR over all recipients.
// Bits only ever accumulate, so out-of-order and regressed reports are
// harmless.
func (s *Store) UpsertMessageStatus(messageID, userID ids.ID, bits int, at uint64) error {
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO message_status (message_id, user_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO UPDATE SET status = status | $3, updated_at = $4`,
		messageID[:], userID[:], bits, at); err != nil {
		return fmt.Errorf("store: error upserting message status: %w", err)
	}

	var statuses []int
	if err := s.DB.Tx.Select(&statuses,
		"SELECT status FROM message_status WHERE message_id = $1", messageID[:]); err != nil {
		return fmt.Errorf("store: error selecting statuses: %w", err)
	}
	aggregated := 0
	for _, st := range statuses {
		aggregated |= st
	}
	if _, err := s.DB.Tx.Exec("UPDATE messages SET status = status | $1 WHERE id = $2", aggregated, messageID[:]); err != nil {
		return fmt.Errorf("store: error updating aggregated status: %w", err)
	}
	s.touch(KindMessage, messageID, OpUpdated)
	return nil
}

func (s *Store) MessageStatuses(messageID ids.ID) ([]*MessageStatus, error) {
	statuses := []*MessageStatus{}
	if err := s.DB.Tx.Select(&statuses,
		"SELECT * FROM message_status WHERE message_id = $1", messageID[:]); err != nil {
		return nil, fmt.Errorf("store: error selecting message statuses: %w", err)
	}
	return statuses, nil
}

// SetDraft replaces the conversation's draft in place; at most one exists.
func (s *Store) SetDraft(d *Draft) error {
	var editing interface{}
	if d.EditingMessageID != nil {
		editing = *d.EditingMessageID
	}
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO drafts (conversation_id, body, editing_message_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET body = $2, editing_message_id = $3, updated_at = $4`,
		d.ConversationID, d.Body, editing, d.UpdatedAt); err != nil {
		return fmt.Errorf("store: error setting draft: %w", err)
	}
	s.touch(KindConversation, ids.IDFromBytes(d.ConversationID), OpUpdated)
	return nil
}

func (s *Store) Draft(conversationID ids.ID) (*Draft, error) {
	d := &Draft{}
	if err := s.DB.Tx.Get(d, "SELECT * FROM drafts WHERE conversation_id = $1", conversationID[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("draft for %x", conversationID))
	}
	return d, nil
}

func (s *Store) DeleteDraft(conversationID ids.ID) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM drafts WHERE conversation_id = $1", conversationID[:]); err != nil {
		return fmt.Errorf("store: error deleting draft: %w", err)
	}
	s.touch(KindConversation, conversationID, OpUpdated)
	return nil
}
