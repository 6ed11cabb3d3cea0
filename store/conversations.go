package store

import (
	"errors"
	"fmt"

	"github.com/arbor-im/arbor/ids"
)

func (s *Store) CreateConversation(c *Conversation) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = s.clock.CurrentTimeMs()
	}
	var groupID interface{}
	if c.GroupID != nil {
		groupID = *c.GroupID
	}
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO conversations (id, group_id, kind, title, picture, last_read_at, active, inactive_reason, degraded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, groupID, c.Kind, c.Title, c.Picture, c.LastReadAt, c.Active, c.InactiveReason, c.Degraded, c.CreatedAt); err != nil {
		return fmt.Errorf("store: error inserting conversation: %w", err)
	}
	s.touch(KindConversation, ids.IDFromBytes(c.ID), OpAdded)
	return nil
}

func (s *Store) Conversation(id ids.ID) (*Conversation, error) {
	c := &Conversation{}
	if err := s.DB.Tx.Get(c, "SELECT * FROM conversations WHERE id = $1", id[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("conversation %x", id))
	}
	return c, nil
}

func (s *Store) ConversationByGroup(groupID ids.ID) (*Conversation, error) {
	c := &Conversation{}
	if err := s.DB.Tx.Get(c, "SELECT * FROM conversations WHERE group_id = $1", groupID[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("conversation for group %x", groupID))
	}
	return c, nil
}

func (s *Store) Conversations() ([]*Conversation, error) {
	convs := []*Conversation{}
	if err := s.DB.Tx.Select(&convs, "SELECT * FROM conversations ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("store: error selecting conversations: %w", err)
	}
	return convs, nil
}

func (s *Store) SetConversationGroup(id, groupID ids.ID) error {
	if _, err := s.DB.Tx.Exec("UPDATE conversations SET group_id = $1 WHERE id = $2", groupID[:], id[:]); err != nil {
		return fmt.Errorf("store: error setting conversation group: %w", err)
	}
	s.touch(KindConversation, id, OpUpdated)
	return nil
}

func (s *Store) SetConversationTitle(id ids.ID, title string) error {
	if _, err := s.DB.Tx.Exec("UPDATE conversations SET title = $1 WHERE id = $2", title, id[:]); err != nil {
		return fmt.Errorf("store: error setting conversation title: %w", err)
	}
	s.touch(KindConversation, id, OpUpdated)
	return nil
}

func (s *Store) SetConversationPicture(id ids.ID, picture []byte) error {
	if _, err := s.DB.Tx.Exec("UPDATE conversations SET picture = $1 WHERE id = $2", picture, id[:]); err != nil {
		return fmt.Errorf("store: error setting conversation picture: %w", err)
	}
	s.touch(KindConversation, id, OpUpdated)
	return nil
}

func (s *Store) SetLastRead(id ids.ID, at uint64) error {
	if _, err := s.DB.Tx.Exec("UPDATE conversations SET last_read_at = $1 WHERE id = $2", at, id[:]); err != nil {
		return fmt.Errorf("store: error setting last read: %w", err)
	}
	s.touch(KindConversation, id, OpUpdated)
	return nil
}

func (s *Store) MarkConversationInactive(id ids.ID, reason string) error {
	if _, err := s.DB.Tx.Exec(
		"UPDATE conversations SET active = 0, inactive_reason = $1 WHERE id = $2", reason, id[:]); err != nil {
		return fmt.Errorf("store: error marking conversation inactive: %w", err)
	}
	s.touch(KindConversation, id, OpUpdated)
	return nil
}

// MarkConversationDegraded flags a conversation whose group failed
// cryptographic verification. The conversation stays readable.
func (s *Store) MarkConversationDegraded(groupID ids.ID) error {
	c, err := s.ConversationByGroup(groupID)
	if err != nil {
		return err
	}
	if _, err := s.DB.Tx.Exec("UPDATE conversations SET degraded = 1 WHERE id = $1", c.ID); err != nil {
		return fmt.Errorf("store: error marking conversation degraded: %w", err)
	}
	s.touch(KindConversation, ids.IDFromBytes(c.ID), OpUpdated)
	return nil
}

// DeleteConversation removes a conversation and everything hanging off it.
// Messages, statuses, edits, drafts, attachments and contact rows cascade;
// repeating the delete is a no-op.
func (s *Store) DeleteConversation(id ids.ID) error {
	c, err := s.Conversation(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// already gone; idempotent
			return nil
		}
		return err
	}
	if _, err := s.DB.Tx.Exec("DELETE FROM conversations WHERE id = $1", id[:]); err != nil {
		return fmt.Errorf("store: error deleting conversation: %w", err)
	}
	if c.GroupID != nil {
		if err := s.DeleteGroup(ids.IDFromBytes(*c.GroupID)); err != nil {
			return err
		}
	}
	s.touch(KindConversation, id, OpRemoved)
	return nil
}

// UnreadCount counts messages after the conversation's last-read marker which
// were not authored by the local user.
func (s *Store) UnreadCount(id, selfID ids.ID) (int, error) {
	var count int
	if err := s.DB.Tx.Get(&count, `
		SELECT COUNT(*) FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1 AND m.sent_at > c.last_read_at AND m.sender_id != $2`,
		id[:], selfID[:]); err != nil {
		return 0, fmt.Errorf("store: error counting unread: %w", err)
	}
	return count, nil
}
