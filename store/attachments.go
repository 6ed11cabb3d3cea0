package store

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
)

func (s *Store) InsertAttachment(a *Attachment) error {
	var messageID interface{}
	if len(a.MessageID) > 0 {
		messageID = a.MessageID
	}
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO attachments (id, message_id, conversation_id, status, filename, content_type, size, ref, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, messageID, a.ConversationID, a.Status, a.Filename, a.ContentType, a.Size, a.Ref, a.Content); err != nil {
		return fmt.Errorf("store: error inserting attachment: %w", err)
	}
	s.touch(KindAttachment, ids.IDFromBytes(a.ID), OpAdded)
	return nil
}

// BindAttachmentMessage attaches an uploaded outgoing attachment to the
// message which carries it and marks it available.
func (s *Store) BindAttachmentMessage(id, messageID ids.ID, ref string) error {
	if _, err := s.DB.Tx.Exec(
		"UPDATE attachments SET message_id = $1, ref = $2, status = $3 WHERE id = $4",
		messageID[:], ref, AttachmentAvailable, id[:]); err != nil {
		return fmt.Errorf("store: error binding attachment: %w", err)
	}
	s.touch(KindAttachment, id, OpUpdated)
	return nil
}

func (s *Store) Attachment(id ids.ID) (*Attachment, error) {
	a := &Attachment{}
	if err := s.DB.Tx.Get(a, "SELECT * FROM attachments WHERE id = $1", id[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("attachment %x", id))
	}
	return a, nil
}

func (s *Store) Attachments(messageID ids.ID) ([]*Attachment, error) {
	attachments := []*Attachment{}
	if err := s.DB.Tx.Select(&attachments,
		"SELECT * FROM attachments WHERE message_id = $1", messageID[:]); err != nil {
		return nil, fmt.Errorf("store: error selecting attachments: %w", err)
	}
	return attachments, nil
}

func (s *Store) SetAttachmentStatus(id ids.ID, status int) error {
	if _, err := s.DB.Tx.Exec("UPDATE attachments SET status = $1 WHERE id = $2", status, id[:]); err != nil {
		return fmt.Errorf("store: error updating attachment status: %w", err)
	}
	s.touch(KindAttachment, id, OpUpdated)
	return nil
}

// CompleteAttachment records verified content and discards the download
// bookkeeping in the same transaction.
func (s *Store) CompleteAttachment(id ids.ID, content []byte) error {
	if _, err := s.DB.Tx.Exec(
		"UPDATE attachments SET status = $1, content = $2 WHERE id = $3",
		AttachmentAvailable, content, id[:]); err != nil {
		return fmt.Errorf("store: error completing attachment: %w", err)
	}
	if err := s.DeletePendingAttachment(id); err != nil {
		return err
	}
	s.touch(KindAttachment, id, OpUpdated)
	return nil
}

func (s *Store) InsertPendingAttachment(p *PendingAttachment) error {
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO pending_attachments (attachment_id, enc_key, nonce, hash, size, next_offset, partial)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.AttachmentID, p.EncKey, p.Nonce, p.Hash, p.Size, p.NextOffset, p.Partial); err != nil {
		return fmt.Errorf("store: error inserting pending attachment: %w", err)
	}
	return nil
}

func (s *Store) PendingAttachment(id ids.ID) (*PendingAttachment, error) {
	p := &PendingAttachment{}
	if err := s.DB.Tx.Get(p, "SELECT * FROM pending_attachments WHERE attachment_id = $1", id[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("pending attachment %x", id))
	}
	return p, nil
}

// PendingAttachments lists downloads to resume, oldest partial progress first.
func (s *Store) PendingAttachments() ([]*PendingAttachment, error) {
	pending := []*PendingAttachment{}
	if err := s.DB.Tx.Select(&pending,
		"SELECT * FROM pending_attachments ORDER BY next_offset"); err != nil {
		return nil, fmt.Errorf("store: error selecting pending attachments: %w", err)
	}
	return pending, nil
}

// RecordAttachmentProgress persists a fetched chunk so a restart resumes from
// the next offset instead of re-downloading.
func (s *Store) RecordAttachmentProgress(id ids.ID, nextOffset int64, partial []byte) error {
	if _, err := s.DB.Tx.Exec(
		"UPDATE pending_attachments SET next_offset = $1, partial = $2 WHERE attachment_id = $3",
		nextOffset, partial, id[:]); err != nil {
		return fmt.Errorf("store: error recording attachment progress: %w", err)
	}
	return nil
}

func (s *Store) DeletePendingAttachment(id ids.ID) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM pending_attachments WHERE attachment_id = $1", id[:]); err != nil {
		return fmt.Errorf("store: error deleting pending attachment: %w", err)
	}
	return nil
}
