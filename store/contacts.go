package store

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/internal/db"
)

// InsertContact inserts a confirmed contact. The exclusion trigger aborts the
// transaction with an integrity violation if the user still has a partial or
// handle row; maturation paths must delete those first.
func (s *Store) InsertContact(c *Contact) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO contacts (user_id, conversation_id, key_index, display_name) VALUES ($1, $2, $3, $4)",
		c.UserID, c.ConversationID, c.KeyIndex, c.DisplayName); err != nil {
		return fmt.Errorf("store: error inserting contact: %w", db.WrapConstraint(err))
	}
	s.touch(KindContact, ids.IDFromBytes(c.UserID), OpAdded)
	return nil
}

func (s *Store) Contact(userID ids.ID) (*Contact, error) {
	c := &Contact{}
	if err := s.DB.Tx.Get(c, "SELECT * FROM contacts WHERE user_id = $1", userID[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("contact %x", userID))
	}
	return c, nil
}

func (s *Store) Contacts() ([]*Contact, error) {
	contacts := []*Contact{}
	if err := s.DB.Tx.Select(&contacts, "SELECT * FROM contacts ORDER BY display_name"); err != nil {
		return nil, fmt.Errorf("store: error selecting contacts: %w", err)
	}
	return contacts, nil
}

func (s *Store) DeleteContact(userID ids.ID) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM contacts WHERE user_id = $1", userID[:]); err != nil {
		return fmt.Errorf("store: error deleting contact: %w", err)
	}
	s.touch(KindContact, userID, OpRemoved)
	return nil
}

func (s *Store) InsertPartialContact(p *PartialContact) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = s.clock.CurrentTimeMs()
	}
	offerKey := p.OfferKey
	if offerKey == nil {
		offerKey = []byte{}
	}
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO partial_contacts (user_id, conversation_id, offer_hash, offer_key, created_at) VALUES ($1, $2, $3, $4, $5)",
		p.UserID, p.ConversationID, p.OfferHash, offerKey, p.CreatedAt); err != nil {
		return fmt.Errorf("store: error inserting partial contact: %w", db.WrapConstraint(err))
	}
	s.touch(KindContact, ids.IDFromBytes(p.UserID), OpAdded)
	return nil
}

func (s *Store) PartialContact(userID ids.ID) (*PartialContact, error) {
	p := &PartialContact{}
	if err := s.DB.Tx.Get(p, "SELECT * FROM partial_contacts WHERE user_id = $1", userID[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("partial contact %x", userID))
	}
	return p, nil
}

func (s *Store) PartialContactByOfferHash(hash []byte) (*PartialContact, error) {
	p := &PartialContact{}
	if err := s.DB.Tx.Get(p, "SELECT * FROM partial_contacts WHERE offer_hash = $1", hash); err != nil {
		return nil, notFound(err, "partial contact by offer hash")
	}
	return p, nil
}

func (s *Store) PartialContacts() ([]*PartialContact, error) {
	partials := []*PartialContact{}
	if err := s.DB.Tx.Select(&partials, "SELECT * FROM partial_contacts"); err != nil {
		return nil, fmt.Errorf("store: error selecting partial contacts: %w", err)
	}
	return partials, nil
}

func (s *Store) InsertHandleContact(h *HandleContact) error {
	var userID, conversationID interface{}
	if h.UserID != nil {
		userID = *h.UserID
	}
	if h.ConversationID != nil {
		conversationID = *h.ConversationID
	}
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO handle_contacts (handle, user_id, conversation_id, package_key, offer_hash, expires_at) VALUES ($1, $2, $3, $4, $5, $6)",
		h.Handle, userID, conversationID, h.PackageKey, h.OfferHash, h.ExpiresAt); err != nil {
		return fmt.Errorf("store: error inserting handle contact: %w", db.WrapConstraint(err))
	}
	return nil
}

func (s *Store) HandleContact(handle string) (*HandleContact, error) {
	h := &HandleContact{}
	if err := s.DB.Tx.Get(h, "SELECT * FROM handle_contacts WHERE handle = $1", handle); err != nil {
		return nil, notFound(err, fmt.Sprintf("handle contact %s", handle))
	}
	return h, nil
}

func (s *Store) HandleContactByOfferHash(hash []byte) (*HandleContact, error) {
	h := &HandleContact{}
	if err := s.DB.Tx.Get(h, "SELECT * FROM handle_contacts WHERE offer_hash = $1", hash); err != nil {
		return nil, notFound(err, "handle contact by offer hash")
	}
	return h, nil
}

func (s *Store) DeleteHandleContact(handle string) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM handle_contacts WHERE handle = $1", handle); err != nil {
		return fmt.Errorf("store: error deleting handle contact: %w", err)
	}
	return nil
}

// MatureHandleContact converts a handle contact into a confirmed contact in
// one transaction: the handle row is deleted, the contact row inserted.
func (s *Store) MatureHandleContact(handle string, c *Contact) error {
	if err := s.DeleteHandleContact(handle); err != nil {
		return err
	}
	return s.InsertContact(c)
}

// MaturePartialContact converts a partial contact into a confirmed contact in
// one transaction.
func (s *Store) MaturePartialContact(userID ids.ID, c *Contact) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM partial_contacts WHERE user_id = $1", userID[:]); err != nil {
		return fmt.Errorf("store: error deleting partial contact: %w", err)
	}
	return s.InsertContact(c)
}

func (s *Store) Block(userID ids.ID) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO blocked_contacts (user_id, blocked_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		userID[:], s.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("store: error blocking: %w", err)
	}
	s.touch(KindContact, userID, OpUpdated)
	return nil
}

func (s *Store) Unblock(userID ids.ID) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM blocked_contacts WHERE user_id = $1", userID[:]); err != nil {
		return fmt.Errorf("store: error unblocking: %w", err)
	}
	s.touch(KindContact, userID, OpUpdated)
	return nil
}

func (s *Store) Blocked(userID ids.ID) (bool, error) {
	var count int
	if err := s.DB.Tx.Get(&count, "SELECT COUNT(*) FROM blocked_contacts WHERE user_id = $1", userID[:]); err != nil {
		return false, fmt.Errorf("store: error checking block: %w", err)
	}
	return count != 0, nil
}

func (s *Store) MarkReported(userID ids.ID) error {
	if _, err := s.DB.Tx.Exec("UPDATE blocked_contacts SET reported = 1 WHERE user_id = $1", userID[:]); err != nil {
		return fmt.Errorf("store: error marking reported: %w", err)
	}
	return nil
}

func (s *Store) InsertUserKey(k *UserKey) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO user_keys (user_id, key_index, key, is_self) VALUES ($1, $2, $3, $4) ON CONFLICT (user_id, key_index) DO UPDATE SET key = $3",
		k.UserID, k.KeyIndex, k.Key, k.IsSelf); err != nil {
		return fmt.Errorf("store: error inserting user key: %w", err)
	}
	return nil
}

// SelfKey fetches one of the local user's own indexed keys.
func (s *Store) SelfKey(userID ids.ID, index uint32) (*UserKey, error) {
	k := &UserKey{}
	if err := s.DB.Tx.Get(k,
		"SELECT * FROM user_keys WHERE user_id = $1 AND key_index = $2 AND is_self = 1",
		userID[:], index); err != nil {
		return nil, notFound(err, fmt.Sprintf("self key %d", index))
	}
	return k, nil
}

// NextSelfKeyIndex allocates the next free index for the local user's own key
// material.
func (s *Store) NextSelfKeyIndex(userID ids.ID) (uint32, error) {
	var next uint32
	if err := s.DB.Tx.Get(&next,
		"SELECT COALESCE(MAX(key_index) + 1, 0) FROM user_keys WHERE user_id = $1 AND is_self = 1",
		userID[:]); err != nil {
		return 0, fmt.Errorf("store: error reading next key index: %w", err)
	}
	return next, nil
}

func (s *Store) UserKeys(userID ids.ID) ([]*UserKey, error) {
	keys := []*UserKey{}
	if err := s.DB.Tx.Select(&keys, "SELECT * FROM user_keys WHERE user_id = $1 ORDER BY key_index", userID[:]); err != nil {
		return nil, fmt.Errorf("store: error selecting user keys: %w", err)
	}
	return keys, nil
}
