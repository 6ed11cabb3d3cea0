package store

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
)

func (s *Store) CreateGroup(g *Group, initialSecret []byte) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO groups (id, epoch, state, wrapper_key, state_key, pending_diff) VALUES ($1, $2, $3, $4, $5, $6)",
		g.ID, g.Epoch, g.State, g.WrapperKey, g.StateKey, g.PendingDiff); err != nil {
		return fmt.Errorf("store: error inserting group: %w", err)
	}
	if err := s.InsertEpochSecret(ids.IDFromBytes(g.ID), g.Epoch, initialSecret); err != nil {
		return err
	}
	s.touch(KindGroup, ids.IDFromBytes(g.ID), OpAdded)
	return nil
}

func (s *Store) Group(id ids.ID) (*Group, error) {
	g := &Group{}
	if err := s.DB.Tx.Get(g, "SELECT * FROM groups WHERE id = $1", id[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("group %x", id))
	}
	return g, nil
}

func (s *Store) DeleteGroup(id ids.ID) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM groups WHERE id = $1", id[:]); err != nil {
		return fmt.Errorf("store: error deleting group: %w", err)
	}
	s.touch(KindGroup, id, OpRemoved)
	return nil
}

func (s *Store) SetGroupState(id ids.ID, epoch uint64, state int, pendingDiff []byte) error {
	if _, err := s.DB.Tx.Exec(
		"UPDATE groups SET epoch = $1, state = $2, pending_diff = $3 WHERE id = $4",
		epoch, state, pendingDiff, id[:]); err != nil {
		return fmt.Errorf("store: error updating group state: %w", err)
	}
	s.touch(KindGroup, id, OpUpdated)
	return nil
}

func (s *Store) InsertEpochSecret(groupID ids.ID, epoch uint64, secret []byte) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO group_epoch_secrets (group_id, epoch, secret) VALUES ($1, $2, $3)",
		groupID[:], epoch, secret); err != nil {
		return fmt.Errorf("store: error inserting epoch secret: %w", err)
	}
	return nil
}

func (s *Store) EpochSecret(groupID ids.ID, epoch uint64) ([]byte, error) {
	var secret []byte
	if err := s.DB.Tx.Get(&secret,
		"SELECT secret FROM group_epoch_secrets WHERE group_id = $1 AND epoch = $2",
		groupID[:], epoch); err != nil {
		return nil, notFound(err, fmt.Sprintf("epoch secret %x/%d", groupID, epoch))
	}
	return secret, nil
}

// DropEpochSecretsBefore discards secrets for epochs no incoming envelope can
// reference anymore.
func (s *Store) DropEpochSecretsBefore(groupID ids.ID, epoch uint64) error {
	if _, err := s.DB.Tx.Exec(
		"DELETE FROM group_epoch_secrets WHERE group_id = $1 AND epoch < $2",
		groupID[:], epoch); err != nil {
		return fmt.Errorf("store: error dropping epoch secrets: %w", err)
	}
	return nil
}

func (s *Store) UpsertMembership(m *GroupMembership) error {
	if _, err := s.DB.Tx.Exec(`
		INSERT INTO group_memberships (group_id, user_id, leaf_index, status, signature_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, user_id, status) DO UPDATE SET leaf_index = $3, signature_key = $5`,
		m.GroupID, m.UserID, m.LeafIndex, m.Status, m.SignatureKey); err != nil {
		return fmt.Errorf("store: error upserting membership: %w", err)
	}
	return nil
}

func (s *Store) Memberships(groupID ids.ID) ([]*GroupMembership, error) {
	members := []*GroupMembership{}
	if err := s.DB.Tx.Select(&members,
		"SELECT * FROM group_memberships WHERE group_id = $1 ORDER BY leaf_index, status", groupID[:]); err != nil {
		return nil, fmt.Errorf("store: error selecting memberships: %w", err)
	}
	return members, nil
}

func (s *Store) MergedMemberships(groupID ids.ID) ([]*GroupMembership, error) {
	members := []*GroupMembership{}
	if err := s.DB.Tx.Select(&members,
		"SELECT * FROM group_memberships WHERE group_id = $1 AND status = $2 ORDER BY leaf_index",
		groupID[:], MembershipMerged); err != nil {
		return nil, fmt.Errorf("store: error selecting merged memberships: %w", err)
	}
	return members, nil
}

func (s *Store) Membership(groupID, userID ids.ID, status int) (*GroupMembership, error) {
	m := &GroupMembership{}
	if err := s.DB.Tx.Get(m,
		"SELECT * FROM group_memberships WHERE group_id = $1 AND user_id = $2 AND status = $3",
		groupID[:], userID[:], status); err != nil {
		return nil, notFound(err, fmt.Sprintf("membership %x/%x", groupID, userID))
	}
	return m, nil
}

func (s *Store) DeleteMembership(groupID, userID ids.ID, status int) error {
	if _, err := s.DB.Tx.Exec(
		"DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2 AND status = $3",
		groupID[:], userID[:], status); err != nil {
		return fmt.Errorf("store: error deleting membership: %w", err)
	}
	return nil
}

// MergeMembership collapses any staged rows for a user to a single merged row,
// or removes the user entirely when the staged row was a removal.
func (s *Store) MergeMembership(groupID, userID ids.ID) error {
	var staged []*GroupMembership
	if err := s.DB.Tx.Select(&staged,
		"SELECT * FROM group_memberships WHERE group_id = $1 AND user_id = $2 ORDER BY status",
		groupID[:], userID[:]); err != nil {
		return fmt.Errorf("store: error selecting staged memberships: %w", err)
	}
	if len(staged) == 0 {
		return fmt.Errorf("store: merge of unknown membership %x/%x: %w", groupID, userID, ErrNotFound)
	}

	removed := false
	var merged *GroupMembership
	for _, m := range staged {
		switch m.Status {
		case MembershipStagedRemoval:
			removed = true
		case MembershipStagedAdd, MembershipStagedUpdate:
			// staged rows supersede a prior merged row
			merged = m
		case MembershipMerged:
			if merged == nil {
				merged = m
			}
		}
	}

	if _, err := s.DB.Tx.Exec(
		"DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2",
		groupID[:], userID[:]); err != nil {
		return fmt.Errorf("store: error collapsing memberships: %w", err)
	}
	if removed {
		return nil
	}
	merged.Status = MembershipMerged
	return s.UpsertMembership(merged)
}

// DeleteStagedMemberships drops all non-merged rows for a group, used when a
// staged local commit loses to a remote one.
func (s *Store) DeleteStagedMemberships(groupID ids.ID) error {
	if _, err := s.DB.Tx.Exec(
		"DELETE FROM group_memberships WHERE group_id = $1 AND status != $2",
		groupID[:], MembershipMerged); err != nil {
		return fmt.Errorf("store: error deleting staged memberships: %w", err)
	}
	return nil
}

func (s *Store) StoreProposal(groupID ids.ID, ref, body []byte) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO group_proposals (group_id, ref, body) VALUES ($1, $2, $3) ON CONFLICT (group_id, ref) DO UPDATE SET body = $3",
		groupID[:], ref, body); err != nil {
		return fmt.Errorf("store: error storing proposal: %w", err)
	}
	return nil
}

func (s *Store) Proposals(groupID ids.ID) ([]*GroupProposal, error) {
	props := []*GroupProposal{}
	if err := s.DB.Tx.Select(&props, "SELECT * FROM group_proposals WHERE group_id = $1", groupID[:]); err != nil {
		return nil, fmt.Errorf("store: error selecting proposals: %w", err)
	}
	return props, nil
}

func (s *Store) DeleteProposals(groupID ids.ID) error {
	if _, err := s.DB.Tx.Exec("DELETE FROM group_proposals WHERE group_id = $1", groupID[:]); err != nil {
		return fmt.Errorf("store: error deleting proposals: %w", err)
	}
	return nil
}

func (s *Store) InsertKeyPackage(kp *KeyPackage) error {
	if _, err := s.DB.Tx.Exec(
		"INSERT INTO key_packages (id, user_id, body, created_at) VALUES ($1, $2, $3, $4)",
		kp.ID, kp.UserID, kp.Body, kp.CreatedAt); err != nil {
		return fmt.Errorf("store: error inserting key package: %w", err)
	}
	return nil
}

// TakeKeyPackage consumes the oldest key package for a user.
func (s *Store) TakeKeyPackage(userID ids.ID) (*KeyPackage, error) {
	kp := &KeyPackage{}
	if err := s.DB.Tx.Get(kp,
		"SELECT * FROM key_packages WHERE user_id = $1 ORDER BY created_at LIMIT 1", userID[:]); err != nil {
		return nil, notFound(err, fmt.Sprintf("key package for %x", userID))
	}
	if _, err := s.DB.Tx.Exec("DELETE FROM key_packages WHERE id = $1", kp.ID); err != nil {
		return nil, fmt.Errorf("store: error consuming key package: %w", err)
	}
	return kp, nil
}
