// Package group drives the per-group protocol state machine: creating
// groups, staging membership changes, applying remote commits and sealing
// message content under the current epoch's keys. All operations run inside
// the caller's store transaction.
package group

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/arbor-im/arbor/bencode"
	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/crypto"
	"github.com/arbor-im/arbor/group/cgka"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/store"
	"go.uber.org/zap"
)

var (
	// ErrCryptoRejected indicates a commit or sealed message failed
	// cryptographic verification. The group's conversation is flagged
	// degraded; other groups are unaffected.
	ErrCryptoRejected = errors.New("group: crypto rejected")
	// ErrPendingDiff indicates a staged commit is already awaiting its ack.
	ErrPendingDiff = errors.New("group: commit already pending")
	// ErrFutureEpoch indicates a commit skipped ahead of the next epoch;
	// the caller should retry after earlier commits arrive.
	ErrFutureEpoch = errors.New("group: commit from a future epoch")
)

// A SealedMessage is application content encrypted under one epoch's keys.
type SealedMessage struct {
	GroupID    [16]byte `bencode:"g"`
	Epoch      uint64   `bencode:"e"`
	Nonce      []byte   `bencode:"n"`
	Ciphertext []byte   `bencode:"c"`
}

func (s *SealedMessage) Encode() ([]byte, error) {
	return bencode.Serialize(s)
}

func DecodeSealedMessage(buf []byte) (*SealedMessage, error) {
	s := &SealedMessage{}
	if err := bencode.Deserialize(buf, s); err != nil {
		return nil, fmt.Errorf("group: error decoding sealed message: %w", err)
	}
	return s, nil
}

// A MembershipObserver is told about merged membership changes inside the
// applying transaction, so they can surface in the owning conversation.
type MembershipObserver interface {
	MembershipChanged(groupID, userID ids.ID, removed bool, at uint64) error
}

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	clock    clock.Clock
	self     ids.ID
	signPriv ed25519.PrivateKey
	observer MembershipObserver
}

func NewManager(c *config.Config, st *store.Store, cl clock.Clock, self ids.ID, signPriv ed25519.PrivateKey) *Manager {
	return &Manager{
		config:   c,
		log:      c.Logger("group"),
		store:    st,
		clock:    cl,
		self:     self,
		signPriv: signPriv,
	}
}

func (m *Manager) SetMembershipObserver(o MembershipObserver) {
	m.observer = o
}

// CreateGroup makes a group at epoch zero with the local user as the sole
// merged member at leaf zero.
func (m *Manager) CreateGroup() (ids.ID, error) {
	groupID := ids.NewID()
	if err := m.store.CreateGroup(&store.Group{
		ID:         groupID.Bytes(),
		Epoch:      0,
		State:      store.GroupStateActive,
		WrapperKey: crypto.NewKey(),
		StateKey:   crypto.NewKey(),
	}, cgka.NewEpochSecret()); err != nil {
		return ids.ID{}, err
	}
	if err := m.store.UpsertMembership(&store.GroupMembership{
		GroupID:      groupID.Bytes(),
		UserID:       m.self.Bytes(),
		LeafIndex:    0,
		Status:       store.MembershipMerged,
		SignatureKey: m.signPriv.Public().(ed25519.PublicKey),
	}); err != nil {
		return ids.ID{}, err
	}
	return groupID, nil
}

// ProposeChange stages membership changes and builds a signed commit for
// transport. The group holds at most one staged commit; the epoch does not
// advance until that commit is echoed back and applied.
func (m *Manager) ProposeChange(groupID ids.ID, proposals []cgka.Proposal) ([]byte, error) {
	g, err := m.store.Group(groupID)
	if err != nil {
		return nil, err
	}
	if g.State == store.GroupStateAwaitingCommitAck {
		return nil, ErrPendingDiff
	}

	selfLeaf, err := m.selfLeaf(groupID)
	if err != nil {
		return nil, err
	}
	secret, err := m.store.EpochSecret(groupID, g.Epoch)
	if err != nil {
		return nil, err
	}

	// fold in proposals received since the last commit
	stored, err := m.store.Proposals(groupID)
	if err != nil {
		return nil, err
	}
	for _, sp := range stored {
		p, err := cgka.DecodeProposal(sp.Body)
		if err != nil {
			return nil, fmt.Errorf("group: stored proposal unreadable: %w", err)
		}
		proposals = append(proposals, *p)
	}

	next := g.Epoch + 1
	for i := range proposals {
		p := &proposals[i]
		if p.Kind == cgka.ProposalAdd && p.Member.LeafIndex == 0 {
			leaf, err := m.nextFreeLeaf(groupID)
			if err != nil {
				return nil, err
			}
			p.Member.LeafIndex = leaf
		}
		if err := m.stageProposal(groupID, p); err != nil {
			return nil, err
		}
	}

	commit, _, err := cgka.CreateCommit(groupID, next, selfLeaf, proposals, cgka.SecretsFrom(secret), m.signPriv)
	if err != nil {
		return nil, err
	}
	raw, err := commit.Encode()
	if err != nil {
		return nil, err
	}
	if err := m.store.SetGroupState(groupID, g.Epoch, store.GroupStateAwaitingCommitAck, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ApplyProposal stores a remote proposal for inclusion in a later commit.
// The epoch does not change.
func (m *Manager) ApplyProposal(groupID ids.ID, raw []byte) error {
	if _, err := cgka.DecodeProposal(raw); err != nil {
		return fmt.Errorf("%w: %s", ErrCryptoRejected, err)
	}
	return m.store.StoreProposal(groupID, crypto.ContentHash(raw), raw)
}

// ApplyRemoteCommit advances the group one epoch. Stale commits are dropped
// without error; a bad signature or unsealable secret rejects the commit and
// degrades the conversation.
func (m *Manager) ApplyRemoteCommit(groupID ids.ID, raw []byte) error {
	g, err := m.store.Group(groupID)
	if err != nil {
		return err
	}
	commit, err := cgka.DecodeCommit(raw)
	if err != nil {
		return m.reject(groupID, err)
	}
	if ids.IDFromBytes(commit.GroupID[:]) != groupID {
		return m.reject(groupID, errors.New("commit group mismatch"))
	}

	if commit.Epoch <= g.Epoch {
		m.log.Debugf("dropping stale commit for group %x at epoch %d, current epoch %d", groupID, commit.Epoch, g.Epoch)
		return nil
	}
	if commit.Epoch != g.Epoch+1 {
		return fmt.Errorf("%w: group %x have %d, got %d", ErrFutureEpoch, groupID, g.Epoch, commit.Epoch)
	}

	signerKey, err := m.leafSignatureKey(groupID, commit.SignerLeaf)
	if err != nil {
		return m.reject(groupID, err)
	}
	secret, err := m.store.EpochSecret(groupID, g.Epoch)
	if err != nil {
		return err
	}
	nextSecret, err := cgka.ApplyCommit(commit, cgka.SecretsFrom(secret), signerKey)
	if err != nil {
		return m.reject(groupID, err)
	}

	if g.State == store.GroupStateAwaitingCommitAck && !bytes.Equal(g.PendingDiff, raw) {
		m.log.Infof("staged commit for group %x superseded at epoch %d", groupID, commit.Epoch)
		if err := m.store.DeleteStagedMemberships(groupID); err != nil {
			return err
		}
	}

	selfRemoved := false
	for i := range commit.Proposals {
		p := &commit.Proposals[i]
		if p.Kind == cgka.ProposalRemove && ids.IDFromBytes(p.Member.UserID[:]) == m.self {
			selfRemoved = true
		}
	}
	var finalRoster []*store.GroupMembership
	if selfRemoved {
		if finalRoster, err = m.store.MergedMemberships(groupID); err != nil {
			return err
		}
	}

	for i := range commit.Proposals {
		p := &commit.Proposals[i]
		if err := m.stageProposal(groupID, p); err != nil {
			return err
		}
		uid := ids.IDFromBytes(p.Member.UserID[:])
		if err := m.store.MergeMembership(groupID, uid); err != nil {
			return err
		}
		if m.observer != nil {
			if err := m.observer.MembershipChanged(groupID, uid, p.Kind == cgka.ProposalRemove, m.clock.CurrentTimeMs()); err != nil {
				return err
			}
		}
	}

	if err := m.store.InsertEpochSecret(groupID, commit.Epoch, nextSecret); err != nil {
		return err
	}
	// keep one prior epoch for in-flight messages
	if commit.Epoch >= 2 {
		if err := m.store.DropEpochSecretsBefore(groupID, commit.Epoch-1); err != nil {
			return err
		}
	}
	if err := m.store.DeleteProposals(groupID); err != nil {
		return err
	}
	if err := m.store.SetGroupState(groupID, commit.Epoch, store.GroupStateActive, nil); err != nil {
		return err
	}
	if selfRemoved {
		return m.deactivate(groupID, finalRoster)
	}
	return nil
}

// deactivate marks the conversation inactive once the local user has been
// removed. The roster at removal time becomes the inactivity reason.
func (m *Manager) deactivate(groupID ids.ID, members []*store.GroupMembership) error {
	conv, err := m.store.ConversationByGroup(groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	names := make([]string, 0, len(members))
	for _, mem := range members {
		names = append(names, fmt.Sprintf("%x", mem.UserID))
	}
	return m.store.MarkConversationInactive(conv.ConversationID(),
		fmt.Sprintf("removed from group; past members %s", strings.Join(names, ", ")))
}

// Seal encrypts application content under the current epoch's keys.
func (m *Manager) Seal(groupID ids.ID, plaintext []byte) ([]byte, error) {
	g, err := m.store.Group(groupID)
	if err != nil {
		return nil, err
	}
	secret, err := m.store.EpochSecret(groupID, g.Epoch)
	if err != nil {
		return nil, err
	}
	nonce := crypto.NewNonce()
	ciphertext, err := crypto.Encrypt(cgka.SecretsFrom(secret).EncryptionKey, nonce, plaintext, sealAD(groupID, g.Epoch))
	if err != nil {
		return nil, err
	}
	return (&SealedMessage{
		GroupID:    groupID,
		Epoch:      g.Epoch,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}).Encode()
}

// Open decrypts sealed content, returning the owning group and plaintext.
func (m *Manager) Open(raw []byte) (ids.ID, []byte, error) {
	sealed, err := DecodeSealedMessage(raw)
	if err != nil {
		return ids.ID{}, nil, err
	}
	groupID := ids.IDFromBytes(sealed.GroupID[:])
	secret, err := m.store.EpochSecret(groupID, sealed.Epoch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ids.ID{}, nil, m.reject(groupID, fmt.Errorf("no secret for epoch %d", sealed.Epoch))
		}
		return ids.ID{}, nil, err
	}
	plaintext, err := crypto.Decrypt(cgka.SecretsFrom(secret).EncryptionKey, sealed.Nonce, sealed.Ciphertext, sealAD(groupID, sealed.Epoch))
	if err != nil {
		return ids.ID{}, nil, m.reject(groupID, err)
	}
	return groupID, plaintext, nil
}

func (m *Manager) selfLeaf(groupID ids.ID) (uint32, error) {
	mem, err := m.store.Membership(groupID, m.self, store.MembershipMerged)
	if err != nil {
		return 0, err
	}
	return mem.LeafIndex, nil
}

func (m *Manager) nextFreeLeaf(groupID ids.ID) (uint32, error) {
	members, err := m.store.Memberships(groupID)
	if err != nil {
		return 0, err
	}
	var next uint32
	for _, mem := range members {
		if mem.LeafIndex >= next {
			next = mem.LeafIndex + 1
		}
	}
	return next, nil
}

func (m *Manager) leafSignatureKey(groupID ids.ID, leaf uint32) (ed25519.PublicKey, error) {
	members, err := m.store.MergedMemberships(groupID)
	if err != nil {
		return nil, err
	}
	for _, mem := range members {
		if mem.LeafIndex == leaf {
			return mem.SignatureKey, nil
		}
	}
	return nil, fmt.Errorf("no merged member at leaf %d", leaf)
}

func (m *Manager) stageProposal(groupID ids.ID, p *cgka.Proposal) error {
	status := store.MembershipStagedAdd
	switch p.Kind {
	case cgka.ProposalRemove:
		status = store.MembershipStagedRemoval
		// a removal may name only the user; complete it from the merged row
		if len(p.Member.SignatureKey) == 0 {
			mem, err := m.store.Membership(groupID, ids.IDFromBytes(p.Member.UserID[:]), store.MembershipMerged)
			if err != nil {
				return err
			}
			p.Member.LeafIndex = mem.LeafIndex
			p.Member.SignatureKey = mem.SignatureKey
		}
	case cgka.ProposalUpdate:
		status = store.MembershipStagedUpdate
	}
	return m.store.UpsertMembership(&store.GroupMembership{
		GroupID:      groupID.Bytes(),
		UserID:       p.Member.UserID[:],
		LeafIndex:    p.Member.LeafIndex,
		Status:       status,
		SignatureKey: p.Member.SignatureKey,
	})
}

// reject degrades the group's conversation and reports the failure. The
// degraded flag is advisory; the conversation stays readable. The enclosing
// transaction usually rolls back on the returned error, so the mark is also
// registered to re-apply in a fresh transaction afterwards.
func (m *Manager) reject(groupID ids.ID, cause error) error {
	m.log.Warnf("rejecting material for group %x: %s", groupID, cause)
	if err := m.store.MarkConversationDegraded(groupID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m.store.DB.AfterRollback(func() error {
		if err := m.store.MarkConversationDegraded(groupID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	return fmt.Errorf("%w: %s", ErrCryptoRejected, cause)
}

func sealAD(groupID ids.ID, epoch uint64) []byte {
	return []byte(fmt.Sprintf("%x/%d", groupID, epoch))
}
