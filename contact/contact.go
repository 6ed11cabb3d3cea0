// Package contact coordinates how strangers become contacts: publishing
// signed connection packages against handles, sending encrypted connection
// offers, and maturing the resulting partial rows into full contacts once a
// two-member group is established.
package contact

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/arbor-im/arbor/bencode"
	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/crypto"
	"github.com/arbor-im/arbor/group"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/store"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyConnecting indicates a connection attempt for a user who
	// already has a contact or pending connection.
	ErrAlreadyConnecting = errors.New("contact: connection already in progress")
	// ErrPackageExpired indicates a resolved connection package is past its
	// expiry, regardless of signature validity.
	ErrPackageExpired = errors.New("contact: connection package expired")
	// ErrBadPackage indicates a connection package or handshake failed
	// verification.
	ErrBadPackage = errors.New("contact: invalid connection package")
)

// Number of single-use welcome keys minted per handshake leg.
const keyPackageCount = 4

// Directory is the auth-service surface the coordinator needs.
type Directory interface {
	ResolveHandle(ctx context.Context, handle string) ([]byte, error)
	UploadConnectionPackage(ctx context.Context, handle string, pkg []byte, lastResort bool) error
}

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	clock    clock.Clock
	groups   *group.Manager
	dir      Directory
	self     ids.ID
	selfName string
	signPriv ed25519.PrivateKey
}

func NewManager(c *config.Config, st *store.Store, cl clock.Clock, groups *group.Manager, dir Directory, self ids.ID, selfName string, signPriv ed25519.PrivateKey) *Manager {
	return &Manager{
		config:   c,
		log:      c.Logger("contact"),
		store:    st,
		clock:    cl,
		groups:   groups,
		dir:      dir,
		self:     self,
		selfName: selfName,
		signPriv: signPriv,
	}
}

// SetDisplayName changes the name sent along with future connection offers
// and responses.
func (m *Manager) SetDisplayName(name string) {
	m.selfName = name
}

// PublishHandle uploads a signed, time-bounded connection package for a
// handle and records the private half locally so incoming offers can be
// opened.
func (m *Manager) PublishHandle(ctx context.Context, handle string, lastResort bool) error {
	encPub, encPriv := crypto.NewDHKeypair()
	pkg := &ConnectionPackage{
		UserID:        m.self,
		EncryptionKey: encPub,
		SignatureKey:  m.signPriv.Public().(ed25519.PublicKey),
		ExpiresAt:     uint64(int64(m.clock.CurrentTimeSec()) + m.config.PackageLifetimeSec),
		LastResort:    lastResort,
	}
	if err := pkg.Sign(m.signPriv); err != nil {
		return err
	}
	raw, err := pkg.Encode()
	if err != nil {
		return fmt.Errorf("contact: error encoding package: %w", err)
	}
	if err := m.dir.UploadConnectionPackage(ctx, handle, raw, lastResort); err != nil {
		return err
	}

	return m.store.DB.Run("publish handle", func() error {
		return m.store.InsertHandleContact(&store.HandleContact{
			Handle:     handle,
			PackageKey: encPriv,
			OfferHash:  []byte{},
			ExpiresAt:  pkg.ExpiresAt,
		})
	})
}

// CreateConnection resolves a handle, verifies its package and stages a
// two-member group plus an encrypted offer for transport. The new
// conversation id is returned; the contact stays partial until the response
// handshake arrives.
func (m *Manager) CreateConnection(ctx context.Context, handle string) (ids.ID, error) {
	raw, err := m.dir.ResolveHandle(ctx, handle)
	if err != nil {
		return ids.ID{}, err
	}
	pkg, err := DecodeConnectionPackage(raw)
	if err != nil {
		return ids.ID{}, err
	}
	if err := pkg.Verify(); err != nil {
		return ids.ID{}, err
	}
	if pkg.ExpiresAt < m.clock.CurrentTimeSec() {
		return ids.ID{}, ErrPackageExpired
	}

	var conversationID ids.ID
	err = m.store.DB.Run("create connection", func() error {
		groupID, err := m.groups.CreateGroup()
		if err != nil {
			return err
		}
		conversationID = ids.NewID()
		gid := groupID.Bytes()
		if err := m.store.CreateConversation(&store.Conversation{
			ID:      conversationID.Bytes(),
			GroupID: &gid,
			Kind:    store.ConversationKindConnection,
			Title:   handle,
			Active:  true,
		}); err != nil {
			return err
		}

		epochSecret, err := m.store.EpochSecret(groupID, 0)
		if err != nil {
			return err
		}
		mine, err := m.mintKeyPackages()
		if err != nil {
			return err
		}
		offerPub, offerPriv := crypto.NewDHKeypair()
		offer := &ConnectionOffer{
			SenderID:            m.self,
			SenderName:          m.selfName,
			GroupID:             groupID,
			EpochSecret:         epochSecret,
			SenderSignatureKey:  m.signPriv.Public().(ed25519.PublicKey),
			SenderEncryptionKey: offerPub,
			ResponderLeaf:       1,
			KeyPackages:         mine,
		}
		body, err := bencode.Serialize(offer)
		if err != nil {
			return fmt.Errorf("contact: error encoding offer: %w", err)
		}
		sealed, err := crypto.EncryptWithDH(pkg.EncryptionKey, offerPriv, body, []byte(handle))
		if err != nil {
			return err
		}
		offerHash := crypto.ContentHash(sealed)

		if err := m.store.InsertPartialContact(&store.PartialContact{
			UserID:         pkg.UserID[:],
			ConversationID: conversationID.Bytes(),
			OfferHash:      offerHash,
			OfferKey:       offerPriv,
		}); err != nil {
			if errors.Is(err, store.ErrIntegrityViolation) {
				return fmt.Errorf("%w: user %x", ErrAlreadyConnecting, pkg.UserID)
			}
			return err
		}
		if err := m.store.InsertUserKey(&store.UserKey{
			UserID:   pkg.UserID[:],
			KeyIndex: pkg.KeyIndex,
			Key:      pkg.EncryptionKey,
		}); err != nil {
			return err
		}

		return m.enqueueHandshake(&Handshake{
			Kind:          HandshakeOffer,
			Handle:        handle,
			Recipient:     pkg.UserID,
			EncryptionKey: offerPub,
			Sealed:        sealed,
		}, groupID)
	})
	if err != nil {
		return ids.ID{}, err
	}
	return conversationID, nil
}

// HandleHandshake dispatches an incoming handshake envelope. It runs inside
// the transport's store transaction.
func (m *Manager) HandleHandshake(raw []byte) error {
	h, err := DecodeHandshake(raw)
	if err != nil {
		return err
	}
	switch h.Kind {
	case HandshakeOffer:
		return m.handleOffer(h)
	case HandshakeResponse:
		return m.handleResponse(h)
	case HandshakeWelcome:
		return m.handleWelcome(h)
	default:
		return fmt.Errorf("contact: unknown handshake kind %d", h.Kind)
	}
}

// handleOffer runs on the handle's owner: it joins the offered two-member
// group and matures the handle row into a full contact in one transaction.
func (m *Manager) handleOffer(h *Handshake) error {
	hc, err := m.store.HandleContact(h.Handle)
	if err != nil {
		return err
	}
	if hc.ExpiresAt < m.clock.CurrentTimeSec() {
		return fmt.Errorf("%w: handle %s", ErrPackageExpired, h.Handle)
	}
	body, err := crypto.DecryptWithDH(h.EncryptionKey, hc.PackageKey, h.Sealed, []byte(h.Handle))
	if err != nil {
		return fmt.Errorf("%w: cannot open offer", ErrBadPackage)
	}
	offer := &ConnectionOffer{}
	if err := bencode.Deserialize(body, offer); err != nil {
		return fmt.Errorf("%w: %s", ErrBadPackage, err)
	}

	groupID := ids.IDFromBytes(offer.GroupID[:])
	if err := m.store.CreateGroup(&store.Group{
		ID:         groupID.Bytes(),
		Epoch:      0,
		State:      store.GroupStateActive,
		WrapperKey: crypto.NewKey(),
		StateKey:   crypto.NewKey(),
	}, offer.EpochSecret); err != nil {
		return err
	}
	if err := m.store.UpsertMembership(&store.GroupMembership{
		GroupID:      groupID.Bytes(),
		UserID:       offer.SenderID[:],
		LeafIndex:    0,
		Status:       store.MembershipMerged,
		SignatureKey: offer.SenderSignatureKey,
	}); err != nil {
		return err
	}
	if err := m.store.UpsertMembership(&store.GroupMembership{
		GroupID:      groupID.Bytes(),
		UserID:       m.self.Bytes(),
		LeafIndex:    offer.ResponderLeaf,
		Status:       store.MembershipMerged,
		SignatureKey: m.signPriv.Public().(ed25519.PublicKey),
	}); err != nil {
		return err
	}

	conversationID := ids.NewID()
	gid := groupID.Bytes()
	if err := m.store.CreateConversation(&store.Conversation{
		ID:      conversationID.Bytes(),
		GroupID: &gid,
		Kind:    store.ConversationKindConnection,
		Title:   offer.SenderName,
		Active:  true,
	}); err != nil {
		return err
	}
	if err := m.store.MatureHandleContact(h.Handle, &store.Contact{
		UserID:         offer.SenderID[:],
		ConversationID: conversationID.Bytes(),
		DisplayName:    offer.SenderName,
	}); err != nil {
		return err
	}
	if err := m.storeKeyPackages(offer.SenderID[:], offer.KeyPackages); err != nil {
		return err
	}

	mine, err := m.mintKeyPackages()
	if err != nil {
		return err
	}
	response := &ConnectionResponse{
		ResponderID:           m.self,
		ResponderName:         m.selfName,
		ResponderSignatureKey: m.signPriv.Public().(ed25519.PublicKey),
		ResponderLeaf:         offer.ResponderLeaf,
		KeyPackages:           mine,
	}
	respBody, err := bencode.Serialize(response)
	if err != nil {
		return fmt.Errorf("contact: error encoding response: %w", err)
	}
	respPub, respPriv := crypto.NewDHKeypair()
	offerHash := crypto.ContentHash(h.Sealed)
	sealed, err := crypto.EncryptWithDH(offer.SenderEncryptionKey, respPriv, respBody, offerHash)
	if err != nil {
		return err
	}
	return m.enqueueHandshake(&Handshake{
		Kind:          HandshakeResponse,
		Recipient:     offer.SenderID,
		OfferHash:     offerHash,
		EncryptionKey: respPub,
		Sealed:        sealed,
	}, groupID)
}

// handleResponse runs on the connection's initiator: the partial contact
// matures and the responder becomes the group's second merged member.
func (m *Manager) handleResponse(h *Handshake) error {
	partial, err := m.store.PartialContactByOfferHash(h.OfferHash)
	if err != nil {
		return err
	}
	body, err := crypto.DecryptWithDH(h.EncryptionKey, partial.OfferKey, h.Sealed, h.OfferHash)
	if err != nil {
		return fmt.Errorf("%w: cannot open response", ErrBadPackage)
	}
	response := &ConnectionResponse{}
	if err := bencode.Deserialize(body, response); err != nil {
		return fmt.Errorf("%w: %s", ErrBadPackage, err)
	}
	if !bytes.Equal(response.ResponderID[:], partial.UserID) {
		return fmt.Errorf("%w: responder mismatch", ErrBadPackage)
	}

	conv, err := m.store.Conversation(ids.IDFromBytes(partial.ConversationID))
	if err != nil {
		return err
	}
	if conv.GroupID != nil {
		if err := m.store.UpsertMembership(&store.GroupMembership{
			GroupID:      *conv.GroupID,
			UserID:       response.ResponderID[:],
			LeafIndex:    response.ResponderLeaf,
			Status:       store.MembershipMerged,
			SignatureKey: response.ResponderSignatureKey,
		}); err != nil {
			return err
		}
	}
	if err := m.store.MaturePartialContact(ids.IDFromBytes(partial.UserID), &store.Contact{
		UserID:         partial.UserID,
		ConversationID: partial.ConversationID,
		DisplayName:    response.ResponderName,
	}); err != nil {
		return err
	}
	if err := m.storeKeyPackages(partial.UserID, response.KeyPackages); err != nil {
		return err
	}
	return m.store.SetConversationTitle(ids.IDFromBytes(partial.ConversationID), response.ResponderName)
}

// EnqueueWelcome seals the group's current epoch state to a newly added
// member, consuming one of their key packages. It runs inside the caller's
// transaction; the add commit must follow it on the queue so the new member
// holds the group before the commit arrives.
func (m *Manager) EnqueueWelcome(groupID, userID ids.ID) error {
	g, err := m.store.Group(groupID)
	if err != nil {
		return err
	}
	secret, err := m.store.EpochSecret(groupID, g.Epoch)
	if err != nil {
		return err
	}
	conv, err := m.store.ConversationByGroup(groupID)
	if err != nil {
		return err
	}
	members, err := m.store.MergedMemberships(groupID)
	if err != nil {
		return err
	}

	kp, err := m.store.TakeKeyPackage(userID)
	if err != nil {
		return fmt.Errorf("contact: no key package for user %x: %w", userID, err)
	}
	pkg := &KeyPackage{}
	if err := bencode.Deserialize(kp.Body, pkg); err != nil {
		return fmt.Errorf("%w: %s", ErrBadPackage, err)
	}

	welcome := &GroupWelcome{
		GroupID:     groupID,
		Epoch:       g.Epoch,
		EpochSecret: secret,
		Title:       conv.Title,
	}
	for _, mem := range members {
		wm := WelcomeMember{LeafIndex: mem.LeafIndex, SignatureKey: mem.SignatureKey}
		copy(wm.UserID[:], mem.UserID)
		welcome.Members = append(welcome.Members, wm)
	}
	body, err := bencode.Serialize(welcome)
	if err != nil {
		return fmt.Errorf("contact: error encoding welcome: %w", err)
	}
	ephPub, ephPriv := crypto.NewDHKeypair()
	sealed, err := crypto.EncryptWithDH(pkg.Key, ephPriv, body, userID.Bytes())
	if err != nil {
		return err
	}
	return m.enqueueHandshake(&Handshake{
		Kind:          HandshakeWelcome,
		Recipient:     userID,
		KeyIndex:      pkg.Index,
		EncryptionKey: ephPub,
		Sealed:        sealed,
	}, groupID)
}

// handleWelcome runs on a freshly added member: it seeds the group with the
// welcoming side's epoch state so the add commit behind it can apply. Other
// members see the same envelope and ignore it.
func (m *Manager) handleWelcome(h *Handshake) error {
	if ids.IDFromBytes(h.Recipient[:]) != m.self {
		return nil
	}
	key, err := m.store.SelfKey(m.self, h.KeyIndex)
	if err != nil {
		return err
	}
	body, err := crypto.DecryptWithDH(h.EncryptionKey, key.Key, h.Sealed, h.Recipient[:])
	if err != nil {
		return fmt.Errorf("%w: cannot open welcome", ErrBadPackage)
	}
	welcome := &GroupWelcome{}
	if err := bencode.Deserialize(body, welcome); err != nil {
		return fmt.Errorf("%w: %s", ErrBadPackage, err)
	}

	groupID := ids.IDFromBytes(welcome.GroupID[:])
	if _, err := m.store.Group(groupID); err == nil {
		m.log.Debugf("dropping welcome for known group %x", groupID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := m.store.CreateGroup(&store.Group{
		ID:         groupID.Bytes(),
		Epoch:      welcome.Epoch,
		State:      store.GroupStateActive,
		WrapperKey: crypto.NewKey(),
		StateKey:   crypto.NewKey(),
	}, welcome.EpochSecret); err != nil {
		return err
	}
	for i := range welcome.Members {
		wm := &welcome.Members[i]
		if err := m.store.UpsertMembership(&store.GroupMembership{
			GroupID:      groupID.Bytes(),
			UserID:       wm.UserID[:],
			LeafIndex:    wm.LeafIndex,
			Status:       store.MembershipMerged,
			SignatureKey: wm.SignatureKey,
		}); err != nil {
			return err
		}
	}

	gid := groupID.Bytes()
	return m.store.CreateConversation(&store.Conversation{
		ID:      ids.NewID().Bytes(),
		GroupID: &gid,
		Kind:    store.ConversationKindGroup,
		Title:   welcome.Title,
		Active:  true,
	})
}

// mintKeyPackages generates single-use welcome keys, keeping the private
// halves under the local user's own key indices.
func (m *Manager) mintKeyPackages() ([]KeyPackage, error) {
	next, err := m.store.NextSelfKeyIndex(m.self)
	if err != nil {
		return nil, err
	}
	pkgs := make([]KeyPackage, 0, keyPackageCount)
	for i := uint32(0); i < keyPackageCount; i++ {
		pub, priv := crypto.NewDHKeypair()
		if err := m.store.InsertUserKey(&store.UserKey{
			UserID:   m.self.Bytes(),
			KeyIndex: next + i,
			Key:      priv,
			IsSelf:   true,
		}); err != nil {
			return nil, err
		}
		pkgs = append(pkgs, KeyPackage{Index: next + i, Key: pub})
	}
	return pkgs, nil
}

// storeKeyPackages keeps a peer's minted public keys for later welcomes.
func (m *Manager) storeKeyPackages(userID []byte, pkgs []KeyPackage) error {
	for i := range pkgs {
		body, err := bencode.Serialize(&pkgs[i])
		if err != nil {
			return fmt.Errorf("contact: error encoding key package: %w", err)
		}
		if err := m.store.InsertKeyPackage(&store.KeyPackage{
			ID:        ids.NewID().Bytes(),
			UserID:    userID,
			Body:      body,
			CreatedAt: m.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Block hides a user. The block outlives contact deletion so a re-offer from
// the same user stays suppressed.
func (m *Manager) Block(userID ids.ID) error {
	return m.store.DB.Run("block", func() error {
		return m.store.Block(userID)
	})
}

func (m *Manager) Unblock(userID ids.ID) error {
	return m.store.DB.Run("unblock", func() error {
		return m.store.Unblock(userID)
	})
}

func (m *Manager) Report(userID ids.ID) error {
	return m.store.DB.Run("report", func() error {
		if err := m.store.Block(userID); err != nil {
			return err
		}
		return m.store.MarkReported(userID)
	})
}

func (m *Manager) enqueueHandshake(h *Handshake, groupID ids.ID) error {
	payload, err := h.Encode()
	if err != nil {
		return err
	}
	return m.store.EnqueueOutbox(&store.OutboxEntry{
		EnvelopeID: ids.NewID().Bytes(),
		GroupID:    groupID.Bytes(),
		Kind:       store.OutboxHandshake,
		Payload:    payload,
	})
}
