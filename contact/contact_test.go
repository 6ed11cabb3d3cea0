package contact

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/group"
	"github.com/arbor-im/arbor/group/cgka"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/internal/test"
	"github.com/arbor-im/arbor/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type memoryDirectory struct {
	packages map[string][]byte
}

func (d *memoryDirectory) ResolveHandle(_ context.Context, handle string) ([]byte, error) {
	pkg, ok := d.packages[handle]
	if !ok {
		return nil, errors.New("handle not found")
	}
	return pkg, nil
}

func (d *memoryDirectory) UploadConnectionPackage(_ context.Context, handle string, pkg []byte, _ bool) error {
	d.packages[handle] = pkg
	return nil
}

type testPeer struct {
	name    string
	id      ids.ID
	store   *store.Store
	groups  *group.Manager
	manager *Manager
}

func newTestPeer(t *testing.T, name string, dir Directory) *testPeer {
	c := config.NewConfig(config.WithLoggingPrefix(name))
	d := test.NewTestDatabase(c)
	st, err := store.NewStore(c, d, clock.NewSystemClock())
	require.NoError(t, err)
	_, priv, err := cgka.NewSigner()
	require.NoError(t, err)
	id := ids.NewID()
	cl := clock.NewSystemClock()
	groups := group.NewManager(c, st, cl, id, priv)
	return &testPeer{
		name:    name,
		id:      id,
		store:   st,
		groups:  groups,
		manager: NewManager(c, st, cl, groups, dir, id, name, priv),
	}
}

// deliverHandshakes moves handshake outbox entries from one peer into the
// other's coordinator, the way transport would.
func deliverHandshakes(t *testing.T, from, to *testPeer) {
	var entries []*store.OutboxEntry
	require.NoError(t, from.store.DB.Run("drain outbox", func() error {
		var err error
		entries, err = from.store.NextOutbox(100)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := from.store.DeleteOutbox(e.Seq); err != nil {
				return err
			}
		}
		return nil
	}))
	for _, e := range entries {
		require.Equal(t, store.OutboxHandshake, e.Kind)
		require.NoError(t, to.store.DB.Run("handle handshake", func() error {
			return to.manager.HandleHandshake(e.Payload)
		}))
	}
}

func TestConnectionHandshake(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", dir)
	defer bob.store.DB.Shutdown()

	ctx := context.Background()
	require.NoError(t, bob.manager.PublishHandle(ctx, "@bob", false))

	convID, err := alice.manager.CreateConnection(ctx, "@bob")
	require.NoError(t, err)

	// alice holds a partial contact until bob responds
	require.NoError(t, alice.store.DB.Run("check partial", func() error {
		p, err := alice.store.PartialContact(bob.id)
		require.NoError(t, err)
		require.Equal(t, convID.Bytes(), p.ConversationID)
		return nil
	}))

	deliverHandshakes(t, alice, bob)

	// bob's handle row matured into a contact for alice
	require.NoError(t, bob.store.DB.Run("check bob", func() error {
		_, err := bob.store.HandleContact("@bob")
		require.ErrorIs(t, err, store.ErrNotFound)
		c, err := bob.store.Contact(alice.id)
		require.NoError(t, err)
		require.Equal(t, "alice", c.DisplayName)
		return nil
	}))

	deliverHandshakes(t, bob, alice)

	// alice's partial contact matured and the group has both members
	require.NoError(t, alice.store.DB.Run("check alice", func() error {
		_, err := alice.store.PartialContact(bob.id)
		require.ErrorIs(t, err, store.ErrNotFound)
		c, err := alice.store.Contact(bob.id)
		require.NoError(t, err)
		require.Equal(t, "bob", c.DisplayName)

		conv, err := alice.store.Conversation(convID)
		require.NoError(t, err)
		require.NotNil(t, conv.GroupID)
		members, err := alice.store.MergedMemberships(ids.IDFromBytes(*conv.GroupID))
		require.NoError(t, err)
		require.Len(t, members, 2)
		return nil
	}))
}

func TestHandshakeExchangesKeyPackages(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", dir)
	defer bob.store.DB.Shutdown()

	ctx := context.Background()
	require.NoError(t, bob.manager.PublishHandle(ctx, "@bob", false))
	_, err := alice.manager.CreateConnection(ctx, "@bob")
	require.NoError(t, err)
	deliverHandshakes(t, alice, bob)
	deliverHandshakes(t, bob, alice)

	// each side now holds a batch of the other's single-use welcome keys
	require.NoError(t, alice.store.DB.Run("check alice", func() error {
		kp, err := alice.store.TakeKeyPackage(bob.id)
		require.NoError(t, err)
		require.NotEmpty(t, kp.Body)
		return nil
	}))
	require.NoError(t, bob.store.DB.Run("check bob", func() error {
		kp, err := bob.store.TakeKeyPackage(alice.id)
		require.NoError(t, err)
		require.NotEmpty(t, kp.Body)
		return nil
	}))
}

func TestWelcomeEstablishesGroup(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", dir)
	defer bob.store.DB.Shutdown()

	ctx := context.Background()
	require.NoError(t, bob.manager.PublishHandle(ctx, "@bob", false))
	_, err := alice.manager.CreateConnection(ctx, "@bob")
	require.NoError(t, err)
	deliverHandshakes(t, alice, bob)
	deliverHandshakes(t, bob, alice)

	// alice makes a group, welcomes bob and stages the add commit
	var groupID ids.ID
	var commitRaw []byte
	require.NoError(t, alice.store.DB.Run("add bob", func() error {
		var err error
		groupID, err = alice.groups.CreateGroup()
		if err != nil {
			return err
		}
		gid := groupID.Bytes()
		if err := alice.store.CreateConversation(&store.Conversation{
			ID:      ids.NewID().Bytes(),
			GroupID: &gid,
			Kind:    store.ConversationKindGroup,
			Title:   "plans",
			Active:  true,
		}); err != nil {
			return err
		}

		contact, err := alice.store.Contact(bob.id)
		if err != nil {
			return err
		}
		conv, err := alice.store.Conversation(ids.IDFromBytes(contact.ConversationID))
		if err != nil {
			return err
		}
		mem, err := alice.store.Membership(ids.IDFromBytes(*conv.GroupID), bob.id, store.MembershipMerged)
		if err != nil {
			return err
		}

		if err := alice.manager.EnqueueWelcome(groupID, bob.id); err != nil {
			return err
		}
		commitRaw, err = alice.groups.ProposeChange(groupID, []cgka.Proposal{{
			Kind:   cgka.ProposalAdd,
			Member: cgka.Member{UserID: bob.id, SignatureKey: mem.SignatureKey},
		}})
		return err
	}))

	// the welcome travels as a handshake ahead of the commit
	deliverHandshakes(t, alice, bob)
	require.NoError(t, bob.store.DB.Run("apply commit", func() error {
		return bob.groups.ApplyRemoteCommit(groupID, commitRaw)
	}))
	require.NoError(t, alice.store.DB.Run("apply commit", func() error {
		return alice.groups.ApplyRemoteCommit(groupID, commitRaw)
	}))

	require.NoError(t, bob.store.DB.Run("check bob", func() error {
		g, err := bob.store.Group(groupID)
		require.NoError(t, err)
		require.EqualValues(t, 1, g.Epoch)
		members, err := bob.store.MergedMemberships(groupID)
		require.NoError(t, err)
		require.Len(t, members, 2)
		conv, err := bob.store.ConversationByGroup(groupID)
		require.NoError(t, err)
		require.Equal(t, "plans", conv.Title)
		return nil
	}))

	// content sealed by alice at the new epoch opens on bob's side
	var sealed []byte
	require.NoError(t, alice.store.DB.Run("seal", func() error {
		var err error
		sealed, err = alice.groups.Seal(groupID, []byte("welcome aboard"))
		return err
	}))
	require.NoError(t, bob.store.DB.Run("open", func() error {
		opened, plaintext, err := bob.groups.Open(sealed)
		require.NoError(t, err)
		require.Equal(t, groupID, opened)
		require.Equal(t, []byte("welcome aboard"), plaintext)
		return nil
	}))
}

func TestOwnExpiredPackageRejectsOffer(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	bobConfig := config.NewConfig(config.WithLoggingPrefix("bob"))
	bobDB := test.NewTestDatabase(bobConfig)
	bobClock := clock.NewManualClock(time.Now())
	bobStore, err := store.NewStore(bobConfig, bobDB, bobClock)
	require.NoError(t, err)
	defer bobStore.DB.Shutdown()
	_, bobPriv, err := cgka.NewSigner()
	require.NoError(t, err)
	bobID := ids.NewID()
	bobManager := NewManager(bobConfig, bobStore, bobClock, group.NewManager(bobConfig, bobStore, bobClock, bobID, bobPriv), dir, bobID, "bob", bobPriv)

	ctx := context.Background()
	require.NoError(t, bobManager.PublishHandle(ctx, "@bob", false))

	// the package is valid when alice sends her offer
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	_, err = alice.manager.CreateConnection(ctx, "@bob")
	require.NoError(t, err)

	// but expired by the time it reaches bob
	bobClock.Advance(time.Duration(bobConfig.PackageLifetimeSec+1) * time.Second)

	var entries []*store.OutboxEntry
	require.NoError(t, alice.store.DB.Run("drain outbox", func() error {
		var err error
		entries, err = alice.store.NextOutbox(10)
		return err
	}))
	require.Len(t, entries, 1)
	err = bobStore.DB.Run("handle handshake", func() error {
		return bobManager.HandleHandshake(entries[0].Payload)
	})
	require.ErrorIs(t, err, ErrPackageExpired)

	require.NoError(t, bobStore.DB.Run("check", func() error {
		_, err := bobStore.Contact(alice.id)
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = bobStore.HandleContact("@bob")
		require.NoError(t, err)
		return nil
	}))
}

func TestCreateConnectionTwiceFails(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", dir)
	defer bob.store.DB.Shutdown()

	ctx := context.Background()
	require.NoError(t, bob.manager.PublishHandle(ctx, "@bob", false))

	_, err := alice.manager.CreateConnection(ctx, "@bob")
	require.NoError(t, err)
	_, err = alice.manager.CreateConnection(ctx, "@bob")
	require.ErrorIs(t, err, ErrAlreadyConnecting)
}

func TestExpiredPackageRejected(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	bobConfig := config.NewConfig(
		config.WithLoggingPrefix("bob"),
		config.WithPackageLifetimeSec(-3600),
	)
	bobDB := test.NewTestDatabase(bobConfig)
	bobStore, err := store.NewStore(bobConfig, bobDB, clock.NewSystemClock())
	require.NoError(t, err)
	defer bobStore.DB.Shutdown()
	_, bobPriv, err := cgka.NewSigner()
	require.NoError(t, err)
	bobID := ids.NewID()
	cl := clock.NewSystemClock()
	bobManager := NewManager(bobConfig, bobStore, cl, group.NewManager(bobConfig, bobStore, cl, bobID, bobPriv), dir, bobID, "bob", bobPriv)

	ctx := context.Background()
	require.NoError(t, bobManager.PublishHandle(ctx, "@bob", false))

	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	_, err = alice.manager.CreateConnection(ctx, "@bob")
	require.ErrorIs(t, err, ErrPackageExpired)
}

func TestTamperedPackageRejected(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", dir)
	defer bob.store.DB.Shutdown()

	ctx := context.Background()
	require.NoError(t, bob.manager.PublishHandle(ctx, "@bob", false))

	pkg, err := DecodeConnectionPackage(dir.packages["@bob"])
	require.NoError(t, err)
	pkg.ExpiresAt += 1000
	raw, err := pkg.Encode()
	require.NoError(t, err)
	dir.packages["@bob"] = raw

	_, err = alice.manager.CreateConnection(ctx, "@bob")
	require.ErrorIs(t, err, ErrBadPackage)
}

func TestBlockSurvivesContactDeletion(t *testing.T) {
	dir := &memoryDirectory{packages: map[string][]byte{}}
	alice := newTestPeer(t, "alice", dir)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", dir)
	defer bob.store.DB.Shutdown()

	ctx := context.Background()
	require.NoError(t, bob.manager.PublishHandle(ctx, "@bob", false))
	convID, err := alice.manager.CreateConnection(ctx, "@bob")
	require.NoError(t, err)
	deliverHandshakes(t, alice, bob)
	deliverHandshakes(t, bob, alice)

	require.NoError(t, alice.manager.Block(bob.id))
	require.NoError(t, alice.store.DB.Run("delete conversation", func() error {
		return alice.store.DeleteConversation(convID)
	}))

	require.NoError(t, alice.store.DB.Run("check", func() error {
		blocked, err := alice.store.Blocked(bob.id)
		require.NoError(t, err)
		require.True(t, blocked)
		return nil
	}))
}
