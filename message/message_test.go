package message

import (
	"crypto/ed25519"
	"os"
	"testing"

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

type testPeer struct {
	id      ids.ID
	store   *store.Store
	groups  *group.Manager
	manager *Manager
}

func newTestPeer(t *testing.T, name string) *testPeer {
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
		id:      id,
		store:   st,
		groups:  groups,
		manager: NewManager(c, st, cl, groups, id, nil),
	}
}

// sharedConversation puts both peers in the same group, the way an
// established connection would, and returns each side's conversation id.
func sharedConversation(t *testing.T, alice, bob *testPeer) (ids.ID, ids.ID) {
	var groupID ids.ID
	var secret []byte
	aliceConv := ids.NewID()
	require.NoError(t, alice.store.DB.Run("alice group", func() error {
		var err error
		groupID, err = alice.groups.CreateGroup()
		if err != nil {
			return err
		}
		secret, err = alice.store.EpochSecret(groupID, 0)
		if err != nil {
			return err
		}
		gid := groupID.Bytes()
		return alice.store.CreateConversation(&store.Conversation{
			ID:      aliceConv.Bytes(),
			GroupID: &gid,
			Kind:    store.ConversationKindConnection,
			Active:  true,
		})
	}))

	bobConv := ids.NewID()
	require.NoError(t, bob.store.DB.Run("bob group", func() error {
		if err := bob.store.CreateGroup(&store.Group{
			ID:         groupID.Bytes(),
			Epoch:      0,
			State:      store.GroupStateActive,
			WrapperKey: []byte("wk"),
			StateKey:   []byte("sk"),
		}, secret); err != nil {
			return err
		}
		gid := groupID.Bytes()
		return bob.store.CreateConversation(&store.Conversation{
			ID:      bobConv.Bytes(),
			GroupID: &gid,
			Kind:    store.ConversationKindConnection,
			Active:  true,
		})
	}))
	return aliceConv, bobConv
}

// deliver drains one peer's outbox into the other's message engine.
func deliver(t *testing.T, from, to *testPeer) {
	var entries []*store.OutboxEntry
	require.NoError(t, from.store.DB.Run("drain", func() error {
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
		e := e
		require.NoError(t, to.store.DB.Run("receive", func() error {
			switch e.Kind {
			case store.OutboxContent:
				return to.manager.ReceiveContent(e.Payload)
			case store.OutboxStatus:
				return to.manager.ReceiveStatusUpdate(e.Payload)
			default:
				return nil
			}
		}))
	}
}

func text(s string) *Content {
	return &Content{Kind: ContentText, Text: s}
}

func TestSendClearsDraftAndQueuesEnvelope(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, _ := sharedConversation(t, alice, bob)

	var msgID ids.ID
	require.NoError(t, alice.store.DB.Run("send", func() error {
		if err := alice.manager.StoreDraft(aliceConv, "hel", nil); err != nil {
			return err
		}
		var err error
		msgID, err = alice.manager.Send(aliceConv, text("hello"))
		return err
	}))

	require.NoError(t, alice.store.DB.Run("check", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		require.Equal(t, store.StatusSent, m.Status)
		_, err = alice.store.Draft(aliceConv)
		require.ErrorIs(t, err, store.ErrNotFound)
		entries, err := alice.store.NextOutbox(10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, store.OutboxContent, entries[0].Kind)
		return nil
	}))
}

func TestDeliveredThenRead(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, bobConv := sharedConversation(t, alice, bob)

	var msgID ids.ID
	require.NoError(t, alice.store.DB.Run("send", func() error {
		var err error
		msgID, err = alice.manager.Send(aliceConv, text("hello"))
		return err
	}))

	deliver(t, alice, bob)

	// bob holds the message now
	var bobMsgID ids.ID
	require.NoError(t, bob.store.DB.Run("check bob", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		bobMsgID = msgs[0].MessageID()
		content, err := DecodeContent(msgs[0].Body)
		require.NoError(t, err)
		require.Equal(t, "hello", content.Text)
		return nil
	}))

	// bob's delivery receipt reaches alice
	deliver(t, bob, alice)
	require.NoError(t, alice.store.DB.Run("check delivered", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		require.Equal(t, store.StatusSent|store.StatusDelivered, m.Status&(store.StatusSent|store.StatusDelivered))
		require.Zero(t, m.Status&store.StatusRead)
		return nil
	}))

	// bob reads, and the read receipt reaches alice
	require.NoError(t, bob.store.DB.Run("read", func() error {
		return bob.manager.MarkRead(bobConv, bobMsgID, 0)
	}))
	deliver(t, bob, alice)
	require.NoError(t, alice.store.DB.Run("check read", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		require.NotZero(t, m.Status&store.StatusRead)
		return nil
	}))
}

func TestMarkReadRecordsOwnStatus(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, bobConv := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.manager.Send(aliceConv, text("hello"))
		return err
	}))
	deliver(t, alice, bob)

	var bobMsgID ids.ID
	require.NoError(t, bob.store.DB.Run("lookup", func() error {
		msgs, err := bob.store.Messages(bobConv, 1)
		require.NoError(t, err)
		bobMsgID = msgs[0].MessageID()
		return nil
	}))

	require.NoError(t, bob.store.DB.Run("read", func() error {
		return bob.manager.MarkRead(bobConv, bobMsgID, 1234)
	}))

	// bob's own receipt row lands alongside the outgoing report
	require.NoError(t, bob.store.DB.Run("check", func() error {
		statuses, err := bob.store.MessageStatuses(bobMsgID)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		require.Equal(t, bob.id.Bytes(), statuses[0].UserID)
		require.Equal(t, store.StatusDelivered|store.StatusRead, statuses[0].Status)
		require.EqualValues(t, 1234, statuses[0].UpdatedAt)
		return nil
	}))
}

func TestMembershipChangeRecordsSystemMessage(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, _ := sharedConversation(t, alice, bob)
	alice.groups.SetMembershipObserver(alice.manager)

	_, carolPriv, err := cgka.NewSigner()
	require.NoError(t, err)
	carol := ids.NewID()
	var raw []byte
	require.NoError(t, alice.store.DB.Run("propose", func() error {
		conv, err := alice.store.Conversation(aliceConv)
		if err != nil {
			return err
		}
		raw, err = alice.groups.ProposeChange(ids.IDFromBytes(*conv.GroupID), []cgka.Proposal{{
			Kind: cgka.ProposalAdd,
			Member: cgka.Member{
				UserID:       carol,
				SignatureKey: carolPriv.Public().(ed25519.PublicKey),
			},
		}})
		return err
	}))
	require.NoError(t, alice.store.DB.Run("apply", func() error {
		conv, err := alice.store.Conversation(aliceConv)
		if err != nil {
			return err
		}
		return alice.groups.ApplyRemoteCommit(ids.IDFromBytes(*conv.GroupID), raw)
	}))

	require.NoError(t, alice.store.DB.Run("check", func() error {
		msgs, err := alice.store.Messages(aliceConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, store.MessageKindSystem, msgs[0].Kind)
		content, err := DecodeContent(msgs[0].Body)
		require.NoError(t, err)
		require.Equal(t, ContentSystem, content.Kind)
		require.Contains(t, content.Text, "joined")
		return nil
	}))
}

func TestStatusNeverRegresses(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, _ := sharedConversation(t, alice, bob)

	var msgID ids.ID
	require.NoError(t, alice.store.DB.Run("send", func() error {
		var err error
		msgID, err = alice.manager.Send(aliceConv, text("hello"))
		return err
	}))
	var protocolID [16]byte
	require.NoError(t, alice.store.DB.Run("protocol id", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		protocolID = ids.IDFromBytes(*m.ProtocolMessageID)
		return nil
	}))

	// the read report lands before the delivered report
	read := &StatusUpdate{ProtocolID: protocolID, SenderID: bob.id, Bits: store.StatusDelivered | store.StatusRead, At: 20}
	delivered := &StatusUpdate{ProtocolID: protocolID, SenderID: bob.id, Bits: store.StatusDelivered, At: 10}
	for _, su := range []*StatusUpdate{read, delivered} {
		raw, err := su.Encode()
		require.NoError(t, err)
		require.NoError(t, alice.store.DB.Run("apply", func() error {
			return alice.manager.ReceiveStatusUpdate(raw)
		}))
	}

	require.NoError(t, alice.store.DB.Run("check", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		require.NotZero(t, m.Status&store.StatusRead)
		return nil
	}))
}

func TestDuplicateContentDropped(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, bobConv := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.manager.Send(aliceConv, text("hello"))
		return err
	}))
	var sealed []byte
	require.NoError(t, alice.store.DB.Run("peek", func() error {
		entries, err := alice.store.NextOutbox(1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		sealed = entries[0].Payload
		return nil
	}))

	for i := 0; i < 2; i++ {
		require.NoError(t, bob.store.DB.Run("receive", func() error {
			return bob.manager.ReceiveContent(sealed)
		}))
	}
	require.NoError(t, bob.store.DB.Run("check", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		return nil
	}))
}

func TestEditOwnMessage(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, bobConv := sharedConversation(t, alice, bob)

	var msgID ids.ID
	require.NoError(t, alice.store.DB.Run("send", func() error {
		var err error
		msgID, err = alice.manager.Send(aliceConv, text("helo"))
		return err
	}))
	deliver(t, alice, bob)

	var clock uint64
	require.NoError(t, alice.store.DB.Run("edit", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		clock = m.LogicalClock
		return alice.manager.Edit(msgID, clock, text("hello"))
	}))
	deliver(t, alice, bob)

	// the live content changed on both sides, history retained
	require.NoError(t, alice.store.DB.Run("check alice", func() error {
		m, err := alice.store.Message(msgID)
		require.NoError(t, err)
		content, err := DecodeContent(m.Body)
		require.NoError(t, err)
		require.Equal(t, "hello", content.Text)
		require.NotNil(t, m.EditedAt)
		edits, err := alice.store.MessageEdits(msgID)
		require.NoError(t, err)
		require.Len(t, edits, 1)
		return nil
	}))
	require.NoError(t, bob.store.DB.Run("check bob", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		content, err := DecodeContent(msgs[0].Body)
		require.NoError(t, err)
		require.Equal(t, "hello", content.Text)
		return nil
	}))

	// editing against a stale revision fails
	err := alice.store.DB.Run("stale edit", func() error {
		return alice.manager.Edit(msgID, clock, text("nope"))
	})
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestEditForeignMessageFails(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, bobConv := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.manager.Send(aliceConv, text("hello"))
		return err
	}))
	deliver(t, alice, bob)

	err := bob.store.DB.Run("edit", func() error {
		msgs, err := bob.store.Messages(bobConv, 1)
		if err != nil {
			return err
		}
		return bob.manager.Edit(msgs[0].MessageID(), msgs[0].LogicalClock, text("hijacked"))
	})
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestRemoteEditConflictDeterministic(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, bobConv := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.manager.Send(aliceConv, text("base"))
		return err
	}))
	deliver(t, alice, bob)

	var protocolID, bobMsgID ids.ID
	require.NoError(t, bob.store.DB.Run("lookup", func() error {
		msgs, err := bob.store.Messages(bobConv, 1)
		require.NoError(t, err)
		protocolID = ids.IDFromBytes(*msgs[0].ProtocolMessageID)
		bobMsgID = msgs[0].MessageID()
		return nil
	}))

	// two concurrent edits at the same logical clock; the higher edit id wins
	// regardless of arrival order
	lowID := ids.ID{1}
	highID := ids.ID{2}
	mkEdit := func(editID ids.ID, body string) []byte {
		pm := &ProtocolMessage{
			ProtocolID:   ids.NewID(),
			SenderID:     alice.id,
			LogicalClock: 2,
			SentAt:       100,
			Content:      *text(body),
			EditOf:       protocolID,
			EditID:       editID,
		}
		raw, err := pm.Encode()
		require.NoError(t, err)
		var sealed []byte
		require.NoError(t, alice.store.DB.Run("seal", func() error {
			gid, err := alice.store.Conversation(aliceConv)
			if err != nil {
				return err
			}
			sealed, err = alice.groups.Seal(ids.IDFromBytes(*gid.GroupID), raw)
			return err
		}))
		return sealed
	}

	for _, sealed := range [][]byte{mkEdit(highID, "winner"), mkEdit(lowID, "loser")} {
		sealed := sealed
		require.NoError(t, bob.store.DB.Run("apply edit", func() error {
			return bob.manager.ReceiveContent(sealed)
		}))
	}

	require.NoError(t, bob.store.DB.Run("check", func() error {
		m, err := bob.store.Message(bobMsgID)
		require.NoError(t, err)
		content, err := DecodeContent(m.Body)
		require.NoError(t, err)
		require.Equal(t, "winner", content.Text)
		edits, err := bob.store.MessageEdits(bobMsgID)
		require.NoError(t, err)
		require.Len(t, edits, 2)
		return nil
	}))
}

func TestDraftRoundTrip(t *testing.T) {
	alice := newTestPeer(t, "alice")
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob")
	defer bob.store.DB.Shutdown()
	aliceConv, _ := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("draft", func() error {
		if err := alice.manager.StoreDraft(aliceConv, "first", nil); err != nil {
			return err
		}
		return alice.manager.StoreDraft(aliceConv, "second", nil)
	}))
	require.NoError(t, alice.store.DB.Run("check", func() error {
		d, err := alice.store.Draft(aliceConv)
		require.NoError(t, err)
		require.Equal(t, "second", d.Body)
		return alice.manager.ResetDraft(aliceConv)
	}))
	require.NoError(t, alice.store.DB.Run("check gone", func() error {
		_, err := alice.store.Draft(aliceConv)
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}
