package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/contact"
	"github.com/arbor-im/arbor/crypto"
	"github.com/arbor-im/arbor/group"
	"github.com/arbor-im/arbor/group/cgka"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/internal/test"
	"github.com/arbor-im/arbor/message"
	"github.com/arbor-im/arbor/store"
	"github.com/arbor-im/arbor/transport/api"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// memoryQueue is a queue service holding one envelope log; cursors index
// into it the way the real service's opaque cursors do.
type memoryQueue struct {
	envelopes []api.Envelope
	pushed    map[string]bool
	failPush  error
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{pushed: map[string]bool{}}
}

func (q *memoryQueue) FetchEnvelopes(_ context.Context, cursor []byte, limit int) (*api.FetchEnvelopesResponse, error) {
	start := 0
	if len(cursor) > 0 {
		var err error
		start, err = strconv.Atoi(string(cursor))
		if err != nil {
			return nil, err
		}
	}
	end := start + limit
	if end > len(q.envelopes) {
		end = len(q.envelopes)
	}
	if start > end {
		start = end
	}
	return &api.FetchEnvelopesResponse{
		Envelopes: q.envelopes[start:end],
		Cursor:    []byte(strconv.Itoa(end)),
	}, nil
}

func (q *memoryQueue) PushEnvelope(_ context.Context, e *api.Envelope) error {
	if q.failPush != nil {
		return q.failPush
	}
	if q.pushed[e.ID] {
		return nil
	}
	q.pushed[e.ID] = true
	q.envelopes = append(q.envelopes, *e)
	return nil
}

type testPeer struct {
	id        ids.ID
	store     *store.Store
	groups    *group.Manager
	messages  *message.Manager
	transport *Manager
}

func newTestPeer(t *testing.T, name string, queue Queue) *testPeer {
	c := config.NewConfig(config.WithLoggingPrefix(name))
	d := test.NewTestDatabase(c)
	st, err := store.NewStore(c, d, clock.NewSystemClock())
	require.NoError(t, err)
	_, priv, err := cgka.NewSigner()
	require.NoError(t, err)
	id := ids.NewID()
	cl := clock.NewSystemClock()
	groups := group.NewManager(c, st, cl, id, priv)
	messages := message.NewManager(c, st, cl, groups, id, nil)
	contacts := contact.NewManager(c, st, cl, groups, nil, id, name, priv)
	return &testPeer{
		id:        id,
		store:     st,
		groups:    groups,
		messages:  messages,
		transport: NewManager(c, st, cl, groups, contacts, messages, queue),
	}
}

// sharedConversation puts both peers in the same group with the same epoch
// zero secret, as an established connection would.
func sharedConversation(t *testing.T, alice, bob *testPeer) (ids.ID, ids.ID, ids.ID) {
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
	return groupID, aliceConv, bobConv
}

func TestPushThenPullDeliversMessage(t *testing.T) {
	queue := newMemoryQueue()
	alice := newTestPeer(t, "alice", queue)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()
	_, aliceConv, bobConv := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.messages.Send(aliceConv, &message.Content{Kind: message.ContentText, Text: "hello"})
		return err
	}))

	require.NoError(t, alice.transport.PushOnce(context.Background()))
	require.NoError(t, alice.store.DB.RunReadOnly("outbox drained", func() error {
		entries, err := alice.store.NextOutbox(10)
		require.NoError(t, err)
		require.Empty(t, entries)
		return nil
	}))

	require.NoError(t, bob.transport.PullOnce(context.Background()))
	require.NoError(t, bob.store.DB.RunReadOnly("check", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		content, err := message.DecodeContent(msgs[0].Body)
		require.NoError(t, err)
		require.Equal(t, "hello", content.Text)
		return nil
	}))

	// a second pull starts from the advanced cursor and redelivers nothing
	require.NoError(t, bob.transport.PullOnce(context.Background()))
	require.NoError(t, bob.store.DB.RunReadOnly("still one", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		return nil
	}))
}

func TestFailedPushLeavesOutboxInOrder(t *testing.T) {
	queue := newMemoryQueue()
	alice := newTestPeer(t, "alice", queue)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()
	_, aliceConv, _ := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		for _, body := range []string{"one", "two"} {
			if _, err := alice.messages.Send(aliceConv, &message.Content{Kind: message.ContentText, Text: body}); err != nil {
				return err
			}
		}
		return nil
	}))

	queue.failPush = fmt.Errorf("%w: flaky", api.ErrUnavailable)
	require.ErrorIs(t, alice.transport.PushOnce(context.Background()), api.ErrUnavailable)
	require.NoError(t, alice.store.DB.RunReadOnly("still queued", func() error {
		entries, err := alice.store.NextOutbox(10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		return nil
	}))

	queue.failPush = nil
	require.NoError(t, alice.transport.PushOnce(context.Background()))
	require.Len(t, queue.envelopes, 2)
}

func TestRedeliveredEnvelopeIsDeduplicated(t *testing.T) {
	queue := newMemoryQueue()
	alice := newTestPeer(t, "alice", queue)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()
	_, aliceConv, bobConv := sharedConversation(t, alice, bob)

	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.messages.Send(aliceConv, &message.Content{Kind: message.ContentText, Text: "once"})
		return err
	}))
	require.NoError(t, alice.transport.PushOnce(context.Background()))
	require.NoError(t, bob.transport.PullOnce(context.Background()))

	// the service redelivers the same envelope under a reset cursor
	require.NoError(t, bob.store.DB.Run("reset cursor", func() error {
		return bob.store.SetCursor("queue", []byte("0"))
	}))
	require.NoError(t, bob.transport.PullOnce(context.Background()))

	require.NoError(t, bob.store.DB.RunReadOnly("check", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		return nil
	}))
}

func TestFutureEpochCommitHoldsCursor(t *testing.T) {
	queue := newMemoryQueue()
	alice := newTestPeer(t, "alice", queue)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()
	groupID, aliceConv, bobConv := sharedConversation(t, alice, bob)

	// a commit from an epoch bob has not reached yet
	_, signerPriv, err := cgka.NewSigner()
	require.NoError(t, err)
	commit, _, err := cgka.CreateCommit(groupID, 5, 0, nil, cgka.SecretsFrom(cgka.NewEpochSecret()), signerPriv)
	require.NoError(t, err)
	raw, err := commit.Encode()
	require.NoError(t, err)
	queue.envelopes = append(queue.envelopes, api.Envelope{
		ID:      ids.NewID().String(),
		GroupID: groupID.String(),
		Kind:    store.OutboxCommit,
		Payload: raw,
	})

	// a message queued behind the early commit
	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.messages.Send(aliceConv, &message.Content{Kind: message.ContentText, Text: "behind"})
		return err
	}))
	require.NoError(t, alice.transport.PushOnce(context.Background()))

	// the batch stops at the gap and nothing past it applies
	require.NoError(t, bob.transport.PullOnce(context.Background()))
	require.NoError(t, bob.store.DB.RunReadOnly("check", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Empty(t, msgs)
		_, err = bob.store.Cursor("queue")
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestRejectedEnvelopeAdvancesCursor(t *testing.T) {
	queue := newMemoryQueue()
	alice := newTestPeer(t, "alice", queue)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()
	groupID, aliceConv, bobConv := sharedConversation(t, alice, bob)

	// garbage sealed content, then a valid message behind it
	garbage, err := (&group.SealedMessage{
		GroupID:    groupID,
		Epoch:      0,
		Nonce:      crypto.NewNonce(),
		Ciphertext: []byte("not a real ciphertext"),
	}).Encode()
	require.NoError(t, err)
	queue.envelopes = append(queue.envelopes, api.Envelope{
		ID:      ids.NewID().String(),
		GroupID: groupID.String(),
		Kind:    store.OutboxContent,
		Payload: garbage,
	})
	require.NoError(t, alice.store.DB.Run("send", func() error {
		_, err := alice.messages.Send(aliceConv, &message.Content{Kind: message.ContentText, Text: "after"})
		return err
	}))
	require.NoError(t, alice.transport.PushOnce(context.Background()))

	require.NoError(t, bob.transport.PullOnce(context.Background()))
	require.NoError(t, bob.store.DB.RunReadOnly("check", func() error {
		msgs, err := bob.store.Messages(bobConv, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		conv, err := bob.store.Conversation(bobConv)
		require.NoError(t, err)
		require.True(t, conv.Degraded)
		return nil
	}))
}

func TestProposalEnvelopeIsStored(t *testing.T) {
	queue := newMemoryQueue()
	alice := newTestPeer(t, "alice", queue)
	defer alice.store.DB.Shutdown()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()
	groupID, _, _ := sharedConversation(t, alice, bob)

	raw, err := (&cgka.Proposal{
		Kind:   cgka.ProposalRemove,
		Member: cgka.Member{UserID: alice.id, LeafIndex: 0},
	}).Encode()
	require.NoError(t, err)
	queue.envelopes = append(queue.envelopes, api.Envelope{
		ID:      ids.NewID().String(),
		GroupID: groupID.String(),
		Kind:    store.OutboxProposal,
		Payload: raw,
	})

	// the proposal waits in the store for the next commit to fold it in
	require.NoError(t, bob.transport.PullOnce(context.Background()))
	require.NoError(t, bob.store.DB.RunReadOnly("check", func() error {
		proposals, err := bob.store.Proposals(groupID)
		require.NoError(t, err)
		require.Len(t, proposals, 1)
		require.Equal(t, raw, proposals[0].Body)
		return nil
	}))
}

func TestUnknownEnvelopeKindIsDropped(t *testing.T) {
	queue := newMemoryQueue()
	bob := newTestPeer(t, "bob", queue)
	defer bob.store.DB.Shutdown()

	queue.envelopes = append(queue.envelopes, api.Envelope{
		ID:      ids.NewID().String(),
		Kind:    99,
		Payload: []byte("future"),
	})
	require.NoError(t, bob.transport.PullOnce(context.Background()))
	require.NoError(t, bob.store.DB.RunReadOnly("cursor moved", func() error {
		cursor, err := bob.store.Cursor("queue")
		require.NoError(t, err)
		require.Equal(t, []byte("1"), cursor)
		return nil
	}))
}
