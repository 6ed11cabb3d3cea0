package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/internal/test"
	"github.com/arbor-im/arbor/store"
	"github.com/arbor-im/arbor/transport/api"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// testService is a minimal combined auth and queue service. Envelopes land
// in one shared log; each client reads from its own cursor, so every client
// sees every envelope, including echoes of its own.
type testService struct {
	mu       sync.Mutex
	packages map[string][]byte
	log      []api.Envelope
	blobs    map[string][]byte
}

func newTestService() *testService {
	return &testService{
		packages: map[string][]byte{},
		blobs:    map[string][]byte{},
	}
}

func (s *testService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/handles/", func(w http.ResponseWriter, r *http.Request) {
		handle := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/handles/"), "/package")
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			s.packages[handle] = body
		case http.MethodGet:
			pkg, ok := s.packages[handle]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(pkg)
		}
	})
	mux.HandleFunc("/v1/queues/", func(w http.ResponseWriter, r *http.Request) {
		req := &api.FetchEnvelopesRequest{}
		_ = json.NewDecoder(r.Body).Decode(req)
		s.mu.Lock()
		defer s.mu.Unlock()
		start := 0
		if len(req.Cursor) > 0 {
			start, _ = strconv.Atoi(string(req.Cursor))
		}
		end := start + req.Limit
		if end > len(s.log) {
			end = len(s.log)
		}
		if start > end {
			start = end
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&api.FetchEnvelopesResponse{
			Envelopes: s.log[start:end],
			Cursor:    []byte(strconv.Itoa(end)),
		})
	})
	mux.HandleFunc("/v1/envelopes", func(w http.ResponseWriter, r *http.Request) {
		e := api.Envelope{}
		_ = json.NewDecoder(r.Body).Decode(&e)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.log {
			if existing.ID == e.ID {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}
		s.log = append(s.log, e)
	})
	mux.HandleFunc("/v1/attachments", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		ref := fmt.Sprintf("blob-%d", len(s.blobs))
		s.blobs[ref] = body
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"ref": ref})
	})
	mux.HandleFunc("/v1/attachments/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/v1/attachments/")
		offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		length, _ := strconv.ParseInt(r.URL.Query().Get("length"), 10, 64)
		s.mu.Lock()
		defer s.mu.Unlock()
		blob, ok := s.blobs[ref]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if offset >= int64(len(blob)) {
			return
		}
		end := offset + length
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		_, _ = w.Write(blob[offset:end])
	})
	return mux
}

func newEngine(t *testing.T, root, url string) *Engine {
	c := config.NewConfig(
		config.WithRootDir(root),
		config.WithLoggingPrefix(root),
		config.WithAuthServiceURL(url),
		config.WithQueueServiceURL(url),
		config.WithMaxRetries(1),
	)
	e, err := NewEngine(c)
	require.NoError(t, err)
	return e
}

func startEngine(t *testing.T, root, url, password string) *Engine {
	e := newEngine(t, root, url)
	key, err := e.NewKey(password)
	require.NoError(t, err)
	if e.New() {
		require.NoError(t, e.Initialize(key))
	} else {
		require.NoError(t, e.Open(key))
	}
	return e
}

// syncBoth runs enough sync rounds for queued traffic and its replies to
// settle on both sides.
func syncBoth(t *testing.T, a, b *Engine) {
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Sync(context.Background()))
		require.NoError(t, b.Sync(context.Background()))
	}
}

func TestReopenKeepsIdentity(t *testing.T) {
	service := httptest.NewServer(newTestService().handler())
	defer service.Close()

	e := startEngine(t, "test-reopen", service.URL, "passphrase")
	require.True(t, e.Running())
	userID := e.UserID()
	require.False(t, userID.IsZero())
	require.NoError(t, e.SetDisplayName("morgan"))
	require.NoError(t, e.Shutdown())
	require.True(t, e.Initialized())

	e2 := startEngine(t, "test-reopen", service.URL, "passphrase")
	defer func() { require.NoError(t, e2.Shutdown()) }()
	require.Equal(t, userID, e2.UserID())
	require.Equal(t, "morgan", e2.DisplayName())
}

func TestWrongPasswordFailsOpen(t *testing.T) {
	service := httptest.NewServer(newTestService().handler())
	defer service.Close()

	e := startEngine(t, "test-wrongpw", service.URL, "right")
	require.NoError(t, e.Shutdown())

	e2 := newEngine(t, "test-wrongpw", service.URL)
	key, err := e2.NewKey("wrong")
	require.NoError(t, err)
	require.Error(t, e2.Open(key))
}

func TestTwoPartyConnectionAndMessaging(t *testing.T) {
	service := httptest.NewServer(newTestService().handler())
	defer service.Close()

	alice := startEngine(t, "test-ealice", service.URL, "alicepw")
	defer func() { require.NoError(t, alice.Shutdown()) }()
	bob := startEngine(t, "test-ebob", service.URL, "bobpw")
	defer func() { require.NoError(t, bob.Shutdown()) }()
	require.NoError(t, alice.SetDisplayName("alice"))
	require.NoError(t, bob.SetDisplayName("bob"))

	require.NoError(t, bob.PublishHandle(context.Background(), "@bob", false))
	aliceConv, err := alice.CreateConnection(context.Background(), "@bob")
	require.NoError(t, err)
	syncBoth(t, alice, bob)

	// both sides hold a matured contact now
	aliceContacts, err := alice.Contacts()
	require.NoError(t, err)
	require.Len(t, aliceContacts, 1)
	require.Equal(t, bob.UserID().Bytes(), aliceContacts[0].UserID)
	bobContacts, err := bob.Contacts()
	require.NoError(t, err)
	require.Len(t, bobContacts, 1)
	require.Equal(t, "alice", bobContacts[0].DisplayName)

	bobConvs, err := bob.Conversations()
	require.NoError(t, err)
	require.Len(t, bobConvs, 1)
	bobConv := bobConvs[0].ConversationID()

	// a message crosses, the delivery receipt comes back
	msgID, err := alice.SendMessage(aliceConv, "hello bob")
	require.NoError(t, err)
	syncBoth(t, alice, bob)

	bobMsgs, err := bob.Messages(bobConv, 10)
	require.NoError(t, err)
	require.Len(t, bobMsgs, 1)
	unread, err := bob.UnreadCount(bobConv)
	require.NoError(t, err)
	require.Equal(t, 1, unread)

	sent, err := aliceMessage(alice, msgID)
	require.NoError(t, err)
	require.NotZero(t, sent.Status&store.StatusDelivered)
	require.Zero(t, sent.Status&store.StatusRead)

	// bob reads, the read receipt comes back
	require.NoError(t, bob.MarkAsRead(bobConv, bobMsgs[0].MessageID(), 0))
	syncBoth(t, alice, bob)

	sent, err = aliceMessage(alice, msgID)
	require.NoError(t, err)
	require.NotZero(t, sent.Status&store.StatusRead)
	unread, err = bob.UnreadCount(bobConv)
	require.NoError(t, err)
	require.Zero(t, unread)
}

func aliceMessage(e *Engine, msgID ids.ID) (*store.Message, error) {
	var m *store.Message
	err := e.DB.RunReadOnly("get message", func() error {
		var err error
		m, err = e.store.Message(msgID)
		return err
	})
	return m, err
}

func TestAttachmentCrossesEngines(t *testing.T) {
	service := httptest.NewServer(newTestService().handler())
	defer service.Close()

	alice := startEngine(t, "test-aalice", service.URL, "alicepw")
	defer func() { require.NoError(t, alice.Shutdown()) }()
	bob := startEngine(t, "test-abob", service.URL, "bobpw")
	defer func() { require.NoError(t, bob.Shutdown()) }()

	require.NoError(t, bob.PublishHandle(context.Background(), "@bob", false))
	aliceConv, err := alice.CreateConnection(context.Background(), "@bob")
	require.NoError(t, err)
	syncBoth(t, alice, bob)

	content := []byte("a picture of a capable dog")
	_, err = alice.SendAttachment(context.Background(), aliceConv, content, "dog.jpg", "image/jpeg")
	require.NoError(t, err)
	syncBoth(t, alice, bob)

	bobConvs, err := bob.Conversations()
	require.NoError(t, err)
	require.Len(t, bobConvs, 1)
	bobMsgs, err := bob.Messages(bobConvs[0].ConversationID(), 10)
	require.NoError(t, err)
	require.Len(t, bobMsgs, 1)

	require.Eventually(t, func() bool {
		var atts []*store.Attachment
		if err := bob.DB.RunReadOnly("get attachments", func() error {
			var err error
			atts, err = bob.store.Attachments(bobMsgs[0].MessageID())
			return err
		}); err != nil {
			return false
		}
		return len(atts) == 1 && atts[0].Status == store.AttachmentAvailable && string(atts[0].Content) == string(content)
	}, 10*time.Second, 50*time.Millisecond)
}

func TestGroupConversationLifecycle(t *testing.T) {
	service := httptest.NewServer(newTestService().handler())
	defer service.Close()

	alice := startEngine(t, "test-galice", service.URL, "alicepw")
	defer func() { require.NoError(t, alice.Shutdown()) }()
	bob := startEngine(t, "test-gbob", service.URL, "bobpw")
	defer func() { require.NoError(t, bob.Shutdown()) }()

	require.NoError(t, bob.PublishHandle(context.Background(), "@bob", false))
	_, err := alice.CreateConnection(context.Background(), "@bob")
	require.NoError(t, err)
	syncBoth(t, alice, bob)

	convID, err := alice.CreateGroupConversation("plans")
	require.NoError(t, err)
	require.NoError(t, alice.AddMember(convID, bob.UserID()))

	// the welcome and the echoed commit land bob in the group
	syncBoth(t, alice, bob)
	conv, err := alice.Conversation(convID)
	require.NoError(t, err)
	require.Equal(t, "plans", conv.Title)

	var members []*store.GroupMembership
	require.NoError(t, alice.DB.RunReadOnly("members", func() error {
		var err error
		members, err = alice.store.MergedMemberships(ids.IDFromBytes(*conv.GroupID))
		return err
	}))
	require.Len(t, members, 2)

	bobConvs, err := bob.Conversations()
	require.NoError(t, err)
	var bobConv *store.Conversation
	for _, c := range bobConvs {
		if c.Kind == store.ConversationKindGroup {
			bobConv = c
		}
	}
	require.NotNil(t, bobConv)
	require.Equal(t, "plans", bobConv.Title)
	require.NoError(t, bob.DB.RunReadOnly("bob members", func() error {
		var err error
		members, err = bob.store.MergedMemberships(ids.IDFromBytes(*bobConv.GroupID))
		return err
	}))
	require.Len(t, members, 2)

	// content sealed at the post-add epoch reaches the new member
	_, err = alice.SendMessage(convID, "welcome aboard")
	require.NoError(t, err)
	syncBoth(t, alice, bob)

	bobMsgs, err := bob.Messages(bobConv.ConversationID(), 10)
	require.NoError(t, err)
	var got []*store.Message
	for _, m := range bobMsgs {
		if m.Kind == store.MessageKindContent {
			got = append(got, m)
		}
	}
	require.Len(t, got, 1)
	require.Equal(t, alice.UserID().Bytes(), got[0].SenderID)
}
