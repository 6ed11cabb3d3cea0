// Package arbor provides the high-level interface to the arbor messenger
// engine. It owns the encrypted database lifecycle, the local identity, and
// the subsystems for groups, contacts, messages, attachments and transport,
// and it exposes the operations a client application drives them with.
package arbor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/arbor-im/arbor/attachment"
	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/contact"
	"github.com/arbor-im/arbor/group"
	"github.com/arbor-im/arbor/group/cgka"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/internal/db"
	"github.com/arbor-im/arbor/message"
	"github.com/arbor-im/arbor/migration"
	"github.com/arbor-im/arbor/store"
	"github.com/arbor-im/arbor/transport"
	"github.com/arbor-im/arbor/transport/api"
	"go.uber.org/zap"
)

// Constants for engine state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

// An event indicating a change in the state of the engine.
type AppState struct {
	State int
}

type identityRow struct {
	UserID      []byte `db:"user_id"`
	DisplayName string `db:"display_name"`
	SignPriv    []byte `db:"sign_priv"`
}

type Engine struct {
	DB *db.Database

	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	state       int
	self        ids.ID
	displayName string
	signPriv    []byte

	store       *store.Store
	client      *api.Client
	groups      *group.Manager
	contacts    *contact.Manager
	messages    *message.Manager
	attachments *attachment.Manager
	transport   *transport.Manager

	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create an engine instance.
func NewEngine(c *config.Config) (*Engine, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making engine, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Engine{
		DB:      database,
		config:  c,
		log:     log,
		clock:   cl,
		state:   state,
		updates: make(chan interface{}, 100),
	}, nil
}

// Makes a database key from a password.
func (e *Engine) NewKey(password string) ([]byte, error) {
	return newKey(password, e.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *store.Notification and *AppState values.
func (e *Engine) Updates() chan interface{} {
	return e.updates
}

// Returns true if the engine is in NEW state.
func (e *Engine) New() bool {
	return e.state == StateNew
}

// Returns true if the engine is in INITIALIZED state.
func (e *Engine) Initialized() bool {
	return e.state == StateInitialized
}

// Returns true if the engine is in RUNNING state.
func (e *Engine) Running() bool {
	return e.state == StateRunning
}

// The local user's id. Zero until the engine has been opened once.
func (e *Engine) UserID() ids.ID {
	return e.self
}

// Initialize the engine with a given key and open it.
func (e *Engine) Initialize(key []byte) error {
	if e.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := e.DB.Initialize(key); err != nil {
		return err
	}
	e.setState(StateInitialized)
	return e.open(key)
}

// Open an existing engine with a given key.
func (e *Engine) Open(key []byte) error {
	return e.open(key)
}

func (e *Engine) open(key []byte) error {
	if e.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := e.DB.Open(key); err != nil {
		return err
	}

	if err := e.DB.Migrate("_arbor", []*migration.Migration{
		{
			Name: "create identity table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	user_id BLOB NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	sign_priv BLOB NOT NULL
);
					`)
				return err
			},
		},
	}); err != nil {
		return err
	}

	if err := e.DB.Lock("initializing store", func() error {
		st, err := store.NewStore(e.config, e.DB, e.clock)
		if err != nil {
			return err
		}
		e.store = st
		return nil
	}); err != nil {
		return err
	}

	if err := e.loadIdentity(); err != nil {
		return err
	}

	e.client = api.NewClient(e.config, e.self)
	e.groups = group.NewManager(e.config, e.store, e.clock, e.self, e.signPriv)
	e.contacts = contact.NewManager(e.config, e.store, e.clock, e.groups, e.client, e.self, e.displayName, e.signPriv)
	e.attachments = attachment.NewManager(e.config, e.store, e.clock, e.client)
	e.messages = message.NewManager(e.config, e.store, e.clock, e.groups, e.self, e.attachments)
	e.groups.SetMembershipObserver(e.messages)
	e.transport = transport.NewManager(e.config, e.store, e.clock, e.groups, e.contacts, e.messages, e.client)

	if err := e.attachments.Start(); err != nil {
		return err
	}
	e.transport.Start()

	ctx, cancelFunc := context.WithCancel(context.Background())
	e.cancelFunc = cancelFunc
	e.setState(StateRunning)
	e.startUpdatePassing(ctx)
	return nil
}

// loadIdentity reads the local identity, creating one on first open.
func (e *Engine) loadIdentity() error {
	return e.DB.Run("load identity", func() error {
		row := &identityRow{}
		err := e.DB.Tx.Get(row, "SELECT user_id, display_name, sign_priv FROM identity WHERE id = 1")
		if errors.Is(err, sql.ErrNoRows) {
			id := ids.NewID()
			_, priv, err := cgka.NewSigner()
			if err != nil {
				return err
			}
			if _, err := e.DB.Tx.Exec(
				"INSERT INTO identity (id, user_id, display_name, sign_priv) VALUES (1, $1, '', $2)",
				id.Bytes(), []byte(priv)); err != nil {
				return err
			}
			e.self = id
			e.signPriv = priv
			e.displayName = ""
			return nil
		}
		if err != nil {
			return err
		}
		e.self = ids.IDFromBytes(row.UserID)
		e.signPriv = row.SignPriv
		e.displayName = row.DisplayName
		return nil
	})
}

// Gracefully stop a running engine.
func (e *Engine) Shutdown() error {
	if e.state != StateRunning {
		return nil
	}
	e.setState(StateClosing)
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	e.cancelFunc()
	e.transport.Shutdown()
	e.attachments.Shutdown()
	e.finished.Wait()

	if err := e.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	e.cancelFunc = nil
	e.store = nil
	e.groups = nil
	e.contacts = nil
	e.messages = nil
	e.attachments = nil
	e.transport = nil

	e.setState(StateInitialized)

	close(e.updates)
	e.updates = make(chan interface{}, 100)

	return nil
}

// Set the display name sent along with connection offers.
func (e *Engine) SetDisplayName(name string) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	if err := e.DB.Run("set display name", func() error {
		_, err := e.DB.Tx.Exec("UPDATE identity SET display_name = $1 WHERE id = 1", name)
		return err
	}); err != nil {
		return err
	}
	e.displayName = name
	e.contacts.SetDisplayName(name)
	return nil
}

func (e *Engine) DisplayName() string {
	return e.displayName
}

// Publish a signed connection package for a handle.
func (e *Engine) PublishHandle(ctx context.Context, handle string, lastResort bool) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.contacts.PublishHandle(ctx, handle, lastResort)
}

// Start a connection with the owner of a handle. Returns the id of the new
// conversation, which stays in a partial state until the handshake completes.
func (e *Engine) CreateConnection(ctx context.Context, handle string) (ids.ID, error) {
	if err := e.requireRunning(); err != nil {
		return ids.ID{}, err
	}
	return e.contacts.CreateConnection(ctx, handle)
}

// Block a user. Blocks survive contact deletion.
func (e *Engine) Block(userID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.contacts.Block(userID)
}

// Unblock a user.
func (e *Engine) Unblock(userID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.contacts.Unblock(userID)
}

// Report a user, which also blocks them.
func (e *Engine) Report(userID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.contacts.Report(userID)
}

// Create a group conversation with the local user as its only member.
func (e *Engine) CreateGroupConversation(title string) (ids.ID, error) {
	if err := e.requireRunning(); err != nil {
		return ids.ID{}, err
	}
	var conversationID ids.ID
	err := e.DB.Run("create group conversation", func() error {
		groupID, err := e.groups.CreateGroup()
		if err != nil {
			return err
		}
		conversationID = ids.NewID()
		gid := groupID.Bytes()
		return e.store.CreateConversation(&store.Conversation{
			ID:      conversationID.Bytes(),
			GroupID: &gid,
			Kind:    store.ConversationKindGroup,
			Title:   title,
			Active:  true,
		})
	})
	return conversationID, err
}

// Propose adding a contact to a group conversation. A welcome carrying the
// current epoch state is queued ahead of the commit so the new member can
// apply it; the membership merges once the commit is echoed back by the
// queue service.
func (e *Engine) AddMember(conversationID, userID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("add member", func() error {
		groupID, err := e.conversationGroup(conversationID)
		if err != nil {
			return err
		}
		signatureKey, err := e.contactSignatureKey(userID)
		if err != nil {
			return err
		}
		if err := e.contacts.EnqueueWelcome(groupID, userID); err != nil {
			return err
		}
		return e.proposeAndEnqueue(groupID, []cgka.Proposal{{
			Kind:   cgka.ProposalAdd,
			Member: cgka.Member{UserID: userID, SignatureKey: signatureKey},
		}})
	})
}

// Propose removing a member from a group conversation.
func (e *Engine) RemoveMember(conversationID, userID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("remove member", func() error {
		groupID, err := e.conversationGroup(conversationID)
		if err != nil {
			return err
		}
		mem, err := e.store.Membership(groupID, userID, store.MembershipMerged)
		if err != nil {
			return err
		}
		return e.proposeAndEnqueue(groupID, []cgka.Proposal{{
			Kind: cgka.ProposalRemove,
			Member: cgka.Member{
				UserID:       userID,
				LeafIndex:    mem.LeafIndex,
				SignatureKey: mem.SignatureKey,
			},
		}})
	})
}

// Send a text message.
func (e *Engine) SendMessage(conversationID ids.ID, body string) (ids.ID, error) {
	if err := e.requireRunning(); err != nil {
		return ids.ID{}, err
	}
	var messageID ids.ID
	err := e.DB.Run("send message", func() error {
		var err error
		messageID, err = e.messages.Send(conversationID, &message.Content{Kind: message.ContentText, Text: body})
		return err
	})
	return messageID, err
}

// Send an attachment. The encrypted content is staged as a pending
// attachment, uploaded, and only then bound to a stored message; a crash
// mid-upload leaves a pending row instead of a message pointing at nothing.
func (e *Engine) SendAttachment(ctx context.Context, conversationID ids.ID, data []byte, filename, contentType string) (ids.ID, error) {
	if err := e.requireRunning(); err != nil {
		return ids.ID{}, err
	}
	ref, ciphertext, err := e.attachments.Prepare(data, filename, contentType)
	if err != nil {
		return ids.ID{}, err
	}
	if err := e.DB.Run("stage attachment", func() error {
		return e.attachments.RegisterOutgoing(ref, conversationID, data)
	}); err != nil {
		return ids.ID{}, err
	}
	blobRef, err := e.attachments.Push(ctx, ciphertext)
	if err != nil {
		return ids.ID{}, err
	}
	ref.Ref = blobRef
	var messageID ids.ID
	err = e.DB.Run("send attachment", func() error {
		var err error
		messageID, err = e.messages.Send(conversationID, &message.Content{
			Kind:        message.ContentAttachment,
			Attachments: []message.AttachmentRef{*ref},
		})
		if err != nil {
			return err
		}
		return e.attachments.BindMessage(ref, messageID)
	})
	return messageID, err
}

// Replace a sent message's content. expectedClock is the revision being
// edited.
func (e *Engine) EditMessage(messageID ids.ID, expectedClock uint64, body string) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("edit message", func() error {
		return e.messages.Edit(messageID, expectedClock, &message.Content{Kind: message.ContentText, Text: body})
	})
}

// Move the conversation's read marker and queue read receipts stamped with
// at, in unix milliseconds. Zero means now.
func (e *Engine) MarkAsRead(conversationID, messageID ids.ID, at uint64) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("mark as read", func() error {
		return e.messages.MarkRead(conversationID, messageID, at)
	})
}

// Store the conversation's draft, replacing any existing one.
func (e *Engine) StoreDraft(conversationID ids.ID, body string, editing *ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("store draft", func() error {
		return e.messages.StoreDraft(conversationID, body, editing)
	})
}

// Discard the conversation's draft.
func (e *Engine) ResetDraft(conversationID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("reset draft", func() error {
		return e.messages.ResetDraft(conversationID)
	})
}

// Retry a failed attachment download from the beginning.
func (e *Engine) RetryAttachment(attachmentID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.attachments.Retry(attachmentID)
}

// Delete a conversation and everything hanging off it.
func (e *Engine) DeleteConversation(conversationID ids.ID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	return e.DB.Run("delete conversation", func() error {
		return e.store.DeleteConversation(conversationID)
	})
}

// Get all conversations.
func (e *Engine) Conversations() ([]*store.Conversation, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	var convs []*store.Conversation
	err := e.DB.RunReadOnly("get conversations", func() error {
		var err error
		convs, err = e.store.Conversations()
		return err
	})
	return convs, err
}

// Get a specific conversation.
func (e *Engine) Conversation(conversationID ids.ID) (*store.Conversation, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	var conv *store.Conversation
	err := e.DB.RunReadOnly("get conversation", func() error {
		var err error
		conv, err = e.store.Conversation(conversationID)
		return err
	})
	return conv, err
}

// Get the most recent messages of a conversation.
func (e *Engine) Messages(conversationID ids.ID, limit int) ([]*store.Message, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	var msgs []*store.Message
	err := e.DB.RunReadOnly("get messages", func() error {
		var err error
		msgs, err = e.store.Messages(conversationID, limit)
		return err
	})
	return msgs, err
}

// Get all contacts.
func (e *Engine) Contacts() ([]*store.Contact, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	var contacts []*store.Contact
	err := e.DB.RunReadOnly("get contacts", func() error {
		var err error
		contacts, err = e.store.Contacts()
		return err
	})
	return contacts, err
}

// Count foreign messages after the conversation's read marker.
func (e *Engine) UnreadCount(conversationID ids.ID) (int, error) {
	if err := e.requireRunning(); err != nil {
		return 0, err
	}
	var count int
	err := e.DB.RunReadOnly("get unread count", func() error {
		var err error
		count, err = e.store.UnreadCount(conversationID, e.self)
		return err
	})
	return count, err
}

// Get an attachment with whatever content has been assembled so far.
func (e *Engine) Attachment(attachmentID ids.ID) (*store.Attachment, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	var att *store.Attachment
	err := e.DB.RunReadOnly("get attachment", func() error {
		var err error
		att, err = e.store.Attachment(attachmentID)
		return err
	})
	return att, err
}

// Push the outbox and pull the queue once, outside the regular tick.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	if err := e.transport.PushOnce(ctx); err != nil {
		return err
	}
	return e.transport.PullOnce(ctx)
}

func (e *Engine) requireRunning() error {
	if e.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, e.state)
	}
	return nil
}

func (e *Engine) conversationGroup(conversationID ids.ID) (ids.ID, error) {
	conv, err := e.store.Conversation(conversationID)
	if err != nil {
		return ids.ID{}, err
	}
	if conv.GroupID == nil {
		return ids.ID{}, fmt.Errorf("conversation %x has no group", conversationID)
	}
	return ids.IDFromBytes(*conv.GroupID), nil
}

// contactSignatureKey finds a contact's signature key through their merged
// membership in the connection group.
func (e *Engine) contactSignatureKey(userID ids.ID) ([]byte, error) {
	c, err := e.store.Contact(userID)
	if err != nil {
		return nil, err
	}
	groupID, err := e.conversationGroup(ids.IDFromBytes(c.ConversationID))
	if err != nil {
		return nil, err
	}
	mem, err := e.store.Membership(groupID, userID, store.MembershipMerged)
	if err != nil {
		return nil, err
	}
	return mem.SignatureKey, nil
}

func (e *Engine) proposeAndEnqueue(groupID ids.ID, proposals []cgka.Proposal) error {
	raw, err := e.groups.ProposeChange(groupID, proposals)
	if err != nil {
		return err
	}
	return e.store.EnqueueOutbox(&store.OutboxEntry{
		EnvelopeID: ids.NewID().Bytes(),
		GroupID:    groupID.Bytes(),
		Kind:       store.OutboxCommit,
		Payload:    raw,
	})
}

func (e *Engine) setState(state int) {
	e.state = state
	select {
	case e.updates <- &AppState{State: state}:
	default:
	}
}

func (e *Engine) startUpdatePassing(ctx context.Context) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-e.store.Updates():
				e.updates <- u
			}
		}
	}()
}
