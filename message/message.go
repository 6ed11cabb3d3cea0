// Package message owns the message lifecycle: sending and receiving content,
// aggregating per-recipient delivery and read bits, append-only edits with
// deterministic conflict resolution, and per-conversation drafts. All
// operations run inside the caller's store transaction.
package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/group"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/store"
	"go.uber.org/zap"
)

// ErrNotEditable indicates an edit was attempted on a foreign-authored
// message or against a stale revision.
var ErrNotEditable = errors.New("message: not editable")

var zeroID [16]byte

// An AttachmentSink receives the attachment references found in incoming
// content so their downloads can be scheduled.
type AttachmentSink interface {
	RegisterIncoming(ref *AttachmentRef, messageID, conversationID ids.ID) error
}

type Manager struct {
	config *config.Config
	log    *zap.SugaredLogger
	store  *store.Store
	clock  clock.Clock
	groups *group.Manager
	self   ids.ID
	sink   AttachmentSink
}

func NewManager(c *config.Config, st *store.Store, cl clock.Clock, groups *group.Manager, self ids.ID, sink AttachmentSink) *Manager {
	return &Manager{
		config: c,
		log:    c.Logger("message"),
		store:  st,
		clock:  cl,
		groups: groups,
		self:   self,
		sink:   sink,
	}
}

// Send stores an immutable message, clears any matching draft and stages a
// sealed envelope for transport.
func (m *Manager) Send(conversationID ids.ID, content *Content) (ids.ID, error) {
	conv, err := m.store.Conversation(conversationID)
	if err != nil {
		return ids.ID{}, err
	}
	if conv.GroupID == nil || !conv.Active {
		return ids.ID{}, fmt.Errorf("message: conversation %x cannot send", conversationID)
	}

	logicalClock, err := m.store.NextLogicalClock(conversationID)
	if err != nil {
		return ids.ID{}, err
	}
	msgID := ids.NewID()
	now := m.clock.CurrentTimeMs()
	body, err := content.Encode()
	if err != nil {
		return ids.ID{}, err
	}

	protocolID := msgID.Bytes()
	if err := m.store.InsertMessage(&store.Message{
		ID:                msgID.Bytes(),
		ConversationID:    conversationID.Bytes(),
		SenderID:          m.self.Bytes(),
		Kind:              store.MessageKindContent,
		Body:              body,
		ProtocolMessageID: &protocolID,
		Status:            store.StatusSent,
		SentAt:            now,
		LogicalClock:      logicalClock,
	}); err != nil {
		return ids.ID{}, err
	}
	if err := m.store.DeleteDraft(conversationID); err != nil {
		return ids.ID{}, err
	}

	groupID := ids.IDFromBytes(*conv.GroupID)
	if err := m.sealAndEnqueue(groupID, &ProtocolMessage{
		ProtocolID:   msgID,
		SenderID:     m.self,
		LogicalClock: logicalClock,
		SentAt:       now,
		Content:      *content,
	}); err != nil {
		return ids.ID{}, err
	}
	return msgID, nil
}

// ReceiveContent opens a sealed content envelope and stores the message or
// applies the edit it carries. A delivery receipt is queued for fresh
// foreign messages.
func (m *Manager) ReceiveContent(sealed []byte) error {
	groupID, body, err := m.groups.Open(sealed)
	if err != nil {
		return err
	}
	pm, err := DecodeProtocolMessage(body)
	if err != nil {
		return err
	}
	conv, err := m.store.ConversationByGroup(groupID)
	if err != nil {
		return err
	}

	if pm.EditOf != zeroID {
		return m.applyRemoteEdit(pm)
	}

	if existing, err := m.store.MessageByProtocolID(pm.ProtocolID[:]); err == nil {
		m.log.Debugf("dropping duplicate message %x", existing.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	contentBody, err := pm.Content.Encode()
	if err != nil {
		return err
	}
	msgID := ids.NewID()
	protocolID := pm.ProtocolID[:]
	if err := m.store.InsertMessage(&store.Message{
		ID:                msgID.Bytes(),
		ConversationID:    conv.ID,
		SenderID:          pm.SenderID[:],
		Kind:              store.MessageKindContent,
		Body:              contentBody,
		ProtocolMessageID: &protocolID,
		Status:            store.StatusSent,
		SentAt:            pm.SentAt,
		LogicalClock:      pm.LogicalClock,
	}); err != nil {
		return err
	}
	if err := m.store.UpsertMessageStatus(msgID, ids.IDFromBytes(pm.SenderID[:]), store.StatusSent, pm.SentAt); err != nil {
		return err
	}
	if pm.Content.Kind == ContentAttachment && m.sink != nil {
		for i := range pm.Content.Attachments {
			if err := m.sink.RegisterIncoming(&pm.Content.Attachments[i], msgID, ids.IDFromBytes(conv.ID)); err != nil {
				return err
			}
		}
	}

	if ids.IDFromBytes(pm.SenderID[:]) != m.self {
		return m.enqueueStatus(groupID, &StatusUpdate{
			ProtocolID: pm.ProtocolID,
			SenderID:   m.self,
			Bits:       store.StatusDelivered,
			At:         m.clock.CurrentTimeMs(),
		})
	}
	return nil
}

// MarkRead moves the conversation's read marker to a message, records the
// local user's own read bits on every foreign message up to it and queues the
// matching read receipts. at stamps the receipts; zero means now.
func (m *Manager) MarkRead(conversationID, messageID ids.ID, at uint64) error {
	conv, err := m.store.Conversation(conversationID)
	if err != nil {
		return err
	}
	msg, err := m.store.Message(messageID)
	if err != nil {
		return err
	}
	if msg.SentAt <= conv.LastReadAt {
		return nil
	}
	if at == 0 {
		at = m.clock.CurrentTimeMs()
	}

	unread, err := m.store.UnreadForeignUpTo(conversationID, m.self, msg.SentAt)
	if err != nil {
		return err
	}
	if err := m.store.SetLastRead(conversationID, msg.SentAt); err != nil {
		return err
	}
	if conv.GroupID == nil {
		return nil
	}
	groupID := ids.IDFromBytes(*conv.GroupID)
	for _, u := range unread {
		if err := m.store.UpsertMessageStatus(u.MessageID(), m.self, store.StatusDelivered|store.StatusRead, at); err != nil {
			return err
		}
		if u.ProtocolMessageID == nil {
			continue
		}
		if err := m.enqueueStatus(groupID, &StatusUpdate{
			ProtocolID: ids.IDFromBytes(*u.ProtocolMessageID),
			SenderID:   m.self,
			Bits:       store.StatusDelivered | store.StatusRead,
			At:         at,
		}); err != nil {
			return err
		}
	}
	return nil
}

// MembershipChanged surfaces a merged membership change as a system message
// in the owning conversation. It satisfies the group engine's observer
// interface and runs inside the applying transaction.
func (m *Manager) MembershipChanged(groupID, userID ids.ID, removed bool, at uint64) error {
	conv, err := m.store.ConversationByGroup(groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	name := fmt.Sprintf("%x", userID)
	if userID == m.self {
		name = "you"
	} else if c, err := m.store.Contact(userID); err == nil {
		name = c.DisplayName
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	text := fmt.Sprintf("%s joined", name)
	if removed {
		text = fmt.Sprintf("%s left", name)
	}

	body, err := (&Content{Kind: ContentSystem, Text: text}).Encode()
	if err != nil {
		return err
	}
	logicalClock, err := m.store.NextLogicalClock(conv.ConversationID())
	if err != nil {
		return err
	}
	return m.store.InsertMessage(&store.Message{
		ID:             ids.NewID().Bytes(),
		ConversationID: conv.ID,
		SenderID:       m.self.Bytes(),
		Kind:           store.MessageKindSystem,
		Body:           body,
		Status:         store.StatusSent,
		SentAt:         at,
		LogicalClock:   logicalClock,
	})
}

// ReceiveStatusUpdate folds a sender's bits into the per-recipient row; bits
// only accumulate, so out-of-order reports cannot lower stored state.
func (m *Manager) ReceiveStatusUpdate(raw []byte) error {
	su, err := DecodeStatusUpdate(raw)
	if err != nil {
		return err
	}
	msg, err := m.store.MessageByProtocolID(su.ProtocolID[:])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.log.Debugf("dropping status for unknown message %x", su.ProtocolID)
			return nil
		}
		return err
	}
	return m.store.UpsertMessageStatus(msg.MessageID(), ids.IDFromBytes(su.SenderID[:]), int(su.Bits), su.At)
}

// Edit replaces a message's live content. expectedClock is the revision the
// caller is editing; a mismatch means the message moved underneath them.
func (m *Manager) Edit(messageID ids.ID, expectedClock uint64, content *Content) error {
	msg, err := m.store.Message(messageID)
	if err != nil {
		return err
	}
	if !bytes.Equal(msg.SenderID, m.self.Bytes()) {
		return fmt.Errorf("%w: message %x has a different author", ErrNotEditable, messageID)
	}
	if msg.LogicalClock != expectedClock {
		return fmt.Errorf("%w: message %x was superseded", ErrNotEditable, messageID)
	}

	conv, err := m.store.Conversation(ids.IDFromBytes(msg.ConversationID))
	if err != nil {
		return err
	}
	body, err := content.Encode()
	if err != nil {
		return err
	}
	editID := ids.NewID()
	now := m.clock.CurrentTimeMs()
	nextClock := msg.LogicalClock + 1
	if err := m.store.ApplyEdit(&store.MessageEdit{
		ID:           editID.Bytes(),
		MessageID:    messageID.Bytes(),
		Body:         body,
		LogicalClock: nextClock,
		CreatedAt:    now,
	}); err != nil {
		return err
	}

	if conv.GroupID == nil || msg.ProtocolMessageID == nil {
		return nil
	}
	return m.sealAndEnqueue(ids.IDFromBytes(*conv.GroupID), &ProtocolMessage{
		ProtocolID:   ids.NewID(),
		SenderID:     m.self,
		LogicalClock: nextClock,
		SentAt:       now,
		Content:      *content,
		EditOf:       ids.IDFromBytes(*msg.ProtocolMessageID),
		EditID:       editID,
	})
}

// applyRemoteEdit resolves edit conflicts deterministically: the highest
// (logical clock, edit id) pair wins; losers are kept in the history only.
func (m *Manager) applyRemoteEdit(pm *ProtocolMessage) error {
	msg, err := m.store.MessageByProtocolID(pm.EditOf[:])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.log.Debugf("dropping edit for unknown message %x", pm.EditOf)
			return nil
		}
		return err
	}
	body, err := pm.Content.Encode()
	if err != nil {
		return err
	}
	edit := &store.MessageEdit{
		ID:           pm.EditID[:],
		MessageID:    msg.ID,
		Body:         body,
		LogicalClock: pm.LogicalClock,
		CreatedAt:    pm.SentAt,
	}

	wins := pm.LogicalClock > msg.LogicalClock
	if pm.LogicalClock == msg.LogicalClock {
		latest, err := m.store.LatestEdit(msg.MessageID())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil {
			wins = bytes.Compare(pm.EditID[:], latest.ID) > 0
		}
	}
	if !wins {
		return m.store.InsertMessageEdit(edit)
	}
	return m.store.ApplyEdit(edit)
}

// StoreDraft replaces the conversation's draft in place.
func (m *Manager) StoreDraft(conversationID ids.ID, body string, editing *ids.ID) error {
	var editingBytes *[]byte
	if editing != nil {
		b := editing.Bytes()
		editingBytes = &b
	}
	return m.store.SetDraft(&store.Draft{
		ConversationID:   conversationID.Bytes(),
		Body:             body,
		EditingMessageID: editingBytes,
		UpdatedAt:        m.clock.CurrentTimeMs(),
	})
}

func (m *Manager) ResetDraft(conversationID ids.ID) error {
	return m.store.DeleteDraft(conversationID)
}

func (m *Manager) sealAndEnqueue(groupID ids.ID, pm *ProtocolMessage) error {
	body, err := pm.Encode()
	if err != nil {
		return err
	}
	sealed, err := m.groups.Seal(groupID, body)
	if err != nil {
		return err
	}
	return m.store.EnqueueOutbox(&store.OutboxEntry{
		EnvelopeID: ids.NewID().Bytes(),
		GroupID:    groupID.Bytes(),
		Kind:       store.OutboxContent,
		Payload:    sealed,
	})
}

func (m *Manager) enqueueStatus(groupID ids.ID, su *StatusUpdate) error {
	payload, err := su.Encode()
	if err != nil {
		return err
	}
	return m.store.EnqueueOutbox(&store.OutboxEntry{
		EnvelopeID: ids.NewID().Bytes(),
		GroupID:    groupID.Bytes(),
		Kind:       store.OutboxStatus,
		Payload:    payload,
	})
}
