// Package transport drives the exchange of envelopes with the queue
// service: a pull loop that fetches, dedups and dispatches incoming
// envelopes, and a push loop that drains the outbox in order. Every
// envelope is processed inside a single store transaction, so a crash
// mid-batch redelivers rather than loses.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/contact"
	"github.com/arbor-im/arbor/group"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/message"
	"github.com/arbor-im/arbor/store"
	"github.com/arbor-im/arbor/transport/api"
	"go.uber.org/zap"
)

const (
	queueCursorService = "queue"
	pullBatchSize      = 50
	pushBatchSize      = 50
)

// Queue is the envelope surface of the queue service.
type Queue interface {
	FetchEnvelopes(ctx context.Context, cursor []byte, limit int) (*api.FetchEnvelopesResponse, error)
	PushEnvelope(ctx context.Context, e *api.Envelope) error
}

type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    *store.Store
	clock    clock.Clock
	groups   *group.Manager
	contacts *contact.Manager
	messages *message.Manager
	queue    Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(c *config.Config, st *store.Store, cl clock.Clock, groups *group.Manager, contacts *contact.Manager, messages *message.Manager, queue Queue) *Manager {
	return &Manager{
		config:   c,
		log:      c.Logger("transport"),
		store:    st,
		clock:    cl,
		groups:   groups,
		contacts: contacts,
		messages: messages,
		queue:    queue,
	}
}

func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(2)
	go m.pullLoop()
	go m.pushLoop()
}

func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) pullLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.config.PullIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.PullOnce(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warnf("pull failed: %s", err)
			}
		}
	}
}

func (m *Manager) pushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.config.PushIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.PushOnce(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warnf("push failed: %s", err)
			}
		}
	}
}

// PullOnce fetches one batch of envelopes and processes them in order. The
// cursor only advances after the whole batch has been applied, so a commit
// arriving ahead of its predecessors is retried on the next pull.
func (m *Manager) PullOnce(ctx context.Context) error {
	var cursor []byte
	if err := m.store.DB.RunReadOnly("read cursor", func() error {
		var err error
		cursor, err = m.store.Cursor(queueCursorService)
		return err
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	resp, err := m.queue.FetchEnvelopes(ctx, cursor, pullBatchSize)
	if err != nil {
		return err
	}
	if len(resp.Envelopes) == 0 {
		return nil
	}

	for i := range resp.Envelopes {
		err := m.processEnvelope(&resp.Envelopes[i])
		if errors.Is(err, group.ErrFutureEpoch) {
			m.log.Debugf("envelope %s is ahead of our epoch, waiting for redelivery", resp.Envelopes[i].ID)
			return nil
		}
		if err != nil {
			return err
		}
	}

	return m.store.DB.Run("advance cursor", func() error {
		return m.store.SetCursor(queueCursorService, resp.Cursor)
	})
}

// processEnvelope applies one envelope in its own transaction. Rejected
// envelopes are marked processed so redelivery cannot replay them; an
// epoch-gap error rolls back untouched.
func (m *Manager) processEnvelope(e *api.Envelope) error {
	envelopeID, err := ids.ParseID(e.ID)
	if err != nil {
		m.log.Warnf("dropping envelope with malformed id %q", e.ID)
		return nil
	}
	return m.store.DB.Run("process envelope", func() error {
		processed, err := m.store.EnvelopeProcessed(envelopeID)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := m.dispatch(e); err != nil {
			if errors.Is(err, group.ErrCryptoRejected) || errors.Is(err, contact.ErrBadPackage) || errors.Is(err, contact.ErrPackageExpired) {
				m.log.Warnf("envelope %s rejected: %s", e.ID, err)
				return m.store.MarkEnvelopeProcessed(envelopeID)
			}
			// an envelope for state we do not hold, like a deleted
			// conversation or a handshake we did not start
			if errors.Is(err, store.ErrNotFound) {
				m.log.Debugf("dropping envelope %s: %s", e.ID, err)
				return m.store.MarkEnvelopeProcessed(envelopeID)
			}
			return err
		}
		return m.store.MarkEnvelopeProcessed(envelopeID)
	})
}

func (m *Manager) dispatch(e *api.Envelope) error {
	switch e.Kind {
	case store.OutboxCommit:
		groupID, err := ids.ParseID(e.GroupID)
		if err != nil {
			m.log.Warnf("dropping commit with malformed group id %q", e.GroupID)
			return nil
		}
		return m.groups.ApplyRemoteCommit(groupID, e.Payload)
	case store.OutboxProposal:
		groupID, err := ids.ParseID(e.GroupID)
		if err != nil {
			m.log.Warnf("dropping proposal with malformed group id %q", e.GroupID)
			return nil
		}
		return m.groups.ApplyProposal(groupID, e.Payload)
	case store.OutboxHandshake:
		return m.contacts.HandleHandshake(e.Payload)
	case store.OutboxContent:
		return m.messages.ReceiveContent(e.Payload)
	case store.OutboxStatus:
		return m.messages.ReceiveStatusUpdate(e.Payload)
	default:
		m.log.Warnf("dropping envelope %s of unknown kind %d", e.ID, e.Kind)
		return nil
	}
}

// PushOnce drains the outbox in enqueue order. A failed push leaves the
// entry and everything behind it in place for the next tick; the server
// dedups by envelope id, so a push that failed after landing is harmless.
func (m *Manager) PushOnce(ctx context.Context) error {
	var entries []*store.OutboxEntry
	if err := m.store.DB.RunReadOnly("read outbox", func() error {
		var err error
		entries, err = m.store.NextOutbox(pushBatchSize)
		return err
	}); err != nil {
		return err
	}

	for _, entry := range entries {
		e := &api.Envelope{
			ID:      ids.IDFromBytes(entry.EnvelopeID).String(),
			Kind:    entry.Kind,
			Payload: entry.Payload,
		}
		if len(entry.GroupID) > 0 {
			e.GroupID = ids.IDFromBytes(entry.GroupID).String()
		}
		if err := m.queue.PushEnvelope(ctx, e); err != nil {
			return err
		}
		seq := entry.Seq
		if err := m.store.DB.Run("dequeue outbox", func() error {
			return m.store.DeleteOutbox(seq)
		}); err != nil {
			return err
		}
	}
	return nil
}
