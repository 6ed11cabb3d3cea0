// Package attachment moves attachment content between the store and the
// queue service's blob storage. Outgoing content is encrypted with a fresh
// key and nonce before upload; incoming references are fetched chunk by
// chunk by a bounded worker pool, with progress persisted per chunk so a
// restart resumes at the last committed offset.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arbor-im/arbor/clock"
	"github.com/arbor-im/arbor/config"
	"github.com/arbor-im/arbor/crypto"
	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/message"
	"github.com/arbor-im/arbor/store"
	"go.uber.org/zap"
)

// ErrContentMismatch indicates a fully assembled download failed its hash
// check. The pending row is retained so the download can be retried.
var ErrContentMismatch = errors.New("attachment: content hash mismatch")

// Blobs is the blob-storage surface of the queue service.
type Blobs interface {
	UploadAttachment(ctx context.Context, ciphertext []byte) (string, error)
	FetchAttachmentChunk(ctx context.Context, ref string, offset, length int64) ([]byte, error)
}

type Manager struct {
	config *config.Config
	log    *zap.SugaredLogger
	store  *store.Store
	clock  clock.Clock
	blobs  Blobs

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan ids.ID
	wg     sync.WaitGroup
}

func NewManager(c *config.Config, st *store.Store, cl clock.Clock, blobs Blobs) *Manager {
	return &Manager{
		config: c,
		log:    c.Logger("attachment"),
		store:  st,
		clock:  cl,
		blobs:  blobs,
		jobs:   make(chan ids.ID, 1024),
	}
}

// Start launches the download workers and requeues any download that was in
// flight when the engine last stopped.
func (m *Manager) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for i := 0; i < m.config.AttachmentWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	var pending []*store.PendingAttachment
	if err := m.store.DB.RunReadOnly("resume downloads", func() error {
		var err error
		pending, err = m.store.PendingAttachments()
		return err
	}); err != nil {
		return err
	}
	for _, p := range pending {
		m.enqueue(ids.IDFromBytes(p.AttachmentID))
	}
	return nil
}

func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Prepare encrypts content with a fresh key and nonce and builds the
// reference to embed in message content. The blob reference stays empty until
// Push lands the returned ciphertext.
func (m *Manager) Prepare(data []byte, filename, contentType string) (*message.AttachmentRef, []byte, error) {
	key := crypto.NewKey()
	nonce := crypto.NewNonce()
	ciphertext, err := crypto.Encrypt(key, nonce, data, nil)
	if err != nil {
		return nil, nil, err
	}
	return &message.AttachmentRef{
		ID:          ids.NewID(),
		Key:         key,
		Nonce:       nonce,
		Hash:        crypto.ContentHash(ciphertext),
		Size:        uint64(len(ciphertext)),
		Filename:    filename,
		ContentType: contentType,
	}, ciphertext, nil
}

// Push uploads prepared ciphertext and returns its blob reference.
func (m *Manager) Push(ctx context.Context, ciphertext []byte) (string, error) {
	return m.blobs.UploadAttachment(ctx, ciphertext)
}

// Upload is Prepare and Push in one step, for content which does not need a
// staged pending row.
func (m *Manager) Upload(ctx context.Context, data []byte, filename, contentType string) (*message.AttachmentRef, error) {
	ref, ciphertext, err := m.Prepare(data, filename, contentType)
	if err != nil {
		return nil, err
	}
	blobRef, err := m.Push(ctx, ciphertext)
	if err != nil {
		return nil, err
	}
	ref.Ref = blobRef
	return ref, nil
}

// RegisterOutgoing stages an outgoing attachment before its upload: the row
// is pending with no carrying message until BindMessage runs. Runs inside
// the caller's transaction.
func (m *Manager) RegisterOutgoing(ref *message.AttachmentRef, conversationID ids.ID, plaintext []byte) error {
	return m.store.InsertAttachment(&store.Attachment{
		ID:             ref.ID[:],
		ConversationID: conversationID.Bytes(),
		Status:         store.AttachmentPending,
		Filename:       ref.Filename,
		ContentType:    ref.ContentType,
		Size:           int64(ref.Size),
		Content:        plaintext,
	})
}

// BindMessage records the uploaded blob reference against the message which
// carries it and flips the attachment to available. Runs inside the caller's
// transaction.
func (m *Manager) BindMessage(ref *message.AttachmentRef, messageID ids.ID) error {
	return m.store.BindAttachmentMessage(ids.IDFromBytes(ref.ID[:]), messageID, ref.Ref)
}

// RegisterIncoming records an attachment reference from incoming content and
// schedules its download once the enclosing transaction commits.
func (m *Manager) RegisterIncoming(ref *message.AttachmentRef, messageID, conversationID ids.ID) error {
	if err := m.store.InsertAttachment(&store.Attachment{
		ID:             ref.ID[:],
		MessageID:      messageID.Bytes(),
		ConversationID: conversationID.Bytes(),
		Status:         store.AttachmentDownloading,
		Filename:       ref.Filename,
		ContentType:    ref.ContentType,
		Size:           int64(ref.Size),
		Ref:            ref.Ref,
	}); err != nil {
		return err
	}
	if err := m.store.InsertPendingAttachment(&store.PendingAttachment{
		AttachmentID: ref.ID[:],
		EncKey:       ref.Key,
		Nonce:        ref.Nonce,
		Hash:         ref.Hash,
		Size:         int64(ref.Size),
		NextOffset:   0,
		Partial:      []byte{},
	}); err != nil {
		return err
	}
	id := ids.IDFromBytes(ref.ID[:])
	m.store.DB.AfterCommit(func() {
		m.enqueue(id)
	})
	return nil
}

// Retry requeues a failed download from the beginning.
func (m *Manager) Retry(id ids.ID) error {
	if err := m.store.DB.Run("retry attachment", func() error {
		if _, err := m.store.PendingAttachment(id); err != nil {
			return err
		}
		if err := m.store.RecordAttachmentProgress(id, 0, []byte{}); err != nil {
			return err
		}
		return m.store.SetAttachmentStatus(id, store.AttachmentDownloading)
	}); err != nil {
		return err
	}
	m.enqueue(id)
	return nil
}

func (m *Manager) enqueue(id ids.ID) {
	select {
	case m.jobs <- id:
	default:
		m.log.Warnf("download queue full, attachment %x waits for next start", id)
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.jobs:
			if err := m.download(id); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warnf("download of %x failed: %s", id, err)
			}
		}
	}
}

// download fetches one attachment chunk by chunk. Each chunk commits its
// progress, so a crash or shutdown resumes at the last committed offset. A
// pending row disappearing underneath the download means the conversation
// was deleted; the task just stops.
func (m *Manager) download(id ids.ID) error {
	for {
		if err := m.ctx.Err(); err != nil {
			return err
		}

		var pending *store.PendingAttachment
		var att *store.Attachment
		err := m.store.DB.RunReadOnly("read download state", func() error {
			var err error
			pending, err = m.store.PendingAttachment(id)
			if err != nil {
				return err
			}
			att, err = m.store.Attachment(id)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if pending.NextOffset >= pending.Size {
			return m.finish(id, pending)
		}

		chunk, err := m.blobs.FetchAttachmentChunk(m.ctx, att.Ref, pending.NextOffset, m.config.AttachmentChunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return m.fail(id, fmt.Errorf("attachment: empty chunk at offset %d", pending.NextOffset))
		}

		err = m.store.DB.Run("record chunk", func() error {
			if _, err := m.store.PendingAttachment(id); err != nil {
				return err
			}
			return m.store.RecordAttachmentProgress(id, pending.NextOffset+int64(len(chunk)), append(pending.Partial, chunk...))
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// finish verifies the assembled ciphertext and commits the plaintext with
// the pending row's removal in one transaction.
func (m *Manager) finish(id ids.ID, pending *store.PendingAttachment) error {
	if !bytes.Equal(crypto.ContentHash(pending.Partial), pending.Hash) {
		return m.fail(id, ErrContentMismatch)
	}
	plaintext, err := crypto.Decrypt(pending.EncKey, pending.Nonce, pending.Partial, nil)
	if err != nil {
		return m.fail(id, err)
	}
	return m.store.DB.Run("complete download", func() error {
		return m.store.CompleteAttachment(id, plaintext)
	})
}

// fail marks the attachment failed but keeps the pending row for retry.
func (m *Manager) fail(id ids.ID, cause error) error {
	if err := m.store.DB.Run("fail download", func() error {
		return m.store.SetAttachmentStatus(id, store.AttachmentFailed)
	}); err != nil {
		return err
	}
	return cause
}
