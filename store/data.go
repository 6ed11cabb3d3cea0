package store

import (
	"github.com/arbor-im/arbor/ids"
)

const (
	// group states
	GroupStateActive            = 0
	GroupStateAwaitingCommitAck = 1

	// group membership statuses
	MembershipStagedAdd     = 0
	MembershipStagedUpdate  = 1
	MembershipStagedRemoval = 2
	MembershipMerged        = 3

	// conversation kinds
	ConversationKindConnection = 0
	ConversationKindGroup      = 1

	// message kinds
	MessageKindContent = 0
	MessageKindSystem  = 1
	MessageKindUnsent  = 2

	// message status bits; per-recipient bits only ever accumulate
	StatusSent      = 1
	StatusDelivered = 2
	StatusRead      = 4

	// attachment statuses
	AttachmentPending     = 0
	AttachmentDownloading = 1
	AttachmentAvailable   = 2
	AttachmentFailed      = 3

	// outbox kinds, mirrored by the envelope kinds on the wire
	OutboxCommit    = 0
	OutboxHandshake = 1
	OutboxContent   = 2
	OutboxStatus    = 3
	OutboxProposal  = 4
)

type Group struct {
	ID          []byte `db:"id"`
	Epoch       uint64 `db:"epoch"`
	State       int    `db:"state"`
	WrapperKey  []byte `db:"wrapper_key"`
	StateKey    []byte `db:"state_key"`
	PendingDiff []byte `db:"pending_diff"`
}

type GroupMembership struct {
	GroupID      []byte `db:"group_id"`
	UserID       []byte `db:"user_id"`
	LeafIndex    uint32 `db:"leaf_index"`
	Status       int    `db:"status"`
	SignatureKey []byte `db:"signature_key"`
}

type GroupProposal struct {
	GroupID []byte `db:"group_id"`
	Ref     []byte `db:"ref"`
	Body    []byte `db:"body"`
}

type KeyPackage struct {
	ID        []byte `db:"id"`
	UserID    []byte `db:"user_id"`
	Body      []byte `db:"body"`
	CreatedAt uint64 `db:"created_at"`
}

type Conversation struct {
	ID             []byte  `db:"id"`
	GroupID        *[]byte `db:"group_id"`
	Kind           int     `db:"kind"`
	Title          string  `db:"title"`
	Picture        []byte  `db:"picture"`
	LastReadAt     uint64  `db:"last_read_at"`
	Active         bool    `db:"active"`
	InactiveReason string  `db:"inactive_reason"`
	Degraded       bool    `db:"degraded"`
	CreatedAt      uint64  `db:"created_at"`
}

type Contact struct {
	UserID         []byte `db:"user_id"`
	ConversationID []byte `db:"conversation_id"`
	KeyIndex       uint32 `db:"key_index"`
	DisplayName    string `db:"display_name"`
}

type PartialContact struct {
	UserID         []byte `db:"user_id"`
	ConversationID []byte `db:"conversation_id"`
	OfferHash      []byte `db:"offer_hash"`
	OfferKey       []byte `db:"offer_key"`
	CreatedAt      uint64 `db:"created_at"`
}

type HandleContact struct {
	Handle         string  `db:"handle"`
	UserID         *[]byte `db:"user_id"`
	ConversationID *[]byte `db:"conversation_id"`
	PackageKey     []byte  `db:"package_key"`
	OfferHash      []byte  `db:"offer_hash"`
	ExpiresAt      uint64  `db:"expires_at"`
}

type BlockedContact struct {
	UserID    []byte `db:"user_id"`
	BlockedAt uint64 `db:"blocked_at"`
	Reported  bool   `db:"reported"`
}

type UserKey struct {
	UserID   []byte `db:"user_id"`
	KeyIndex uint32 `db:"key_index"`
	Key      []byte `db:"key"`
	IsSelf   bool   `db:"is_self"`
}

type Message struct {
	ID                []byte  `db:"id"`
	ConversationID    []byte  `db:"conversation_id"`
	SenderID          []byte  `db:"sender_id"`
	Kind              int     `db:"kind"`
	Body              []byte  `db:"body"`
	ProtocolMessageID *[]byte `db:"protocol_message_id"`
	Status            int     `db:"status"`
	SentAt            uint64  `db:"sent_at"`
	EditedAt          *uint64 `db:"edited_at"`
	LogicalClock      uint64  `db:"logical_clock"`
}

type MessageStatus struct {
	MessageID []byte `db:"message_id"`
	UserID    []byte `db:"user_id"`
	Status    int    `db:"status"`
	UpdatedAt uint64 `db:"updated_at"`
}

type MessageEdit struct {
	ID           []byte `db:"id"`
	MessageID    []byte `db:"message_id"`
	Body         []byte `db:"body"`
	LogicalClock uint64 `db:"logical_clock"`
	CreatedAt    uint64 `db:"created_at"`
}

type Draft struct {
	ConversationID   []byte  `db:"conversation_id"`
	Body             string  `db:"body"`
	EditingMessageID *[]byte `db:"editing_message_id"`
	UpdatedAt        uint64  `db:"updated_at"`
}

type Attachment struct {
	ID             []byte `db:"id"`
	MessageID      []byte `db:"message_id"`
	ConversationID []byte `db:"conversation_id"`
	Status         int    `db:"status"`
	Filename       string `db:"filename"`
	ContentType    string `db:"content_type"`
	Size           int64  `db:"size"`
	Ref            string `db:"ref"`
	Content        []byte `db:"content"`
}

type PendingAttachment struct {
	AttachmentID []byte `db:"attachment_id"`
	EncKey       []byte `db:"enc_key"`
	Nonce        []byte `db:"nonce"`
	Hash         []byte `db:"hash"`
	Size         int64  `db:"size"`
	NextOffset   int64  `db:"next_offset"`
	Partial      []byte `db:"partial"`
}

type OutboxEntry struct {
	Seq        uint64 `db:"seq"`
	EnvelopeID []byte `db:"envelope_id"`
	GroupID    []byte `db:"group_id"`
	Kind       int    `db:"kind"`
	Payload    []byte `db:"payload"`
	CreatedAt  uint64 `db:"created_at"`
}

func (m *Message) MessageID() ids.ID {
	return ids.IDFromBytes(m.ID)
}

func (c *Conversation) ConversationID() ids.ID {
	return ids.IDFromBytes(c.ID)
}
