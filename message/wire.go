package message

import (
	"fmt"

	"github.com/arbor-im/arbor/bencode"
)

const (
	ContentText       = uint8(0)
	ContentAttachment = uint8(1)
	ContentSystem     = uint8(2)
)

// An AttachmentRef carries everything a recipient needs to fetch, verify and
// decrypt one attachment: the remote blob reference, the content key and
// nonce, and the blake2b hash of the ciphertext.
type AttachmentRef struct {
	ID          [16]byte `bencode:"i"`
	Ref         string   `bencode:"r"`
	Key         []byte   `bencode:"k"`
	Nonce       []byte   `bencode:"n"`
	Hash        []byte   `bencode:"h"`
	Size        uint64   `bencode:"s"`
	Filename    string   `bencode:"f"`
	ContentType string   `bencode:"c"`
}

// Content is the tagged union carried by every message body.
type Content struct {
	Kind        uint8           `bencode:"k"`
	Text        string          `bencode:"t"`
	Attachments []AttachmentRef `bencode:"a"`
}

func (c *Content) Encode() ([]byte, error) {
	return bencode.Serialize(c)
}

func DecodeContent(buf []byte) (*Content, error) {
	c := &Content{}
	if err := bencode.Deserialize(buf, c); err != nil {
		return nil, fmt.Errorf("message: error decoding content: %w", err)
	}
	return c, nil
}

// A ProtocolMessage is the plaintext sealed into a group content envelope.
// EditOf is zero for fresh messages; for edits it names the protocol id of
// the message being replaced and EditID breaks logical-clock ties.
type ProtocolMessage struct {
	ProtocolID   [16]byte `bencode:"i"`
	SenderID     [16]byte `bencode:"u"`
	LogicalClock uint64   `bencode:"l"`
	SentAt       uint64   `bencode:"t"`
	Content      Content  `bencode:"c"`
	EditOf       [16]byte `bencode:"e"`
	EditID       [16]byte `bencode:"d"`
}

func (p *ProtocolMessage) Encode() ([]byte, error) {
	return bencode.Serialize(p)
}

func DecodeProtocolMessage(buf []byte) (*ProtocolMessage, error) {
	p := &ProtocolMessage{}
	if err := bencode.Deserialize(buf, p); err != nil {
		return nil, fmt.Errorf("message: error decoding protocol message: %w", err)
	}
	return p, nil
}

// A StatusUpdate reports one sender's delivery/read bits for one message.
type StatusUpdate struct {
	ProtocolID [16]byte `bencode:"i"`
	SenderID   [16]byte `bencode:"u"`
	Bits       uint8    `bencode:"b"`
	At         uint64   `bencode:"t"`
}

func (s *StatusUpdate) Encode() ([]byte, error) {
	return bencode.Serialize(s)
}

func DecodeStatusUpdate(buf []byte) (*StatusUpdate, error) {
	s := &StatusUpdate{}
	if err := bencode.Deserialize(buf, s); err != nil {
		return nil, fmt.Errorf("message: error decoding status update: %w", err)
	}
	return s, nil
}
