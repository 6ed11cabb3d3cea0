package contact

import (
	"crypto/ed25519"
	"fmt"

	"github.com/arbor-im/arbor/bencode"
)

const (
	HandshakeOffer    = uint8(0)
	HandshakeResponse = uint8(1)
	HandshakeWelcome  = uint8(2)
)

// A ConnectionPackage is published against a handle on the auth service. It
// is self-signed; the signature key inside is trusted on first use.
type ConnectionPackage struct {
	UserID        [16]byte `bencode:"u"`
	EncryptionKey []byte   `bencode:"e"`
	SignatureKey  []byte   `bencode:"s"`
	KeyIndex      uint32   `bencode:"i"`
	ExpiresAt     uint64   `bencode:"t"`
	LastResort    bool     `bencode:"r"`
	Signature     []byte   `bencode:"x"`
}

func (p *ConnectionPackage) Sign(priv ed25519.PrivateKey) error {
	body, err := p.signingBytes()
	if err != nil {
		return err
	}
	p.Signature = ed25519.Sign(priv, body)
	return nil
}

func (p *ConnectionPackage) Verify() error {
	if len(p.SignatureKey) != ed25519.PublicKeySize {
		return ErrBadPackage
	}
	body, err := p.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(p.SignatureKey), body, p.Signature) {
		return ErrBadPackage
	}
	return nil
}

func (p *ConnectionPackage) signingBytes() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = nil
	b, err := bencode.Serialize(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("contact: error serializing package: %w", err)
	}
	return b, nil
}

func (p *ConnectionPackage) Encode() ([]byte, error) {
	return bencode.Serialize(p)
}

func DecodeConnectionPackage(buf []byte) (*ConnectionPackage, error) {
	p := &ConnectionPackage{}
	if err := bencode.Deserialize(buf, p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPackage, err)
	}
	return p, nil
}

// A KeyPackage is a single-use public key a peer can seal a group welcome to
// later, exchanged in batches during the connection handshake.
type KeyPackage struct {
	Index uint32 `bencode:"i"`
	Key   []byte `bencode:"e"`
}

// A ConnectionOffer is the sealed body of an offer handshake. It carries
// everything the handle's owner needs to join the two-member group the
// sender created.
type ConnectionOffer struct {
	SenderID            [16]byte     `bencode:"u"`
	SenderName          string       `bencode:"d"`
	GroupID             [16]byte     `bencode:"g"`
	EpochSecret         []byte       `bencode:"k"`
	SenderSignatureKey  []byte       `bencode:"s"`
	SenderEncryptionKey []byte       `bencode:"e"`
	ResponderLeaf       uint32       `bencode:"l"`
	KeyPackages         []KeyPackage `bencode:"b"`
}

// A ConnectionResponse is the sealed body of a response handshake. The offer
// hash in the clear envelope routes it back to the pending connection.
type ConnectionResponse struct {
	ResponderID           [16]byte     `bencode:"u"`
	ResponderName         string       `bencode:"d"`
	ResponderSignatureKey []byte       `bencode:"s"`
	ResponderLeaf         uint32       `bencode:"l"`
	KeyPackages           []KeyPackage `bencode:"b"`
}

// A GroupWelcome is the sealed body of a welcome handshake: a snapshot of a
// group's epoch state sent to a freshly added member, so the add commit
// following it on the queue can apply.
type GroupWelcome struct {
	GroupID     [16]byte        `bencode:"g"`
	Epoch       uint64          `bencode:"e"`
	EpochSecret []byte          `bencode:"k"`
	Title       string          `bencode:"t"`
	Members     []WelcomeMember `bencode:"m"`
}

type WelcomeMember struct {
	UserID       [16]byte `bencode:"u"`
	LeafIndex    uint32   `bencode:"l"`
	SignatureKey []byte   `bencode:"s"`
}

// A Handshake is the outbox payload for connection traffic. Offer bodies are
// sealed to the package's encryption key, responses to the offer's ephemeral
// key, welcomes to one of the recipient's key packages; the clear fields only
// route.
type Handshake struct {
	Kind          uint8    `bencode:"k"`
	Handle        string   `bencode:"h"`
	Recipient     [16]byte `bencode:"r"`
	OfferHash     []byte   `bencode:"o"`
	KeyIndex      uint32   `bencode:"i"`
	EncryptionKey []byte   `bencode:"e"`
	Sealed        []byte   `bencode:"c"`
}

func (h *Handshake) Encode() ([]byte, error) {
	return bencode.Serialize(h)
}

func DecodeHandshake(buf []byte) (*Handshake, error) {
	h := &Handshake{}
	if err := bencode.Deserialize(buf, h); err != nil {
		return nil, fmt.Errorf("contact: error decoding handshake: %w", err)
	}
	return h, nil
}
