// Package cgka implements the continuous group key agreement primitives used
// by the group engine: a leaf-indexed membership roster, signed commits which
// carry a sealed commit secret, and an HKDF chain deriving one secret per
// epoch. The engine above never touches the key schedule outside this package.
package cgka

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/arbor-im/arbor/bencode"
	"github.com/arbor-im/arbor/crypto"
	"github.com/arbor-im/arbor/ids"
)

const SecretSize = 32

var (
	ErrBadSignature = errors.New("cgka: bad commit signature")
	ErrCannotUnseal = errors.New("cgka: cannot unseal commit secret")
)

const (
	ProposalAdd    = uint8(0)
	ProposalRemove = uint8(1)
	ProposalUpdate = uint8(2)
)

type Member struct {
	UserID       [16]byte `bencode:"u"`
	LeafIndex    uint32   `bencode:"l"`
	SignatureKey []byte   `bencode:"k"`
}

type Proposal struct {
	Kind   uint8  `bencode:"k"`
	Member Member `bencode:"m"`
}

// A Commit moves a group from epoch N to N+1. The commit secret is sealed
// under the current epoch's encryption key, so only members of epoch N can
// derive the secrets of epoch N+1.
type Commit struct {
	GroupID      [16]byte   `bencode:"g"`
	Epoch        uint64     `bencode:"e"`
	SignerLeaf   uint32     `bencode:"l"`
	Nonce        []byte     `bencode:"n"`
	SealedSecret []byte     `bencode:"s"`
	Proposals    []Proposal `bencode:"p"`
	Signature    []byte     `bencode:"x"`
}

// EpochSecrets holds the working keys for one epoch, expanded from the
// epoch's root secret.
type EpochSecrets struct {
	EpochSecret   []byte
	EncryptionKey []byte
}

func NewEpochSecret() []byte {
	return crypto.RandomBytes(SecretSize)
}

// SecretsFrom expands an epoch root secret into its working keys.
func SecretsFrom(epochSecret []byte) *EpochSecrets {
	return &EpochSecrets{
		EpochSecret:   epochSecret,
		EncryptionKey: crypto.DeriveKey(epochSecret, nil, "arbor content"),
	}
}

// NextEpochSecret chains the previous epoch secret with a commit secret.
func NextEpochSecret(epochSecret, commitSecret []byte, epoch uint64) []byte {
	return crypto.DeriveKey(commitSecret, epochSecret, fmt.Sprintf("arbor epoch %d", epoch))
}

func NewSigner() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// CreateCommit builds a signed commit advancing the group to the given epoch
// and returns it along with the next epoch's root secret.
func CreateCommit(groupID ids.ID, epoch uint64, signerLeaf uint32, proposals []Proposal, prev *EpochSecrets, priv ed25519.PrivateKey) (*Commit, []byte, error) {
	commitSecret := crypto.RandomBytes(SecretSize)
	nonce := crypto.NewNonce()
	sealed, err := crypto.Encrypt(prev.EncryptionKey, nonce, commitSecret, groupID.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("cgka: error sealing commit secret: %w", err)
	}

	c := &Commit{
		GroupID:      groupID,
		Epoch:        epoch,
		SignerLeaf:   signerLeaf,
		Nonce:        nonce,
		SealedSecret: sealed,
		Proposals:    proposals,
	}
	body, err := signingBytes(c)
	if err != nil {
		return nil, nil, err
	}
	c.Signature = ed25519.Sign(priv, body)
	return c, NextEpochSecret(prev.EpochSecret, commitSecret, epoch), nil
}

// Verify checks the commit signature against the signer's public key.
func (c *Commit) Verify(pub ed25519.PublicKey) error {
	body, err := signingBytes(c)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, body, c.Signature) {
		return ErrBadSignature
	}
	return nil
}

// ApplyCommit verifies a commit, unseals its commit secret with the current
// epoch's keys and returns the next epoch's root secret.
func ApplyCommit(c *Commit, prev *EpochSecrets, pub ed25519.PublicKey) ([]byte, error) {
	if err := c.Verify(pub); err != nil {
		return nil, err
	}
	commitSecret, err := crypto.Decrypt(prev.EncryptionKey, c.Nonce, c.SealedSecret, c.GroupID[:])
	if err != nil {
		return nil, ErrCannotUnseal
	}
	return NextEpochSecret(prev.EpochSecret, commitSecret, c.Epoch), nil
}

func (c *Commit) Encode() ([]byte, error) {
	return bencode.Serialize(c)
}

func DecodeCommit(buf []byte) (*Commit, error) {
	c := &Commit{}
	if err := bencode.Deserialize(buf, c); err != nil {
		return nil, fmt.Errorf("cgka: error decoding commit: %w", err)
	}
	return c, nil
}

func (p *Proposal) Encode() ([]byte, error) {
	return bencode.Serialize(p)
}

func DecodeProposal(buf []byte) (*Proposal, error) {
	p := &Proposal{}
	if err := bencode.Deserialize(buf, p); err != nil {
		return nil, fmt.Errorf("cgka: error decoding proposal: %w", err)
	}
	return p, nil
}

func signingBytes(c *Commit) ([]byte, error) {
	unsigned := *c
	unsigned.Signature = nil
	b, err := bencode.Serialize(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("cgka: error serializing commit: %w", err)
	}
	return b, nil
}
