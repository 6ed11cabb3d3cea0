// Shared cryptographic helpers: AEAD sealing, content hashing and key
// derivation. Wire-level group key agreement lives in group/cgka.
package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		panic("short read from random source")
	}
	return b
}

func NewKey() []byte {
	return RandomBytes(KeySize)
}

func NewNonce() []byte {
	return RandomBytes(NonceSize)
}

// NewDHKeypair returns a curve25519 keypair as raw 32-byte slices.
func NewDHKeypair() ([]byte, []byte) {
	priv := RandomBytes(32)
	pub := scalarmult.Base(SliceToKey(priv))
	return pub[:], priv
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// Seals with the zero nonce. Only for keys used exactly once.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	return Encrypt(key, zeroNonce12, msg, ad)
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	return Decrypt(key, zeroNonce12, enc, ad)
}

func Encrypt(key, nonce, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, nonce, msg, ad), nil
}

func Decrypt(key, nonce, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, nonce, enc, ad)
}

// ContentHash is a blake2b-256 digest, used for attachment ciphertext
// verification and connection-offer matching.
func ContentHash(b []byte) []byte {
	sum := blake2b.Sum256(b)
	return sum[:]
}

// DeriveKey derives a 32-byte key from a secret and label via HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string) []byte {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("hkdf short read")
	}
	return out
}
