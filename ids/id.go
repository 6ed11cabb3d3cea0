// This package defines a common id type which is used throughout arbor. Ids are
// 16-byte values generated as random UUIDs, matching the wire representation
// used by the network services.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"io"

	"github.com/google/uuid"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func NewID() ID {
	return ID(uuid.New())
}

// NewRawID makes an id drawn directly from the system random source rather
// than the uuid layout, for values which never cross the wire as UUIDs.
func NewRawID() ID {
	var id [16]byte
	if _, err := io.ReadFull(crypto_rand.Reader, id[:]); err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }
