package arbor

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// newKey derives a 32-byte database key from a password. The salt lives next
// to the database and is created on first use.
func newKey(password, root, saltName string) ([]byte, error) {
	var salt [16]byte
	saltPath := filepath.Join(root, saltName)
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt[:]); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt[:], 0o400); err != nil {
			return nil, err
		}
	} else {
		defer func() {
			if err := f.Close(); err != nil {
				fmt.Printf("error while closing %#v", err)
			}
		}()
		if _, err := io.ReadFull(f, salt[:]); err != nil {
			return nil, fmt.Errorf("reading salt from %s: %w", saltPath, err)
		}
	}
	return argon2.IDKey([]byte(password), salt[:], 1, 64*1024, 4, 32), nil
}
