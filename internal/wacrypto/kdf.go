package wacrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSecrets expands ikm into n bytes with HKDF-SHA256. A nil salt is
// treated as 32 zero bytes.
func DeriveSecrets(ikm, salt, info []byte, n int) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// Split cuts b into consecutive chunks of the given sizes.
func Split(b []byte, sizes ...int) [][]byte {
	out := make([][]byte, 0, len(sizes))
	for _, n := range sizes {
		out = append(out, b[:n:n])
		b = b[n:]
	}
	return out
}
