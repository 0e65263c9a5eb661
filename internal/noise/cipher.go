package noise

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/awnumar/memguard"
)

// CipherState encrypts one direction of an established channel with
// AES-256-GCM. The nonce is a 32-bit big-endian counter in the last four of
// twelve bytes. It is safe for concurrent use.
type CipherState struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	counter uint64
}

// NewCipherState returns a CipherState keyed with a 32-byte key.
func NewCipherState(key []byte) (*CipherState, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &CipherState{aead: aead}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("noise: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}
	return aead, nil
}

func nonce(counter uint64) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint32(iv[8:], uint32(counter))
	return iv
}

// Encrypt seals plaintext with the next nonce.
func (c *CipherState) Encrypt(plaintext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter > math.MaxUint32 {
		return nil, ErrNonceExhausted
	}
	out := c.aead.Seal(nil, nonce(c.counter), plaintext, ad)
	c.counter++
	return out, nil
}

// Decrypt opens ciphertext with the next nonce. The counter only advances
// when authentication succeeds.
func (c *CipherState) Decrypt(ciphertext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counter > math.MaxUint32 {
		return nil, ErrNonceExhausted
	}
	out, err := c.aead.Open(nil, nonce(c.counter), ciphertext, ad)
	if err != nil {
		return nil, ErrMacMismatch
	}
	c.counter++
	return out, nil
}

// Counter returns the nonce that the next call will use.
func (c *CipherState) Counter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// symmetricState is the handshake transcript: running hash, chaining key,
// and the current handshake cipher key.
type symmetricState struct {
	hash    [32]byte
	ck      [32]byte
	key     []byte
	aead    cipher.AEAD
	counter uint64
}

func (s *symmetricState) wipe() {
	memguard.WipeBytes(s.hash[:])
	memguard.WipeBytes(s.ck[:])
	if s.key != nil {
		memguard.WipeBytes(s.key)
	}
	s.key = nil
	s.aead = nil
}
