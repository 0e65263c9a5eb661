package noise

import (
	"crypto/sha256"

	"github.com/awnumar/memguard"

	"github.com/gwillem/whatsapp-go/internal/wacrypto"
)

// ProtocolName is exactly 32 bytes, so it is used as the initial hash as is.
const ProtocolName = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

func newSymmetricState(prologue []byte) *symmetricState {
	s := &symmetricState{}
	copy(s.hash[:], ProtocolName)
	s.ck = s.hash
	s.mixHash(prologue)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.hash[:])
	h.Write(data)
	h.Sum(s.hash[:0])
}

func (s *symmetricState) mixKey(input []byte) error {
	out, err := wacrypto.DeriveSecrets(input, s.ck[:], nil, 64)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(out)
	copy(s.ck[:], out[:32])
	if s.key == nil {
		s.key = make([]byte, 32)
	}
	copy(s.key, out[32:])
	s.aead, err = newGCM(s.key)
	if err != nil {
		return err
	}
	s.counter = 0
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if s.aead == nil {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	ct := s.aead.Seal(nil, nonce(s.counter), plaintext, s.hash[:])
	s.counter++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if s.aead == nil {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	pt, err := s.aead.Open(nil, nonce(s.counter), ciphertext, s.hash[:])
	if err != nil {
		return nil, ErrMacMismatch
	}
	s.counter++
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport keys. The first belongs to the initiator's
// sending direction.
func (s *symmetricState) split() (k1, k2 []byte, err error) {
	out, err := wacrypto.DeriveSecrets(nil, s.ck[:], nil, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}
