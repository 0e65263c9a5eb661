// Package keys holds the device's long-lived key material: the identity key,
// signed prekeys and one-time prekeys, and the bundle published from them.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"go.mau.fi/libsignal/ecc"
	"golang.org/x/crypto/curve25519"
)

// DjbType prefixes serialized Curve25519 public keys.
const DjbType = 0x05

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Pub  [32]byte
	Priv [32]byte
}

// GenerateKeyPair returns a fresh random key pair.
func GenerateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("keys: generate: %w", err)
	}
	return NewKeyPair(priv)
}

// NewKeyPair derives the public key for priv after clamping it.
func NewKeyPair(priv [32]byte) (KeyPair, error) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: derive public key: %w", err)
	}
	kp := KeyPair{Priv: priv}
	copy(kp.Pub[:], pub)
	return kp, nil
}

// DH computes the X25519 shared secret with a remote public key. A
// low-order remote key yields an error rather than an all-zero secret.
func (kp KeyPair) DH(remote [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(kp.Priv[:], remote[:])
	if err != nil {
		return out, fmt.Errorf("keys: dh: %w", err)
	}
	copy(out[:], shared)
	memguard.WipeBytes(shared)
	return out, nil
}

// Sign returns an XEdDSA signature over msg.
func (kp KeyPair) Sign(msg []byte) [64]byte {
	return ecc.CalculateSignature(ecc.NewDjbECPrivateKey(kp.Priv), msg)
}

// VerifySignature checks an XEdDSA signature made by the holder of pub.
func VerifySignature(pub [32]byte, msg []byte, sig [64]byte) bool {
	return ecc.VerifySignature(ecc.NewDjbECPublicKey(pub), msg, sig)
}

// Wipe zeroes the private key.
func (kp *KeyPair) Wipe() {
	memguard.WipeBytes(kp.Priv[:])
}

// SerializePublic returns the 33-byte type-prefixed form of pub.
func SerializePublic(pub [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = DjbType
	copy(out[1:], pub[:])
	return out
}

// ErrInvalidPublicKey is returned by ParsePublic for malformed input.
var ErrInvalidPublicKey = errors.New("keys: invalid public key")

// ParsePublic accepts a raw 32-byte key or the 33-byte type-prefixed form.
func ParsePublic(b []byte) ([32]byte, error) {
	var pub [32]byte
	switch {
	case len(b) == 32:
		copy(pub[:], b)
	case len(b) == 33 && b[0] == DjbType:
		copy(pub[:], b[1:])
	default:
		return pub, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(b))
	}
	return pub, nil
}
