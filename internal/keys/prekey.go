package keys

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gwillem/whatsapp-go/internal/types"
)

// MaxPreKeyID is the largest prekey id; ids are 24-bit on the wire.
const MaxPreKeyID = 0xFFFFFF

// Identity is the device's long-term identity. It is created once and never
// rotated.
type Identity struct {
	KeyPair
	RegistrationID uint32
}

// SignedPreKey is a medium-term key signed by the identity key.
type SignedPreKey struct {
	ID        uint32
	KeyPair   KeyPair
	Signature [64]byte
	CreatedAt time.Time
	Uses      uint32
	// RetiredAt is zero for the current key. A retired key stays usable for
	// in-flight pre-key messages until PurgeAfter.
	RetiredAt  time.Time
	PurgeAfter time.Time
}

// Retired reports whether k has been replaced by a newer key.
func (k SignedPreKey) Retired() bool { return !k.RetiredAt.IsZero() }

// OneTimePreKey is consumed by the first pre-key message that names it.
type OneTimePreKey struct {
	ID      uint32
	KeyPair KeyPair
}

// PreKeyBundle is the public key set a peer needs to start a session with
// a device.
type PreKeyBundle struct {
	JID                   types.JID
	RegistrationID        uint32
	IdentityKey           [32]byte
	SignedPreKeyID        uint32
	SignedPreKey          [32]byte
	SignedPreKeySignature [64]byte
	OneTimePreKeyID       uint32
	OneTimePreKey         *[32]byte
}

// VerifySignedPreKey checks that the signed prekey was signed by the
// bundle's identity key.
func (b *PreKeyBundle) VerifySignedPreKey() bool {
	return VerifySignature(b.IdentityKey, SerializePublic(b.SignedPreKey), b.SignedPreKeySignature)
}

func newSignedPreKey(identity KeyPair, id uint32, now time.Time) (SignedPreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return SignedPreKey{}, err
	}
	return SignedPreKey{
		ID:        id,
		KeyPair:   kp,
		Signature: identity.Sign(SerializePublic(kp.Pub)),
		CreatedAt: now,
	}, nil
}

// GenerateRegistrationID returns a random registration id in [1, 16380].
func GenerateRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("keys: registration id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%16380 + 1, nil
}

// nextID returns the id after id, wrapping from MaxPreKeyID back to 1.
func nextID(id uint32) uint32 {
	if id >= MaxPreKeyID {
		return 1
	}
	return id + 1
}
