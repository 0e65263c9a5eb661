package session

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/gwillem/whatsapp-go/internal/wacrypto"
)

var (
	infoText        = []byte("WhisperText")
	infoRatchet     = []byte("WhisperRatchet")
	infoMessageKeys = []byte("WhisperMessageKeys")

	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
)

// messageKeys are the per-message AES key, MAC key and IV.
type messageKeys struct {
	CipherKey []byte
	MacKey    []byte
	IV        []byte
}

// rootStep mixes a DH output into the root key, returning the next root key
// and a fresh chain key.
func rootStep(rootKey [32]byte, dh [32]byte) (newRoot, chainKey [32]byte, err error) {
	out, err := wacrypto.DeriveSecrets(dh[:], rootKey[:], infoRatchet, 64)
	if err != nil {
		return newRoot, chainKey, err
	}
	copy(newRoot[:], out[:32])
	copy(chainKey[:], out[32:])
	return newRoot, chainKey, nil
}

// chainStep returns the message key seed for ck and the next chain key.
func chainStep(ck [32]byte) (seed, next [32]byte) {
	m := hmac.New(sha256.New, ck[:])
	m.Write(messageKeySeed)
	m.Sum(seed[:0])
	m.Reset()
	m.Write(chainKeySeed)
	m.Sum(next[:0])
	return seed, next
}

func deriveMessageKeys(seed [32]byte) (messageKeys, error) {
	out, err := wacrypto.DeriveSecrets(seed[:], nil, infoMessageKeys, 80)
	if err != nil {
		return messageKeys{}, err
	}
	parts := wacrypto.Split(out, 32, 32, 16)
	return messageKeys{CipherKey: parts[0], MacKey: parts[1], IV: parts[2]}, nil
}

// deriveInitial turns the X3DH secret into the first root and chain keys.
func deriveInitial(master []byte) (rootKey, chainKey [32]byte, err error) {
	out, err := wacrypto.DeriveSecrets(master, nil, infoText, 64)
	if err != nil {
		return rootKey, chainKey, err
	}
	copy(rootKey[:], out[:32])
	copy(chainKey[:], out[32:])
	return rootKey, chainKey, nil
}
