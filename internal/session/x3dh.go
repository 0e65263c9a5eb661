package session

import (
	"bytes"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/gwillem/whatsapp-go/internal/keys"
)

// discontinuity prefixes the X3DH input.
var discontinuity = bytes.Repeat([]byte{0xFF}, 32)

type dhPair struct {
	local  keys.KeyPair
	remote [32]byte
}

func agree(pairs ...dhPair) ([]byte, error) {
	master := append([]byte(nil), discontinuity...)
	for _, p := range pairs {
		shared, err := p.local.DH(p.remote)
		if err != nil {
			memguard.WipeBytes(master)
			return nil, err
		}
		master = append(master, shared[:]...)
		memguard.WipeBytes(shared[:])
	}
	return master, nil
}

// initiatorState runs X3DH against a verified bundle and performs the first
// sending ratchet step.
func initiatorState(identity keys.Identity, base keys.KeyPair, b *keys.PreKeyBundle) (*State, error) {
	pairs := []dhPair{
		{identity.KeyPair, b.SignedPreKey},
		{base, b.IdentityKey},
		{base, b.SignedPreKey},
	}
	if b.OneTimePreKey != nil {
		pairs = append(pairs, dhPair{base, *b.OneTimePreKey})
	}
	master, err := agree(pairs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer memguard.WipeBytes(master)
	rootKey, chainKey, err := deriveInitial(master)
	if err != nil {
		return nil, err
	}

	st := &State{
		LocalIdentity:        identity.Pub,
		RemoteIdentity:       b.IdentityKey,
		LocalRegistrationID:  identity.RegistrationID,
		RemoteRegistrationID: b.RegistrationID,
		BaseKey:              base.Pub,
		RootKey:              rootKey,
		Receiver:             &ReceiverChain{RatchetKey: b.SignedPreKey, Chain: Chain{Key: chainKey}},
		Pending:              &PendingPreKey{SignedPreKeyID: b.SignedPreKeyID, BaseKey: base.Pub},
		NeedsRatchet:         true,
	}
	if b.OneTimePreKey != nil {
		id := b.OneTimePreKeyID
		st.Pending.PreKeyID = &id
	}
	if err := st.sendingRatchetStep(); err != nil {
		return nil, err
	}
	return st, nil
}

// responderState runs X3DH for an incoming pre-key message. The state's
// sender ratchet starts as the signed prekey, which the initiator's first
// ratchet key is combined with on the first receive.
func responderState(identity keys.Identity, spk keys.SignedPreKey, opk *keys.OneTimePreKey, m *preKeyMessage) (*State, error) {
	pairs := []dhPair{
		{spk.KeyPair, m.identityKey},
		{identity.KeyPair, m.baseKey},
		{spk.KeyPair, m.baseKey},
	}
	if opk != nil {
		pairs = append(pairs, dhPair{opk.KeyPair, m.baseKey})
	}
	master, err := agree(pairs...)
	if err != nil {
		return nil, invalidMessage("key agreement: %v", err)
	}
	defer memguard.WipeBytes(master)
	rootKey, chainKey, err := deriveInitial(master)
	if err != nil {
		return nil, err
	}
	return &State{
		LocalIdentity:        identity.Pub,
		RemoteIdentity:       m.identityKey,
		LocalRegistrationID:  identity.RegistrationID,
		RemoteRegistrationID: m.registrationID,
		BaseKey:              m.baseKey,
		RootKey:              rootKey,
		SenderRatchet:        spk.KeyPair,
		SenderChain:          Chain{Key: chainKey},
	}, nil
}
