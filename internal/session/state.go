package session

import (
	"github.com/awnumar/memguard"

	"github.com/gwillem/whatsapp-go/internal/keys"
)

// Chain is one symmetric ratchet: its key and the index of the next message.
type Chain struct {
	Key   [32]byte
	Index uint32
}

// ReceiverChain is a receiving chain and the remote ratchet key it belongs to.
type ReceiverChain struct {
	RatchetKey [32]byte
	Chain      Chain
}

// SkippedKey is a message key seed kept for a message that has not arrived yet.
type SkippedKey struct {
	RatchetKey [32]byte
	Counter    uint32
	Seed       [32]byte
}

// PendingPreKey identifies the prekeys an unanswered session was built on.
// Outgoing messages are wrapped as pre-key messages until the peer replies.
type PendingPreKey struct {
	PreKeyID       *uint32
	SignedPreKeyID uint32
	BaseKey        [32]byte
}

// State is the full double-ratchet state for one remote device. Fields are
// exported for persistence only.
type State struct {
	LocalIdentity        [32]byte
	RemoteIdentity       [32]byte
	LocalRegistrationID  uint32
	RemoteRegistrationID uint32
	// BaseKey is the initiator's X3DH ephemeral, used to recognize repeated
	// pre-key messages for an existing session.
	BaseKey [32]byte

	RootKey         [32]byte
	SenderRatchet   keys.KeyPair
	SenderChain     Chain
	PreviousCounter uint32
	// NeedsRatchet is set after a receiving ratchet step; the next encrypt
	// generates a new sender ratchet key first.
	NeedsRatchet bool

	Receiver      *ReceiverChain
	RetiredChains []ReceiverChain
	Skipped       []SkippedKey
	Pending       *PendingPreKey
}

func (s *State) clone() *State {
	c := *s
	if s.Receiver != nil {
		r := *s.Receiver
		c.Receiver = &r
	}
	c.RetiredChains = append([]ReceiverChain(nil), s.RetiredChains...)
	c.Skipped = append([]SkippedKey(nil), s.Skipped...)
	if s.Pending != nil {
		p := *s.Pending
		if p.PreKeyID != nil {
			id := *p.PreKeyID
			p.PreKeyID = &id
		}
		c.Pending = &p
	}
	return &c
}

// wipe zeroizes the secrets in s.
func (s *State) wipe() {
	memguard.WipeBytes(s.RootKey[:])
	s.SenderRatchet.Wipe()
	memguard.WipeBytes(s.SenderChain.Key[:])
	if s.Receiver != nil {
		memguard.WipeBytes(s.Receiver.Chain.Key[:])
	}
	for i := range s.RetiredChains {
		memguard.WipeBytes(s.RetiredChains[i].Chain.Key[:])
	}
	for i := range s.Skipped {
		memguard.WipeBytes(s.Skipped[i].Seed[:])
	}
}

// receiverFor returns the receiving chain for a remote ratchet key, current
// or retired.
func (s *State) receiverFor(ratchetKey [32]byte) *ReceiverChain {
	if s.Receiver != nil && s.Receiver.RatchetKey == ratchetKey {
		return s.Receiver
	}
	for i := range s.RetiredChains {
		if s.RetiredChains[i].RatchetKey == ratchetKey {
			return &s.RetiredChains[i]
		}
	}
	return nil
}

// takeSkipped removes and returns the cached seed for (ratchetKey, counter).
func (s *State) takeSkipped(ratchetKey [32]byte, counter uint32) ([32]byte, bool) {
	for i, k := range s.Skipped {
		if k.Counter == counter && k.RatchetKey == ratchetKey {
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return k.Seed, true
		}
	}
	return [32]byte{}, false
}

// addSkipped appends a seed, evicting the oldest entries beyond window.
func (s *State) addSkipped(k SkippedKey, window int) {
	s.Skipped = append(s.Skipped, k)
	if over := len(s.Skipped) - window; over > 0 {
		for i := 0; i < over; i++ {
			memguard.WipeBytes(s.Skipped[i].Seed[:])
		}
		s.Skipped = append(s.Skipped[:0], s.Skipped[over:]...)
	}
}

// retire moves the current receiving chain to the retired list, keeping at
// most limit entries.
func (s *State) retire(limit int) {
	if s.Receiver == nil {
		return
	}
	s.RetiredChains = append(s.RetiredChains, *s.Receiver)
	if over := len(s.RetiredChains) - limit; over > 0 {
		for i := 0; i < over; i++ {
			memguard.WipeBytes(s.RetiredChains[i].Chain.Key[:])
		}
		s.RetiredChains = append(s.RetiredChains[:0], s.RetiredChains[over:]...)
	}
	s.Receiver = nil
}
