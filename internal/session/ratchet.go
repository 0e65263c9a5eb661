package session

import (
	"fmt"
	"math"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/wacrypto"
)

// limits bound the memory a session may use for out-of-order delivery.
type limits struct {
	window     int
	maxSkip    int
	maxRetired int
}

// encrypt advances the sending chain. Callers work on a clone and commit it
// only if encrypt succeeds.
func (st *State) encrypt(plaintext []byte) (*Ciphertext, error) {
	if st.NeedsRatchet {
		if err := st.sendingRatchetStep(); err != nil {
			return nil, err
		}
	}
	if st.SenderChain.Index == math.MaxUint32 {
		return nil, fmt.Errorf("session: sending chain exhausted")
	}

	seed, next := chainStep(st.SenderChain.Key)
	mk, err := deriveMessageKeys(seed)
	if err != nil {
		return nil, err
	}
	ct, err := wacrypto.EncryptAESCBC(mk.CipherKey, mk.IV, plaintext)
	if err != nil {
		return nil, err
	}
	data := encodeSignalMessage(st.SenderRatchet.Pub, st.SenderChain.Index, st.PreviousCounter, ct,
		mk.MacKey, st.LocalIdentity, st.RemoteIdentity)
	st.SenderChain = Chain{Key: next, Index: st.SenderChain.Index + 1}

	if st.Pending != nil {
		return &Ciphertext{Kind: KindPreKey, Data: encodePreKeyMessage(st, data)}, nil
	}
	return &Ciphertext{Kind: KindMessage, Data: data}, nil
}

func (st *State) sendingRatchetStep() error {
	if st.Receiver == nil {
		return fmt.Errorf("session: ratchet step without a receiving chain")
	}
	kp, err := keys.GenerateKeyPair()
	if err != nil {
		return err
	}
	dh, err := kp.DH(st.Receiver.RatchetKey)
	if err != nil {
		return err
	}
	rk, ck, err := rootStep(st.RootKey, dh)
	if err != nil {
		return err
	}
	st.PreviousCounter = st.SenderChain.Index
	st.SenderRatchet.Wipe()
	st.SenderRatchet = kp
	st.SenderChain = Chain{Key: ck}
	st.RootKey = rk
	st.NeedsRatchet = false
	return nil
}

// receivingRatchetStep starts a receiving chain for a new remote ratchet key,
// caching what is left of the current chain up to previousCounter.
func (st *State) receivingRatchetStep(ratchetKey [32]byte, previousCounter uint32, l limits) (*ReceiverChain, error) {
	if st.Receiver != nil {
		if err := st.skipTo(st.Receiver, previousCounter, l); err != nil {
			return nil, err
		}
		st.retire(l.maxRetired)
	}
	dh, err := st.SenderRatchet.DH(ratchetKey)
	if err != nil {
		return nil, invalidMessage("ratchet key: %v", err)
	}
	rk, ck, err := rootStep(st.RootKey, dh)
	if err != nil {
		return nil, err
	}
	// The private half is not used again before the next sending step
	// replaces it. For a responder it is the signed prekey.
	st.SenderRatchet.Wipe()
	st.RootKey = rk
	st.Receiver = &ReceiverChain{RatchetKey: ratchetKey, Chain: Chain{Key: ck}}
	st.NeedsRatchet = true
	return st.Receiver, nil
}

// skipTo advances rc to index until, caching the seeds it steps over.
func (st *State) skipTo(rc *ReceiverChain, until uint32, l limits) error {
	if until <= rc.Chain.Index {
		return nil
	}
	if until-rc.Chain.Index > uint32(l.maxSkip) {
		return invalidMessage("counter jumps %d messages ahead, limit %d", until-rc.Chain.Index, l.maxSkip)
	}
	for rc.Chain.Index < until {
		seed, next := chainStep(rc.Chain.Key)
		st.addSkipped(SkippedKey{RatchetKey: rc.RatchetKey, Counter: rc.Chain.Index, Seed: seed}, l.window)
		rc.Chain = Chain{Key: next, Index: rc.Chain.Index + 1}
	}
	return nil
}

// decrypt opens a "msg" ciphertext. Callers work on a clone and commit it
// only if decrypt succeeds.
func (st *State) decrypt(data []byte, l limits) ([]byte, error) {
	msg, err := decodeSignalMessage(data)
	if err != nil {
		return nil, err
	}

	// Cached seeds may belong to chains no longer on the retired list.
	seed, ok := st.takeSkipped(msg.ratchetKey, msg.counter)
	if !ok {
		rc := st.receiverFor(msg.ratchetKey)
		if rc == nil {
			if rc, err = st.receivingRatchetStep(msg.ratchetKey, msg.previousCounter, l); err != nil {
				return nil, err
			}
		}
		if msg.counter < rc.Chain.Index {
			return nil, fmt.Errorf("%w: counter %d already used or evicted", ErrReplayDetected, msg.counter)
		}
		if err := st.skipTo(rc, msg.counter, l); err != nil {
			return nil, err
		}
		var next [32]byte
		seed, next = chainStep(rc.Chain.Key)
		rc.Chain = Chain{Key: next, Index: msg.counter + 1}
	}

	mk, err := deriveMessageKeys(seed)
	if err != nil {
		return nil, err
	}
	if err := msg.verifyMAC(mk.MacKey, st.RemoteIdentity, st.LocalIdentity); err != nil {
		return nil, err
	}
	pt, err := wacrypto.DecryptAESCBC(mk.CipherKey, mk.IV, msg.ciphertext)
	if err != nil {
		return nil, invalidMessage("%v", err)
	}
	st.Pending = nil
	return pt, nil
}
