package session

import (
	"fmt"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/wacrypto"
	"github.com/gwillem/whatsapp-go/internal/waproto"
)

const (
	// CurrentVersion is the message format version.
	CurrentVersion = 3
	versionByte    = CurrentVersion<<4 | CurrentVersion
	macSize        = 8
)

// MessageKind names the two ciphertext types carried in <enc type="...">.
type MessageKind string

const (
	KindPreKey  MessageKind = "pkmsg"
	KindMessage MessageKind = "msg"
)

// Ciphertext is an encrypted message ready to be sent.
type Ciphertext struct {
	Kind MessageKind
	Data []byte
}

func invalidMessage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func checkVersion(data []byte) error {
	if len(data) == 0 {
		return invalidMessage("empty")
	}
	if v := data[0] >> 4; v != CurrentVersion {
		return invalidMessage("version %d, want %d", v, CurrentVersion)
	}
	return nil
}

// signalMessage is a decoded "msg" ciphertext.
type signalMessage struct {
	ratchetKey      [32]byte
	counter         uint32
	previousCounter uint32
	ciphertext      []byte
	// serialized is the version byte and protobuf body covered by the MAC.
	serialized []byte
	mac        []byte
}

func encodeSignalMessage(ratchetKey [32]byte, counter, previousCounter uint32, ciphertext []byte,
	macKey []byte, senderIdentity, receiverIdentity [32]byte,
) []byte {
	body := (&waproto.SignalMessage{
		RatchetKey:      keys.SerializePublic(ratchetKey),
		Counter:         counter,
		PreviousCounter: previousCounter,
		Ciphertext:      ciphertext,
	}).Marshal()
	out := make([]byte, 0, 1+len(body)+macSize)
	out = append(out, versionByte)
	out = append(out, body...)
	mac := wacrypto.ComputeMAC(macKey, keys.SerializePublic(senderIdentity), keys.SerializePublic(receiverIdentity), out)
	return append(out, mac[:macSize]...)
}

func decodeSignalMessage(data []byte) (*signalMessage, error) {
	if err := checkVersion(data); err != nil {
		return nil, err
	}
	if len(data) < 1+macSize {
		return nil, invalidMessage("%d bytes is too short", len(data))
	}
	serialized, mac := data[:len(data)-macSize], data[len(data)-macSize:]
	pb, err := waproto.UnmarshalSignalMessage(serialized[1:])
	if err != nil {
		return nil, invalidMessage("%v", err)
	}
	ratchetKey, err := keys.ParsePublic(pb.RatchetKey)
	if err != nil {
		return nil, invalidMessage("ratchet key: %v", err)
	}
	if len(pb.Ciphertext) == 0 {
		return nil, invalidMessage("no ciphertext")
	}
	return &signalMessage{
		ratchetKey:      ratchetKey,
		counter:         pb.Counter,
		previousCounter: pb.PreviousCounter,
		ciphertext:      pb.Ciphertext,
		serialized:      serialized,
		mac:             mac,
	}, nil
}

func (m *signalMessage) verifyMAC(macKey []byte, senderIdentity, receiverIdentity [32]byte) error {
	err := wacrypto.VerifyMAC(macKey, m.mac, keys.SerializePublic(senderIdentity), keys.SerializePublic(receiverIdentity), m.serialized)
	if err != nil {
		return ErrInvalidMac
	}
	return nil
}

// preKeyMessage is a decoded "pkmsg" ciphertext.
type preKeyMessage struct {
	registrationID uint32
	preKeyID       *uint32
	signedPreKeyID uint32
	baseKey        [32]byte
	identityKey    [32]byte
	message        []byte
}

func encodePreKeyMessage(st *State, inner []byte) []byte {
	body := (&waproto.PreKeySignalMessage{
		RegistrationID: st.LocalRegistrationID,
		PreKeyID:       st.Pending.PreKeyID,
		SignedPreKeyID: st.Pending.SignedPreKeyID,
		BaseKey:        keys.SerializePublic(st.Pending.BaseKey),
		IdentityKey:    keys.SerializePublic(st.LocalIdentity),
		Message:        inner,
	}).Marshal()
	return append([]byte{versionByte}, body...)
}

func decodePreKeyMessage(data []byte) (*preKeyMessage, error) {
	if err := checkVersion(data); err != nil {
		return nil, err
	}
	pb, err := waproto.UnmarshalPreKeySignalMessage(data[1:])
	if err != nil {
		return nil, invalidMessage("%v", err)
	}
	m := &preKeyMessage{
		registrationID: pb.RegistrationID,
		preKeyID:       pb.PreKeyID,
		signedPreKeyID: pb.SignedPreKeyID,
		message:        pb.Message,
	}
	if m.baseKey, err = keys.ParsePublic(pb.BaseKey); err != nil {
		return nil, invalidMessage("base key: %v", err)
	}
	if m.identityKey, err = keys.ParsePublic(pb.IdentityKey); err != nil {
		return nil, invalidMessage("identity key: %v", err)
	}
	if len(m.message) == 0 {
		return nil, invalidMessage("no inner message")
	}
	return m, nil
}
