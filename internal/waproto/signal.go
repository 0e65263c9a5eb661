package waproto

import "fmt"

// SignalMessage is the body of a "msg" ciphertext, between the version byte
// and the MAC.
type SignalMessage struct {
	RatchetKey      []byte
	Counter         uint32
	PreviousCounter uint32
	Ciphertext      []byte
}

// Marshal encodes m.
func (m *SignalMessage) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.RatchetKey)
	b = appendVarintField(b, 2, uint64(m.Counter))
	b = appendVarintField(b, 3, uint64(m.PreviousCounter))
	b = appendBytesField(b, 4, m.Ciphertext)
	return b
}

// UnmarshalSignalMessage decodes a SignalMessage.
func UnmarshalSignalMessage(b []byte) (*SignalMessage, error) {
	m := &SignalMessage{}
	err := walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			m.RatchetKey, err = f.bytes()
		case 2:
			m.Counter, err = f.uint32()
		case 3:
			m.PreviousCounter, err = f.uint32()
		case 4:
			m.Ciphertext, err = f.bytes()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("signal message: %w", err)
	}
	return m, nil
}

// PreKeySignalMessage starts a session. PreKeyID is nil when the sender's
// bundle carried no one-time prekey.
type PreKeySignalMessage struct {
	RegistrationID uint32
	PreKeyID       *uint32
	SignedPreKeyID uint32
	BaseKey        []byte
	IdentityKey    []byte
	Message        []byte
}

// Marshal encodes m.
func (m *PreKeySignalMessage) Marshal() []byte {
	var b []byte
	if m.PreKeyID != nil {
		b = appendVarintField(b, 1, uint64(*m.PreKeyID))
	}
	b = appendBytesField(b, 2, m.BaseKey)
	b = appendBytesField(b, 3, m.IdentityKey)
	b = appendBytesField(b, 4, m.Message)
	b = appendVarintField(b, 5, uint64(m.RegistrationID))
	b = appendVarintField(b, 6, uint64(m.SignedPreKeyID))
	return b
}

// UnmarshalPreKeySignalMessage decodes a PreKeySignalMessage.
func UnmarshalPreKeySignalMessage(b []byte) (*PreKeySignalMessage, error) {
	m := &PreKeySignalMessage{}
	err := walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			var id uint32
			id, err = f.uint32()
			m.PreKeyID = &id
		case 2:
			m.BaseKey, err = f.bytes()
		case 3:
			m.IdentityKey, err = f.bytes()
		case 4:
			m.Message, err = f.bytes()
		case 5:
			m.RegistrationID, err = f.uint32()
		case 6:
			m.SignedPreKeyID, err = f.uint32()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prekey signal message: %w", err)
	}
	return m, nil
}
