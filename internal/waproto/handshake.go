package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// HandshakeMessage wraps exactly one handshake step.
type HandshakeMessage struct {
	ClientHello  *HelloMessage
	ServerHello  *HelloMessage
	ClientFinish *ClientFinish
}

// HelloMessage is the ClientHello and ServerHello body.
type HelloMessage struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// ClientFinish carries the client's encrypted static key and login payload.
type ClientFinish struct {
	Static  []byte
	Payload []byte
}

func (m *HelloMessage) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Ephemeral)
	b = appendBytesField(b, 2, m.Static)
	b = appendBytesField(b, 3, m.Payload)
	return b
}

func (m *HelloMessage) unmarshal(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			m.Ephemeral, err = f.bytes()
		case 2:
			m.Static, err = f.bytes()
		case 3:
			m.Payload, err = f.bytes()
		}
		return err
	})
}

func (m *ClientFinish) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Static)
	b = appendBytesField(b, 2, m.Payload)
	return b
}

func (m *ClientFinish) unmarshal(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			m.Static, err = f.bytes()
		case 2:
			m.Payload, err = f.bytes()
		}
		return err
	})
}

// Marshal encodes m.
func (m *HandshakeMessage) Marshal() []byte {
	var b []byte
	if m.ClientHello != nil {
		b = appendBytesField(b, 2, m.ClientHello.marshal())
	}
	if m.ServerHello != nil {
		b = appendBytesField(b, 3, m.ServerHello.marshal())
	}
	if m.ClientFinish != nil {
		b = appendBytesField(b, 4, m.ClientFinish.marshal())
	}
	return b
}

// UnmarshalHandshakeMessage decodes a HandshakeMessage.
func UnmarshalHandshakeMessage(b []byte) (*HandshakeMessage, error) {
	m := &HandshakeMessage{}
	err := walk(b, func(f field) error {
		switch f.Num {
		case 2:
			m.ClientHello = &HelloMessage{}
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return m.ClientHello.unmarshal(f.Bytes)
		case 3:
			m.ServerHello = &HelloMessage{}
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return m.ServerHello.unmarshal(f.Bytes)
		case 4:
			m.ClientFinish = &ClientFinish{}
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return m.ClientFinish.unmarshal(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("handshake message: %w", err)
	}
	return m, nil
}
