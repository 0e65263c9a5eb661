package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Platform identifies the client software in UserAgent.
type Platform uint32

const (
	PlatformAndroid Platform = 0
	PlatformWeb     Platform = 14
)

// ClientPayload is the login payload sent inside ClientFinish.
type ClientPayload struct {
	Username     uint64
	Passive      bool
	UserAgent    *UserAgent
	PushName     string
	Device       uint32
	Registration *DevicePairingData
}

// UserAgent describes the client build.
type UserAgent struct {
	Platform Platform
	Version  [3]uint32
}

// DevicePairingData registers a new companion device's keys with the server.
type DevicePairingData struct {
	RegistrationID []byte // 4 bytes, big-endian
	KeyType        []byte // single byte, 0x05
	Identity       []byte
	SignedPreKeyID []byte // 3 bytes, big-endian
	SignedPreKey   []byte
	Signature      []byte
	BuildHash      []byte
}

func (u *UserAgent) marshal() []byte {
	var v []byte
	for i, n := range u.Version {
		v = appendVarintField(v, protowire.Number(i+1), uint64(n))
	}
	var b []byte
	b = appendVarintField(b, 1, uint64(u.Platform))
	b = appendBytesField(b, 2, v)
	return b
}

func (u *UserAgent) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.Num {
		case 1:
			p, err := f.uint32()
			u.Platform = Platform(p)
			return err
		case 2:
			if err := f.want(protowire.BytesType); err != nil {
				return err
			}
			return walk(f.Bytes, func(vf field) error {
				if vf.Num < 1 || vf.Num > 3 {
					return nil
				}
				n, err := vf.uint32()
				u.Version[vf.Num-1] = n
				return err
			})
		}
		return nil
	})
}

func (d *DevicePairingData) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, d.RegistrationID)
	b = appendBytesField(b, 2, d.KeyType)
	b = appendBytesField(b, 3, d.Identity)
	b = appendBytesField(b, 4, d.SignedPreKeyID)
	b = appendBytesField(b, 5, d.SignedPreKey)
	b = appendBytesField(b, 6, d.Signature)
	b = appendBytesField(b, 7, d.BuildHash)
	return b
}

func (d *DevicePairingData) unmarshal(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			d.RegistrationID, err = f.bytes()
		case 2:
			d.KeyType, err = f.bytes()
		case 3:
			d.Identity, err = f.bytes()
		case 4:
			d.SignedPreKeyID, err = f.bytes()
		case 5:
			d.SignedPreKey, err = f.bytes()
		case 6:
			d.Signature, err = f.bytes()
		case 7:
			d.BuildHash, err = f.bytes()
		}
		return err
	})
}

// Marshal encodes p.
func (p *ClientPayload) Marshal() []byte {
	var b []byte
	if p.Username != 0 {
		b = appendVarintField(b, 1, p.Username)
	}
	b = appendBoolField(b, 3, p.Passive)
	if p.UserAgent != nil {
		b = appendBytesField(b, 5, p.UserAgent.marshal())
	}
	b = appendStringField(b, 7, p.PushName)
	if p.Device != 0 {
		b = appendVarintField(b, 18, uint64(p.Device))
	}
	if p.Registration != nil {
		b = appendBytesField(b, 19, p.Registration.marshal())
	}
	return b
}

// UnmarshalClientPayload decodes a ClientPayload.
func UnmarshalClientPayload(b []byte) (*ClientPayload, error) {
	p := &ClientPayload{}
	err := walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			p.Username, err = f.uint64()
		case 3:
			var v uint64
			v, err = f.uint64()
			p.Passive = v != 0
		case 5:
			if err = f.want(protowire.BytesType); err == nil {
				p.UserAgent = &UserAgent{}
				err = p.UserAgent.unmarshal(f.Bytes)
			}
		case 7:
			var s []byte
			s, err = f.bytes()
			p.PushName = string(s)
		case 18:
			p.Device, err = f.uint32()
		case 19:
			if err = f.want(protowire.BytesType); err == nil {
				p.Registration = &DevicePairingData{}
				err = p.Registration.unmarshal(f.Bytes)
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("client payload: %w", err)
	}
	return p, nil
}
