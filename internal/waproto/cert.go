package waproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CertChain is the server's certificate chain, sent encrypted in ServerHello.
type CertChain struct {
	Leaf         *NoiseCertificate
	Intermediate *NoiseCertificate
}

// NoiseCertificate is a signed CertDetails encoding. Details is kept as the
// exact bytes that were signed.
type NoiseCertificate struct {
	Details   []byte
	Signature []byte
}

// CertDetails describes one certificate. NotBefore and NotAfter are unix
// seconds; zero means unbounded.
type CertDetails struct {
	Serial       uint32
	IssuerSerial uint32
	Key          []byte
	NotBefore    uint64
	NotAfter     uint64
}

func (c *NoiseCertificate) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, c.Details)
	b = appendBytesField(b, 2, c.Signature)
	return b
}

func (c *NoiseCertificate) unmarshal(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			c.Details, err = f.bytes()
		case 2:
			c.Signature, err = f.bytes()
		}
		return err
	})
}

// Marshal encodes c.
func (c *CertChain) Marshal() []byte {
	var b []byte
	if c.Leaf != nil {
		b = appendBytesField(b, 1, c.Leaf.marshal())
	}
	if c.Intermediate != nil {
		b = appendBytesField(b, 2, c.Intermediate.marshal())
	}
	return b
}

// UnmarshalCertChain decodes a CertChain.
func UnmarshalCertChain(b []byte) (*CertChain, error) {
	c := &CertChain{}
	err := walk(b, func(f field) error {
		var dst **NoiseCertificate
		switch f.Num {
		case 1:
			dst = &c.Leaf
		case 2:
			dst = &c.Intermediate
		default:
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		*dst = &NoiseCertificate{}
		return (*dst).unmarshal(f.Bytes)
	})
	if err != nil {
		return nil, fmt.Errorf("cert chain: %w", err)
	}
	return c, nil
}

// Marshal encodes d.
func (d *CertDetails) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(d.Serial))
	b = appendVarintField(b, 2, uint64(d.IssuerSerial))
	b = appendBytesField(b, 3, d.Key)
	if d.NotBefore != 0 {
		b = appendVarintField(b, 4, d.NotBefore)
	}
	if d.NotAfter != 0 {
		b = appendVarintField(b, 5, d.NotAfter)
	}
	return b
}

// UnmarshalCertDetails decodes CertDetails.
func UnmarshalCertDetails(b []byte) (*CertDetails, error) {
	d := &CertDetails{}
	err := walk(b, func(f field) (err error) {
		switch f.Num {
		case 1:
			d.Serial, err = f.uint32()
		case 2:
			d.IssuerSerial, err = f.uint32()
		case 3:
			d.Key, err = f.bytes()
		case 4:
			d.NotBefore, err = f.uint64()
		case 5:
			d.NotAfter, err = f.uint64()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cert details: %w", err)
	}
	return d, nil
}
