package noise

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/waproto"
)

// TrustRoot is the pinned key that signs intermediate certificates.
type TrustRoot struct {
	Serial    uint32
	PublicKey [32]byte
}

// Certificate is the decoded form of one certificate in the chain.
type Certificate struct {
	Serial       uint32
	IssuerSerial uint32
	Key          [32]byte
	NotBefore    time.Time
	NotAfter     time.Time
}

// IssueCertificate signs cert with issuer.
func IssueCertificate(issuer keys.KeyPair, cert Certificate) *waproto.NoiseCertificate {
	details := &waproto.CertDetails{
		Serial:       cert.Serial,
		IssuerSerial: cert.IssuerSerial,
		Key:          cert.Key[:],
	}
	if !cert.NotBefore.IsZero() {
		details.NotBefore = uint64(cert.NotBefore.Unix())
	}
	if !cert.NotAfter.IsZero() {
		details.NotAfter = uint64(cert.NotAfter.Unix())
	}
	raw := details.Marshal()
	sig := issuer.Sign(raw)
	return &waproto.NoiseCertificate{Details: raw, Signature: sig[:]}
}

// CertificateAuthority issues server certificate chains. It stands in for the
// server side in tests and the self-test command.
type CertificateAuthority struct {
	Root         keys.KeyPair
	RootSerial   uint32
	Intermediate keys.KeyPair
	Serial       uint32
}

// NewCertificateAuthority generates a root and intermediate key.
func NewCertificateAuthority() (*CertificateAuthority, error) {
	root, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	intermediate, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &CertificateAuthority{Root: root, RootSerial: 0, Intermediate: intermediate, Serial: 1}, nil
}

// TrustRoot returns the root clients must pin.
func (ca *CertificateAuthority) TrustRoot() TrustRoot {
	return TrustRoot{Serial: ca.RootSerial, PublicKey: ca.Root.Pub}
}

// Issue returns an encoded chain whose leaf certifies serverStatic.
func (ca *CertificateAuthority) Issue(serverStatic [32]byte, validFor time.Duration) []byte {
	now := time.Now()
	chain := &waproto.CertChain{
		Intermediate: IssueCertificate(ca.Root, Certificate{
			Serial:       ca.Serial,
			IssuerSerial: ca.RootSerial,
			Key:          ca.Intermediate.Pub,
			NotBefore:    now.Add(-time.Minute),
			NotAfter:     now.Add(validFor),
		}),
		Leaf: IssueCertificate(ca.Intermediate, Certificate{
			Serial:       ca.Serial + 1,
			IssuerSerial: ca.Serial,
			Key:          serverStatic,
			NotBefore:    now.Add(-time.Minute),
			NotAfter:     now.Add(validFor),
		}),
	}
	return chain.Marshal()
}

func invalidCert(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCertificateInvalid, fmt.Sprintf(format, args...))
}

// verifyCertificate checks the signature over c's details and returns them.
func verifyCertificate(c *waproto.NoiseCertificate, issuerKey [32]byte, issuerSerial uint32, now time.Time, name string) (Certificate, error) {
	if c == nil {
		return Certificate{}, invalidCert("missing %s certificate", name)
	}
	if len(c.Signature) != 64 {
		return Certificate{}, invalidCert("%s signature is %d bytes", name, len(c.Signature))
	}
	if !keys.VerifySignature(issuerKey, c.Details, [64]byte(c.Signature)) {
		return Certificate{}, invalidCert("%s signature does not verify", name)
	}
	d, err := waproto.UnmarshalCertDetails(c.Details)
	if err != nil {
		return Certificate{}, invalidCert("%s: %v", name, err)
	}
	if d.IssuerSerial != issuerSerial {
		return Certificate{}, invalidCert("%s issuer serial %d, want %d", name, d.IssuerSerial, issuerSerial)
	}
	if len(d.Key) != 32 {
		return Certificate{}, invalidCert("%s key is %d bytes", name, len(d.Key))
	}
	cert := Certificate{Serial: d.Serial, IssuerSerial: d.IssuerSerial, Key: [32]byte(d.Key)}
	if d.NotBefore != 0 {
		cert.NotBefore = time.Unix(int64(d.NotBefore), 0)
		if now.Before(cert.NotBefore) {
			return Certificate{}, invalidCert("%s not valid before %s", name, cert.NotBefore)
		}
	}
	if d.NotAfter != 0 {
		cert.NotAfter = time.Unix(int64(d.NotAfter), 0)
		if now.After(cert.NotAfter) {
			return Certificate{}, invalidCert("%s expired at %s", name, cert.NotAfter)
		}
	}
	return cert, nil
}

// VerifyCertChain checks that raw is a chain from root to a leaf certifying
// serverStatic.
func VerifyCertChain(raw []byte, root TrustRoot, serverStatic [32]byte, now time.Time) error {
	chain, err := waproto.UnmarshalCertChain(raw)
	if err != nil {
		return invalidCert("%v", err)
	}
	intermediate, err := verifyCertificate(chain.Intermediate, root.PublicKey, root.Serial, now, "intermediate")
	if err != nil {
		return err
	}
	leaf, err := verifyCertificate(chain.Leaf, intermediate.Key, intermediate.Serial, now, "leaf")
	if err != nil {
		return err
	}
	if !bytes.Equal(leaf.Key[:], serverStatic[:]) {
		return invalidCert("leaf key does not match the server static key")
	}
	return nil
}
