package keys

import (
	"bytes"
	"errors"
	"testing"
)

func TestDHAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	ab, err := a.DH(b.Pub)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := b.DH(a.Pub)
	if err != nil {
		t.Fatal(err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestDHRejectsLowOrderPoint(t *testing.T) {
	a, _ := GenerateKeyPair()
	if _, err := a.DH([32]byte{}); err == nil {
		t.Fatal("expected error for the zero point")
	}
}

func TestSignVerify(t *testing.T) {
	kp, _ := GenerateKeyPair()
	msg := []byte("signed prekey")
	sig := kp.Sign(msg)
	if !VerifySignature(kp.Pub, msg, sig) {
		t.Fatal("signature does not verify")
	}
	if VerifySignature(kp.Pub, []byte("other"), sig) {
		t.Fatal("signature verifies for a different message")
	}
	other, _ := GenerateKeyPair()
	if VerifySignature(other.Pub, msg, sig) {
		t.Fatal("signature verifies under a different key")
	}
}

func TestNewKeyPairDeterministic(t *testing.T) {
	var priv [32]byte
	priv[0] = 1
	a, _ := NewKeyPair(priv)
	b, _ := NewKeyPair(priv)
	if a.Pub != b.Pub {
		t.Fatal("same private key gave different public keys")
	}
}

func TestWipe(t *testing.T) {
	kp, _ := GenerateKeyPair()
	kp.Wipe()
	if kp.Priv != [32]byte{} {
		t.Fatal("private key not zeroed")
	}
}

func TestParsePublic(t *testing.T) {
	kp, _ := GenerateKeyPair()
	ser := SerializePublic(kp.Pub)
	if len(ser) != 33 || ser[0] != DjbType {
		t.Fatalf("serialized form: %x", ser)
	}
	for _, in := range [][]byte{ser, kp.Pub[:]} {
		got, err := ParsePublic(in)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got[:], kp.Pub[:]) {
			t.Fatal("parsed key mismatch")
		}
	}
	bad := append([]byte{0x07}, kp.Pub[:]...)
	for _, in := range [][]byte{nil, kp.Pub[:31], bad} {
		if _, err := ParsePublic(in); !errors.Is(err, ErrInvalidPublicKey) {
			t.Errorf("%x: got %v, want ErrInvalidPublicKey", in, err)
		}
	}
}
