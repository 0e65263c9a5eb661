package wacrypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x01}, 16)

	for _, size := range []int{0, 1, 15, 16, 17, 31, 32, 100} {
		plaintext := bytes.Repeat([]byte{0x42}, size)
		ct, err := EncryptAESCBC(key, iv, plaintext)
		if err != nil {
			t.Fatalf("size=%d: encrypt: %v", size, err)
		}
		if len(ct)%16 != 0 || len(ct) <= size {
			t.Fatalf("size=%d: ciphertext length %d", size, len(ct))
		}

		decrypted, err := DecryptAESCBC(key, iv, ct)
		if err != nil {
			t.Fatalf("size=%d: decrypt: %v", size, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("size=%d: mismatch", size)
		}
	}
}

func TestEncryptDoesNotModifyInput(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := make([]byte, 16)
	buf := make([]byte, 5, 64)
	copy(buf, "hello")
	if _, err := EncryptAESCBC(key, iv, buf); err != nil {
		t.Fatal(err)
	}
	if got := buf[:cap(buf)][5]; got != 0 {
		t.Fatalf("padding written into caller buffer: 0x%02x", got)
	}
}

func TestDecryptRejectsBadCiphertextLength(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x00}, 16)
	for _, ct := range [][]byte{nil, {0x01, 0x02, 0x03}} {
		if _, err := DecryptAESCBC(key, iv, ct); err == nil {
			t.Fatalf("expected error for %d-byte ciphertext", len(ct))
		}
	}
}

func TestDecryptRejectsBadIV(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	if _, err := EncryptAESCBC(key, []byte{1, 2, 3}, []byte("x")); err == nil {
		t.Fatal("expected error for short IV on encrypt")
	}
	if _, err := DecryptAESCBC(key, []byte{1, 2, 3}, make([]byte, 16)); err == nil {
		t.Fatal("expected error for short IV on decrypt")
	}
}

func TestDecryptRejectsBadPadding(t *testing.T) {
	key := bytes.Repeat([]byte{0xAB}, 32)
	iv := bytes.Repeat([]byte{0x02}, 16)
	ct, err := EncryptAESCBC(key, iv, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// Flip a bit in the ciphertext to corrupt padding after decryption.
	ct[len(ct)-1] ^= 0xff
	if _, err := DecryptAESCBC(key, iv, ct); err == nil {
		t.Fatal("expected error for corrupted ciphertext")
	}
}

func TestPKCS7(t *testing.T) {
	padded := PKCS7Pad([]byte("abc"), 8)
	want := []byte{'a', 'b', 'c', 5, 5, 5, 5, 5}
	if !bytes.Equal(padded, want) {
		t.Fatalf("got %x, want %x", padded, want)
	}
	if got := PKCS7Pad(make([]byte, 8), 8); len(got) != 16 || got[15] != 8 {
		t.Fatalf("full block: got %x", got)
	}
	unpadded, err := PKCS7Unpad(padded, 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(unpadded) != "abc" {
		t.Fatalf("got %q, want %q", unpadded, "abc")
	}
	for _, bad := range [][]byte{
		{},
		{1, 2, 3},
		{'a', 'b', 'c', 'd', 'e', 'f', 'g', 0},
		{'a', 'b', 'c', 'd', 'e', 'f', 'g', 9},
		{'a', 'b', 'c', 'd', 'e', 'f', 2, 3},
	} {
		if _, err := PKCS7Unpad(bad, 8); err == nil {
			t.Errorf("expected error for %x", bad)
		}
	}
}
