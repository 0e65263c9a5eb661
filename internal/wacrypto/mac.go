package wacrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// MinMACSize is the shortest truncated MAC VerifyMAC accepts.
const MinMACSize = 8

// ErrMACMismatch is returned when a MAC does not verify.
var ErrMACMismatch = errors.New("mac: mismatch")

// ComputeMAC returns HMAC-SHA256(key, data...) over the concatenated inputs.
func ComputeMAC(key []byte, data ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, d := range data {
		m.Write(d)
	}
	return m.Sum(nil)
}

// VerifyMAC checks mac against HMAC-SHA256(key, data...). A mac shorter than
// 32 bytes is compared against the same-length prefix of the full MAC.
func VerifyMAC(key []byte, mac []byte, data ...[]byte) error {
	if len(mac) < MinMACSize || len(mac) > sha256.Size {
		return fmt.Errorf("mac: invalid length %d", len(mac))
	}
	expected := ComputeMAC(key, data...)
	if !hmac.Equal(expected[:len(mac)], mac) {
		return ErrMACMismatch
	}
	return nil
}
