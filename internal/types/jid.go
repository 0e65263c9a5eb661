// Package types contains value types shared by the protocol packages.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Known servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	BroadcastServer   = "broadcast"
)

// ServerJID is the address of the server itself, used as the target of iq requests.
var ServerJID = JID{Server: DefaultUserServer}

// JID addresses one device of a user on a server.
// Device 0 is the primary device. JID is comparable and can be used as a map key.
type JID struct {
	User   string
	Device uint16
	Server string
}

// NewJID returns the primary-device JID for user on server.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// ParseJID parses "user@server" or "user:device@server".
// A bare server name ("s.whatsapp.net") is accepted and yields an empty user.
func ParseJID(s string) (JID, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		if s == "" {
			return JID{}, fmt.Errorf("types: empty jid")
		}
		return JID{Server: s}, nil
	}
	if strings.IndexByte(s[at+1:], '@') >= 0 {
		return JID{}, fmt.Errorf("types: invalid jid %q", s)
	}
	user, server := s[:at], s[at+1:]
	if server == "" {
		return JID{}, fmt.Errorf("types: jid %q has no server", s)
	}
	var device uint16
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		d, err := strconv.ParseUint(user[colon+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("types: invalid device in jid %q: %w", s, err)
		}
		device = uint16(d)
		user = user[:colon]
	}
	return JID{User: user, Device: device, Server: server}, nil
}

// String returns the canonical form. The device suffix is omitted for device 0.
func (j JID) String() string {
	if j.User == "" {
		return j.Server
	}
	if j.Device == 0 {
		return j.User + "@" + j.Server
	}
	return j.User + ":" + strconv.Itoa(int(j.Device)) + "@" + j.Server
}

// ToNonAD strips the device index.
func (j JID) ToNonAD() JID {
	return JID{User: j.User, Server: j.Server}
}

// IsEmpty reports whether j is the zero value.
func (j JID) IsEmpty() bool {
	return j == JID{}
}

// SignalAddress is the key used for per-device session and identity records.
func (j JID) SignalAddress() string {
	return j.User + "." + strconv.Itoa(int(j.Device)) + "@" + j.Server
}

// MarshalText implements encoding.TextMarshaler.
func (j JID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (j *JID) UnmarshalText(b []byte) error {
	parsed, err := ParseJID(string(b))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
