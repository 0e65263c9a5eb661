package waservice

import (
	"fmt"
	"strconv"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/waproto"
)

// ClientVersion is the web client version reported at login.
var ClientVersion = [3]uint32{2, 3000, 1015901307}

// loginPayload builds the ClientPayload sent in the handshake's final
// message: a login for a registered device, otherwise a registration
// carrying the device's public keys.
func (s *Service) loginPayload() (*waproto.ClientPayload, error) {
	p := &waproto.ClientPayload{
		UserAgent: &waproto.UserAgent{Platform: waproto.PlatformWeb, Version: ClientVersion},
		PushName:  s.cfg.PushName,
	}
	if !s.cfg.JID.IsEmpty() {
		user, err := strconv.ParseUint(s.cfg.JID.User, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("waservice: login user %q is not a phone number", s.cfg.JID.User)
		}
		p.Username = user
		p.Device = uint32(s.cfg.JID.Device)
		p.Passive = true
		return p, nil
	}

	id, _ := s.keys.Identity()
	spk, ok := s.keys.CurrentSignedPreKey()
	if !ok {
		return nil, fmt.Errorf("waservice: registration: no signed prekey")
	}
	p.Registration = &waproto.DevicePairingData{
		RegistrationID: uint32Bytes(id.RegistrationID),
		KeyType:        []byte{keys.DjbType},
		Identity:       id.Pub[:],
		SignedPreKeyID: uint24(spk.ID),
		SignedPreKey:   spk.KeyPair.Pub[:],
		Signature:      spk.Signature[:],
	}
	return p, nil
}
