package waservice

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

func uint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func uint32Bytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func bytesNode(tag string, b []byte) wabinary.Node {
	return wabinary.Node{Tag: tag, Content: b}
}

func keyNode(tag string, id uint32, pub [32]byte) wabinary.Node {
	return wabinary.Node{Tag: tag, Content: []wabinary.Node{
		bytesNode("id", uint24(id)),
		bytesNode("value", pub[:]),
	}}
}

func signedKeyNode(k keys.SignedPreKey) wabinary.Node {
	n := keyNode("skey", k.ID, k.KeyPair.Pub)
	n.Content = append(n.Children(), bytesNode("signature", k.Signature[:]))
	return n
}

// PreKeyUploadNode builds the <iq xmlns="encrypt" type="set"> that publishes
// the identity, the current signed prekey and the given one-time prekeys.
func PreKeyUploadNode(id keys.Identity, spk keys.SignedPreKey, otks []keys.OneTimePreKey) wabinary.Node {
	list := make([]wabinary.Node, 0, len(otks))
	for _, k := range otks {
		list = append(list, keyNode("key", k.ID, k.KeyPair.Pub))
	}
	return iqNode("encrypt", "set", []wabinary.Node{
		bytesNode("registration", uint32Bytes(id.RegistrationID)),
		bytesNode("type", []byte{keys.DjbType}),
		bytesNode("identity", id.Pub[:]),
		{Tag: "list", Content: list},
		signedKeyNode(spk),
	})
}

// UploadPreKeys generates one-time prekeys up to the batch size and
// publishes them with the current signed prekey.
func (s *Service) UploadPreKeys(ctx context.Context) error {
	created, err := s.keys.ReplenishOneTimePreKeys(s.cfg.PreKeyBatch)
	if err != nil {
		return fmt.Errorf("waservice: replenish: %w", err)
	}
	return s.uploadKeys(ctx, created)
}

func (s *Service) uploadKeys(ctx context.Context, otks []keys.OneTimePreKey) error {
	id, ok := s.keys.Identity()
	if !ok {
		return fmt.Errorf("waservice: upload prekeys: %w", keys.ErrNoIdentity)
	}
	spk, ok := s.keys.CurrentSignedPreKey()
	if !ok {
		return fmt.Errorf("waservice: upload prekeys: no signed prekey")
	}
	if _, err := s.SendIQ(ctx, PreKeyUploadNode(id, spk, otks)); err != nil {
		return fmt.Errorf("waservice: upload prekeys: %w", err)
	}
	logf(s.logger, "uploaded %d one-time prekeys and signed prekey %d", len(otks), spk.ID)
	return nil
}

// handleEncryptNotification acknowledges a prekey count notification and
// tops up the server's one-time prekeys when the count is low.
func (s *Service) handleEncryptNotification(ctx context.Context, node wabinary.Node) {
	s.ack(ctx, node, "notification")

	countNode, ok := node.Child("count")
	if !ok {
		s.emit(&NodeEvent{Node: node})
		return
	}
	count, err := strconv.Atoi(countNode.AttrString("value"))
	if err != nil {
		logf(s.logger, "bad prekey count %q", countNode.AttrString("value"))
		return
	}
	logf(s.logger, "server has %d one-time prekeys", count)
	if count >= s.cfg.PreKeyLowWater {
		return
	}
	missing := s.cfg.PreKeyBatch - count
	s.background(ctx, "replenish prekeys", func(ctx context.Context) error {
		created, err := s.keys.ReplenishOneTimePreKeys(s.keys.OneTimePreKeyCount() + missing)
		if err != nil {
			return err
		}
		return s.uploadKeys(ctx, created)
	})
}

// maintainSignedPreKey rotates the signed prekey when the policy says so,
// publishes the new one and purges retired keys past their grace window.
func (s *Service) maintainSignedPreKey(ctx context.Context) error {
	rotated, err := s.keys.RotateSignedPreKey(s.cfg.Rotation)
	if err != nil {
		return err
	}
	if n, err := s.keys.PurgeRetired(time.Now()); err != nil {
		logf(s.logger, "purge signed prekeys: %v", err)
	} else if n > 0 {
		logf(s.logger, "purged %d retired signed prekeys", n)
	}
	if !rotated {
		return nil
	}
	return s.uploadKeys(ctx, nil)
}

// FetchBundle requests the prekey bundle of one device. It implements
// session.BundleFetcher.
func (s *Service) FetchBundle(ctx context.Context, jid types.JID) (*keys.PreKeyBundle, error) {
	req := iqNode("encrypt", "get", []wabinary.Node{{
		Tag: "key",
		Content: []wabinary.Node{{
			Tag:   "user",
			Attrs: []wabinary.Attr{wabinary.JIDAttr("jid", jid)},
		}},
	}})
	resp, err := s.SendIQ(ctx, req)
	if err != nil {
		return nil, err
	}
	list, ok := resp.Child("list")
	if !ok {
		return nil, fmt.Errorf("waservice: bundle response has no <list>")
	}
	for _, user := range list.ChildrenByTag("user") {
		got, err := user.AttrJID("jid")
		if err != nil || got != jid {
			continue
		}
		if e, ok := user.Child("error"); ok {
			return nil, &IQError{Code: e.AttrString("code"), Text: e.AttrString("text")}
		}
		b, err := ParseBundle(user)
		if err != nil {
			return nil, err
		}
		return &b, nil
	}
	return nil, fmt.Errorf("waservice: no bundle for %s", jid)
}

// BundleNode encodes a bundle as the <user> element of a bundle response.
func BundleNode(b keys.PreKeyBundle) wabinary.Node {
	children := []wabinary.Node{
		bytesNode("registration", uint32Bytes(b.RegistrationID)),
		bytesNode("type", []byte{keys.DjbType}),
		bytesNode("identity", b.IdentityKey[:]),
		signedKeyNode(keys.SignedPreKey{
			ID:        b.SignedPreKeyID,
			KeyPair:   keys.KeyPair{Pub: b.SignedPreKey},
			Signature: b.SignedPreKeySignature,
		}),
	}
	if b.OneTimePreKey != nil {
		children = append(children, keyNode("key", b.OneTimePreKeyID, *b.OneTimePreKey))
	}
	return wabinary.Node{
		Tag:     "user",
		Attrs:   []wabinary.Attr{wabinary.JIDAttr("jid", b.JID)},
		Content: children,
	}
}

func childBytes(n wabinary.Node, tag string, size int) ([]byte, error) {
	c, ok := n.Child(tag)
	if !ok {
		return nil, fmt.Errorf("waservice: <%s> has no <%s>", n.Tag, tag)
	}
	b := c.Bytes()
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("waservice: <%s> is %d bytes, want %d", tag, len(b), size)
	}
	return b, nil
}

func parseKey(n wabinary.Node) (uint32, [32]byte, error) {
	var pub [32]byte
	id, err := childBytes(n, "id", 3)
	if err != nil {
		return 0, pub, err
	}
	value, err := childBytes(n, "value", 0)
	if err != nil {
		return 0, pub, err
	}
	if pub, err = keys.ParsePublic(value); err != nil {
		return 0, pub, err
	}
	return uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2]), pub, nil
}

// ParseBundle decodes a <user> element of a bundle response. The signed
// prekey signature is not verified here.
func ParseBundle(n wabinary.Node) (keys.PreKeyBundle, error) {
	var b keys.PreKeyBundle
	jid, err := n.AttrJID("jid")
	if err != nil {
		return b, err
	}
	b.JID = jid

	reg, err := childBytes(n, "registration", 4)
	if err != nil {
		return b, err
	}
	b.RegistrationID = binary.BigEndian.Uint32(reg)

	if typ, err := childBytes(n, "type", 1); err == nil && typ[0] != keys.DjbType {
		return b, fmt.Errorf("waservice: unsupported key type %d", typ[0])
	}
	identity, err := childBytes(n, "identity", 0)
	if err != nil {
		return b, err
	}
	if b.IdentityKey, err = keys.ParsePublic(identity); err != nil {
		return b, fmt.Errorf("waservice: identity: %w", err)
	}

	skey, ok := n.Child("skey")
	if !ok {
		return b, fmt.Errorf("waservice: bundle for %s has no signed prekey", jid)
	}
	if b.SignedPreKeyID, b.SignedPreKey, err = parseKey(skey); err != nil {
		return b, fmt.Errorf("waservice: signed prekey: %w", err)
	}
	sig, err := childBytes(skey, "signature", 64)
	if err != nil {
		return b, err
	}
	copy(b.SignedPreKeySignature[:], sig)

	if key, ok := n.Child("key"); ok {
		id, pub, err := parseKey(key)
		if err != nil {
			return b, fmt.Errorf("waservice: one-time prekey: %w", err)
		}
		b.OneTimePreKeyID = id
		b.OneTimePreKey = &pub
	}
	return b, nil
}
