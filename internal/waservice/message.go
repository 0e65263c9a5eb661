package waservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

// encVersion is the <enc v=...> attribute of pairwise ciphertexts.
const encVersion = "2"

func encNode(ct *session.Ciphertext) wabinary.Node {
	return wabinary.Node{
		Tag: "enc",
		Attrs: []wabinary.Attr{
			wabinary.NewAttr("v", encVersion),
			wabinary.NewAttr("type", string(ct.Kind)),
		},
		Content: ct.Data,
	}
}

// encryptFor encrypts plaintext for one device, fetching its bundle first
// if there is no session yet.
func (s *Service) encryptFor(ctx context.Context, jid types.JID, plaintext []byte) (*session.Ciphertext, error) {
	if !s.sessions.HasSession(jid) {
		if _, err := s.sessions.EstablishFromFetch(ctx, jid); err != nil {
			return nil, err
		}
	}
	return s.sessions.Encrypt(jid, plaintext)
}

// recipients lists the devices a message to jid goes to. A device JID is
// used as is; a user JID expands to its known devices.
func (s *Service) recipients(jid types.JID) ([]types.JID, error) {
	if jid.Device != 0 || s.cfg.Devices == nil {
		return []types.JID{jid}, nil
	}
	devices, err := s.cfg.Devices.Devices(jid)
	if err != nil {
		return nil, fmt.Errorf("waservice: devices of %s: %w", jid, err)
	}
	if len(devices) == 0 {
		return []types.JID{jid}, nil
	}
	return devices, nil
}

// SendMessage encrypts plaintext for every device of to and sends it as one
// <message>. It returns the message id.
func (s *Service) SendMessage(ctx context.Context, to types.JID, plaintext []byte) (string, error) {
	devices, err := s.recipients(to)
	if err != nil {
		return "", err
	}

	var content []wabinary.Node
	if len(devices) == 1 && devices[0] == to {
		ct, err := s.encryptFor(ctx, to, plaintext)
		if err != nil {
			return "", fmt.Errorf("waservice: encrypt for %s: %w", to, err)
		}
		content = []wabinary.Node{encNode(ct)}
	} else {
		participants := make([]wabinary.Node, 0, len(devices))
		for _, d := range devices {
			ct, err := s.encryptFor(ctx, d, plaintext)
			if err != nil {
				return "", fmt.Errorf("waservice: encrypt for %s: %w", d, err)
			}
			participants = append(participants, wabinary.Node{
				Tag:     "to",
				Attrs:   []wabinary.Attr{wabinary.JIDAttr("jid", d)},
				Content: []wabinary.Node{encNode(ct)},
			})
		}
		content = []wabinary.Node{{Tag: "participants", Content: participants}}
	}

	id := newMessageID()
	msg := wabinary.Node{
		Tag: "message",
		Attrs: []wabinary.Attr{
			wabinary.NewAttr("id", id),
			wabinary.JIDAttr("to", to),
			wabinary.NewAttr("type", "text"),
		},
		Content: content,
	}
	if err := s.SendNode(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}

// encryptedParts returns the <enc> elements addressed to this device, either
// direct children or inside <participants>.
func (s *Service) encryptedParts(node wabinary.Node) []wabinary.Node {
	encs := node.ChildrenByTag("enc")
	if p, ok := node.Child("participants"); ok {
		for _, to := range p.ChildrenByTag("to") {
			jid, err := to.AttrJID("jid")
			if err != nil || (!s.cfg.JID.IsEmpty() && jid != s.cfg.JID) {
				continue
			}
			encs = append(encs, to.ChildrenByTag("enc")...)
		}
	}
	return encs
}

func (s *Service) handleMessage(ctx context.Context, node wabinary.Node) {
	defer s.ack(ctx, node, "message")

	id := node.AttrString("id")
	from, err := node.AttrJID("from")
	if err != nil {
		logf(s.logger, "message %s: %v", id, err)
		s.emit(&NodeEvent{Node: node})
		return
	}
	var ts time.Time
	if t, err := strconv.ParseInt(node.AttrString("t"), 10, 64); err == nil {
		ts = time.Unix(t, 0)
	}
	pushName := node.AttrString("notify")
	if pushName != "" && s.cfg.Contacts != nil {
		if err := s.cfg.Contacts.SetPushName(from, pushName); err != nil {
			logf(s.logger, "save push name of %s: %v", from, err)
		}
	}

	for _, enc := range s.encryptedParts(node) {
		kind := session.MessageKind(enc.AttrString("type"))
		pt, err := s.sessions.Decrypt(from, kind, enc.Bytes())
		if err != nil {
			logf(s.logger, "decrypt %s from %s: %v", id, from, err)
			s.emit(&DecryptFailedEvent{ID: id, From: from, Kind: kind, Err: err})
			continue
		}
		s.emit(&MessageEvent{ID: id, From: from, PushName: pushName, Timestamp: ts, Kind: kind, Plaintext: pt, Node: node})
		if kind == session.KindPreKey {
			s.afterPreKeyMessage(ctx)
		}
	}
}

// afterPreKeyMessage runs key maintenance once a pre-key message has used
// up a one-time prekey and counted a use of the signed prekey.
func (s *Service) afterPreKeyMessage(ctx context.Context) {
	s.background(ctx, "signed prekey maintenance", s.maintainSignedPreKey)
	if s.keys.NeedsReplenish(s.cfg.PreKeyLowWater) {
		s.background(ctx, "replenish prekeys", s.UploadPreKeys)
	}
}

// ack acknowledges a received node.
func (s *Service) ack(ctx context.Context, node wabinary.Node, class string) {
	attrs := []wabinary.Attr{
		wabinary.NewAttr("class", class),
		wabinary.NewAttr("id", node.AttrString("id")),
	}
	if from, ok := node.GetAttr("from"); ok {
		attrs = append(attrs, wabinary.NewAttr("to", from.String()))
	}
	if typ := node.AttrString("type"); typ != "" && class != "message" {
		attrs = append(attrs, wabinary.NewAttr("type", typ))
	}
	if err := s.SendNode(ctx, wabinary.Node{Tag: "ack", Attrs: attrs}); err != nil && !errors.Is(err, ErrNotConnected) {
		logf(s.logger, "ack %s %s: %v", class, node.AttrString("id"), err)
	}
}
