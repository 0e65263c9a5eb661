package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/noise"
	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/socket"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

type selftestCommand struct {
	Messages int `short:"n" long:"messages" default:"3" description:"Messages to send out of order"`
}

func (cmd *selftestCommand) Execute(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("=== Noise handshake ===")
	if err := handshakeTest(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Println("=== Pairwise session ===")
	if err := sessionTest(max(cmd.Messages, 1)); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	fmt.Println("All checks passed.")
	return nil
}

// handshakeTest runs both ends of a handshake over an in-memory pipe and
// exchanges one node each way.
func handshakeTest(ctx context.Context) error {
	ca, err := noise.NewCertificateAuthority()
	if err != nil {
		return err
	}
	serverStatic, err := keys.GenerateKeyPair()
	if err != nil {
		return err
	}
	clientStatic, err := keys.GenerateKeyPair()
	if err != nil {
		return err
	}

	a, b := net.Pipe()
	cs := socket.NewFrameSocket(a, socket.WithLogger(logger()))
	ss := socket.NewFrameSocket(b, socket.Server(), socket.WithLogger(logger()))
	defer cs.Close()
	defer ss.Close()

	type accepted struct {
		res *noise.Result
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		res, err := noise.Accept(ctx, ss, noise.Config{Static: serverStatic}, ca.Issue(serverStatic.Pub, time.Hour))
		ch <- accepted{res, err}
	}()
	cres, err := noise.Handshake(ctx, cs, noise.Config{Static: clientStatic, TrustRoot: ca.TrustRoot()}, []byte("selftest"))
	if err != nil {
		return err
	}
	sres := <-ch
	if sres.err != nil {
		return sres.err
	}
	if string(sres.res.Payload) != "selftest" || sres.res.RemoteStatic != clientStatic.Pub || cres.RemoteStatic != serverStatic.Pub {
		return errors.New("handshake results do not match")
	}
	fmt.Printf("  handshake ok, server key %x\n", cres.RemoteStatic[:8])

	client, server := noise.NewConn(cs, cres), noise.NewConn(ss, sres.res)
	ping := wabinary.Node{Tag: "iq", Attrs: []wabinary.Attr{
		wabinary.NewAttr("id", "1"),
		wabinary.NewAttr("type", "get"),
		wabinary.NewAttr("xmlns", "urn:xmpp:ping"),
	}}
	got, err := exchange(ctx, client, server, ping)
	if err != nil {
		return err
	}
	if !wabinary.Equal(got, ping) {
		return fmt.Errorf("node changed in transit: %s", got.XMLString())
	}
	pong := wabinary.Node{Tag: "iq", Attrs: []wabinary.Attr{
		wabinary.NewAttr("id", "1"),
		wabinary.NewAttr("type", "result"),
	}}
	if got, err = exchange(ctx, server, client, pong); err != nil {
		return err
	}
	if !wabinary.Equal(got, pong) {
		return fmt.Errorf("node changed in transit: %s", got.XMLString())
	}
	fmt.Println("  transport frames ok in both directions")
	return nil
}

// exchange sends n from one end and reads it at the other.
func exchange(ctx context.Context, from, to *noise.Conn, n wabinary.Node) (wabinary.Node, error) {
	data, err := wabinary.Pack(n)
	if err != nil {
		return wabinary.Node{}, err
	}
	errc := make(chan error, 1)
	go func() { errc <- from.WriteFrame(ctx, data) }()
	frame, err := to.ReadFrame(ctx)
	if err != nil {
		return wabinary.Node{}, err
	}
	if err := <-errc; err != nil {
		return wabinary.Node{}, err
	}
	return wabinary.UnpackNode(frame, wabinary.DefaultMaxFrameSize)
}

type party struct {
	jid  types.JID
	keys *keys.Store
	mgr  *session.Manager
}

func newParty(user string) (*party, error) {
	ks := keys.NewStore()
	if _, err := ks.GenerateIdentity(); err != nil {
		return nil, err
	}
	if _, err := ks.ReplenishOneTimePreKeys(5); err != nil {
		return nil, err
	}
	return &party{
		jid:  types.JID{User: user, Device: 1, Server: types.DefaultUserServer},
		keys: ks,
		mgr:  session.NewManager(ks, session.Config{Logger: logger()}),
	}, nil
}

// sessionTest establishes a session from a bundle, delivers n messages in
// reverse order, answers, and checks that a replay is rejected.
func sessionTest(n int) error {
	alice, err := newParty("alice")
	if err != nil {
		return err
	}
	bob, err := newParty("bob")
	if err != nil {
		return err
	}

	bundle, err := bob.keys.Bundle(bob.jid)
	if err != nil {
		return err
	}
	if _, err := alice.mgr.Establish(bob.jid, &bundle); err != nil {
		return err
	}

	sent := make([]*session.Ciphertext, n)
	for i := range sent {
		if sent[i], err = alice.mgr.Encrypt(bob.jid, fmt.Appendf(nil, "message %d", i)); err != nil {
			return err
		}
	}
	for i := n - 1; i >= 0; i-- {
		pt, err := bob.mgr.Decrypt(alice.jid, sent[i].Kind, sent[i].Data)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		if want := fmt.Sprintf("message %d", i); string(pt) != want {
			return fmt.Errorf("message %d: got %q, want %q", i, pt, want)
		}
	}
	fmt.Printf("  %d %s messages delivered in reverse order\n", n, sent[0].Kind)

	reply, err := bob.mgr.Encrypt(alice.jid, []byte("reply"))
	if err != nil {
		return err
	}
	pt, err := alice.mgr.Decrypt(bob.jid, reply.Kind, reply.Data)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	if string(pt) != "reply" {
		return fmt.Errorf("reply: got %q", pt)
	}
	fmt.Printf("  reply delivered as %s\n", reply.Kind)

	if _, err := alice.mgr.Decrypt(bob.jid, reply.Kind, reply.Data); !errors.Is(err, session.ErrReplayDetected) {
		return fmt.Errorf("replay: got %v, want %v", err, session.ErrReplayDetected)
	}
	fmt.Println("  replay rejected")
	return nil
}
