package whatsapp

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/noise"
	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/socket"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

func TestLoadGeneratesIdentity(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(WithDBPath(dbPath), WithPreKeyPolicy(5, 20, keys.DefaultRotationPolicy))
	if err != nil {
		t.Fatal(err)
	}
	first, err := c.IdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	if !c.JID().IsEmpty() {
		t.Fatalf("new client has JID %s", c.JID())
	}
	jid := types.JID{User: "15550001111", Device: 2, Server: types.DefaultUserServer}
	if err := c.SetRegistration(jid, "Tester"); err != nil {
		t.Fatal(err)
	}
	c.Close()

	c, err = Open(WithDBPath(dbPath))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	second, err := c.IdentityKey()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("identity changed across reopen")
	}
	if c.JID() != jid {
		t.Fatalf("JID: got %s, want %s", c.JID(), jid)
	}
	b, err := c.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	if b.OneTimePreKey == nil || !b.VerifySignedPreKey() {
		t.Fatal("bundle is missing a one-time prekey or does not verify")
	}
}

func TestDiscoverDB(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	c, err := Open()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dataHome, "whatsapp-go", "default.db")
	if c.DBPath() != want {
		t.Fatalf("got %q, want %q", c.DBPath(), want)
	}
	c.Close()

	c, err = Open()
	if err != nil {
		t.Fatal(err)
	}
	if c.DBPath() != want {
		t.Fatalf("reopen: got %q, want %q", c.DBPath(), want)
	}
	c.Close()

	if err := os.WriteFile(filepath.Join(dataHome, "whatsapp-go", "other.db"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(); err == nil || !strings.Contains(err.Error(), "multiple accounts") {
		t.Fatalf("got %v, want multiple accounts error", err)
	}
}

func TestNotConnected(t *testing.T) {
	c, err := Open(WithDBPath(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.SendMessage(context.Background(), types.JID{User: "1", Server: types.DefaultUserServer}, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	for _, err := range c.Receive(context.Background()) {
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("got %v, want ErrNotConnected", err)
		}
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect without trust root succeeded")
	}
}

// serve runs the server side of one connection and returns its decrypted
// frame connection.
func serve(t *testing.T) (TrustRoot, func(context.Context) (FrameConn, error), <-chan *noise.Conn) {
	t.Helper()
	ca, err := noise.NewCertificateAuthority()
	if err != nil {
		t.Fatal(err)
	}
	static, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	conns := make(chan *noise.Conn, 1)
	dial := func(context.Context) (FrameConn, error) {
		a, b := net.Pipe()
		srv := socket.NewFrameSocket(b, socket.Server())
		t.Cleanup(func() { srv.Close() })
		go func() {
			res, err := noise.Accept(context.Background(), srv, noise.Config{Static: static}, ca.Issue(static.Pub, time.Hour))
			if err != nil {
				close(conns)
				return
			}
			conns <- noise.NewConn(srv, res)
		}()
		return socket.NewFrameSocket(a), nil
	}
	return ca.TrustRoot(), dial, conns
}

func TestConnectReceive(t *testing.T) {
	root, dial, conns := serve(t)
	c, err := Open(
		WithDBPath(filepath.Join(t.TempDir(), "test.db")),
		WithTrustRoot(root),
		WithDialer(dial),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	self := types.JID{User: "15550001111", Device: 1, Server: types.DefaultUserServer}
	if err := c.SetRegistration(self, ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	srv, ok := <-conns
	if !ok {
		t.Fatal("server handshake failed")
	}

	peerKeys := keys.NewStore()
	if _, err := peerKeys.GenerateIdentity(); err != nil {
		t.Fatal(err)
	}
	peer := session.NewManager(peerKeys, session.Config{})
	bundle, err := c.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peer.Establish(self, &bundle); err != nil {
		t.Fatal(err)
	}
	ct, err := peer.Encrypt(self, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	from := types.JID{User: "15550002222", Device: 1, Server: types.DefaultUserServer}
	frame, err := wabinary.Pack(wabinary.Node{
		Tag: "message",
		Attrs: []wabinary.Attr{
			wabinary.JIDAttr("from", from),
			wabinary.NewAttr("id", "M1"),
			wabinary.NewAttr("notify", "Peer"),
		},
		Content: []wabinary.Node{{
			Tag:     "enc",
			Attrs:   []wabinary.Attr{wabinary.NewAttr("v", "2"), wabinary.NewAttr("type", string(ct.Kind))},
			Content: ct.Data,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.WriteFrame(ctx, frame); err != nil {
		t.Fatal(err)
	}
	go func() {
		// Drain acks so the client's writes do not block.
		for {
			if _, err := srv.ReadFrame(context.Background()); err != nil {
				return
			}
		}
	}()

	if _, ok := (<-c.Events()).(*ConnectedEvent); !ok {
		t.Fatal("first event is not ConnectedEvent")
	}
	for msg, err := range c.Receive(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		if msg.From != from || string(msg.Plaintext) != "ping" {
			t.Fatalf("got %+v", msg)
		}
		break
	}
	name, err := c.PushName(from)
	if err != nil {
		t.Fatal(err)
	}
	if name != "Peer" {
		t.Fatalf("push name: got %q, want %q", name, "Peer")
	}
}

func TestPreKeyMaintenance(t *testing.T) {
	c, err := Open(
		WithDBPath(filepath.Join(t.TempDir(), "test.db")),
		WithPreKeyPolicy(2, 4, keys.DefaultRotationPolicy),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if n := c.PreKeyCount(); n != 4 {
		t.Fatalf("initial prekeys: got %d, want 4", n)
	}
	created, err := c.ReplenishPreKeys(10)
	if err != nil {
		t.Fatal(err)
	}
	if created != 6 || c.PreKeyCount() != 10 {
		t.Fatalf("created %d, have %d", created, c.PreKeyCount())
	}

	before, err := c.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.RotateSignedPreKey()
	if err != nil {
		t.Fatal(err)
	}
	after, err := c.Bundle()
	if err != nil {
		t.Fatal(err)
	}
	if id == before.SignedPreKeyID || after.SignedPreKeyID != id {
		t.Fatalf("rotated to %d, bundle has %d (was %d)", id, after.SignedPreKeyID, before.SignedPreKeyID)
	}
}
