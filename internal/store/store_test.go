package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/types"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenClose(t *testing.T) {
	s := tempStore(t)
	if s.db == nil {
		t.Fatal("db should not be nil")
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Fatal("directory should have been created")
	}
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	if got, want := DefaultDataDir(), "/tmp/xdg/whatsapp-go"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAccountSaveLoad(t *testing.T) {
	s := tempStore(t)

	// Loading with no account returns nil.
	acct, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if acct != nil {
		t.Fatal("expected nil account")
	}

	want := &Account{
		JID:      types.JID{User: "15551234567", Device: 3, Server: types.DefaultUserServer},
		PushName: "Alice",
		ClientID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		Platform: "web",
	}
	if err := s.SaveAccount(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// Overwrite.
	want.PushName = "Alice B."
	if err := s.SaveAccount(want); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got.PushName != "Alice B." {
		t.Errorf("push name after overwrite: got %q", got.PushName)
	}
}

func TestLoadKeysEmpty(t *testing.T) {
	s := tempStore(t)
	snap, err := s.LoadKeys()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Identity != nil {
		t.Fatal("expected no identity")
	}
	ks := keys.NewStore(keys.WithPersister(s))
	if _, err := ks.LoadIdentity(); !errors.Is(err, keys.ErrNoIdentity) {
		t.Fatalf("got %v, want ErrNoIdentity", err)
	}
}

func TestKeyPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ks := keys.NewStore(keys.WithPersister(s))
	id, err := ks.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.ReplenishOneTimePreKeys(10); err != nil {
		t.Fatal(err)
	}
	if _, ok := ks.TakeOneTimePreKey(1); !ok {
		t.Fatal("prekey 1 missing")
	}
	old, _ := ks.CurrentSignedPreKey()
	if _, err := ks.ForceRotateSignedPreKey(time.Hour); err != nil {
		t.Fatal(err)
	}
	ks.RecordSignedPreKeyUse(old.ID)
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	reloaded := keys.NewStore(keys.WithPersister(s))
	got, err := reloaded.LoadIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if got.Pub != id.Pub || got.Priv != id.Priv || got.RegistrationID != id.RegistrationID {
		t.Fatal("identity changed across reload")
	}
	if n := reloaded.OneTimePreKeyCount(); n != 9 {
		t.Fatalf("one-time prekeys: got %d, want 9", n)
	}
	if _, ok := reloaded.OneTimePreKey(1); ok {
		t.Fatal("consumed prekey came back")
	}
	cur, ok := reloaded.CurrentSignedPreKey()
	if !ok || cur.ID != old.ID+1 {
		t.Fatalf("current signed prekey: got %d, want %d", cur.ID, old.ID+1)
	}
	retired, ok := reloaded.SignedPreKey(old.ID)
	if !ok || !retired.Retired() {
		t.Fatal("retired signed prekey not kept")
	}
	if retired.Uses != 1 {
		t.Fatalf("uses: got %d, want 1", retired.Uses)
	}
	if !retired.CreatedAt.Equal(old.CreatedAt) {
		t.Fatalf("created at: got %v, want %v", retired.CreatedAt, old.CreatedAt)
	}
	created, err := reloaded.ReplenishOneTimePreKeys(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0].ID != 11 {
		t.Fatalf("replenish after reload: got %+v, want id 11", created)
	}
}

func TestRemoteIdentity(t *testing.T) {
	s := tempStore(t)
	jid := types.JID{User: "bob", Device: 2, Server: types.DefaultUserServer}

	if _, ok, err := s.LoadRemoteIdentity(jid); err != nil || ok {
		t.Fatalf("got ok=%v err=%v, want nothing", ok, err)
	}
	key := [32]byte{1, 2, 3}
	if err := s.SaveRemoteIdentity(jid, key); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadRemoteIdentity(jid)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != key {
		t.Fatalf("got %x, want %x", got, key)
	}
	other := jid
	other.Device = 3
	if _, ok, _ := s.LoadRemoteIdentity(other); ok {
		t.Fatal("identity leaked to another device")
	}
}

type peer struct {
	jid  types.JID
	keys *keys.Store
	mgr  *session.Manager
}

func newPeer(t *testing.T, user string, ks *keys.Store, cfg session.Config) *peer {
	t.Helper()
	if _, err := ks.GenerateIdentity(); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.ReplenishOneTimePreKeys(3); err != nil {
		t.Fatal(err)
	}
	return &peer{
		jid:  types.JID{User: user, Device: 1, Server: types.DefaultUserServer},
		keys: ks,
		mgr:  session.NewManager(ks, cfg),
	}
}

func exchange(t *testing.T, from, to *peer, text string) {
	t.Helper()
	ct, err := from.mgr.Encrypt(to.jid, []byte(text))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := to.mgr.Decrypt(from.jid, ct.Kind, ct.Data)
	if err != nil {
		t.Fatalf("decrypt %q: %v", text, err)
	}
	if string(pt) != text {
		t.Fatalf("got %q, want %q", pt, text)
	}
}

func TestSessionPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bob.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	alice := newPeer(t, "alice", keys.NewStore(), session.Config{})
	bob := newPeer(t, "bob", keys.NewStore(keys.WithPersister(s)), session.Config{Store: s})

	// Not-yet-existing sessions load as nil.
	if st, err := s.LoadSession(alice.jid); err != nil || st != nil {
		t.Fatalf("got %v %v, want nil session", st, err)
	}

	b, err := bob.keys.Bundle(bob.jid)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.mgr.Establish(bob.jid, &b); err != nil {
		t.Fatal(err)
	}
	exchange(t, alice, bob, "hello")
	exchange(t, bob, alice, "hi")

	// Hold a message back across the restart so the skipped key must persist.
	late, err := alice.mgr.Encrypt(bob.jid, []byte("late"))
	if err != nil {
		t.Fatal(err)
	}
	exchange(t, alice, bob, "on time")
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ks := keys.NewStore(keys.WithPersister(s))
	if _, err := ks.LoadIdentity(); err != nil {
		t.Fatal(err)
	}
	bob.keys = ks
	bob.mgr = session.NewManager(ks, session.Config{Store: s})

	pt, err := bob.mgr.Decrypt(alice.jid, late.Kind, late.Data)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "late" {
		t.Fatalf("got %q, want %q", pt, "late")
	}
	exchange(t, bob, alice, "after restart")
	exchange(t, alice, bob, "still working")

	if _, ok, err := s.LoadRemoteIdentity(alice.jid); err != nil || !ok {
		t.Fatalf("remote identity not persisted: %v", err)
	}
	if err := bob.mgr.Delete(alice.jid); err != nil {
		t.Fatal(err)
	}
	if st, err := s.LoadSession(alice.jid); err != nil || st != nil {
		t.Fatal("session survived Delete")
	}
}

func TestDevices(t *testing.T) {
	s := tempStore(t)
	user := types.NewJID("bob", types.DefaultUserServer)

	devices, err := s.Devices(user)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 0 {
		t.Fatalf("got %v, want none", devices)
	}

	if err := s.SetDevices(user, []uint16{0, 5, 2}); err != nil {
		t.Fatal(err)
	}
	devices, err = s.Devices(user)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"bob@s.whatsapp.net", "bob:2@s.whatsapp.net", "bob:5@s.whatsapp.net"}
	if len(devices) != len(want) {
		t.Fatalf("got %v, want %v", devices, want)
	}
	for i := range want {
		if devices[i].String() != want[i] {
			t.Errorf("device %d: got %q, want %q", i, devices[i], want[i])
		}
	}

	d7 := user
	d7.Device = 7
	if err := s.AddDevice(d7); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDevice(d7); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDevice(devices[1]); err != nil {
		t.Fatal(err)
	}
	devices, _ = s.Devices(d7)
	if len(devices) != 3 || devices[2] != d7 {
		t.Fatalf("after add/remove: got %v", devices)
	}
}
