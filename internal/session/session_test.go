package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/types"
)

type party struct {
	jid  types.JID
	keys *keys.Store
	mgr  *Manager
}

func newParty(t *testing.T, user string, cfg Config) *party {
	t.Helper()
	ks := keys.NewStore()
	if _, err := ks.GenerateIdentity(); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.ReplenishOneTimePreKeys(5); err != nil {
		t.Fatal(err)
	}
	return &party{
		jid:  types.JID{User: user, Device: 1, Server: types.DefaultUserServer},
		keys: ks,
		mgr:  NewManager(ks, cfg),
	}
}

func (p *party) bundle(t *testing.T) *keys.PreKeyBundle {
	t.Helper()
	b, err := p.keys.Bundle(p.jid)
	if err != nil {
		t.Fatal(err)
	}
	return &b
}

func encrypt(t *testing.T, from, to *party, text string) *Ciphertext {
	t.Helper()
	ct, err := from.mgr.Encrypt(to.jid, []byte(text))
	if err != nil {
		t.Fatalf("encrypt %q: %v", text, err)
	}
	return ct
}

func decrypt(t *testing.T, to, from *party, ct *Ciphertext, want string) {
	t.Helper()
	pt, err := to.mgr.Decrypt(from.jid, ct.Kind, ct.Data)
	if err != nil {
		t.Fatalf("decrypt %q: %v", want, err)
	}
	if string(pt) != want {
		t.Fatalf("got %q, want %q", pt, want)
	}
}

func rootKey(t *testing.T, p *party, peer types.JID) [32]byte {
	t.Helper()
	s, ok, err := p.mgr.Session(peer)
	if err != nil || !ok {
		t.Fatalf("no session with %s: %v", peer, err)
	}
	return s.RootKey()
}

// connect establishes alice→bob and completes one hello/reply exchange.
func connect(t *testing.T, alice, bob *party) {
	t.Helper()
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "hello"), "hello")
	decrypt(t, alice, bob, encrypt(t, bob, alice, "reply"), "reply")
}

func TestHelloReply(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})

	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	hello := encrypt(t, alice, bob, "hello")
	if hello.Kind != KindPreKey {
		t.Fatalf("first message kind: got %s, want %s", hello.Kind, KindPreKey)
	}
	if hello.Data[0] != 0x33 {
		t.Fatalf("version byte: got 0x%02x, want 0x33", hello.Data[0])
	}
	decrypt(t, bob, alice, hello, "hello")
	if rootKey(t, alice, bob.jid) != rootKey(t, bob, alice.jid) {
		t.Fatal("root keys differ after hello")
	}
	if bob.keys.OneTimePreKeyCount() != 4 {
		t.Fatalf("one-time prekey not consumed: %d left", bob.keys.OneTimePreKeyCount())
	}

	reply := encrypt(t, bob, alice, "hi alice")
	if reply.Kind != KindMessage {
		t.Fatalf("reply kind: got %s, want %s", reply.Kind, KindMessage)
	}
	decrypt(t, alice, bob, reply, "hi alice")
	if rootKey(t, alice, bob.jid) != rootKey(t, bob, alice.jid) {
		t.Fatal("root keys differ after reply")
	}

	s, _, _ := alice.mgr.Session(bob.jid)
	if s.Pending() {
		t.Fatal("session still pending after the peer answered")
	}
	if ct := encrypt(t, alice, bob, "again"); ct.Kind != KindMessage {
		t.Fatalf("kind after reply: got %s, want %s", ct.Kind, KindMessage)
	}
}

func TestSignedPreKeyNotKeptInSession(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "hello"), "hello")

	s, _, _ := bob.mgr.Session(alice.jid)
	if s.state.SenderRatchet.Priv != [32]byte{} {
		t.Fatal("session holds the signed prekey private key after the first receive")
	}
	spk, _ := bob.keys.CurrentSignedPreKey()
	if spk.KeyPair.Priv == [32]byte{} {
		t.Fatal("signed prekey wiped in the key store")
	}
	decrypt(t, alice, bob, encrypt(t, bob, alice, "reply"), "reply")
	decrypt(t, bob, alice, encrypt(t, alice, bob, "again"), "again")
}

func TestPendingUntilAnswered(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		ct := encrypt(t, alice, bob, fmt.Sprint(i))
		if ct.Kind != KindPreKey {
			t.Fatalf("message %d: got %s, want %s", i, ct.Kind, KindPreKey)
		}
		decrypt(t, bob, alice, ct, fmt.Sprint(i))
	}
	if bob.keys.OneTimePreKeyCount() != 4 {
		t.Fatal("repeated pre-key messages consumed more than one prekey")
	}
}

func TestRatchetManyMessages(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)

	for round := 0; round < 20; round++ {
		from, to := alice, bob
		if round%2 == 1 {
			from, to = bob, alice
		}
		// Bursts of different lengths exercise both chain steps and ratchet steps.
		for i := 0; i <= round%4; i++ {
			text := fmt.Sprintf("round %d message %d", round, i)
			decrypt(t, to, from, encrypt(t, from, to, text), text)
		}
	}
}

func TestOutOfOrder(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)

	cts := []*Ciphertext{
		encrypt(t, alice, bob, "m0"),
		encrypt(t, alice, bob, "m1"),
		encrypt(t, alice, bob, "m2"),
	}
	for _, i := range []int{2, 0, 1} {
		decrypt(t, bob, alice, cts[i], fmt.Sprintf("m%d", i))
	}
}

func TestOutOfOrderFirstMessages(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	cts := []*Ciphertext{
		encrypt(t, alice, bob, "m0"),
		encrypt(t, alice, bob, "m1"),
		encrypt(t, alice, bob, "m2"),
	}
	for _, i := range []int{2, 0, 1} {
		decrypt(t, bob, alice, cts[i], fmt.Sprintf("m%d", i))
	}
}

func TestOutOfOrderAcrossRatchet(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)

	late := encrypt(t, alice, bob, "late")
	onTime := encrypt(t, alice, bob, "on time")
	decrypt(t, bob, alice, onTime, "on time")
	decrypt(t, alice, bob, encrypt(t, bob, alice, "ratchet"), "ratchet")
	next := encrypt(t, alice, bob, "new chain")
	decrypt(t, bob, alice, next, "new chain")
	decrypt(t, bob, alice, late, "late")
}

func TestSkippedKeyOutlivesRetiredChain(t *testing.T) {
	alice := newParty(t, "alice", Config{})
	bob := newParty(t, "bob", Config{MaxRetiredChains: 1})
	connect(t, alice, bob)

	late := encrypt(t, alice, bob, "late")
	decrypt(t, bob, alice, encrypt(t, alice, bob, "on time"), "on time")
	for i := 0; i < 4; i++ {
		text := fmt.Sprintf("ping %d", i)
		decrypt(t, alice, bob, encrypt(t, bob, alice, text), text)
		text = fmt.Sprintf("pong %d", i)
		decrypt(t, bob, alice, encrypt(t, alice, bob, text), text)
	}
	decrypt(t, bob, alice, late, "late")

	_, err := bob.mgr.Decrypt(alice.jid, late.Kind, late.Data)
	if err == nil {
		t.Fatal("late message decrypted twice")
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "after"), "after")
}

func TestReplayDetected(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)

	ct := encrypt(t, alice, bob, "once")
	decrypt(t, bob, alice, ct, "once")
	before := rootKey(t, bob, alice.jid)

	_, err := bob.mgr.Decrypt(alice.jid, ct.Kind, ct.Data)
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("got %v, want ErrReplayDetected", err)
	}
	if rootKey(t, bob, alice.jid) != before {
		t.Fatal("replay changed session state")
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "after"), "after")
}

func TestReplayedPreKeyMessage(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	hello := encrypt(t, alice, bob, "hello")
	decrypt(t, bob, alice, hello, "hello")

	_, err := bob.mgr.Decrypt(alice.jid, hello.Kind, hello.Data)
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("got %v, want ErrReplayDetected", err)
	}
}

func TestWindowEviction(t *testing.T) {
	const window = 3
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{WindowSize: window})
	connect(t, alice, bob)

	cts := make([]*Ciphertext, window+2)
	for i := range cts {
		cts[i] = encrypt(t, alice, bob, fmt.Sprintf("m%d", i))
	}
	// Skips window+1 keys; the cache keeps the newest window of them.
	decrypt(t, bob, alice, cts[window+1], fmt.Sprintf("m%d", window+1))

	pt, err := bob.mgr.Decrypt(alice.jid, cts[0].Kind, cts[0].Data)
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("evicted key: got %q %v, want ErrReplayDetected", pt, err)
	}
	for i := 1; i <= window; i++ {
		decrypt(t, bob, alice, cts[i], fmt.Sprintf("m%d", i))
	}
}

func TestMaxSkip(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{MaxSkip: 5})
	connect(t, alice, bob)

	var last *Ciphertext
	for i := 0; i < 10; i++ {
		last = encrypt(t, alice, bob, "skip")
	}
	if _, err := bob.mgr.Decrypt(alice.jid, last.Kind, last.Data); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("got %v, want ErrInvalidMessage", err)
	}
}

func TestInvalidMacLeavesStateUnchanged(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)

	ct := encrypt(t, alice, bob, "authentic")
	before := rootKey(t, bob, alice.jid)

	for _, pos := range []int{len(ct.Data) - 1, len(ct.Data) - 10} {
		tampered := append([]byte(nil), ct.Data...)
		tampered[pos] ^= 0x01
		_, err := bob.mgr.Decrypt(alice.jid, ct.Kind, tampered)
		if !errors.Is(err, ErrInvalidMac) {
			t.Fatalf("byte %d flipped: got %v, want ErrInvalidMac", pos, err)
		}
	}
	if rootKey(t, bob, alice.jid) != before {
		t.Fatal("MAC failure changed session state")
	}
	decrypt(t, bob, alice, ct, "authentic")
}

func TestInvalidMacOnNewRatchet(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)

	decrypt(t, bob, alice, encrypt(t, alice, bob, "x"), "x")
	ct := encrypt(t, bob, alice, "new ratchet")
	before := rootKey(t, alice, bob.jid)
	tampered := append([]byte(nil), ct.Data...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := alice.mgr.Decrypt(bob.jid, ct.Kind, tampered); !errors.Is(err, ErrInvalidMac) {
		t.Fatalf("got %v, want ErrInvalidMac", err)
	}
	if rootKey(t, alice, bob.jid) != before {
		t.Fatal("failed ratchet step was committed")
	}
	decrypt(t, alice, bob, ct, "new ratchet")
}

func TestInvalidBundle(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	b := bob.bundle(t)
	b.SignedPreKeySignature[10] ^= 0x01
	if _, err := alice.mgr.Establish(bob.jid, b); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("got %v, want ErrInvalidBundle", err)
	}
	if alice.mgr.HasSession(bob.jid) {
		t.Fatal("session created from an invalid bundle")
	}
}

func TestBundleWithoutOneTimePreKey(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	b := bob.bundle(t)
	b.OneTimePreKey = nil
	b.OneTimePreKeyID = 0
	if _, err := alice.mgr.Establish(bob.jid, b); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "no opk"), "no opk")
	if bob.keys.OneTimePreKeyCount() != 5 {
		t.Fatal("a one-time prekey was consumed")
	}
}

func TestConsumedOneTimePreKey(t *testing.T) {
	alice, carol, bob := newParty(t, "alice", Config{}), newParty(t, "carol", Config{}), newParty(t, "bob", Config{})
	b := bob.bundle(t)
	if _, err := alice.mgr.Establish(bob.jid, b); err != nil {
		t.Fatal(err)
	}
	if _, err := carol.mgr.Establish(bob.jid, b); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "first"), "first")

	ct := encrypt(t, carol, bob, "second")
	if _, err := bob.mgr.Decrypt(carol.jid, ct.Kind, ct.Data); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("got %v, want ErrInvalidMessage", err)
	}
	if bob.mgr.HasSession(carol.jid) {
		t.Fatal("session created from a consumed prekey")
	}
}

func TestRetiredSignedPreKey(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	b := bob.bundle(t)
	if _, err := bob.keys.ForceRotateSignedPreKey(time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.mgr.Establish(bob.jid, b); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "old spk"), "old spk")
}

type fetcherFunc func(ctx context.Context, jid types.JID) (*keys.PreKeyBundle, error)

func (f fetcherFunc) FetchBundle(ctx context.Context, jid types.JID) (*keys.PreKeyBundle, error) {
	return f(ctx, jid)
}

func TestEstablishFromFetch(t *testing.T) {
	bob := newParty(t, "bob", Config{})

	noFetcher := newParty(t, "alice", Config{})
	if _, err := noFetcher.mgr.EstablishFromFetch(context.Background(), bob.jid); !errors.Is(err, ErrBundleUnavailable) {
		t.Fatalf("no fetcher: got %v, want ErrBundleUnavailable", err)
	}

	failing := newParty(t, "alice", Config{Fetcher: fetcherFunc(func(context.Context, types.JID) (*keys.PreKeyBundle, error) {
		return nil, errors.New("item-not-found")
	})})
	if _, err := failing.mgr.EstablishFromFetch(context.Background(), bob.jid); !errors.Is(err, ErrBundleUnavailable) {
		t.Fatalf("failing fetcher: got %v, want ErrBundleUnavailable", err)
	}

	alice := newParty(t, "alice", Config{Fetcher: fetcherFunc(func(_ context.Context, jid types.JID) (*keys.PreKeyBundle, error) {
		if jid != bob.jid {
			t.Errorf("fetched %s, want %s", jid, bob.jid)
		}
		return bob.bundle(t), nil
	})})
	if _, err := alice.mgr.EstablishFromFetch(context.Background(), bob.jid); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "fetched"), "fetched")
}

func TestUnknownDevice(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	if _, err := alice.mgr.Encrypt(bob.jid, []byte("x")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("encrypt: got %v, want ErrUnknownDevice", err)
	}
	connect(t, alice, bob)
	ct := encrypt(t, alice, bob, "x")

	stranger := newParty(t, "stranger", Config{})
	if _, err := stranger.mgr.Decrypt(alice.jid, ct.Kind, ct.Data); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("decrypt: got %v, want ErrUnknownDevice", err)
	}
}

func TestDelete(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)
	if err := alice.mgr.Delete(bob.jid); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.mgr.Encrypt(bob.jid, []byte("x")); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("got %v, want ErrUnknownDevice", err)
	}
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}
	decrypt(t, bob, alice, encrypt(t, alice, bob, "fresh"), "fresh")
}

func TestUntrustedIdentity(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	if _, err := alice.mgr.Establish(bob.jid, bob.bundle(t)); err != nil {
		t.Fatal(err)
	}

	impostor := newParty(t, "bob", Config{})
	b := impostor.bundle(t)
	if _, err := alice.mgr.Establish(bob.jid, b); !errors.Is(err, ErrUntrustedIdentity) {
		t.Fatalf("got %v, want ErrUntrustedIdentity", err)
	}
	if err := alice.mgr.TrustIdentity(bob.jid, b.IdentityKey); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.mgr.Establish(bob.jid, b); err != nil {
		t.Fatalf("after TrustIdentity: %v", err)
	}
}

func TestInvalidMessages(t *testing.T) {
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{})
	connect(t, alice, bob)
	tests := []struct {
		name string
		kind MessageKind
		data []byte
	}{
		{"empty", KindMessage, nil},
		{"wrong version", KindMessage, []byte{0x22, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"short", KindMessage, []byte{0x33, 1}},
		{"garbage pkmsg", KindPreKey, []byte{0x33, 0xff}},
		{"unknown kind", "skmsg", []byte{0x33}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bob.mgr.Decrypt(alice.jid, tt.kind, tt.data); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("got %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestParallelSessions(t *testing.T) {
	alice := newParty(t, "alice", Config{})
	peers := make([]*party, 4)
	for i := range peers {
		peers[i] = newParty(t, fmt.Sprintf("peer%d", i), Config{})
		connect(t, alice, peers[i])
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(peers))
	for _, p := range peers {
		wg.Add(1)
		go func(p *party) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				text := fmt.Sprintf("%s %d", p.jid.User, i)
				ct, err := alice.mgr.Encrypt(p.jid, []byte(text))
				if err != nil {
					errs <- err
					return
				}
				pt, err := p.mgr.Decrypt(alice.jid, ct.Kind, ct.Data)
				if err != nil || string(pt) != text {
					errs <- fmt.Errorf("%s: got %q %v", p.jid, pt, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// memStore is an in-memory Store.
type memStore struct {
	mu         sync.Mutex
	sessions   map[types.JID]*State
	identities map[types.JID][32]byte
}

func newMemStore() *memStore {
	return &memStore{sessions: map[types.JID]*State{}, identities: map[types.JID][32]byte{}}
}

func (s *memStore) LoadSession(jid types.JID) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[jid]
	if !ok {
		return nil, nil
	}
	return st.clone(), nil
}

func (s *memStore) StoreSession(jid types.JID, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[jid] = st.clone()
	return nil
}

func (s *memStore) DeleteSession(jid types.JID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, jid)
	return nil
}

func (s *memStore) LoadRemoteIdentity(jid types.JID) ([32]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.identities[jid]
	return k, ok, nil
}

func (s *memStore) SaveRemoteIdentity(jid types.JID, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[jid] = key
	return nil
}

func TestPersistedSessions(t *testing.T) {
	store := newMemStore()
	alice, bob := newParty(t, "alice", Config{}), newParty(t, "bob", Config{Store: store})
	connect(t, alice, bob)
	if _, ok := store.identities[alice.jid]; !ok {
		t.Fatal("remote identity not recorded")
	}

	// A fresh manager over the same store and keys picks up where the old one left off.
	bob.mgr = NewManager(bob.keys, Config{Store: store})
	decrypt(t, bob, alice, encrypt(t, alice, bob, "after restart"), "after restart")
	decrypt(t, alice, bob, encrypt(t, bob, alice, "reply after restart"), "reply after restart")

	if err := bob.mgr.Delete(alice.jid); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.sessions[alice.jid]; ok {
		t.Fatal("Delete did not remove the persisted session")
	}
}
