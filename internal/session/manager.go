// Package session implements per-device end-to-end sessions: X3DH session
// setup from a prekey bundle, and a double ratchet with a bounded cache of
// skipped message keys.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/types"
)

const (
	DefaultWindowSize       = 2000
	DefaultMaxSkip          = 2000
	DefaultMaxRetiredChains = 5
)

// Store persists session state and remote identities. A nil Store keeps
// everything in memory.
type Store interface {
	// LoadSession returns nil and no error when no session exists.
	LoadSession(jid types.JID) (*State, error)
	StoreSession(jid types.JID, st *State) error
	DeleteSession(jid types.JID) error
	// LoadRemoteIdentity reports the identity key first seen for jid.
	LoadRemoteIdentity(jid types.JID) (key [32]byte, ok bool, err error)
	SaveRemoteIdentity(jid types.JID, key [32]byte) error
}

// BundleFetcher retrieves a device's prekey bundle from the server.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, jid types.JID) (*keys.PreKeyBundle, error)
}

// Config configures a Manager.
type Config struct {
	// WindowSize caps the skipped-key cache per session; the oldest entry is
	// evicted first.
	WindowSize int
	// MaxSkip caps how far one message may jump ahead in a chain.
	MaxSkip int
	// MaxRetiredChains caps the receiving chains kept after ratchet steps.
	MaxRetiredChains int

	Store   Store
	Fetcher BundleFetcher
	Logger  *log.Logger
}

// Manager owns all sessions, indexed by device JID. Calls for one JID are
// serialized; calls for different JIDs run in parallel.
type Manager struct {
	keys    *keys.Store
	store   Store
	fetcher BundleFetcher
	limits  limits
	logger  *log.Logger

	mu         sync.Mutex
	sessions   map[types.JID]*entry
	identities map[types.JID][32]byte
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	state  *State
}

// NewManager returns a Manager that borrows key material from ks.
func NewManager(ks *keys.Store, cfg Config) *Manager {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxSkip <= 0 {
		cfg.MaxSkip = DefaultMaxSkip
	}
	if cfg.MaxRetiredChains <= 0 {
		cfg.MaxRetiredChains = DefaultMaxRetiredChains
	}
	return &Manager{
		keys:       ks,
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		limits:     limits{window: cfg.WindowSize, maxSkip: cfg.MaxSkip, maxRetired: cfg.MaxRetiredChains},
		logger:     cfg.Logger,
		sessions:   make(map[types.JID]*entry),
		identities: make(map[types.JID][32]byte),
	}
}

// Session is a read-only view of one session.
type Session struct {
	JID   types.JID
	state *State
}

// RemoteIdentity returns the peer's identity key.
func (s *Session) RemoteIdentity() [32]byte { return s.state.RemoteIdentity }

// RootKey returns the current root key.
func (s *Session) RootKey() [32]byte { return s.state.RootKey }

// Pending reports whether outgoing messages are still pre-key messages.
func (s *Session) Pending() bool { return s.state.Pending != nil }

// lock returns the locked entry for jid, loading persisted state on first use.
func (m *Manager) lock(jid types.JID) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[jid]
	if !ok {
		e = &entry{}
		m.sessions[jid] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	if !e.loaded && m.store != nil {
		st, err := m.store.LoadSession(jid)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("session: load %s: %w", jid, err)
		}
		e.state = st
	}
	e.loaded = true
	return e, nil
}

// commit stores st as the new state for jid and wipes the old one.
func (m *Manager) commit(jid types.JID, e *entry, st *State) error {
	if m.store != nil {
		if err := m.store.StoreSession(jid, st); err != nil {
			return fmt.Errorf("session: store %s: %w", jid, err)
		}
	}
	if e.state != nil && e.state != st {
		e.state.wipe()
	}
	e.state = st
	return nil
}

// checkIdentity applies trust on first use to a remote identity key. It
// reports whether key is new and must be recorded once the session commits.
func (m *Manager) checkIdentity(jid types.JID, key [32]byte) (bool, error) {
	var known [32]byte
	var ok bool
	if m.store == nil {
		m.mu.Lock()
		known, ok = m.identities[jid]
		m.mu.Unlock()
	} else {
		var err error
		if known, ok, err = m.store.LoadRemoteIdentity(jid); err != nil {
			return false, fmt.Errorf("session: load identity %s: %w", jid, err)
		}
	}
	if !ok {
		return true, nil
	}
	if known != key {
		return false, fmt.Errorf("%w: %s changed its identity key", ErrUntrustedIdentity, jid)
	}
	return false, nil
}

// TrustIdentity replaces the recorded identity key for jid, accepting a
// changed key.
func (m *Manager) TrustIdentity(jid types.JID, key [32]byte) error {
	if m.store == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.identities[jid] = key
		return nil
	}
	return m.store.SaveRemoteIdentity(jid, key)
}

func (m *Manager) localIdentity() (keys.Identity, error) {
	id, ok := m.keys.Identity()
	if !ok {
		return keys.Identity{}, fmt.Errorf("session: %w", keys.ErrNoIdentity)
	}
	return id, nil
}

// Establish starts a session with jid from its bundle, replacing any
// existing session.
func (m *Manager) Establish(jid types.JID, bundle *keys.PreKeyBundle) (*Session, error) {
	if bundle == nil {
		return nil, ErrBundleUnavailable
	}
	if !bundle.VerifySignedPreKey() {
		return nil, fmt.Errorf("%w: signed prekey signature does not verify", ErrInvalidBundle)
	}
	identity, err := m.localIdentity()
	if err != nil {
		return nil, err
	}
	newIdentity, err := m.checkIdentity(jid, bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	base, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer base.Wipe()
	st, err := initiatorState(identity, base, bundle)
	if err != nil {
		return nil, err
	}

	e, err := m.lock(jid)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := m.commit(jid, e, st); err != nil {
		return nil, err
	}
	if newIdentity {
		if err := m.TrustIdentity(jid, bundle.IdentityKey); err != nil {
			return nil, fmt.Errorf("session: save identity %s: %w", jid, err)
		}
	}
	logf(m.logger, "session: established with %s (signed prekey %d)", jid, bundle.SignedPreKeyID)
	return &Session{JID: jid, state: st.clone()}, nil
}

// EstablishFromFetch fetches jid's bundle and establishes a session.
func (m *Manager) EstablishFromFetch(ctx context.Context, jid types.JID) (*Session, error) {
	if m.fetcher == nil {
		return nil, fmt.Errorf("%w: no bundle fetcher configured", ErrBundleUnavailable)
	}
	bundle, err := m.fetcher.FetchBundle(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBundleUnavailable, jid, err)
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: %s has no bundle", ErrBundleUnavailable, jid)
	}
	return m.Establish(jid, bundle)
}

// Session returns a snapshot of the session with jid.
func (m *Manager) Session(jid types.JID) (*Session, bool, error) {
	e, err := m.lock(jid)
	if err != nil {
		return nil, false, err
	}
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, false, nil
	}
	return &Session{JID: jid, state: e.state.clone()}, true, nil
}

// HasSession reports whether a session with jid exists.
func (m *Manager) HasSession(jid types.JID) bool {
	_, ok, err := m.Session(jid)
	return ok && err == nil
}

// Encrypt encrypts plaintext for jid. It returns a pre-key message until the
// peer has answered, and ErrUnknownDevice if no session exists.
func (m *Manager) Encrypt(jid types.JID, plaintext []byte) (*Ciphertext, error) {
	e, err := m.lock(jid)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, fmt.Errorf("%w: no session with %s", ErrUnknownDevice, jid)
	}

	st := e.state.clone()
	ct, err := st.encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("session: encrypt for %s: %w", jid, err)
	}
	if err := m.commit(jid, e, st); err != nil {
		return nil, err
	}
	return ct, nil
}

// Decrypt decrypts a message from jid. State is committed only when the MAC
// verifies and decryption succeeds; on any error the session is unchanged.
func (m *Manager) Decrypt(jid types.JID, kind MessageKind, data []byte) ([]byte, error) {
	switch kind {
	case KindPreKey:
		return m.decryptPreKey(jid, data)
	case KindMessage:
		return m.decryptMessage(jid, data)
	}
	return nil, invalidMessage("unknown message type %q", kind)
}

func (m *Manager) decryptMessage(jid types.JID, data []byte) ([]byte, error) {
	e, err := m.lock(jid)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, fmt.Errorf("%w: no session with %s", ErrUnknownDevice, jid)
	}

	st := e.state.clone()
	pt, err := st.decrypt(data, m.limits)
	if err != nil {
		st.wipe()
		return nil, err
	}
	if err := m.commit(jid, e, st); err != nil {
		return nil, err
	}
	return pt, nil
}

func (m *Manager) decryptPreKey(jid types.JID, data []byte) ([]byte, error) {
	msg, err := decodePreKeyMessage(data)
	if err != nil {
		return nil, err
	}
	identity, err := m.localIdentity()
	if err != nil {
		return nil, err
	}

	e, err := m.lock(jid)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	// A repeated pre-key message for the session it created is decrypted
	// with that session.
	if e.state != nil && e.state.BaseKey == msg.baseKey && e.state.RemoteIdentity == msg.identityKey {
		st := e.state.clone()
		pt, err := st.decrypt(msg.message, m.limits)
		if err != nil {
			st.wipe()
			return nil, err
		}
		if err := m.commit(jid, e, st); err != nil {
			return nil, err
		}
		return pt, nil
	}

	newIdentity, err := m.checkIdentity(jid, msg.identityKey)
	if err != nil {
		return nil, err
	}
	spk, ok := m.keys.SignedPreKey(msg.signedPreKeyID)
	if !ok {
		return nil, invalidMessage("unknown signed prekey %d", msg.signedPreKeyID)
	}
	var opk *keys.OneTimePreKey
	if msg.preKeyID != nil {
		k, ok := m.keys.OneTimePreKey(*msg.preKeyID)
		if !ok {
			return nil, invalidMessage("unknown or consumed one-time prekey %d", *msg.preKeyID)
		}
		opk = &k
	}

	st, err := responderState(identity, spk, opk, msg)
	if err != nil {
		return nil, err
	}
	pt, err := st.decrypt(msg.message, m.limits)
	if err != nil {
		st.wipe()
		return nil, err
	}

	if opk != nil {
		if _, ok := m.keys.TakeOneTimePreKey(opk.ID); !ok {
			st.wipe()
			return nil, fmt.Errorf("%w: one-time prekey %d consumed concurrently", ErrReplayDetected, opk.ID)
		}
	}
	m.keys.RecordSignedPreKeyUse(spk.ID)
	if err := m.commit(jid, e, st); err != nil {
		return nil, err
	}
	if newIdentity {
		if err := m.TrustIdentity(jid, msg.identityKey); err != nil {
			return nil, fmt.Errorf("session: save identity %s: %w", jid, err)
		}
	}
	logf(m.logger, "session: accepted pre-key message from %s", jid)
	return pt, nil
}

// Delete removes the session with jid. The next message must re-establish it.
func (m *Manager) Delete(jid types.JID) error {
	e, err := m.lock(jid)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteSession(jid); err != nil {
			return fmt.Errorf("session: delete %s: %w", jid, err)
		}
	}
	if e.state != nil {
		e.state.wipe()
		e.state = nil
	}
	return nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
