package keys

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gwillem/whatsapp-go/internal/types"
)

var (
	ErrNoIdentity     = errors.New("keys: no identity")
	ErrIdentityExists = errors.New("keys: identity already exists")
)

// Store owns the device key material. Mutations take the exclusive lock,
// lookups the shared lock.
type Store struct {
	mu        sync.RWMutex
	persister Persister
	logger    *log.Logger
	now       func() time.Time

	identity *Identity
	current  *SignedPreKey
	retired  map[uint32]*SignedPreKey
	prekeys  map[uint32]OneTimePreKey
	nextID   uint32
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets a logger for persistence failures that cannot be returned.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store. Call GenerateIdentity or LoadIdentity
// before use.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		retired: make(map[uint32]*SignedPreKey),
		prekeys: make(map[uint32]OneTimePreKey),
		nextID:  1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GenerateIdentity creates the device identity and its first signed prekey.
func (s *Store) GenerateIdentity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return Identity{}, ErrIdentityExists
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return Identity{}, err
	}
	regID, err := GenerateRegistrationID()
	if err != nil {
		return Identity{}, err
	}
	id := Identity{KeyPair: kp, RegistrationID: regID}
	spk, err := newSignedPreKey(kp, 1, s.now())
	if err != nil {
		return Identity{}, err
	}
	if s.persister != nil {
		if err := s.persister.SaveIdentity(id); err != nil {
			return Identity{}, fmt.Errorf("keys: save identity: %w", err)
		}
		if err := s.persister.SaveSignedPreKey(spk); err != nil {
			return Identity{}, fmt.Errorf("keys: save signed prekey: %w", err)
		}
	}
	s.identity = &id
	s.current = &spk
	logf(s.logger, "keys: generated identity (registration id %d)", regID)
	return id, nil
}

// LoadIdentity reads all key material from the persister. It returns
// ErrNoIdentity when nothing has been stored yet.
func (s *Store) LoadIdentity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persister == nil {
		if s.identity == nil {
			return Identity{}, ErrNoIdentity
		}
		return *s.identity, nil
	}
	snap, err := s.persister.LoadKeys()
	if err != nil {
		return Identity{}, fmt.Errorf("keys: load: %w", err)
	}
	if snap == nil || snap.Identity == nil {
		return Identity{}, ErrNoIdentity
	}

	s.identity = snap.Identity
	s.current = nil
	s.retired = make(map[uint32]*SignedPreKey)
	for i := range snap.SignedPreKeys {
		k := snap.SignedPreKeys[i]
		if k.Retired() {
			s.retired[k.ID] = &k
			continue
		}
		if s.current != nil {
			// Two current keys means a rotation was interrupted; keep the newer.
			older := s.current
			if older.CreatedAt.After(k.CreatedAt) {
				older = &k
			} else {
				s.current = &k
			}
			older.RetiredAt = s.now()
			older.PurgeAfter = older.RetiredAt.Add(DefaultRotationPolicy.GraceWindow)
			s.retired[older.ID] = older
			continue
		}
		s.current = &k
	}
	s.prekeys = make(map[uint32]OneTimePreKey, len(snap.OneTimePreKeys))
	for _, k := range snap.OneTimePreKeys {
		s.prekeys[k.ID] = k
	}
	s.nextID = snap.NextPreKeyID
	if s.nextID == 0 || s.nextID > MaxPreKeyID {
		s.nextID = 1
	}
	return *s.identity, nil
}

// Identity returns the device identity.
func (s *Store) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// CurrentSignedPreKey returns the signed prekey that is published in bundles.
func (s *Store) CurrentSignedPreKey() (SignedPreKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return SignedPreKey{}, false
	}
	return *s.current, true
}

// SignedPreKey returns the current or a still-retained retired signed prekey.
func (s *Store) SignedPreKey(id uint32) (SignedPreKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil && s.current.ID == id {
		return *s.current, true
	}
	if k, ok := s.retired[id]; ok {
		return *k, true
	}
	return SignedPreKey{}, false
}

// RecordSignedPreKeyUse counts a session established against the signed
// prekey. Unknown ids are ignored.
func (s *Store) RecordSignedPreKeyUse(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.current
	if k == nil || k.ID != id {
		k = s.retired[id]
	}
	if k == nil {
		return
	}
	k.Uses++
	if s.persister != nil {
		if err := s.persister.SaveSignedPreKey(*k); err != nil {
			logf(s.logger, "keys: save signed prekey %d: %v", id, err)
		}
	}
}

// TakeOneTimePreKey removes and returns a one-time prekey. An unknown or
// already consumed id yields false, as does a failure to delete it from the
// persister; the key then stays available.
func (s *Store) TakeOneTimePreKey(id uint32) (OneTimePreKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.prekeys[id]
	if !ok {
		return OneTimePreKey{}, false
	}
	// A key still on disk would come back on the next load.
	if s.persister != nil {
		if err := s.persister.DeleteOneTimePreKey(id); err != nil {
			logf(s.logger, "keys: delete one-time prekey %d: %v", id, err)
			return OneTimePreKey{}, false
		}
	}
	delete(s.prekeys, id)
	return k, true
}

// OneTimePreKey looks up a one-time prekey without consuming it.
func (s *Store) OneTimePreKey(id uint32) (OneTimePreKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.prekeys[id]
	return k, ok
}

// OneTimePreKeyCount returns the number of unconsumed one-time prekeys.
func (s *Store) OneTimePreKeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prekeys)
}

// NeedsReplenish reports whether fewer than lowWater one-time prekeys remain.
func (s *Store) NeedsReplenish(lowWater int) bool {
	return s.OneTimePreKeyCount() < lowWater
}

// ReplenishOneTimePreKeys generates keys until target are available and
// returns the newly created ones, ordered by id, for upload.
func (s *Store) ReplenishOneTimePreKeys(target int) ([]OneTimePreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	missing := target - len(s.prekeys)
	if missing <= 0 {
		return nil, nil
	}
	if missing > MaxPreKeyID-len(s.prekeys) {
		return nil, fmt.Errorf("keys: replenish: cannot hold %d prekeys", target)
	}

	created := make([]OneTimePreKey, 0, missing)
	next := s.nextID
	for len(created) < missing {
		id := next
		next = nextID(next)
		if _, taken := s.prekeys[id]; taken {
			continue
		}
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		created = append(created, OneTimePreKey{ID: id, KeyPair: kp})
	}
	if s.persister != nil {
		if err := s.persister.SaveOneTimePreKeys(created, next); err != nil {
			return nil, fmt.Errorf("keys: save one-time prekeys: %w", err)
		}
	}
	for _, k := range created {
		s.prekeys[k.ID] = k
	}
	s.nextID = next
	logf(s.logger, "keys: generated %d one-time prekeys (%d available)", len(created), len(s.prekeys))
	return created, nil
}

// Bundle returns the public bundle for this device. It offers the lowest
// unconsumed one-time prekey without consuming it.
func (s *Store) Bundle(jid types.JID) (PreKeyBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil || s.current == nil {
		return PreKeyBundle{}, ErrNoIdentity
	}
	b := PreKeyBundle{
		JID:                   jid,
		RegistrationID:        s.identity.RegistrationID,
		IdentityKey:           s.identity.Pub,
		SignedPreKeyID:        s.current.ID,
		SignedPreKey:          s.current.KeyPair.Pub,
		SignedPreKeySignature: s.current.Signature,
	}
	if len(s.prekeys) > 0 {
		ids := make([]uint32, 0, len(s.prekeys))
		for id := range s.prekeys {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		pub := s.prekeys[ids[0]].KeyPair.Pub
		b.OneTimePreKeyID = ids[0]
		b.OneTimePreKey = &pub
	}
	return b, nil
}

// OneTimePreKeys returns all unconsumed one-time prekeys ordered by id.
func (s *Store) OneTimePreKeys() []OneTimePreKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OneTimePreKey, 0, len(s.prekeys))
	for _, k := range s.prekeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
