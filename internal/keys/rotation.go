package keys

import (
	"fmt"
	"time"
)

// RotationPolicy decides when the signed prekey is replaced and how long a
// replaced key keeps decrypting in-flight pre-key messages.
type RotationPolicy struct {
	MaxAge      time.Duration // zero disables age-based rotation
	MaxUses     uint32        // zero disables use-based rotation
	GraceWindow time.Duration
}

// DefaultRotationPolicy rotates weekly and keeps old keys for thirty days.
var DefaultRotationPolicy = RotationPolicy{
	MaxAge:      7 * 24 * time.Hour,
	GraceWindow: 30 * 24 * time.Hour,
}

// ShouldRotate reports whether the current signed prekey is due for
// replacement under policy.
func (s *Store) ShouldRotate(policy RotationPolicy, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldRotate(policy, now)
}

func (s *Store) shouldRotate(policy RotationPolicy, now time.Time) bool {
	if s.current == nil {
		return true
	}
	if policy.MaxAge > 0 && now.Sub(s.current.CreatedAt) >= policy.MaxAge {
		return true
	}
	return policy.MaxUses > 0 && s.current.Uses >= policy.MaxUses
}

// RotateSignedPreKey replaces the signed prekey if policy says it is due.
// It reports whether a rotation happened.
func (s *Store) RotateSignedPreKey(policy RotationPolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shouldRotate(policy, s.now()) {
		return false, nil
	}
	if _, err := s.rotateLocked(policy.GraceWindow); err != nil {
		return false, err
	}
	return true, nil
}

// ForceRotateSignedPreKey replaces the signed prekey unconditionally.
func (s *Store) ForceRotateSignedPreKey(grace time.Duration) (SignedPreKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(grace)
}

func (s *Store) rotateLocked(grace time.Duration) (SignedPreKey, error) {
	if s.identity == nil {
		return SignedPreKey{}, ErrNoIdentity
	}
	now := s.now()
	id := uint32(1)
	if s.current != nil {
		id = nextID(s.current.ID)
	}
	for {
		if _, taken := s.retired[id]; !taken {
			break
		}
		id = nextID(id)
	}
	spk, err := newSignedPreKey(s.identity.KeyPair, id, now)
	if err != nil {
		return SignedPreKey{}, err
	}

	var old *SignedPreKey
	if s.current != nil {
		retired := *s.current
		retired.RetiredAt = now
		retired.PurgeAfter = now.Add(grace)
		old = &retired
	}
	if s.persister != nil {
		if old != nil {
			if err := s.persister.SaveSignedPreKey(*old); err != nil {
				return SignedPreKey{}, fmt.Errorf("keys: retire signed prekey %d: %w", old.ID, err)
			}
		}
		if err := s.persister.SaveSignedPreKey(spk); err != nil {
			return SignedPreKey{}, fmt.Errorf("keys: save signed prekey %d: %w", spk.ID, err)
		}
	}
	if old != nil {
		s.retired[old.ID] = old
	}
	s.current = &spk
	logf(s.logger, "keys: rotated signed prekey to %d", spk.ID)
	return spk, nil
}

// PurgeRetired zeroizes and forgets retired signed prekeys whose grace
// window has passed. It returns the number of keys removed.
func (s *Store) PurgeRetired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, k := range s.retired {
		if now.Before(k.PurgeAfter) {
			continue
		}
		if s.persister != nil {
			if err := s.persister.DeleteSignedPreKey(id); err != nil {
				return n, fmt.Errorf("keys: purge signed prekey %d: %w", id, err)
			}
		}
		k.KeyPair.Wipe()
		delete(s.retired, id)
		n++
	}
	return n, nil
}
