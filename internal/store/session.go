package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/types"
)

// LoadSession loads the session with jid.
// Returns nil, nil if no session exists.
func (s *Store) LoadSession(jid types.JID) (*session.State, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE jid = ?", jid.SignalAddress(),
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	var st session.State
	if err := unmarshal(record, &st); err != nil {
		return nil, fmt.Errorf("store: unmarshal session %s: %w", jid, err)
	}
	return &st, nil
}

// StoreSession stores the session with jid.
func (s *Store) StoreSession(jid types.JID, st *session.State) error {
	data, err := s.marshal(st)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO session (jid, record) VALUES (?, ?)",
		jid.SignalAddress(), data,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// DeleteSession deletes the session with jid. The next message to jid must
// start a new session from a fetched bundle.
func (s *Store) DeleteSession(jid types.JID) error {
	if _, err := s.db.Exec("DELETE FROM session WHERE jid = ?", jid.SignalAddress()); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// LoadRemoteIdentity returns the identity key recorded for jid.
func (s *Store) LoadRemoteIdentity(jid types.JID) ([32]byte, bool, error) {
	var key [32]byte
	var data []byte
	err := s.db.QueryRow(
		"SELECT public_key FROM remote_identity WHERE jid = ?", jid.SignalAddress(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return key, false, nil
		}
		return key, false, fmt.Errorf("store: load identity key: %w", err)
	}
	if len(data) != len(key) {
		return key, false, fmt.Errorf("store: identity key for %s has %d bytes", jid, len(data))
	}
	copy(key[:], data)
	return key, true, nil
}

// SaveRemoteIdentity records the identity key for jid.
func (s *Store) SaveRemoteIdentity(jid types.JID, key [32]byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO remote_identity (jid, public_key) VALUES (?, ?)",
		jid.SignalAddress(), key[:],
	)
	if err != nil {
		return fmt.Errorf("store: save identity key: %w", err)
	}
	return nil
}
