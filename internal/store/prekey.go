package store

import (
	"database/sql"
	"fmt"

	"github.com/gwillem/whatsapp-go/internal/keys"
)

// LoadKeys reads all key material. The snapshot has a nil Identity when no
// identity has been saved.
func (s *Store) LoadKeys() (*keys.Snapshot, error) {
	snap := &keys.Snapshot{}

	var id keys.Identity
	ok, err := s.getValue(identityKey, &id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return snap, nil
	}
	snap.Identity = &id
	if _, err := s.getValue(nextPreKeyIDKey, &snap.NextPreKeyID); err != nil {
		return nil, err
	}

	err = s.scanRecords("SELECT record FROM signed_pre_key ORDER BY id", func(data []byte) error {
		var k keys.SignedPreKey
		if err := unmarshal(data, &k); err != nil {
			return err
		}
		snap.SignedPreKeys = append(snap.SignedPreKeys, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load signed pre-keys: %w", err)
	}

	err = s.scanRecords("SELECT record FROM pre_key ORDER BY id", func(data []byte) error {
		var k keys.OneTimePreKey
		if err := unmarshal(data, &k); err != nil {
			return err
		}
		snap.OneTimePreKeys = append(snap.OneTimePreKeys, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load pre-keys: %w", err)
	}
	return snap, nil
}

func (s *Store) scanRecords(query string, fn func([]byte) error) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveIdentity stores the local device identity.
func (s *Store) SaveIdentity(id keys.Identity) error {
	return s.putValue(identityKey, id)
}

// SaveSignedPreKey inserts or replaces a signed pre-key.
func (s *Store) SaveSignedPreKey(k keys.SignedPreKey) error {
	data, err := s.marshal(k)
	if err != nil {
		return fmt.Errorf("store: marshal signed pre-key: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO signed_pre_key (id, record) VALUES (?, ?)",
		k.ID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store signed pre-key: %w", err)
	}
	return nil
}

// DeleteSignedPreKey removes a purged signed pre-key.
func (s *Store) DeleteSignedPreKey(id uint32) error {
	if _, err := s.db.Exec("DELETE FROM signed_pre_key WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: delete signed pre-key: %w", err)
	}
	return nil
}

// SaveOneTimePreKeys stores a batch of one-time pre-keys and the next id to
// allocate in one transaction.
func (s *Store) SaveOneTimePreKeys(batch []keys.OneTimePreKey, nextID uint32) error {
	next, err := s.marshal(nextID)
	if err != nil {
		return fmt.Errorf("store: marshal next pre-key id: %w", err)
	}
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare("INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)")
		if err != nil {
			return fmt.Errorf("store: prepare: %w", err)
		}
		defer stmt.Close()

		for _, k := range batch {
			data, err := s.marshal(k)
			if err != nil {
				return fmt.Errorf("store: marshal pre-key %d: %w", k.ID, err)
			}
			if _, err := stmt.Exec(k.ID, data); err != nil {
				return fmt.Errorf("store: insert pre-key %d: %w", k.ID, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
			nextPreKeyIDKey, next,
		); err != nil {
			return fmt.Errorf("store: save next pre-key id: %w", err)
		}
		return nil
	})
}

// DeleteOneTimePreKey removes a consumed one-time pre-key.
func (s *Store) DeleteOneTimePreKey(id uint32) error {
	if _, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}
