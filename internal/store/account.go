package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/whatsapp-go/internal/types"
)

// Account holds the identity of the logged-in device as the server knows it.
type Account struct {
	JID      types.JID `cbor:"jid"`
	PushName string    `cbor:"pushName"`
	// ClientID identifies this installation; it is generated once.
	ClientID string `cbor:"clientId"`
	Platform string `cbor:"platform"`
}

const (
	accountKey      = "account"
	identityKey     = "identity"
	nextPreKeyIDKey = "next_pre_key_id"
)

// SaveAccount persists the account to the database.
func (s *Store) SaveAccount(acct *Account) error {
	return s.putValue(accountKey, acct)
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var acct Account
	ok, err := s.getValue(accountKey, &acct)
	if err != nil || !ok {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) putValue(key string, v any) error {
	data, err := s.marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		key, data,
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", key, err)
	}
	return nil
}

// getValue reports false if key has no value.
func (s *Store) getValue(key string, v any) (bool, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: load %s: %w", key, err)
	}
	if err := unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", key, err)
	}
	return true, nil
}
