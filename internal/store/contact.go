package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gwillem/whatsapp-go/internal/types"
)

// Contact is the display name a user announced for themselves.
type Contact struct {
	JID       types.JID
	PushName  string
	UpdatedAt time.Time
}

// SaveContact upserts a single contact. The JID is stored without its
// device part.
func (s *Store) SaveContact(c *Contact) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO contact (jid, push_name, updated_at) VALUES (?, ?, ?)",
		c.JID.ToNonAD().String(), c.PushName, c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save contact: %w", err)
	}
	return nil
}

// SetPushName records the push name seen on a message from jid.
func (s *Store) SetPushName(jid types.JID, name string) error {
	return s.SaveContact(&Contact{JID: jid, PushName: name, UpdatedAt: time.Now()})
}

// Contact returns the contact for jid, or nil if not found.
func (s *Store) Contact(jid types.JID) (*Contact, error) {
	var (
		raw       string
		c         Contact
		updatedAt int64
	)
	err := s.db.QueryRow(
		"SELECT jid, push_name, updated_at FROM contact WHERE jid = ?", jid.ToNonAD().String(),
	).Scan(&raw, &c.PushName, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get contact: %w", err)
	}
	if c.JID, err = types.ParseJID(raw); err != nil {
		return nil, fmt.Errorf("store: contact %q: %w", raw, err)
	}
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// SaveContacts upserts multiple contacts in a single transaction.
func (s *Store) SaveContacts(contacts []*Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare("INSERT OR REPLACE INTO contact (jid, push_name, updated_at) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("store: prepare: %w", err)
		}
		defer stmt.Close()

		for _, c := range contacts {
			if _, err := stmt.Exec(c.JID.ToNonAD().String(), c.PushName, c.UpdatedAt.Unix()); err != nil {
				return fmt.Errorf("store: save contact %s: %w", c.JID, err)
			}
		}
		return nil
	})
}
