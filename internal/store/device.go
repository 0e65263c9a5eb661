package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gwillem/whatsapp-go/internal/types"
)

// Devices returns the known device JIDs of user's account, ordered by device
// number. Returns an empty slice if no devices are cached.
func (s *Store) Devices(user types.JID) ([]types.JID, error) {
	user = user.ToNonAD()
	rows, err := s.db.Query(
		"SELECT device FROM user_device WHERE user = ? AND server = ? ORDER BY device",
		user.User, user.Server,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []types.JID
	for rows.Next() {
		var device uint16
		if err := rows.Scan(&device); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		d := user
		d.Device = device
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// SetDevices replaces the device list of user's account.
func (s *Store) SetDevices(user types.JID, devices []uint16) error {
	user = user.ToNonAD()
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM user_device WHERE user = ? AND server = ?", user.User, user.Server); err != nil {
			return fmt.Errorf("store: delete devices: %w", err)
		}

		now := time.Now().Unix()
		stmt, err := tx.Prepare("INSERT INTO user_device (user, server, device, last_seen) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("store: prepare: %w", err)
		}
		defer stmt.Close()

		for _, device := range devices {
			if _, err := stmt.Exec(user.User, user.Server, device, now); err != nil {
				return fmt.Errorf("store: insert device %d: %w", device, err)
			}
		}
		return nil
	})
}

// AddDevice records one device. Idempotent.
func (s *Store) AddDevice(jid types.JID) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO user_device (user, server, device, last_seen) VALUES (?, ?, ?, ?)",
		jid.User, jid.Server, jid.Device, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: add device: %w", err)
	}
	return nil
}

// RemoveDevice forgets one device. Idempotent.
func (s *Store) RemoveDevice(jid types.JID) error {
	_, err := s.db.Exec(
		"DELETE FROM user_device WHERE user = ? AND server = ? AND device = ?",
		jid.User, jid.Server, jid.Device,
	)
	if err != nil {
		return fmt.Errorf("store: remove device: %w", err)
	}
	return nil
}
