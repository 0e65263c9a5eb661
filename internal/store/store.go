// Package store persists key material and sessions in SQLite. Records are
// CBOR-encoded Go values.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/session"
)

// Store wraps a SQLite database. It implements keys.Persister and
// session.Store.
type Store struct {
	db     *sql.DB
	enc    cbor.EncMode
	logger *log.Logger
}

// Compile-time interface checks.
var (
	_ keys.Persister = (*Store)(nil)
	_ session.Store  = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	jid TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS remote_identity (
	jid TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS user_device (
	user TEXT NOT NULL,
	server TEXT NOT NULL,
	device INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (user, server, device)
);
CREATE TABLE IF NOT EXISTS contact (
	jid TEXT PRIMARY KEY,
	push_name TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger for store events.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// DefaultDataDir returns the default data directory for whatsapp-go databases.
// Uses $XDG_DATA_HOME/whatsapp-go, falling back to ~/.local/share/whatsapp-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "whatsapp-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/whatsapp-go/default.db.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: cbor mode: %w", err)
	}

	s := &Store{db: db, enc: enc}
	for _, o := range opts {
		o(s)
	}
	logf(s.logger, "store: opened %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) marshal(v any) ([]byte, error) {
	return s.enc.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// inTx runs fn in a transaction, committing if it returns nil.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
