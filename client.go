// Package whatsapp provides a client for the WhatsApp multi-device protocol:
// the Noise transport handshake, pairwise end-to-end sessions and prekey
// maintenance, backed by a local SQLite database.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/noise"
	"github.com/gwillem/whatsapp-go/internal/socket"
	"github.com/gwillem/whatsapp-go/internal/store"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/waservice"
)

// JID is a WhatsApp address.
type JID = types.JID

// TrustRoot is the pinned key that signs the server's certificate chain.
type TrustRoot = noise.TrustRoot

// RotationPolicy controls signed prekey rotation.
type RotationPolicy = keys.RotationPolicy

// PreKeyBundle is the public key set peers use to start a session.
type PreKeyBundle = keys.PreKeyBundle

// FrameConn carries whole transport frames.
type FrameConn = socket.FrameConn

// Event types delivered by Events.
type (
	Event              = waservice.Event
	ConnectedEvent     = waservice.ConnectedEvent
	NodeEvent          = waservice.NodeEvent
	MessageEvent       = waservice.MessageEvent
	DecryptFailedEvent = waservice.DecryptFailedEvent
	DisconnectedEvent  = waservice.DisconnectedEvent
)

// ErrNotConnected is returned by operations that need Connect first.
var ErrNotConnected = waservice.ErrNotConnected

// Client is the main entry point. Create it with NewClient and Load, or
// with Open.
type Client struct {
	url              string
	dial             func(ctx context.Context) (FrameConn, error)
	dbPath           string
	logger           *log.Logger
	trustRoot        TrustRoot
	handshakeTimeout time.Duration
	maxFrameSize     int
	skippedKeyWindow int
	maxSkip          int
	preKeyLowWater   int
	preKeyBatch      int
	rotation         RotationPolicy

	store   *store.Store
	keys    *keys.Store
	account *store.Account
	service *waservice.Service
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the WebSocket endpoint. Defaults to the production chat URL.
func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

// WithDialer replaces the WebSocket transport, e.g. for tests.
func WithDialer(dial func(ctx context.Context) (FrameConn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// WithDBPath sets the database file. By default the database is discovered
// in the data directory.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets a logger for diagnostic output.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTrustRoot pins the root key the server's certificate must chain to.
func WithTrustRoot(root TrustRoot) Option {
	return func(c *Client) { c.trustRoot = root }
}

// WithHandshakeTimeout bounds the Noise handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithMaxFrameSize limits the size of a received frame.
func WithMaxFrameSize(n int) Option {
	return func(c *Client) { c.maxFrameSize = n }
}

// WithSkippedKeyWindow sets how many skipped message keys a session keeps
// for out-of-order delivery, and how far ahead a message may jump.
func WithSkippedKeyWindow(window, maxSkip int) Option {
	return func(c *Client) {
		c.skippedKeyWindow = window
		c.maxSkip = maxSkip
	}
}

// WithPreKeyPolicy sets when one-time prekeys are replenished, how many are
// kept on the server and how the signed prekey rotates.
func WithPreKeyPolicy(lowWater, batch int, rotation RotationPolicy) Option {
	return func(c *Client) {
		c.preKeyLowWater = lowWater
		c.preKeyBatch = batch
		c.rotation = rotation
	}
}

// NewClient creates a Client. Call Load before using it.
func NewClient(opts ...Option) *Client {
	c := &Client{
		url:            socket.DefaultURL,
		preKeyLowWater: waservice.DefaultPreKeyLowWater,
		preKeyBatch:    waservice.DefaultPreKeyBatch,
		rotation:       keys.DefaultRotationPolicy,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open creates a Client and loads its database.
func Open(opts ...Option) (*Client, error) {
	c := NewClient(opts...)
	if err := c.Load(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Load opens the database and loads the device keys. A new database gets a
// fresh identity, a signed prekey and a batch of one-time prekeys.
func (c *Client) Load() error {
	if c.dbPath == "" {
		discovered, err := discoverDB()
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		c.dbPath = discovered
	}
	logf(c.logger, "opening database path=%s", c.dbPath)
	s, err := store.Open(c.dbPath, store.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	c.store = s

	acct, err := s.LoadAccount()
	if err != nil {
		return fmt.Errorf("client: load account: %w", err)
	}
	if acct == nil {
		acct = &store.Account{ClientID: uuid.NewString(), Platform: "web"}
		if err := s.SaveAccount(acct); err != nil {
			return fmt.Errorf("client: save account: %w", err)
		}
	}
	c.account = acct

	c.keys = keys.NewStore(keys.WithPersister(s), keys.WithLogger(c.logger))
	id, err := c.keys.LoadIdentity()
	if errors.Is(err, keys.ErrNoIdentity) {
		if id, err = c.keys.GenerateIdentity(); err != nil {
			return fmt.Errorf("client: generate identity: %w", err)
		}
		if _, err := c.keys.ReplenishOneTimePreKeys(c.preKeyBatch); err != nil {
			return fmt.Errorf("client: generate prekeys: %w", err)
		}
		logf(c.logger, "generated identity fingerprint=%x", id.Pub[:8])
	} else if err != nil {
		return fmt.Errorf("client: load keys: %w", err)
	} else {
		logf(c.logger, "loaded identity fingerprint=%x", id.Pub[:8])
	}
	return nil
}

// Close ends the connection and closes the database.
func (c *Client) Close() error {
	if c.service != nil {
		c.service.Close()
		c.service = nil
	}
	if c.store != nil {
		err := c.store.Close()
		c.store = nil
		return err
	}
	return nil
}

// DBPath returns the database file in use.
func (c *Client) DBPath() string { return c.dbPath }

// JID returns the registered device address, or the zero JID before
// registration.
func (c *Client) JID() JID {
	if c.account == nil {
		return JID{}
	}
	return c.account.JID
}

// IdentityKey returns the public identity key of this device.
func (c *Client) IdentityKey() ([32]byte, error) {
	if c.keys == nil {
		return [32]byte{}, fmt.Errorf("client: not loaded")
	}
	id, ok := c.keys.Identity()
	if !ok {
		return [32]byte{}, keys.ErrNoIdentity
	}
	return id.Pub, nil
}

// Bundle returns the public prekey bundle peers use to reach this device.
func (c *Client) Bundle() (PreKeyBundle, error) {
	if c.keys == nil {
		return PreKeyBundle{}, fmt.Errorf("client: not loaded")
	}
	return c.keys.Bundle(c.JID())
}

// SetRegistration records the device address and push name assigned at
// registration. Later connections log in as this device.
func (c *Client) SetRegistration(jid JID, pushName string) error {
	if c.account == nil {
		return fmt.Errorf("client: not loaded")
	}
	acct := *c.account
	acct.JID = jid
	acct.PushName = pushName
	if err := c.store.SaveAccount(&acct); err != nil {
		return fmt.Errorf("client: save account: %w", err)
	}
	c.account = &acct
	return nil
}

// Connect opens the connection and completes the handshake. Events start
// arriving on Events.
func (c *Client) Connect(ctx context.Context) error {
	if c.keys == nil {
		return fmt.Errorf("client: not loaded (call Load first)")
	}
	if c.trustRoot == (TrustRoot{}) {
		return fmt.Errorf("client: no trust root configured")
	}
	if c.service != nil {
		c.service.Close()
	}
	svc, err := waservice.New(waservice.Config{
		URL:              c.url,
		Dial:             c.dial,
		TrustRoot:        c.trustRoot,
		HandshakeTimeout: c.handshakeTimeout,
		MaxFrameSize:     c.maxFrameSize,
		Keys:             c.keys,
		SessionStore:     c.store,
		Devices:          c.store,
		Contacts:         c.store,
		SkippedKeyWindow: c.skippedKeyWindow,
		MaxSkip:          c.maxSkip,
		JID:              c.account.JID,
		PushName:         c.account.PushName,
		PreKeyLowWater:   c.preKeyLowWater,
		PreKeyBatch:      c.preKeyBatch,
		Rotation:         c.rotation,
		Logger:           c.logger,
	})
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := svc.Connect(ctx); err != nil {
		svc.Close()
		return fmt.Errorf("client: %w", err)
	}
	c.service = svc
	return nil
}

// Events returns the event channel of the current connection, or nil
// before Connect.
func (c *Client) Events() <-chan Event {
	if c.service == nil {
		return nil
	}
	return c.service.Events()
}

// Receive yields decrypted messages from the current connection. Messages
// that fail to decrypt are yielded as errors. The iterator stops when the
// context is cancelled, the caller breaks, or the connection ends.
func (c *Client) Receive(ctx context.Context) iter.Seq2[*MessageEvent, error] {
	return func(yield func(*MessageEvent, error) bool) {
		events := c.Events()
		if events == nil {
			yield(nil, ErrNotConnected)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev := ev.(type) {
				case *MessageEvent:
					if !yield(ev, nil) {
						return
					}
				case *DecryptFailedEvent:
					if !yield(nil, fmt.Errorf("client: message %s from %s: %w", ev.ID, ev.From, ev.Err)) {
						return
					}
				case *DisconnectedEvent:
					if ev.Err != nil {
						yield(nil, ev.Err)
					}
					return
				}
			}
		}
	}
}

// SendMessage encrypts plaintext for every known device of to and sends it.
// It returns the message id.
func (c *Client) SendMessage(ctx context.Context, to JID, plaintext []byte) (string, error) {
	if c.service == nil {
		return "", ErrNotConnected
	}
	return c.service.SendMessage(ctx, to, plaintext)
}

// UploadPreKeys publishes a fresh batch of one-time prekeys.
func (c *Client) UploadPreKeys(ctx context.Context) error {
	if c.service == nil {
		return ErrNotConnected
	}
	return c.service.UploadPreKeys(ctx)
}

// PreKeyCount returns the number of unused local one-time prekeys.
func (c *Client) PreKeyCount() int {
	if c.keys == nil {
		return 0
	}
	return c.keys.OneTimePreKeyCount()
}

// ReplenishPreKeys generates local one-time prekeys until target are
// available and returns how many were created. They are published with
// the next UploadPreKeys.
func (c *Client) ReplenishPreKeys(target int) (int, error) {
	if c.keys == nil {
		return 0, fmt.Errorf("client: not loaded")
	}
	created, err := c.keys.ReplenishOneTimePreKeys(target)
	if err != nil {
		return 0, fmt.Errorf("client: replenish: %w", err)
	}
	return len(created), nil
}

// RotateSignedPreKey replaces the signed prekey now. The old key keeps
// decrypting pre-key messages for the policy's grace window. It returns
// the new key id.
func (c *Client) RotateSignedPreKey() (uint32, error) {
	if c.keys == nil {
		return 0, fmt.Errorf("client: not loaded")
	}
	spk, err := c.keys.ForceRotateSignedPreKey(c.rotation.GraceWindow)
	if err != nil {
		return 0, fmt.Errorf("client: rotate: %w", err)
	}
	return spk.ID, nil
}

// PushName returns the last push name seen from jid's account, or "" if
// none is known.
func (c *Client) PushName(jid JID) (string, error) {
	if c.store == nil {
		return "", fmt.Errorf("client: not loaded")
	}
	contact, err := c.store.Contact(jid)
	if err != nil || contact == nil {
		return "", err
	}
	return contact.PushName, nil
}

// SetDevices records the device ids of a user's account. Messages to the
// user's JID are encrypted for each of them.
func (c *Client) SetDevices(user JID, devices []uint16) error {
	if c.store == nil {
		return fmt.Errorf("client: not loaded")
	}
	return c.store.SetDevices(user, devices)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// discoverDB picks the only database in the data directory, or a new
// default.db if there is none.
func discoverDB() (string, error) {
	dbFiles, err := listDBFiles()
	if err != nil {
		return "", err
	}
	switch len(dbFiles) {
	case 0:
		return filepath.Join(store.DefaultDataDir(), "default.db"), nil
	case 1:
		return dbFiles[0], nil
	}
	var lines []string
	for _, path := range dbFiles {
		if jid := accountJID(path); !jid.IsEmpty() {
			lines = append(lines, fmt.Sprintf("%s (%s)", jid, filepath.Base(path)))
		} else {
			lines = append(lines, filepath.Base(path))
		}
	}
	return "", fmt.Errorf("multiple accounts found, specify one with --db <path>:\n  %s",
		strings.Join(lines, "\n  "))
}

// listDBFiles returns all .db files in the default data directory.
func listDBFiles() ([]string, error) {
	dir := store.DefaultDataDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir %s: %w", dir, err)
	}
	var dbFiles []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".db" {
			continue
		}
		dbFiles = append(dbFiles, filepath.Join(dir, e.Name()))
	}
	return dbFiles, nil
}

// accountJID returns the registered JID stored in a database, or the zero
// JID on error.
func accountJID(dbPath string) JID {
	s, err := store.Open(dbPath)
	if err != nil {
		return JID{}
	}
	defer s.Close()
	acct, err := s.LoadAccount()
	if err != nil || acct == nil {
		return JID{}
	}
	return acct.JID
}
