// Package waservice runs one authenticated connection: the Noise handshake
// with a login payload, the receive loop, iq request correlation, message
// encryption and decryption, and prekey maintenance.
package waservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/noise"
	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/socket"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

const (
	DefaultPreKeyLowWater = 5
	DefaultPreKeyBatch    = 50
	DefaultEventBuffer    = 64
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("waservice: not connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("waservice: closed")
)

// DeviceStore lists the known devices of a user's account.
type DeviceStore interface {
	Devices(user types.JID) ([]types.JID, error)
}

// ContactStore records the push names senders announce on their messages.
type ContactStore interface {
	SetPushName(jid types.JID, name string) error
}

// Config holds configuration for creating a Service.
type Config struct {
	// URL is dialed when Dial is nil. Defaults to socket.DefaultURL.
	URL string
	// Dial overrides how the frame connection is opened.
	Dial func(ctx context.Context) (socket.FrameConn, error)

	TrustRoot        noise.TrustRoot
	HandshakeTimeout time.Duration
	MaxFrameSize     int
	KeepAlive        time.Duration

	// Keys must hold a loaded or generated identity.
	Keys         *keys.Store
	SessionStore session.Store
	Devices      DeviceStore
	Contacts     ContactStore
	// SkippedKeyWindow and MaxSkip bound out-of-order delivery per session.
	SkippedKeyWindow int
	MaxSkip          int

	// JID is the registered device address. A zero JID logs in with a
	// registration payload instead.
	JID      types.JID
	PushName string

	PreKeyLowWater int
	PreKeyBatch    int
	Rotation       keys.RotationPolicy

	EventBuffer int
	Logger      *log.Logger
}

// Service is one connection. It is not reusable: after Close or a
// disconnect, create a new Service.
type Service struct {
	cfg      Config
	keys     *keys.Store
	sessions *session.Manager
	logger   *log.Logger
	events   chan Event

	mu      sync.Mutex
	sock    socket.FrameConn
	conn    *noise.Conn
	pending map[string]chan wabinary.Node
	closing bool

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Service. It does not connect.
func New(cfg Config) (*Service, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("waservice: no key store")
	}
	if _, ok := cfg.Keys.Identity(); !ok {
		return nil, fmt.Errorf("waservice: %w", keys.ErrNoIdentity)
	}
	if cfg.URL == "" {
		cfg.URL = socket.DefaultURL
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wabinary.DefaultMaxFrameSize
	}
	if cfg.PreKeyLowWater <= 0 {
		cfg.PreKeyLowWater = DefaultPreKeyLowWater
	}
	if cfg.PreKeyBatch <= 0 {
		cfg.PreKeyBatch = DefaultPreKeyBatch
	}
	if cfg.Rotation == (keys.RotationPolicy{}) {
		cfg.Rotation = keys.DefaultRotationPolicy
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	s := &Service{
		cfg:     cfg,
		keys:    cfg.Keys,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.EventBuffer),
		pending: make(map[string]chan wabinary.Node),
		done:    make(chan struct{}),
	}
	s.sessions = session.NewManager(cfg.Keys, session.Config{
		WindowSize: cfg.SkippedKeyWindow,
		MaxSkip:    cfg.MaxSkip,
		Store:      cfg.SessionStore,
		Fetcher:    s,
		Logger:     cfg.Logger,
	})
	return s, nil
}

// Events returns the event channel. Events arrive in frame order. The
// channel is closed after the DisconnectedEvent.
func (s *Service) Events() <-chan Event { return s.events }

// Sessions returns the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

func (s *Service) dial(ctx context.Context) (socket.FrameConn, error) {
	if s.cfg.Dial != nil {
		return s.cfg.Dial(ctx)
	}
	return socket.Dial(ctx, s.cfg.URL, &socket.DialOptions{
		KeepAlive: s.cfg.KeepAlive,
		OnKeepAlive: func(rtt time.Duration) {
			logf(s.logger, "keep-alive ok rtt=%s", rtt)
		},
	}, socket.WithMaxFrameSize(s.cfg.MaxFrameSize), socket.WithLogger(s.logger))
}

// Connect dials, runs the handshake and starts the receive loop. The
// ConnectedEvent is queued before Connect returns.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("waservice: connect: %w", ErrClosed)
	}
	if s.sock != nil {
		s.mu.Unlock()
		return fmt.Errorf("waservice: connect: already used")
	}
	s.mu.Unlock()

	identity, _ := s.keys.Identity()
	payload, err := s.loginPayload()
	if err != nil {
		return err
	}

	sock, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("waservice: connect: %w", err)
	}
	res, err := noise.Handshake(ctx, sock, noise.Config{
		Static:    identity.KeyPair,
		TrustRoot: s.cfg.TrustRoot,
		Timeout:   s.cfg.HandshakeTimeout,
	}, payload.Marshal())
	if err != nil {
		sock.Close()
		return fmt.Errorf("waservice: connect: %w", err)
	}
	logf(s.logger, "handshake complete, server key %x", res.RemoteStatic[:4])

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		sock.Close()
		return fmt.Errorf("waservice: connect: %w", ErrClosed)
	}
	s.sock = sock
	s.conn = noise.NewConn(sock, res)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.events <- &ConnectedEvent{ServerStatic: res.RemoteStatic}
	go s.readLoop(loopCtx)

	if s.keys.NeedsReplenish(s.cfg.PreKeyLowWater) {
		s.background(loopCtx, "upload prekeys", s.UploadPreKeys)
	}
	return nil
}

// Close ends the connection and waits for background work to stop.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	sock, cancel := s.sock, s.cancel
	s.mu.Unlock()

	close(s.done)
	if cancel != nil {
		cancel()
	}
	var err error
	if sock != nil {
		err = sock.Close()
	} else {
		close(s.events)
	}
	s.wg.Wait()
	return err
}

// background runs fn on its own goroutine, logging its error. Close waits
// for it.
func (s *Service) background(ctx context.Context, name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logf(s.logger, "%s: %v", name, err)
		}
	}()
}

// emit queues ev, blocking while the channel is full. After Close it only
// queues if there is room.
func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Service) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		frame, err := s.conn.ReadFrame(ctx)
		if err != nil {
			s.failPending()
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				err = nil
			} else {
				logf(s.logger, "read: %v", err)
				err = fmt.Errorf("waservice: read: %w", err)
			}
			s.emit(&DisconnectedEvent{Err: err})
			if !closing {
				s.sock.Close()
			}
			return
		}
		node, err := wabinary.UnpackNode(frame, s.cfg.MaxFrameSize)
		if err != nil {
			logf(s.logger, "decode frame: %v", err)
			s.failPending()
			s.emit(&DisconnectedEvent{Err: fmt.Errorf("waservice: decode frame: %w", err)})
			s.sock.Close()
			return
		}
		s.handleNode(ctx, node)
	}
}

func (s *Service) handleNode(ctx context.Context, node wabinary.Node) {
	switch node.Tag {
	case "iq":
		if s.deliverIQ(node) {
			return
		}
		if node.AttrString("type") == "get" && node.AttrString("xmlns") == "urn:xmpp:ping" {
			s.answerPing(ctx, node)
			return
		}
	case "message":
		if _, ok := node.Child("enc"); ok {
			s.handleMessage(ctx, node)
			return
		}
		if _, ok := node.Child("participants"); ok {
			s.handleMessage(ctx, node)
			return
		}
	case "notification":
		if node.AttrString("type") == "encrypt" {
			s.handleEncryptNotification(ctx, node)
			return
		}
	}
	s.emit(&NodeEvent{Node: node})
}

// SendNode encodes and sends one node.
func (s *Service) SendNode(ctx context.Context, node wabinary.Node) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := wabinary.Pack(node)
	if err != nil {
		return fmt.Errorf("waservice: encode <%s>: %w", node.Tag, err)
	}
	if err := conn.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("waservice: send <%s>: %w", node.Tag, err)
	}
	return nil
}

func (s *Service) answerPing(ctx context.Context, node wabinary.Node) {
	to := types.ServerJID
	if from, err := node.AttrJID("from"); err == nil {
		to = from
	}
	pong := wabinary.Node{Tag: "iq", Attrs: []wabinary.Attr{
		wabinary.NewAttr("id", node.AttrString("id")),
		wabinary.JIDAttr("to", to),
		wabinary.NewAttr("type", "result"),
	}}
	if err := s.SendNode(ctx, pong); err != nil {
		logf(s.logger, "answer ping: %v", err)
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
