// Package noise implements the Noise_XX_25519_AESGCM_SHA256 handshake that
// opens every connection, and the transport ciphers it produces.
//
// The initiator sends its ephemeral key, the responder answers with its
// ephemeral key, encrypted static key and certificate chain, and the
// initiator finishes with its encrypted static key and login payload.
package noise

import (
	"fmt"
	"time"

	"github.com/gwillem/whatsapp-go/internal/keys"
	"github.com/gwillem/whatsapp-go/internal/waproto"
)

// IntroHeader is written once before the first frame of a connection and is
// mixed into the handshake as the prologue: "WA", protocol major version 6,
// token dictionary version 3.
var IntroHeader = []byte{'W', 'A', 6, 3}

// State is a handshake step.
type State int

const (
	StateInit State = iota
	StateEphemeralSent
	StateAwaitingServerResponse
	StateAuthenticating
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEphemeralSent:
		return "ephemeral-sent"
	case StateAwaitingServerResponse:
		return "awaiting-server-response"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the parameters of one handshake.
type Config struct {
	// Static is the local static key. Clients use their identity key.
	Static keys.KeyPair
	// TrustRoot verifies the responder's certificate chain. Initiator only.
	TrustRoot TrustRoot
	// Prologue defaults to IntroHeader.
	Prologue []byte
	// Timeout bounds the whole handshake in Handshake and Accept. Zero
	// means no timeout beyond the caller's context.
	Timeout time.Duration
	// Now defaults to time.Now; used for certificate validity.
	Now func() time.Time
}

// Engine is one handshake attempt. It is not safe for concurrent use and
// cannot be restarted: after Failed or Split it refuses every call.
type Engine struct {
	initiator bool
	cfg       Config
	state     State
	err       error
	sym       *symmetricState

	ephemeral    keys.KeyPair
	remoteEph    [32]byte
	remoteStatic [32]byte
	certChain    []byte
	split        bool
}

// NewInitiator returns a client-side engine.
func NewInitiator(cfg Config) *Engine {
	return newEngine(cfg, true)
}

// NewResponder returns a server-side engine.
func NewResponder(cfg Config) *Engine {
	return newEngine(cfg, false)
}

func newEngine(cfg Config, initiator bool) *Engine {
	if cfg.Prologue == nil {
		cfg.Prologue = IntroHeader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		initiator: initiator,
		cfg:       cfg,
		sym:       newSymmetricState(cfg.Prologue),
	}
}

// State returns the current step.
func (e *Engine) State() State { return e.state }

// RemoteStatic returns the peer's static key once it has been decrypted.
func (e *Engine) RemoteStatic() [32]byte { return e.remoteStatic }

// fail moves the engine to Failed, zeroizes secrets and returns err.
func (e *Engine) fail(err error) error {
	if e.state != StateFailed {
		e.state = StateFailed
		e.err = err
		e.wipe()
	}
	return err
}

// Abort abandons the handshake and zeroizes its secrets.
func (e *Engine) Abort() {
	e.fail(fmt.Errorf("%w: aborted", ErrInvalidState))
}

func (e *Engine) wipe() {
	e.sym.wipe()
	e.ephemeral.Wipe()
	e.cfg.Static.Wipe()
}

func (e *Engine) expect(op string, initiator bool, want ...State) error {
	if e.state == StateFailed {
		return fmt.Errorf("noise: %s after failure: %w", op, e.err)
	}
	if e.initiator != initiator {
		return fmt.Errorf("%w: %s called on the wrong side", ErrInvalidState, op)
	}
	for _, s := range want {
		if e.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, e.state)
}

func (e *Engine) dh(remote [32]byte, local keys.KeyPair) error {
	shared, err := local.DH(remote)
	if err != nil {
		return err
	}
	return e.sym.mixKey(shared[:])
}

// Start generates the ephemeral key and returns the ClientHello.
func (e *Engine) Start() ([]byte, error) {
	if err := e.expect("Start", true, StateInit); err != nil {
		return nil, err
	}
	eph, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, e.fail(err)
	}
	e.ephemeral = eph
	e.sym.mixHash(eph.Pub[:])
	msg := &waproto.HandshakeMessage{ClientHello: &waproto.HelloMessage{Ephemeral: eph.Pub[:]}}
	e.state = StateEphemeralSent
	return msg.Marshal(), nil
}

// MarkSent records that the ClientHello reached the transport.
func (e *Engine) MarkSent() error {
	if err := e.expect("MarkSent", true, StateEphemeralSent); err != nil {
		return err
	}
	e.state = StateAwaitingServerResponse
	return nil
}

func parseKey(b []byte, what string) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("%w: %s is %d bytes", ErrVersionMismatch, what, len(b))
	}
	return [32]byte(b), nil
}

// ReadServerHello processes the responder's ephemeral key, static key and
// certificate chain. The chain is verified by Finish.
func (e *Engine) ReadServerHello(data []byte) error {
	if err := e.expect("ReadServerHello", true, StateAwaitingServerResponse); err != nil {
		return err
	}
	msg, err := waproto.UnmarshalHandshakeMessage(data)
	if err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrVersionMismatch, err))
	}
	hello := msg.ServerHello
	if hello == nil {
		return e.fail(fmt.Errorf("%w: expected a server hello", ErrVersionMismatch))
	}
	if e.remoteEph, err = parseKey(hello.Ephemeral, "server ephemeral"); err != nil {
		return e.fail(err)
	}

	e.sym.mixHash(e.remoteEph[:])
	if err := e.dh(e.remoteEph, e.ephemeral); err != nil {
		return e.fail(err)
	}
	static, err := e.sym.decryptAndHash(hello.Static)
	if err != nil {
		return e.fail(fmt.Errorf("%w: server static key", err))
	}
	if e.remoteStatic, err = parseKey(static, "server static"); err != nil {
		return e.fail(err)
	}
	if err := e.dh(e.remoteStatic, e.ephemeral); err != nil {
		return e.fail(err)
	}
	if e.certChain, err = e.sym.decryptAndHash(hello.Payload); err != nil {
		return e.fail(fmt.Errorf("%w: certificate payload", err))
	}
	e.state = StateAuthenticating
	return nil
}

// Finish verifies the responder's certificate chain and returns the
// ClientFinish carrying the encrypted static key and payload.
func (e *Engine) Finish(payload []byte) ([]byte, error) {
	if err := e.expect("Finish", true, StateAuthenticating); err != nil {
		return nil, err
	}
	if err := VerifyCertChain(e.certChain, e.cfg.TrustRoot, e.remoteStatic, e.cfg.Now()); err != nil {
		return nil, e.fail(err)
	}

	static, err := e.sym.encryptAndHash(e.cfg.Static.Pub[:])
	if err != nil {
		return nil, e.fail(err)
	}
	if err := e.dh(e.remoteEph, e.cfg.Static); err != nil {
		return nil, e.fail(err)
	}
	encPayload, err := e.sym.encryptAndHash(payload)
	if err != nil {
		return nil, e.fail(err)
	}
	msg := &waproto.HandshakeMessage{ClientFinish: &waproto.ClientFinish{Static: static, Payload: encPayload}}
	e.state = StateEstablished
	return msg.Marshal(), nil
}

// ReadClientHello processes the initiator's ephemeral key.
func (e *Engine) ReadClientHello(data []byte) error {
	if err := e.expect("ReadClientHello", false, StateInit); err != nil {
		return err
	}
	msg, err := waproto.UnmarshalHandshakeMessage(data)
	if err != nil {
		return e.fail(fmt.Errorf("%w: %v", ErrVersionMismatch, err))
	}
	if msg.ClientHello == nil {
		return e.fail(fmt.Errorf("%w: expected a client hello", ErrVersionMismatch))
	}
	if e.remoteEph, err = parseKey(msg.ClientHello.Ephemeral, "client ephemeral"); err != nil {
		return e.fail(err)
	}
	e.sym.mixHash(e.remoteEph[:])
	e.state = StateAuthenticating
	return nil
}

// WriteServerHello returns the ServerHello carrying the encrypted static key
// and certChain.
func (e *Engine) WriteServerHello(certChain []byte) ([]byte, error) {
	if err := e.expect("WriteServerHello", false, StateAuthenticating); err != nil {
		return nil, err
	}
	eph, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, e.fail(err)
	}
	e.ephemeral = eph
	e.sym.mixHash(eph.Pub[:])
	if err := e.dh(e.remoteEph, e.ephemeral); err != nil {
		return nil, e.fail(err)
	}
	static, err := e.sym.encryptAndHash(e.cfg.Static.Pub[:])
	if err != nil {
		return nil, e.fail(err)
	}
	if err := e.dh(e.remoteEph, e.cfg.Static); err != nil {
		return nil, e.fail(err)
	}
	payload, err := e.sym.encryptAndHash(certChain)
	if err != nil {
		return nil, e.fail(err)
	}
	msg := &waproto.HandshakeMessage{ServerHello: &waproto.HelloMessage{
		Ephemeral: eph.Pub[:],
		Static:    static,
		Payload:   payload,
	}}
	e.state = StateAwaitingServerResponse
	return msg.Marshal(), nil
}

// ReadClientFinish decrypts the initiator's static key and returns its payload.
func (e *Engine) ReadClientFinish(data []byte) ([]byte, error) {
	if err := e.expect("ReadClientFinish", false, StateAwaitingServerResponse); err != nil {
		return nil, err
	}
	msg, err := waproto.UnmarshalHandshakeMessage(data)
	if err != nil {
		return nil, e.fail(fmt.Errorf("%w: %v", ErrVersionMismatch, err))
	}
	if msg.ClientFinish == nil {
		return nil, e.fail(fmt.Errorf("%w: expected a client finish", ErrVersionMismatch))
	}
	static, err := e.sym.decryptAndHash(msg.ClientFinish.Static)
	if err != nil {
		return nil, e.fail(fmt.Errorf("%w: client static key", err))
	}
	if e.remoteStatic, err = parseKey(static, "client static"); err != nil {
		return nil, e.fail(err)
	}
	if err := e.dh(e.remoteStatic, e.ephemeral); err != nil {
		return nil, e.fail(err)
	}
	payload, err := e.sym.decryptAndHash(msg.ClientFinish.Payload)
	if err != nil {
		return nil, e.fail(fmt.Errorf("%w: client payload", err))
	}
	e.state = StateEstablished
	return payload, nil
}

// Split derives the transport ciphers and zeroizes the handshake state.
// It may be called once, after the engine reaches Established.
func (e *Engine) Split() (send, recv *CipherState, err error) {
	if e.state != StateEstablished || e.split {
		return nil, nil, fmt.Errorf("%w: Split in state %s", ErrInvalidState, e.state)
	}
	k1, k2, err := e.sym.split()
	if err != nil {
		return nil, nil, e.fail(err)
	}
	if !e.initiator {
		k1, k2 = k2, k1
	}
	send, err = NewCipherState(k1)
	if err == nil {
		recv, err = NewCipherState(k2)
	}
	wipeAll(k1, k2)
	e.wipe()
	e.split = true
	if err != nil {
		return nil, nil, e.fail(err)
	}
	return send, recv, nil
}
