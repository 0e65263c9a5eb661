package noise

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// FrameConn carries whole frames. socket.FrameSocket implements it.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
}

// Result is an established channel.
type Result struct {
	Send         *CipherState
	Recv         *CipherState
	RemoteStatic [32]byte
	// Payload is the initiator's login payload; set on the responder side.
	Payload []byte
}

func wipeAll(bufs ...[]byte) {
	for _, b := range bufs {
		memguard.WipeBytes(b)
	}
}

// ioError maps a transport error during the handshake. A deadline set by
// Config.Timeout becomes ErrTimeout; cancellation by the caller is returned
// as the context error.
func ioError(parent, ctx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("noise: %s: %w", op, parent.Err())
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("noise: %s: %w", op, err)
}

func withTimeout(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Handshake runs the initiator side over conn and sends payload in the
// ClientFinish. On any error the engine's secrets are zeroized.
func Handshake(parent context.Context, conn FrameConn, cfg Config, payload []byte) (*Result, error) {
	ctx, cancel := withTimeout(parent, cfg)
	defer cancel()

	e := NewInitiator(cfg)
	defer func() {
		if e.State() != StateEstablished {
			e.Abort()
		}
	}()

	hello, err := e.Start()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, hello); err != nil {
		return nil, e.fail(ioError(parent, ctx, "send client hello", err))
	}
	if err := e.MarkSent(); err != nil {
		return nil, err
	}
	resp, err := conn.ReadFrame(ctx)
	if err != nil {
		return nil, e.fail(ioError(parent, ctx, "read server hello", err))
	}
	if err := e.ReadServerHello(resp); err != nil {
		return nil, err
	}
	finish, err := e.Finish(payload)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, finish); err != nil {
		return nil, e.fail(ioError(parent, ctx, "send client finish", err))
	}
	send, recv, err := e.Split()
	if err != nil {
		return nil, err
	}
	return &Result{Send: send, Recv: recv, RemoteStatic: e.RemoteStatic()}, nil
}

// Accept runs the responder side over conn, presenting certChain.
func Accept(parent context.Context, conn FrameConn, cfg Config, certChain []byte) (*Result, error) {
	ctx, cancel := withTimeout(parent, cfg)
	defer cancel()

	e := NewResponder(cfg)
	defer func() {
		if e.State() != StateEstablished {
			e.Abort()
		}
	}()

	hello, err := conn.ReadFrame(ctx)
	if err != nil {
		return nil, e.fail(ioError(parent, ctx, "read client hello", err))
	}
	if err := e.ReadClientHello(hello); err != nil {
		return nil, err
	}
	resp, err := e.WriteServerHello(certChain)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, resp); err != nil {
		return nil, e.fail(ioError(parent, ctx, "send server hello", err))
	}
	finish, err := conn.ReadFrame(ctx)
	if err != nil {
		return nil, e.fail(ioError(parent, ctx, "read client finish", err))
	}
	payload, err := e.ReadClientFinish(finish)
	if err != nil {
		return nil, err
	}
	send, recv, err := e.Split()
	if err != nil {
		return nil, err
	}
	return &Result{Send: send, Recv: recv, RemoteStatic: e.RemoteStatic(), Payload: payload}, nil
}
