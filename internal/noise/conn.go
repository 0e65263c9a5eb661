package noise

import (
	"context"
	"fmt"
	"sync"
)

// Conn encrypts every frame of an established channel.
type Conn struct {
	wmu  sync.Mutex
	conn FrameConn
	send *CipherState
	recv *CipherState
}

// NewConn wraps conn with the ciphers from a completed handshake.
func NewConn(conn FrameConn, r *Result) *Conn {
	return &Conn{conn: conn, send: r.Send, recv: r.Recv}
}

// ReadFrame reads and decrypts one frame. A frame that fails to decrypt
// returns ErrMacMismatch; the channel cannot recover from it.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	ct, err := c.conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	pt, err := c.recv.Decrypt(ct, nil)
	if err != nil {
		return nil, fmt.Errorf("noise: decrypt frame %d: %w", c.recv.Counter(), err)
	}
	return pt, nil
}

// WriteFrame encrypts and writes one frame. Concurrent writers are
// serialized so frames reach the wire in nonce order.
func (c *Conn) WriteFrame(ctx context.Context, plaintext []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ct, err := c.send.Encrypt(plaintext, nil)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(ctx, ct)
}
