// Package socket carries length-prefixed frames over a duplex byte stream.
package socket

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gwillem/whatsapp-go/internal/noise"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

// FrameConn is a frame-oriented connection.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// ErrClosed is returned by operations on a closed FrameSocket.
var ErrClosed = errors.New("socket: closed")

// Option configures a FrameSocket.
type Option func(*FrameSocket)

// WithMaxFrameSize sets the largest frame ReadFrame accepts. Larger declared
// lengths are rejected before the body is read.
func WithMaxFrameSize(n int) Option {
	return func(s *FrameSocket) { s.maxFrameSize = n }
}

// WithIntroHeader replaces the header sent before the first frame.
func WithIntroHeader(h []byte) Option {
	return func(s *FrameSocket) { s.header = h }
}

// WithLogger sets a logger for connection events.
func WithLogger(l *log.Logger) Option {
	return func(s *FrameSocket) { s.logger = l }
}

// Server makes the socket read and check the intro header instead of
// writing it.
func Server() Option {
	return func(s *FrameSocket) { s.server = true }
}

type readResult struct {
	frame []byte
	err   error
}

// FrameSocket implements FrameConn on an io.ReadWriteCloser.
type FrameSocket struct {
	rwc          io.ReadWriteCloser
	r            *bufio.Reader
	header       []byte
	server       bool
	maxFrameSize int
	logger       *log.Logger

	wmu        sync.Mutex
	headerDone bool

	readOnce sync.Once
	frames   chan readResult
	readErr  error

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

// NewFrameSocket wraps rwc. The intro header is written together with the
// first frame.
func NewFrameSocket(rwc io.ReadWriteCloser, opts ...Option) *FrameSocket {
	s := &FrameSocket{
		rwc:          rwc,
		r:            bufio.NewReader(rwc),
		header:       noise.IntroHeader,
		maxFrameSize: wabinary.DefaultMaxFrameSize,
		frames:       make(chan readResult),
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// readLoop reads frames until the stream fails. Each frame is handed to
// exactly one ReadFrame call.
func (s *FrameSocket) readLoop() {
	if s.server && len(s.header) > 0 {
		got := make([]byte, len(s.header))
		if _, err := io.ReadFull(s.r, got); err != nil {
			s.deliver(readResult{err: fmt.Errorf("socket: read intro header: %w", err)})
			return
		}
		if !bytes.Equal(got, s.header) {
			s.deliver(readResult{err: fmt.Errorf("socket: %w: intro header %x", noise.ErrVersionMismatch, got)})
			return
		}
	}
	for {
		frame, err := wabinary.ReadFrame(s.r, s.maxFrameSize)
		if err != nil {
			s.deliver(readResult{err: err})
			return
		}
		if !s.deliver(readResult{frame: frame}) {
			return
		}
	}
}

func (s *FrameSocket) deliver(r readResult) bool {
	select {
	case s.frames <- r:
		return r.err == nil
	case <-s.closed:
		return false
	}
}

// ReadFrame returns the next frame. If ctx ends first, the frame stays
// queued for the next call. ReadFrame is not safe for concurrent use.
func (s *FrameSocket) ReadFrame(ctx context.Context) ([]byte, error) {
	s.readOnce.Do(func() { go s.readLoop() })
	if s.readErr != nil {
		return nil, s.readErr
	}
	select {
	case r := <-s.frames:
		if r.err != nil {
			s.readErr = r.err
			if errors.Is(r.err, io.EOF) {
				return nil, r.err
			}
			return nil, fmt.Errorf("socket: read frame: %w", r.err)
		}
		return r.frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// WriteFrame writes one frame, preceded by the intro header on the first
// call of a client socket. ctx's deadline applies when the underlying
// stream supports write deadlines.
func (s *FrameSocket) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	var buf []byte
	if !s.headerDone && !s.server {
		buf = append(buf, s.header...)
	}
	buf, err := wabinary.AppendFrame(buf, frame)
	if err != nil {
		return fmt.Errorf("socket: write frame: %w", err)
	}

	if wd, ok := s.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		if err := wd.SetWriteDeadline(deadline); err == nil {
			defer wd.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := s.rwc.Write(buf); err != nil {
		return fmt.Errorf("socket: write frame: %w", err)
	}
	s.headerDone = true
	return nil
}

// Close closes the underlying stream and unblocks pending reads.
func (s *FrameSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.rwc.Close()
		if s.onClose != nil {
			s.onClose()
		}
		logf(s.logger, "socket: closed")
	})
	return err
}

// Done is closed when the socket is closed.
func (s *FrameSocket) Done() <-chan struct{} { return s.closed }

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
