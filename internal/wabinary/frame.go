package wabinary

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is the length prefix of every frame on the wire.
	FrameHeaderSize = 3
	// MaxFrameSize is the largest length a 3-byte header can express.
	MaxFrameSize = 1<<24 - 1
	// DefaultMaxFrameSize is the decode limit used when none is configured.
	DefaultMaxFrameSize = 4 << 20
)

// Frame flag bits, carried in the first byte of a decrypted frame payload.
const (
	FlagCompressed byte = 0x02
)

// AppendFrame appends the 3-byte big-endian length header and payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrSizeLimitExceeded, len(payload))
	}
	n := len(payload)
	dst = append(dst, byte(n>>16), byte(n>>8), byte(n))
	return append(dst, payload...), nil
}

func frameLength(header []byte) int {
	return int(header[0])<<16 | int(header[1])<<8 | int(header[2])
}

// SplitFrame extracts the first frame from buf. It returns ErrTruncated if buf
// does not yet hold a complete frame, so callers reading from a stream can
// buffer more input and retry. A declared length above limit is rejected
// before anything is allocated.
func SplitFrame(buf []byte, limit int) (payload, rest []byte, err error) {
	if len(buf) < FrameHeaderSize {
		return nil, buf, errAt(ErrTruncated, len(buf), "incomplete frame header")
	}
	n := frameLength(buf)
	if n > limit {
		return nil, buf, fmt.Errorf("%w: declared %d bytes, limit %d", ErrSizeLimitExceeded, n, limit)
	}
	if len(buf)-FrameHeaderSize < n {
		return nil, buf, errAt(ErrTruncated, len(buf), "frame declares %d bytes, have %d", n, len(buf)-FrameHeaderSize)
	}
	end := FrameHeaderSize + n
	return buf[FrameHeaderSize:end], buf[end:], nil
}

// ReadFrame reads one frame from r. io.EOF is returned unchanged when the
// stream ends cleanly between frames.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		return nil, err
	}
	n := frameLength(header[:])
	if n > limit {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrSizeLimitExceeded, n, limit)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: frame body: %w", ErrTruncated, err)
		}
		return nil, err
	}
	return payload, nil
}

// Pack encodes n and prepends an empty flags byte.
func Pack(n Node) ([]byte, error) {
	body, err := Marshal(n)
	if err != nil {
		return nil, err
	}
	return append([]byte{0}, body...), nil
}

// Unpack strips the flags byte and inflates compressed payloads. The inflated
// size is capped at limit.
func Unpack(data []byte, limit int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errAt(ErrTruncated, 0, "missing frame flags")
	}
	flags, body := data[0], data[1:]
	if flags&FlagCompressed == 0 {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wabinary: inflate: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("wabinary: inflate: %w", err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrSizeLimitExceeded, limit)
	}
	return out, nil
}

// UnpackNode is Unpack followed by Unmarshal.
func UnpackNode(data []byte, limit int) (Node, error) {
	body, err := Unpack(data, limit)
	if err != nil {
		return Node{}, err
	}
	return Unmarshal(body)
}
