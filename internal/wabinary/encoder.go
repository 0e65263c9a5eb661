package wabinary

import (
	"fmt"
	"math"
	"strings"
)

// Type tags. Every encoded value starts with one of these bytes.
const (
	TagEmpty    byte = 0x00
	TagList8    byte = 0x01
	TagBinary8  byte = 0x02
	TagToken    byte = 0x03
	TagNibble8  byte = 0x04
	TagList16   byte = 0x05
	TagBinary16 byte = 0x06
	TagBinary32 byte = 0x07
	TagJIDPair  byte = 0x08
	TagRawAttr  byte = 0x09
)

// maxPackedLen is the longest string that fits in a nibble-packed value:
// the length byte holds 7 bits of byte count.
const maxPackedLen = 127 * 2

type encoder struct {
	data  []byte
	depth int
}

// Marshal encodes n without a frame header.
func Marshal(n Node) ([]byte, error) {
	e := &encoder{data: make([]byte, 0, 128)}
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.data, nil
}

func (e *encoder) writeNode(n Node) error {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidNode, maxDepth)
	}
	if n.Tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidNode)
	}
	e.writeString(n.Tag)

	if err := e.writeListHeader(len(n.Attrs), true); err != nil {
		return fmt.Errorf("<%s> attributes: %w", n.Tag, err)
	}
	for _, a := range n.Attrs {
		if a.Key == "" {
			return fmt.Errorf("%w: <%s> has an attribute with an empty key", ErrInvalidNode, n.Tag)
		}
		e.writeString(a.Key)
		if a.Value.binary {
			e.data = append(e.data, TagRawAttr)
			if err := e.writeBytes(a.Value.b); err != nil {
				return err
			}
			continue
		}
		e.writeString(a.Value.s)
	}

	switch content := n.Content.(type) {
	case nil:
		e.data = append(e.data, TagEmpty)
	case []byte:
		return e.writeBlob(content)
	case []Node:
		if err := e.writeListHeader(len(content), false); err != nil {
			return fmt.Errorf("<%s> children: %w", n.Tag, err)
		}
		for _, child := range content {
			if err := e.writeNode(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: <%s> has content of type %T", ErrInvalidNode, n.Tag, n.Content)
	}
	return nil
}

// writeListHeader writes a count. Attribute lists use TagEmpty for zero;
// child lists always carry an explicit count so that an empty child list
// stays distinguishable from absent content.
func (e *encoder) writeListHeader(n int, emptyAllowed bool) error {
	switch {
	case n == 0 && emptyAllowed:
		e.data = append(e.data, TagEmpty)
	case n < 256:
		e.data = append(e.data, TagList8, byte(n))
	case n <= math.MaxUint16:
		e.data = append(e.data, TagList16, byte(n>>8), byte(n))
	default:
		return fmt.Errorf("%w: list of %d entries", ErrInvalidNode, n)
	}
	return nil
}

// writeBlob writes node content, using the dictionary or nibble packing when
// the bytes happen to be a known string. Both decode back to the same bytes.
func (e *encoder) writeBlob(b []byte) error {
	if len(b) > 0 && len(b) <= maxPackedLen {
		s := string(b)
		if idx, ok := tokenIndex[s]; ok {
			e.data = append(e.data, TagToken, idx)
			return nil
		}
		if isNibbleString(s) {
			e.writePacked(s)
			return nil
		}
	}
	return e.writeBytes(b)
}

func (e *encoder) writeString(s string) {
	if s == "" {
		e.data = append(e.data, TagEmpty)
		return
	}
	if idx, ok := tokenIndex[s]; ok {
		e.data = append(e.data, TagToken, idx)
		return
	}
	if isNibbleString(s) {
		e.writePacked(s)
		return
	}
	if at := strings.IndexByte(s, '@'); at > 0 && at < len(s)-1 && strings.IndexByte(s[at+1:], '@') < 0 {
		e.data = append(e.data, TagJIDPair)
		e.writeString(s[:at])
		e.writeString(s[at+1:])
		return
	}
	// Strings are bounded by the frame size long before 32 bits.
	_ = e.writeBytes([]byte(s))
}

func (e *encoder) writeBytes(b []byte) error {
	n := len(b)
	switch {
	case n < 1<<8:
		e.data = append(e.data, TagBinary8, byte(n))
	case n < 1<<16:
		e.data = append(e.data, TagBinary16, byte(n>>8), byte(n))
	case uint64(n) <= math.MaxUint32:
		e.data = append(e.data, TagBinary32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	default:
		return fmt.Errorf("%w: blob of %d bytes", ErrSizeLimitExceeded, n)
	}
	e.data = append(e.data, b...)
	return nil
}

func isNibbleString(s string) bool {
	if len(s) == 0 || len(s) > maxPackedLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '-' && c != '.' {
			return false
		}
	}
	return true
}

func packNibble(c byte) byte {
	switch c {
	case '-':
		return 10
	case '.':
		return 11
	default:
		return c - '0'
	}
}

// writePacked writes a nibble-packed digit string. The length byte holds the
// number of packed bytes, with the high bit set when the last nibble is padding.
func (e *encoder) writePacked(s string) {
	n := (len(s) + 1) / 2
	lenByte := byte(n)
	if len(s)%2 == 1 {
		lenByte |= 0x80
	}
	e.data = append(e.data, TagNibble8, lenByte)
	for i := 0; i < len(s); i += 2 {
		hi := packNibble(s[i])
		lo := byte(0x0f)
		if i+1 < len(s) {
			lo = packNibble(s[i+1])
		}
		e.data = append(e.data, hi<<4|lo)
	}
}
