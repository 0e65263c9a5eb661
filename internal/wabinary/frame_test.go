package wabinary

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"
	"runtime"
	"testing"
)

func TestSplitFrame(t *testing.T) {
	var buf []byte
	var err error
	for _, p := range [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{7}, 1000)} {
		if buf, err = AppendFrame(buf, p); err != nil {
			t.Fatal(err)
		}
	}

	payload, rest, err := SplitFrame(buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "first" {
		t.Errorf("got %q, want %q", payload, "first")
	}
	payload, rest, err = SplitFrame(rest, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 0 {
		t.Errorf("got %d bytes, want empty frame", len(payload))
	}
	payload, rest, err = SplitFrame(rest, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 1000 || len(rest) != 0 {
		t.Errorf("got payload %d rest %d, want 1000 and 0", len(payload), len(rest))
	}
}

func TestSplitFrameIncomplete(t *testing.T) {
	buf, _ := AppendFrame(nil, []byte("hello"))
	for i := 0; i < len(buf); i++ {
		_, rest, err := SplitFrame(buf[:i], DefaultMaxFrameSize)
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("prefix %d: got %v, want ErrTruncated", i, err)
		}
		if len(rest) != i {
			t.Fatalf("prefix %d: input should be returned untouched", i)
		}
	}
}

func TestSplitFrameSizeLimit(t *testing.T) {
	_, _, err := SplitFrame([]byte{0xff, 0xff, 0xff}, 1024)
	if !errors.Is(err, ErrSizeLimitExceeded) {
		t.Fatalf("got %v, want ErrSizeLimitExceeded", err)
	}
}

func TestAppendFrameTooLarge(t *testing.T) {
	_, err := AppendFrame(nil, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrSizeLimitExceeded) {
		t.Fatalf("got %v, want ErrSizeLimitExceeded", err)
	}
}

// headerOnlyReader yields a frame header declaring the maximum length and then
// blocks the test if anything reads further.
type headerOnlyReader struct {
	t    *testing.T
	sent bool
}

func (r *headerOnlyReader) Read(p []byte) (int, error) {
	if r.sent {
		r.t.Error("read past the frame header")
		return 0, io.EOF
	}
	r.sent = true
	return copy(p, []byte{0xff, 0xff, 0xff}), nil
}

func TestReadFrameSizeLimitBeforeAllocation(t *testing.T) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := ReadFrame(&headerOnlyReader{t: t}, 1024)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, ErrSizeLimitExceeded) {
		t.Fatalf("got %v, want ErrSizeLimitExceeded", err)
	}
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 1<<20 {
		t.Fatalf("allocated %d bytes while rejecting an oversized frame", grown)
	}
}

func TestReadFrame(t *testing.T) {
	var buf []byte
	buf, _ = AppendFrame(buf, []byte("one"))
	buf, _ = AppendFrame(buf, []byte("two"))
	r := bytes.NewReader(buf)

	for _, want := range []string{"one", "two"} {
		got, err := ReadFrame(r, DefaultMaxFrameSize)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := ReadFrame(r, DefaultMaxFrameSize); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	buf, _ := AppendFrame(nil, []byte("hello"))
	for _, n := range []int{1, 2, 3, 5} {
		_, err := ReadFrame(bytes.NewReader(buf[:n]), DefaultMaxFrameSize)
		if !errors.Is(err, ErrTruncated) {
			t.Errorf("prefix %d: got %v, want ErrTruncated", n, err)
		}
	}
}

func TestPackUnpack(t *testing.T) {
	n := Node{Tag: "iq", Attrs: []Attr{NewAttr("type", "result")}}
	packed, err := Pack(n)
	if err != nil {
		t.Fatal(err)
	}
	if packed[0] != 0 {
		t.Fatalf("flags: got 0x%02x, want 0", packed[0])
	}
	got, err := UnpackNode(packed, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(got, n) {
		t.Fatalf("got %s, want %s", got, n)
	}
}

func compress(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpackCompressed(t *testing.T) {
	n := Node{Tag: "message", Content: bytes.Repeat([]byte("abc"), 1000)}
	body, err := Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnpackNode(compress(t, body), DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(got, n) {
		t.Fatal("compressed node mismatch")
	}
}

func TestUnpackCompressedSizeLimit(t *testing.T) {
	data := compress(t, make([]byte, 1<<20))
	if _, err := Unpack(data, 4096); !errors.Is(err, ErrSizeLimitExceeded) {
		t.Fatalf("got %v, want ErrSizeLimitExceeded", err)
	}
}

func TestUnpackEmpty(t *testing.T) {
	if _, err := Unpack(nil, DefaultMaxFrameSize); !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestTokenTable(t *testing.T) {
	if TokenCount() > 256 {
		t.Fatalf("dictionary has %d entries, must fit in a byte", TokenCount())
	}
	seen := map[string]bool{}
	for i := 0; i < TokenCount(); i++ {
		tok, ok := Token(byte(i))
		if !ok || tok == "" {
			t.Fatalf("index %d: got %q %v", i, tok, ok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
		if idx, _ := TokenIndex(tok); int(idx) != i {
			t.Fatalf("TokenIndex(%q): got %d, want %d", tok, idx, i)
		}
	}
}
