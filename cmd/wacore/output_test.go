package main

import (
	"strings"
	"testing"

	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

func TestColorize(t *testing.T) {
	n := wabinary.Node{
		Tag:   "iq",
		Attrs: []wabinary.Attr{wabinary.NewAttr("type", "a b>c")},
		Content: []wabinary.Node{
			{Tag: "ping"},
		},
	}
	plain := n.XMLString()
	got := colorize(plain)

	for _, want := range []string{colorTag + "<iq" + colorReset, colorAttr + "type" + colorReset, colorTag + "<ping" + colorReset} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, colorAttr+"b>c") {
		t.Errorf("quoted value was colored: %q", got)
	}
	stripped := strings.NewReplacer(colorTag, "", colorAttr, "", colorReset, "").Replace(got)
	if stripped != plain {
		t.Fatalf("got %q, want %q", stripped, plain)
	}
}

func TestDecodeInput(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"f800", "\xf8\x00"},
		{" 0a0b\n", "\x0a\x0b"},
		{"aGVsbG8=", "hello"},
	}
	for _, tt := range tests {
		got, err := decodeInput(tt.in)
		if err != nil {
			t.Fatalf("%q: %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Errorf("%q: got %x, want %x", tt.in, got, tt.want)
		}
	}
	if _, err := decodeInput("not valid!"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSelfTest(t *testing.T) {
	cmd := &selftestCommand{Messages: 4}
	if err := cmd.Execute(nil); err != nil {
		t.Fatal(err)
	}
}
