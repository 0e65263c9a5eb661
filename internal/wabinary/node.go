// Package wabinary implements the binary node format carried inside frames:
// a compact tagged encoding of XML-like trees with a shared token dictionary.
package wabinary

import (
	"bytes"
	"fmt"

	"github.com/gwillem/whatsapp-go/internal/types"
)

// Node is one element of the protocol tree.
//
// Content is nil (no content), []byte (a blob) or []Node (children).
// Any other type is rejected by Marshal.
type Node struct {
	Tag     string
	Attrs   []Attr
	Content any
}

// Attr is one attribute. Attribute order is preserved on the wire.
type Attr struct {
	Key   string
	Value AttrValue
}

// AttrValue is a string or binary attribute value.
type AttrValue struct {
	s      string
	b      []byte
	binary bool
}

// StringValue returns a string attribute value.
func StringValue(s string) AttrValue { return AttrValue{s: s} }

// BinaryValue returns a binary attribute value.
func BinaryValue(b []byte) AttrValue { return AttrValue{b: b, binary: true} }

// IsBinary reports whether v was created with BinaryValue.
func (v AttrValue) IsBinary() bool { return v.binary }

// String returns the value as a string; binary values are converted bytewise.
func (v AttrValue) String() string {
	if v.binary {
		return string(v.b)
	}
	return v.s
}

// Bytes returns the value as bytes.
func (v AttrValue) Bytes() []byte {
	if v.binary {
		return v.b
	}
	return []byte(v.s)
}

// Equal reports whether two values have the same kind and contents.
func (v AttrValue) Equal(o AttrValue) bool {
	if v.binary != o.binary {
		return false
	}
	if v.binary {
		return bytes.Equal(v.b, o.b)
	}
	return v.s == o.s
}

// NewAttr returns a string attribute.
func NewAttr(key, value string) Attr {
	return Attr{Key: key, Value: StringValue(value)}
}

// NewBinaryAttr returns a binary attribute.
func NewBinaryAttr(key string, value []byte) Attr {
	return Attr{Key: key, Value: BinaryValue(value)}
}

// JIDAttr returns a string attribute holding the canonical form of jid.
func JIDAttr(key string, jid types.JID) Attr {
	return NewAttr(key, jid.String())
}

// GetAttr returns the value of the first attribute named key.
func (n Node) GetAttr(key string) (AttrValue, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return AttrValue{}, false
}

// AttrString returns the string value of key, or "" if absent.
func (n Node) AttrString(key string) string {
	v, _ := n.GetAttr(key)
	return v.String()
}

// AttrJID parses the attribute key as a JID.
func (n Node) AttrJID(key string) (types.JID, error) {
	v, ok := n.GetAttr(key)
	if !ok {
		return types.JID{}, fmt.Errorf("wabinary: <%s> has no %q attribute", n.Tag, key)
	}
	return types.ParseJID(v.String())
}

// Children returns the child nodes, or nil if the content is not a list.
func (n Node) Children() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// Child returns the first child with the given tag.
func (n Node) Child(tag string) (Node, bool) {
	for _, c := range n.Children() {
		if c.Tag == tag {
			return c, true
		}
	}
	return Node{}, false
}

// ChildrenByTag returns all children with the given tag.
func (n Node) ChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.Children() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// Bytes returns the blob content, or nil if the content is not a blob.
func (n Node) Bytes() []byte {
	b, _ := n.Content.([]byte)
	return b
}

// Equal reports whether a and b are structurally identical: same tag, same
// attributes in the same order, and the same content kind and value.
// A nil attribute slice equals an empty one.
func Equal(a, b Node) bool {
	if a.Tag != b.Tag || len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for i := range a.Attrs {
		if a.Attrs[i].Key != b.Attrs[i].Key || !a.Attrs[i].Value.Equal(b.Attrs[i].Value) {
			return false
		}
	}
	switch ac := a.Content.(type) {
	case nil:
		return b.Content == nil
	case []byte:
		bc, ok := b.Content.([]byte)
		return ok && bytes.Equal(ac, bc)
	case []Node:
		bc, ok := b.Content.([]Node)
		if !ok || len(ac) != len(bc) {
			return false
		}
		for i := range ac {
			if !Equal(ac[i], bc[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
