package wabinary

import "strings"

// maxDepth bounds node nesting so a hostile frame cannot recurse without limit.
const maxDepth = 64

// minNodeSize is the smallest possible encoded node: tag, attribute count, content.
const minNodeSize = 3

type decoder struct {
	data  []byte
	index int
	depth int
}

// Unmarshal decodes a single node. The whole input must be consumed.
func Unmarshal(data []byte) (Node, error) {
	d := &decoder{data: data}
	n, err := d.readNode()
	if err != nil {
		return Node{}, err
	}
	if d.index != len(d.data) {
		return Node{}, errAt(ErrInvalidNode, d.index, "%d trailing bytes", len(d.data)-d.index)
	}
	return n, nil
}

func (d *decoder) readByte() (byte, error) {
	if d.index >= len(d.data) {
		return 0, errAt(ErrTruncated, d.index, "")
	}
	b := d.data[d.index]
	d.index++
	return b, nil
}

// readN returns the next n bytes without copying. The length check happens
// before any allocation so a forged length cannot force a large buffer.
func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.index {
		return nil, errAt(ErrTruncated, d.index, "need %d bytes, have %d", n, len(d.data)-d.index)
	}
	b := d.data[d.index : d.index+n]
	d.index += n
	return b, nil
}

func (d *decoder) readInt(n int) (int, error) {
	b, err := d.readN(n)
	if err != nil {
		return 0, err
	}
	v := 0
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v, nil
}

func (d *decoder) readListSize(tag byte) (int, error) {
	switch tag {
	case TagEmpty:
		return 0, nil
	case TagList8:
		return d.readInt(1)
	case TagList16:
		return d.readInt(2)
	default:
		return 0, errAt(ErrUnknownTag, d.index-1, "0x%02x is not a list", tag)
	}
}

func (d *decoder) readNode() (Node, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return Node{}, errAt(ErrInvalidNode, d.index, "nesting deeper than %d", maxDepth)
	}

	start := d.index
	tag, err := d.readStringValue()
	if err != nil {
		return Node{}, err
	}
	if tag == "" {
		return Node{}, errAt(ErrInvalidNode, start, "empty tag")
	}
	n := Node{Tag: tag}

	countTag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	attrCount, err := d.readListSize(countTag)
	if err != nil {
		return Node{}, err
	}
	if attrCount > 0 {
		// Each attribute takes at least two bytes.
		n.Attrs = make([]Attr, 0, min(attrCount, (len(d.data)-d.index)/2))
	}
	for i := 0; i < attrCount; i++ {
		keyStart := d.index
		key, err := d.readStringValue()
		if err != nil {
			return Node{}, err
		}
		if key == "" {
			return Node{}, errAt(ErrInvalidNode, keyStart, "empty attribute key")
		}
		val, err := d.readAttrValue()
		if err != nil {
			return Node{}, err
		}
		n.Attrs = append(n.Attrs, Attr{Key: key, Value: val})
	}

	n.Content, err = d.readContent()
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

func (d *decoder) readAttrValue() (AttrValue, error) {
	tag, err := d.readByte()
	if err != nil {
		return AttrValue{}, err
	}
	if tag != TagRawAttr {
		s, err := d.readString(tag)
		if err != nil {
			return AttrValue{}, err
		}
		return StringValue(s), nil
	}
	inner, err := d.readByte()
	if err != nil {
		return AttrValue{}, err
	}
	b, ok, err := d.readBinary(inner)
	if err != nil {
		return AttrValue{}, err
	}
	if !ok {
		return AttrValue{}, errAt(ErrUnknownTag, d.index-1, "0x%02x after raw attribute marker", inner)
	}
	return BinaryValue(b), nil
}

func (d *decoder) readContent() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagEmpty:
		return nil, nil
	case TagList8, TagList16:
		count, err := d.readListSize(tag)
		if err != nil {
			return nil, err
		}
		children := make([]Node, 0, min(count, (len(d.data)-d.index)/minNodeSize))
		for i := 0; i < count; i++ {
			child, err := d.readNode()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return children, nil
	case TagToken, TagNibble8:
		s, err := d.readString(tag)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	b, ok, err := d.readBinary(tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errAt(ErrUnknownTag, d.index-1, "0x%02x as content", tag)
	}
	return b, nil
}

// readBinary reads a length-prefixed blob. ok is false if tag is not a binary tag.
func (d *decoder) readBinary(tag byte) (b []byte, ok bool, err error) {
	var size int
	switch tag {
	case TagBinary8:
		size, err = d.readInt(1)
	case TagBinary16:
		size, err = d.readInt(2)
	case TagBinary32:
		size, err = d.readInt(4)
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	raw, err := d.readN(size)
	if err != nil {
		return nil, true, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

func (d *decoder) readStringValue() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readString(tag)
}

func (d *decoder) readString(tag byte) (string, error) {
	switch tag {
	case TagEmpty:
		return "", nil
	case TagToken:
		idx, err := d.readByte()
		if err != nil {
			return "", err
		}
		tok, ok := Token(idx)
		if !ok {
			return "", errAt(ErrInvalidDictionaryIndex, d.index-1, "index %d, dictionary has %d entries", idx, TokenCount())
		}
		return tok, nil
	case TagNibble8:
		return d.readPacked()
	case TagJIDPair:
		user, err := d.readStringValue()
		if err != nil {
			return "", err
		}
		server, err := d.readStringValue()
		if err != nil {
			return "", err
		}
		return user + "@" + server, nil
	}
	b, ok, err := d.readBinary(tag)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errAt(ErrUnknownTag, d.index-1, "0x%02x as string", tag)
	}
	return string(b), nil
}

func (d *decoder) readPacked() (string, error) {
	lenByte, err := d.readByte()
	if err != nil {
		return "", err
	}
	n := int(lenByte & 0x7f)
	odd := lenByte&0x80 != 0
	if n == 0 {
		return "", errAt(ErrInvalidNode, d.index-1, "empty packed string")
	}
	raw, err := d.readN(n)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(n * 2)
	for i, b := range raw {
		last := i == len(raw)-1
		for j, nib := range [2]byte{b >> 4, b & 0x0f} {
			if last && odd && j == 1 {
				if nib != 0x0f {
					return "", errAt(ErrInvalidNode, d.index-n+i, "bad packed padding 0x%x", nib)
				}
				continue
			}
			c, ok := unpackNibble(nib)
			if !ok {
				return "", errAt(ErrInvalidNode, d.index-n+i, "bad packed nibble 0x%x", nib)
			}
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

func unpackNibble(v byte) (byte, bool) {
	switch {
	case v <= 9:
		return '0' + v, true
	case v == 10:
		return '-', true
	case v == 11:
		return '.', true
	default:
		return 0, false
	}
}
