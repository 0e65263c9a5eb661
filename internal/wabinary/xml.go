package wabinary

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// XMLString renders n as indented pseudo-XML for logs and debugging.
// Binary attributes and non-printable blobs are shown as hex.
func (n Node) XMLString() string {
	var sb strings.Builder
	n.writeXML(&sb, 0)
	return sb.String()
}

func (n Node) String() string {
	return n.XMLString()
}

func (n Node) writeXML(sb *strings.Builder, indent int) {
	pad := strings.Repeat("  ", indent)
	sb.WriteString(pad)
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for _, a := range n.Attrs {
		if a.Value.IsBinary() {
			fmt.Fprintf(sb, " %s=0x%s", a.Key, hex.EncodeToString(a.Value.Bytes()))
		} else {
			fmt.Fprintf(sb, " %s=%q", a.Key, a.Value.String())
		}
	}
	switch content := n.Content.(type) {
	case nil:
		sb.WriteString("/>")
	case []byte:
		sb.WriteByte('>')
		sb.WriteString(printableBlob(content))
		fmt.Fprintf(sb, "</%s>", n.Tag)
	case []Node:
		sb.WriteString(">\n")
		for _, c := range content {
			c.writeXML(sb, indent+1)
			sb.WriteByte('\n')
		}
		fmt.Fprintf(sb, "%s</%s>", pad, n.Tag)
	default:
		fmt.Fprintf(sb, "><!-- %T --></%s>", content, n.Tag)
	}
}

func printableBlob(b []byte) string {
	if utf8.Valid(b) {
		printable := true
		for _, r := range string(b) {
			if r < 0x20 && r != '\n' && r != '\t' {
				printable = false
				break
			}
		}
		if printable {
			return string(b)
		}
	}
	if len(b) > 64 {
		return fmt.Sprintf("<!-- %d bytes: %s... -->", len(b), hex.EncodeToString(b[:64]))
	}
	return "<!-- " + hex.EncodeToString(b) + " -->"
}
