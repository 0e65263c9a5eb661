package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

const (
	colorTag   = "\x1b[36m"
	colorAttr  = "\x1b[33m"
	colorReset = "\x1b[0m"
)

func useColor() bool {
	return !opts.NoColor && term.IsTerminal(int(os.Stdout.Fd()))
}

// printNode writes n as XML, colored when stdout is a terminal.
func printNode(n wabinary.Node) {
	s := n.XMLString()
	if useColor() {
		s = colorize(s)
	}
	fmt.Println(s)
}

// colorize highlights tag names and attribute keys in XMLString output.
func colorize(s string) string {
	var sb strings.Builder
	inTag := false
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				sb.WriteByte(s[i])
			} else if c == '"' {
				inQuote = false
			}
		case c == '<':
			j := i + 1
			if j < len(s) && s[j] == '/' {
				j++
			}
			k := j
			for k < len(s) && s[k] != ' ' && s[k] != '>' && s[k] != '/' && s[k] != '\n' {
				k++
			}
			sb.WriteString(colorTag)
			sb.WriteString(s[i:k])
			sb.WriteString(colorReset)
			inTag = j == i+1
			i = k - 1
		case inTag && c == ' ':
			k := i + 1
			for k < len(s) && s[k] != '=' && s[k] != '>' && s[k] != ' ' {
				k++
			}
			sb.WriteByte(' ')
			sb.WriteString(colorAttr)
			sb.WriteString(s[i+1 : k])
			sb.WriteString(colorReset)
			i = k - 1
		case inTag && c == '"':
			inQuote = true
			sb.WriteByte(c)
		case c == '>':
			inTag = false
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
