package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

type decodeCommand struct {
	Raw bool `long:"raw" description:"Input has no frame flags byte"`

	Args struct {
		Data string `positional-arg-name:"data" description:"Hex or base64 encoded frame (- reads stdin)"`
	} `positional-args:"yes" required:"yes"`
}

// decodeInput accepts hex first, then standard base64.
func decodeInput(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("input is neither hex nor base64")
	}
	return b, nil
}

func (cmd *decodeCommand) Execute(args []string) error {
	in := cmd.Args.Data
	if in == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		in = string(b)
	}
	data, err := decodeInput(in)
	if err != nil {
		return err
	}

	var n wabinary.Node
	if cmd.Raw {
		n, err = wabinary.Unmarshal(data)
	} else {
		n, err = wabinary.UnpackNode(data, wabinary.DefaultMaxFrameSize)
	}
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	printNode(n)
	return nil
}
