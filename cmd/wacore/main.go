// Command wacore is a CLI for the whatsapp-go protocol core.
//
// Usage:
//
//	wacore keygen            Create or show the device identity
//	wacore bundle            Print the device's prekey bundle
//	wacore replenish -n 50   Generate one-time prekeys (and upload them)
//	wacore rotate            Replace the signed prekey
//	wacore decode <hex>      Decode a binary frame to XML
//	wacore selftest          Run an offline handshake and session test
//	wacore listen            Connect and print incoming events
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	client "github.com/gwillem/whatsapp-go"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`
	URL     string `long:"url" description:"WebSocket URL of the chat server"`
	RootKey string `long:"root-key" env:"WACORE_ROOT_KEY" description:"Hex public key of the pinned certificate root"`
	RootSer uint32 `long:"root-serial" env:"WACORE_ROOT_SERIAL" description:"Serial of the pinned certificate root"`
	Timeout int    `long:"handshake-timeout" default:"20" description:"Handshake timeout in seconds"`
	NoColor bool   `long:"no-color" description:"Disable colored XML output"`

	Keygen    keygenCommand    `command:"keygen" description:"Create the device identity if needed and show it"`
	Bundle    bundleCommand    `command:"bundle" description:"Print the device's prekey bundle as XML"`
	Replenish replenishCommand `command:"replenish" description:"Generate one-time prekeys, optionally uploading them"`
	Rotate    rotateCommand    `command:"rotate" description:"Replace the signed prekey"`
	Decode    decodeCommand    `command:"decode" description:"Decode a hex or base64 binary frame to XML"`
	SelfTest  selftestCommand  `command:"selftest" description:"Run an offline handshake and session round trip"`
	Listen    listenCommand    `command:"listen" description:"Connect and print incoming events"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func logger() *log.Logger {
	if opts.Verbose {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return nil
}

func clientOpts() ([]client.Option, error) {
	copts := []client.Option{
		client.WithHandshakeTimeout(time.Duration(opts.Timeout) * time.Second),
	}
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.URL != "" {
		copts = append(copts, client.WithURL(opts.URL))
	}
	if l := logger(); l != nil {
		copts = append(copts, client.WithLogger(l))
	}
	if opts.RootKey != "" {
		raw, err := hex.DecodeString(opts.RootKey)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("--root-key must be 32 bytes of hex")
		}
		root := client.TrustRoot{Serial: opts.RootSer}
		copy(root.PublicKey[:], raw)
		copts = append(copts, client.WithTrustRoot(root))
	}
	return copts, nil
}

func openClient() (*client.Client, error) {
	copts, err := clientOpts()
	if err != nil {
		return nil, err
	}
	return client.Open(copts...)
}
