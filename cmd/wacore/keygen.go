package main

import (
	"encoding/hex"
	"fmt"
)

type keygenCommand struct{}

func (cmd *keygenCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	pub, err := c.IdentityKey()
	if err != nil {
		return err
	}
	b, err := c.Bundle()
	if err != nil {
		return err
	}
	fmt.Printf("Database:        %s\n", c.DBPath())
	if jid := c.JID(); !jid.IsEmpty() {
		fmt.Printf("JID:             %s\n", jid)
	}
	fmt.Printf("Identity key:    %s\n", hex.EncodeToString(pub[:]))
	fmt.Printf("Registration ID: %d\n", b.RegistrationID)
	fmt.Printf("Signed prekey:   %d\n", b.SignedPreKeyID)
	fmt.Printf("One-time keys:   %d\n", c.PreKeyCount())
	return nil
}
