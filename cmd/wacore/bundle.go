package main

import (
	"github.com/gwillem/whatsapp-go/internal/waservice"
)

type bundleCommand struct{}

func (cmd *bundleCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	b, err := c.Bundle()
	if err != nil {
		return err
	}
	printNode(waservice.BundleNode(b))
	return nil
}
