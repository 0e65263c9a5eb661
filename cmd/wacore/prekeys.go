package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type replenishCommand struct {
	N      int  `short:"n" long:"count" default:"50" description:"Number of one-time prekeys to keep"`
	Upload bool `short:"u" long:"upload" description:"Connect and upload the keys"`
}

func (cmd *replenishCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	created, err := c.ReplenishPreKeys(cmd.N)
	if err != nil {
		return err
	}
	fmt.Printf("Generated %d one-time prekeys (%d available).\n", created, c.PreKeyCount())
	if !cmd.Upload {
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.UploadPreKeys(ctx); err != nil {
		return err
	}
	fmt.Println("Prekeys uploaded to server.")
	return nil
}

type rotateCommand struct{}

func (cmd *rotateCommand) Execute(args []string) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.RotateSignedPreKey()
	if err != nil {
		return err
	}
	fmt.Printf("Signed prekey rotated, new id %d.\n", id)
	return nil
}
