package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/gwillem/whatsapp-go"
)

type listenCommand struct {
	N     int  `short:"n" description:"Stop after this many messages (0 = unlimited)" default:"0"`
	Nodes bool `long:"nodes" description:"Also print nodes not handled by the client"`
}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	fmt.Println("Listening for events... (Ctrl+C to stop)")

	count := 0
	for {
		var ev client.Event
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.Events():
			if !ok {
				return nil
			}
			ev = e
		}

		switch ev := ev.(type) {
		case *client.ConnectedEvent:
			fmt.Printf("Connected, server key %x\n", ev.ServerStatic[:8])
		case *client.MessageEvent:
			ts := ev.Timestamp.Format("2006-01-02 15:04:05")
			from := ev.From.String()
			if ev.PushName != "" {
				from = fmt.Sprintf("%s (%s)", ev.PushName, ev.From)
			}
			fmt.Printf("[%s] %s [%s]: %s\n", ts, from, ev.Kind, ev.Plaintext)
			count++
			if cmd.N > 0 && count >= cmd.N {
				return nil
			}
		case *client.DecryptFailedEvent:
			fmt.Fprintf(os.Stderr, "Error: message %s from %s: %v\n", ev.ID, ev.From, ev.Err)
		case *client.NodeEvent:
			if cmd.Nodes {
				printNode(ev.Node)
			}
		case *client.DisconnectedEvent:
			if ev.Err != nil {
				return ev.Err
			}
			return nil
		}
	}
}
