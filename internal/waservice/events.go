package waservice

import (
	"time"

	"github.com/gwillem/whatsapp-go/internal/session"
	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

// Event is delivered on the Events channel. The concrete types are
// *ConnectedEvent, *NodeEvent, *MessageEvent, *DecryptFailedEvent and
// *DisconnectedEvent.
type Event interface {
	isEvent()
}

// ConnectedEvent is the first event of a connection, sent once the
// handshake has completed.
type ConnectedEvent struct {
	ServerStatic [32]byte
}

// NodeEvent carries a node the service does not handle itself.
type NodeEvent struct {
	Node wabinary.Node
}

// MessageEvent is a decrypted message.
type MessageEvent struct {
	ID        string
	From      types.JID
	PushName  string
	Timestamp time.Time
	Kind      session.MessageKind
	Plaintext []byte
	Node      wabinary.Node
}

// DecryptFailedEvent reports an encrypted message that could not be
// decrypted. The message has been acknowledged.
type DecryptFailedEvent struct {
	ID   string
	From types.JID
	Kind session.MessageKind
	Err  error
}

// DisconnectedEvent is the last event of a connection. Err is nil after
// Close.
type DisconnectedEvent struct {
	Err error
}

func (*ConnectedEvent) isEvent()     {}
func (*NodeEvent) isEvent()          {}
func (*MessageEvent) isEvent()       {}
func (*DecryptFailedEvent) isEvent() {}
func (*DisconnectedEvent) isEvent()  {}
