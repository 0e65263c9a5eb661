package waservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gwillem/whatsapp-go/internal/types"
	"github.com/gwillem/whatsapp-go/internal/wabinary"
)

// IQError is an <iq type="error"> response.
type IQError struct {
	Code string
	Text string
}

func (e *IQError) Error() string {
	return fmt.Sprintf("waservice: iq error %s: %s", e.Code, e.Text)
}

// newRequestID returns a unique id for an iq request.
func newRequestID() string {
	return uuid.NewString()
}

// newMessageID returns a message id in the format web clients use.
func newMessageID() string {
	id := uuid.New()
	return "3EB0" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:16])
}

// iqNode builds an <iq> addressed to the server.
func iqNode(xmlns, typ string, content []wabinary.Node) wabinary.Node {
	return wabinary.Node{
		Tag: "iq",
		Attrs: []wabinary.Attr{
			wabinary.NewAttr("xmlns", xmlns),
			wabinary.NewAttr("type", typ),
			wabinary.JIDAttr("to", types.ServerJID),
		},
		Content: content,
	}
}

// SendIQ sends an iq request and waits for the response with the same id.
// An id is assigned if the node has none. Error responses are returned as
// *IQError.
func (s *Service) SendIQ(ctx context.Context, node wabinary.Node) (wabinary.Node, error) {
	id := node.AttrString("id")
	if id == "" {
		id = newRequestID()
		node.Attrs = append([]wabinary.Attr{wabinary.NewAttr("id", id)}, node.Attrs...)
	}

	ch := make(chan wabinary.Node, 1)
	s.mu.Lock()
	if s.conn == nil || s.closing {
		s.mu.Unlock()
		return wabinary.Node{}, ErrNotConnected
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.SendNode(ctx, node); err != nil {
		return wabinary.Node{}, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return wabinary.Node{}, fmt.Errorf("waservice: iq %s: %w", id, ErrNotConnected)
		}
		if resp.AttrString("type") == "error" {
			e := &IQError{}
			if en, ok := resp.Child("error"); ok {
				e.Code = en.AttrString("code")
				e.Text = en.AttrString("text")
			}
			return resp, e
		}
		return resp, nil
	case <-ctx.Done():
		return wabinary.Node{}, fmt.Errorf("waservice: iq %s: %w", id, ctx.Err())
	}
}

// deliverIQ hands a response to its waiting request. It reports false if
// no request is waiting for the node's id.
func (s *Service) deliverIQ(node wabinary.Node) bool {
	typ := node.AttrString("type")
	if typ != "result" && typ != "error" {
		return false
	}
	id := node.AttrString("id")
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- node
	}
	return ok
}

// failPending wakes every waiting request after the connection is lost.
func (s *Service) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.conn = nil
}
