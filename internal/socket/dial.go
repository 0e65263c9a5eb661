package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultURL is the WhatsApp Web chat endpoint.
	DefaultURL = "wss://web.whatsapp.com/ws/chat"
	// Origin is sent with the WebSocket upgrade request.
	Origin = "https://web.whatsapp.com"
)

const (
	defaultKeepAliveTimeout = 20 * time.Second
	maxMessageSize          = 64 << 20
)

// DialOptions configures Dial.
type DialOptions struct {
	TLSConfig *tls.Config
	Header    http.Header
	// KeepAlive is the interval between WebSocket pings; zero disables them.
	// A ping that is not answered within KeepAliveTimeout closes the socket.
	// Pongs are only processed while frames are being read.
	KeepAlive        time.Duration
	KeepAliveTimeout time.Duration
	// OnKeepAlive is called with the round-trip time of each answered ping.
	OnKeepAlive func(rtt time.Duration)
}

// Dial opens a WebSocket to url and returns it as a client FrameSocket.
// Each WebSocket message carries one or more frames as a byte stream.
func Dial(ctx context.Context, url string, dopts *DialOptions, opts ...Option) (*FrameSocket, error) {
	if dopts == nil {
		dopts = &DialOptions{}
	}
	wsOpts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	for k, v := range dopts.Header {
		wsOpts.HTTPHeader[k] = v
	}
	if wsOpts.HTTPHeader.Get("Origin") == "" {
		wsOpts.HTTPHeader.Set("Origin", Origin)
	}
	if dopts.TLSConfig != nil {
		wsOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: dopts.TLSConfig},
		}
	}
	ws, _, err := websocket.Dial(ctx, url, wsOpts)
	if err != nil {
		return nil, fmt.Errorf("socket: dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := NewFrameSocket(websocket.NetConn(connCtx, ws, websocket.MessageBinary), opts...)
	s.onClose = cancel
	logf(s.logger, "socket: connected to %s", url)

	if dopts.KeepAlive > 0 {
		timeout := dopts.KeepAliveTimeout
		if timeout <= 0 {
			timeout = defaultKeepAliveTimeout
		}
		go s.keepAliveLoop(connCtx, ws, dopts.KeepAlive, timeout, dopts.OnKeepAlive)
	}
	return s, nil
}

func (s *FrameSocket) keepAliveLoop(ctx context.Context, ws *websocket.Conn, interval, timeout time.Duration, callback func(time.Duration)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			sent := time.Now()
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logf(s.logger, "socket: keep-alive failed: %v", err)
					s.Close()
				}
				return
			}
			if callback != nil {
				callback(time.Since(sent))
			}
		}
	}
}
