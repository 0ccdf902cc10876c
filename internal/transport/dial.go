package transport

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dkeye/Relay/internal/protocol"
)

// Dial opens a client connection to a relay. The caller runs it with Run.
func Dial(ctx context.Context, addr string, codec *protocol.Codec, opts Options) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return newConn(0, uuid.NewString(), newStreamFrames(nc), codec, opts), nil
}

// DialWS opens a client connection over a WebSocket URL such as ws://host/api/ws.
func DialWS(ctx context.Context, url string, codec *protocol.Codec, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(0, uuid.NewString(), newWSFrames(ws), codec, opts), nil
}
