package core

import (
	"errors"
	"net/netip"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

var (
	// ErrBackpressure means the connection's send queue is full.
	ErrBackpressure = errors.New("send queue full")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is one physical connection. Owned by the transport; the transport closes it.
type Conn interface {
	ID() domain.ConnID
	// SID is a random session id used in logs and admin views.
	SID() string
	RemoteAddr() netip.Addr
	// Send queues m without blocking.
	Send(m protocol.Message) error
	// Close flushes what is queued, then closes the socket.
	Close(reason domain.DcReason)
}

// EventSink receives the lifecycle of physical connections.
// Connected happens before any Received; Disconnected happens once, last.
type EventSink interface {
	Connected(c Conn)
	Received(c Conn, m protocol.Message)
	// Idle reports that everything queued on c has been written.
	Idle(c Conn)
	Disconnected(c Conn, reason domain.DcReason)
}
