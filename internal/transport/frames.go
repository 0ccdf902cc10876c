package transport

import (
	"bufio"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Relay/internal/protocol"
)

// frameIO moves whole encoded messages. Reads and writes each have a single owner goroutine.
type frameIO interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	// Flush pushes buffered writes to the socket.
	Flush() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// streamFrames carries length-prefixed messages over a byte stream.
type streamFrames struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func newStreamFrames(c net.Conn) *streamFrames {
	return &streamFrames{conn: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (f *streamFrames) ReadMessage() ([]byte, error)       { return protocol.ReadFrame(f.br) }
func (f *streamFrames) WriteMessage(b []byte) error        { return protocol.WriteFrame(f.bw, b) }
func (f *streamFrames) Flush() error                       { return f.bw.Flush() }
func (f *streamFrames) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *streamFrames) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *streamFrames) RemoteAddr() net.Addr               { return f.conn.RemoteAddr() }
func (f *streamFrames) Close() error                       { return f.conn.Close() }

// wsFrames carries one message per binary WebSocket message.
type wsFrames struct {
	conn *websocket.Conn
}

func newWSFrames(c *websocket.Conn) *wsFrames {
	c.SetReadLimit(protocol.MaxFrameSize)
	return &wsFrames{conn: c}
}

func (f *wsFrames) ReadMessage() ([]byte, error) {
	for {
		kind, b, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (f *wsFrames) WriteMessage(b []byte) error {
	return f.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (f *wsFrames) Flush() error                       { return nil }
func (f *wsFrames) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *wsFrames) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *wsFrames) RemoteAddr() net.Addr               { return f.conn.RemoteAddr() }
func (f *wsFrames) Close() error                       { return f.conn.Close() }
