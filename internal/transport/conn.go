// Package transport moves encoded messages over TCP and WebSocket
// connections and feeds their lifecycle to a core.EventSink.
package transport

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

type Options struct {
	// QueueSize bounds the per-connection send queue.
	QueueSize int
	// KeepAlive is the write silence after which a KeepAlive is sent.
	KeepAlive time.Duration
	// ReadTimeout closes the connection after this long without traffic.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TolerateDecode, when set, decides whether a decode error keeps the connection open.
	TolerateDecode func(err error) bool
	// OnRead and OnWrite observe message sizes.
	OnRead  func(n int)
	OnWrite func(n int)
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 8 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 12 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Conn is a physical connection with one reader and one writer goroutine.
type Conn struct {
	id    domain.ConnID
	sid   string
	addr  netip.Addr
	io    frameIO
	codec *protocol.Codec
	opts  Options

	send    chan protocol.Message
	closing chan struct{}
	written chan struct{}

	mu     sync.RWMutex
	closed bool
	reason domain.DcReason
}

var _ core.Conn = (*Conn)(nil)

func newConn(id domain.ConnID, sid string, fio frameIO, codec *protocol.Codec, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:      id,
		sid:     sid,
		addr:    addrOf(fio.RemoteAddr()),
		io:      fio,
		codec:   codec,
		opts:    opts,
		send:    make(chan protocol.Message, opts.QueueSize),
		closing: make(chan struct{}),
		written: make(chan struct{}),
	}
}

func addrOf(a net.Addr) netip.Addr {
	if a == nil {
		return netip.Addr{}
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}

func (c *Conn) ID() domain.ConnID      { return c.id }
func (c *Conn) SID() string            { return c.sid }
func (c *Conn) RemoteAddr() netip.Addr { return c.addr }

// SetRemoteAddr overrides the socket address, e.g. with a proxy-reported client IP.
func (c *Conn) SetRemoteAddr(a netip.Addr) { c.addr = a.Unmap() }

func (c *Conn) Send(m protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- m:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Conn) Close(reason domain.DcReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.closing)
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Run drives the connection until it closes. Disconnected is the last event delivered to sink.
func (c *Conn) Run(sink core.EventSink) {
	logger := log.With().Str("module", "transport.conn").Int32("conn", int32(c.id)).Str("sid", c.sid).Logger()

	sink.Connected(c)
	go c.writePump(sink)
	c.readPump(sink)
	<-c.written

	c.mu.RLock()
	reason := c.reason
	c.mu.RUnlock()
	logger.Debug().Str("reason", reason.String()).Msg("connection closed")
	sink.Disconnected(c, reason)
}

func (c *Conn) readPump(sink core.EventSink) {
	for {
		select {
		case <-c.closing:
			return
		default:
		}
		_ = c.io.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		b, err := c.io.ReadMessage()
		if err != nil {
			c.Close(reasonOf(err))
			return
		}
		if c.opts.OnRead != nil {
			c.opts.OnRead(len(b))
		}
		m, err := c.codec.Decode(b)
		if err != nil {
			if c.opts.TolerateDecode != nil && c.opts.TolerateDecode(err) {
				log.Warn().Err(err).Str("module", "transport.conn").Int32("conn", int32(c.id)).Msg("ignored undecodable message")
				continue
			}
			log.Warn().Err(err).Str("module", "transport.conn").Int32("conn", int32(c.id)).Msg("closing on decode error")
			c.Close(domain.DcError)
			return
		}
		sink.Received(c, m)
	}
}

func (c *Conn) writePump(sink core.EventSink) {
	defer close(c.written)
	defer c.io.Close()

	keepalive := time.NewTicker(c.opts.KeepAlive)
	defer keepalive.Stop()
	lastWrite := time.Now()

	for {
		select {
		case m := <-c.send:
			if err := c.write(m); err != nil {
				c.Close(domain.DcError)
				return
			}
			lastWrite = time.Now()
			if len(c.send) == 0 {
				if err := c.io.Flush(); err != nil {
					c.Close(domain.DcError)
					return
				}
				sink.Idle(c)
			}
		case <-keepalive.C:
			if time.Since(lastWrite) < c.opts.KeepAlive {
				continue
			}
			if err := c.write(protocol.KeepAlive{}); err != nil || c.io.Flush() != nil {
				c.Close(domain.DcError)
				return
			}
			lastWrite = time.Now()
		case <-c.closing:
			c.drain()
			return
		}
	}
}

// drain writes whatever is still queued so closing notices reach the peer.
func (c *Conn) drain() {
	for {
		select {
		case m := <-c.send:
			if c.write(m) != nil {
				return
			}
		default:
			_ = c.io.Flush()
			return
		}
	}
}

func (c *Conn) write(m protocol.Message) error {
	b, err := c.codec.Encode(m)
	if err != nil {
		// An unencodable message is the sender's bug; skip it.
		log.Error().Err(err).Str("module", "transport.conn").Int32("conn", int32(c.id)).Msgf("encode %T", m)
		return nil
	}
	if err := c.io.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := c.io.WriteMessage(b); err != nil {
		return err
	}
	if c.opts.OnWrite != nil {
		c.opts.OnWrite(len(b))
	}
	return nil
}

func reasonOf(err error) domain.DcReason {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return domain.DcTimeout
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return domain.DcClosed
	default:
		return domain.DcError
	}
}
