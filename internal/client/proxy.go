package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/dkeye/Relay/internal/transport"
)

const (
	DefaultTimeout = 5 * time.Second
	// MaxStateSize bounds an encoded room state.
	MaxStateSize   = 0xFFFF
)

var (
	ErrTimeout       = errors.New("client: timed out")
	ErrCanceled      = errors.New("client: canceled")
	ErrClosed        = errors.New("client: connection closed")
	ErrNoRoom        = errors.New("client: no room created")
	ErrConnected     = errors.New("client: already connected")
	ErrStateTooLarge = errors.New("client: room state too large")
)

// RefusedError reports a room the relay closed before it was ever created.
type RefusedError struct {
	Reason domain.CloseReason
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("client: room creation refused: %s", e.Reason)
}

func (e *RefusedError) Unwrap() error { return ErrClosed }

type Options struct {
	// Timeout bounds connecting and each pinger operation.
	Timeout   time.Duration
	Transport transport.Options
	Clock     clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCanceled
	}
	return err
}

// RoomCallbacks report the hosted room's lifecycle on the executor.
type RoomCallbacks struct {
	Created func(link domain.Link)
	Closed  func(reason domain.CloseReason)
}

type vconnState struct {
	vc        *VirtualConn
	listener  Listener
	connected bool
	idle      bool
}

// Proxy hosts a room: one physical connection to the relay carrying every
// peer of the room as a virtual connection.
type Proxy struct {
	provider Provider
	opts     Options
	codec    *protocol.Codec
	sender   *protocol.StreamSender

	mu       sync.Mutex
	conn     *transport.Conn
	host     string
	port     int
	room     domain.RoomID
	config   domain.RoomConfig
	conns    map[domain.ConnID]*vconnState
	cb       RoomCallbacks
	closedBy *domain.CloseReason
	err      error
	done     chan struct{}

	// remoteClose is set when closedBy came from the relay.
	remoteClose bool
}

func NewProxy(p Provider, opts Options) *Proxy {
	codec := protocol.NewCodec(protocol.DefaultRegistry(), false)
	done := make(chan struct{})
	close(done)
	return &Proxy{
		provider: p,
		opts:     opts.withDefaults(),
		codec:    codec,
		sender:   protocol.NewStreamSender(codec),
		room:     domain.NoRoom,
		config:   domain.RoomConfig{Password: domain.NoPassword},
		conns:    make(map[domain.ConnID]*vconnState),
		done:     done,
	}
}

// Connect dials the relay and requests a room. Only the dial blocks; the room
// link arrives through cb.Created.
func (p *Proxy) Connect(ctx context.Context, host string, port int, cb RoomCallbacks) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return ErrConnected
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	topts := p.opts.Transport
	topts.TolerateDecode = p.tolerate
	conn, err := transport.Dial(ctx, joinHostPort(host, port), p.codec, topts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", joinHostPort(host, port), timeoutErr(ctx, err))
	}

	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		conn.Close(domain.DcClosed)
		return ErrConnected
	}
	p.conn = conn
	p.host, p.port = host, port
	p.room = domain.NoRoom
	p.cb = cb
	p.closedBy = nil
	p.remoteClose = false
	p.err = nil
	p.done = make(chan struct{})
	p.mu.Unlock()

	go conn.Run(&proxySink{p: p, rx: protocol.NewStreamReceiver(p.codec)})
	v := p.provider.Version()
	if err := conn.Send(&protocol.RoomCreationRequest{Version: int32(v.Major), Type: p.provider.ImplType()}); err != nil {
		conn.Close(domain.DcError)
		return err
	}
	log.Info().Str("module", "client.proxy").Str("relay", joinHostPort(host, port)).Msg("requesting room")
	return nil
}

// tolerate keeps the connection across decode errors once a room exists.
func (p *Proxy) tolerate(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.room == domain.NoRoom {
		p.err = err
		return false
	}
	return true
}

func (p *Proxy) Room() domain.RoomID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

// Link returns the shareable link of the hosted room.
func (p *Proxy) Link() (domain.Link, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.room == domain.NoRoom {
		return domain.Link{}, false
	}
	return domain.Link{Host: p.host, Port: p.port, RoomID: p.room}, true
}

func (p *Proxy) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Done is closed once the relay connection is gone.
func (p *Proxy) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the error that ended the connection before a room existed,
// a *RefusedError when the relay turned the creation down.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Proxy) Connections() []*VirtualConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*VirtualConn, 0, len(p.conns))
	for _, st := range p.conns {
		out = append(out, st.vc)
	}
	return out
}

// Configure stores cfg and pushes it to the relay when a room exists.
func (p *Proxy) Configure(cfg domain.RoomConfig) error {
	if !cfg.Protected {
		cfg.Password = domain.NoPassword
	}
	p.mu.Lock()
	p.config = cfg
	conn, room := p.conn, p.room
	p.mu.Unlock()
	if conn == nil || room == domain.NoRoom {
		return nil
	}
	return conn.Send(&protocol.RoomConfig{Public: cfg.Public, Protected: cfg.Protected, Password: cfg.Password})
}

// SetState pushes an encoded room state, streamed when large.
func (p *Proxy) SetState(state []byte) error {
	if len(state) > MaxStateSize {
		return fmt.Errorf("%w: %d bytes", ErrStateTooLarge, len(state))
	}
	p.mu.Lock()
	conn, room := p.conn, p.room
	p.mu.Unlock()
	if conn == nil || room == domain.NoRoom {
		return ErrNoRoom
	}
	parts, err := p.sender.Split(&protocol.RoomState{RoomID: room, State: state})
	if err != nil {
		return err
	}
	for _, m := range parts {
		if err := conn.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Close asks the relay to close the room and drops the connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	conn, room := p.conn, p.room
	if p.closedBy == nil {
		reason := domain.CloseClosed
		p.closedBy = &reason
	}
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	var err error
	if room != domain.NoRoom {
		err = conn.Send(&protocol.RoomClosureRequest{})
	}
	conn.Close(domain.DcClosed)
	if errors.Is(err, core.ErrConnClosed) {
		err = nil
	}
	return err
}

func (p *Proxy) post(fn func()) { p.provider.Executor().Post(fn) }

func (p *Proxy) send(id domain.ConnID, payload []byte, reliable bool) (int, error) {
	// The relay hands the payload to the peer as a raw message.
	if err := protocol.CheckRaw(payload); err != nil {
		return 0, err
	}
	p.mu.Lock()
	st, ok := p.conns[id]
	conn := p.conn
	p.mu.Unlock()
	if !ok || !st.connected || conn == nil {
		return 0, ErrClosed
	}
	if err := conn.Send(&protocol.ConnectionPacketWrap{ConID: id, IsTCP: reliable, Payload: payload}); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (p *Proxy) close(id domain.ConnID, reason domain.DcReason, notify bool) {
	p.mu.Lock()
	st, ok := p.conns[id]
	if !ok || !st.connected {
		p.mu.Unlock()
		return
	}
	st.connected = false
	delete(p.conns, id)
	conn := p.conn
	p.mu.Unlock()

	if notify && conn != nil {
		_ = conn.Send(&protocol.ConnectionClosed{ConID: id, Reason: reason})
	}
	p.post(func() {
		if l := p.listenerOf(st); l != nil {
			l.Disconnected(st.vc, reason)
		}
	})
}

func (p *Proxy) status(id domain.ConnID) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.conns[id]
	if !ok {
		return false, false
	}
	return st.connected, st.idle
}

func (p *Proxy) listenerOf(st *vconnState) Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return st.listener
}

func (p *Proxy) lookup(id domain.ConnID) (*vconnState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.conns[id]
	return st, ok
}

func (p *Proxy) onRoomLink(id domain.RoomID) {
	p.mu.Lock()
	if p.room != domain.NoRoom || id == domain.NoRoom {
		p.mu.Unlock()
		return
	}
	p.room = id
	link := domain.Link{Host: p.host, Port: p.port, RoomID: id}
	created := p.cb.Created
	conn, cfg := p.conn, p.config
	p.mu.Unlock()

	log.Info().Str("module", "client.proxy").Str("link", link.String()).Msg("room created")
	_ = conn.Send(&protocol.RoomConfig{Public: cfg.Public, Protected: cfg.Protected, Password: cfg.Password})
	if created != nil {
		p.post(func() { created(link) })
	}
}

func (p *Proxy) onJoin(j *protocol.ConnectionJoin) {
	p.mu.Lock()
	if p.room == domain.NoRoom {
		p.mu.Unlock()
		return
	}
	if _, exists := p.conns[j.ConID]; exists {
		p.mu.Unlock()
		return
	}
	room, conn := p.room, p.conn
	if j.RoomID != room {
		p.mu.Unlock()
		log.Warn().Str("module", "client.proxy").Int32("conn", int32(j.ConID)).Str("room", j.RoomID.String()).Msg("join for another room")
		_ = conn.Send(&protocol.ConnectionClosed{ConID: j.ConID, Reason: domain.DcError})
		return
	}
	st := &vconnState{
		vc:        &VirtualConn{id: j.ConID, addr: domain.SurrogateAddress(j.AddressHash), table: p},
		connected: true,
	}
	p.conns[j.ConID] = st
	p.mu.Unlock()

	p.post(func() {
		l := p.provider.Opened(st.vc)
		p.mu.Lock()
		st.listener = l
		p.mu.Unlock()
	})
}

func (p *Proxy) onWrap(w *protocol.ConnectionPacketWrap) {
	st, ok := p.lookup(w.ConID)
	if !ok {
		return
	}
	p.mu.Lock()
	st.idle = false
	p.mu.Unlock()
	payload := w.Payload
	p.post(func() {
		if l := p.listenerOf(st); l != nil {
			l.Received(st.vc, payload)
		}
	})
}

func (p *Proxy) onIdle(id domain.ConnID) {
	st, ok := p.lookup(id)
	if !ok {
		return
	}
	p.mu.Lock()
	st.idle = true
	p.mu.Unlock()
	p.post(func() {
		if l := p.listenerOf(st); l != nil {
			l.Idle(st.vc)
		}
	})
}

func (p *Proxy) onLinkIdle() {
	p.mu.Lock()
	var idle []*vconnState
	for _, st := range p.conns {
		if st.connected && st.idle && st.listener != nil {
			idle = append(idle, st)
		}
	}
	p.mu.Unlock()
	for _, st := range idle {
		p.post(func() {
			if l := p.listenerOf(st); l != nil {
				l.Idle(st.vc)
			}
		})
	}
}

func (p *Proxy) onStateRequest(id domain.RoomID) {
	if id != p.Room() {
		return
	}
	p.post(func() {
		if err := p.SetState(p.provider.RoomState()); err != nil {
			log.Warn().Str("module", "client.proxy").Err(err).Msg("room state not sent")
		}
	})
}

func (p *Proxy) onDisconnected(reason domain.DcReason) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[domain.ConnID]*vconnState)
	hadRoom := p.room != domain.NoRoom
	closedBy := domain.CloseError
	if p.closedBy != nil {
		closedBy = *p.closedBy
	}
	if !hadRoom && p.err == nil {
		switch {
		case p.remoteClose:
			p.err = &RefusedError{Reason: closedBy}
		case p.closedBy == nil:
			p.err = fmt.Errorf("%w before a room was created: %s", ErrClosed, reason)
		}
	}
	p.remoteClose = false
	closed := p.cb.Closed
	p.cb = RoomCallbacks{}
	p.room = domain.NoRoom
	p.conn = nil
	done := p.done
	for _, st := range conns {
		st.connected = false
	}
	p.mu.Unlock()

	log.Info().Str("module", "client.proxy").Str("reason", closedBy.String()).Int("peers", len(conns)).Msg("relay connection closed")
	for _, st := range conns {
		p.post(func() {
			if l := p.listenerOf(st); l != nil {
				l.Disconnected(st.vc, reason)
			}
		})
	}
	if closed != nil {
		p.post(func() { closed(closedBy) })
	}
	close(done)
}

// proxySink handles the relay connection's events on its reader goroutine.
type proxySink struct {
	p  *Proxy
	rx *protocol.StreamReceiver
}

func (s *proxySink) Connected(core.Conn) {}

// Idle repeats the idle notice to peers still marked idle once the relay
// connection has nothing left to write.
func (s *proxySink) Idle(core.Conn) { s.p.onLinkIdle() }

func (s *proxySink) Disconnected(_ core.Conn, reason domain.DcReason) {
	s.p.onDisconnected(reason)
}

func (s *proxySink) Received(c core.Conn, m protocol.Message) {
	p := s.p
	switch v := m.(type) {
	case protocol.Ping:
		if !v.IsReply {
			_ = c.Send(protocol.Ping{ID: v.ID, IsReply: true})
		}
		return
	case protocol.Legacy:
		if text, ok := protocol.LegacyText(v); ok {
			p.post(func() { p.provider.Text(text) })
		}
		return
	}
	pkt, ok := m.(protocol.Packet)
	if !ok {
		return
	}
	if protocol.IsStream(pkt) {
		full, err := s.rx.Receive(0, pkt)
		if err != nil {
			s.fail(c, err)
			return
		}
		if full == nil {
			return
		}
		pkt = full
	}
	if err := protocol.Resolve(pkt); err != nil {
		s.fail(c, err)
		return
	}

	switch v := pkt.(type) {
	case *protocol.RoomLink:
		p.onRoomLink(v.RoomID)
	case *protocol.RoomClosed:
		p.mu.Lock()
		reason := v.Reason
		p.closedBy = &reason
		p.remoteClose = true
		p.mu.Unlock()
	case *protocol.ConnectionJoin:
		p.onJoin(v)
	case *protocol.ConnectionClosed:
		p.close(v.ConID, v.Reason, false)
	case *protocol.ConnectionPacketWrap:
		p.onWrap(v)
	case *protocol.ConnectionIdling:
		p.onIdle(v.ConID)
	case *protocol.RoomStateRequest:
		p.onStateRequest(v.RoomID)
	case *protocol.Notice:
		p.post(func() { p.provider.Notice(v.Type) })
	case *protocol.TextMessage:
		p.post(func() { p.provider.Text(v.Text) })
	case *protocol.Popup:
		p.post(func() { p.provider.Popup(v.Text) })
	}
}

// fail applies the decode tolerance to errors found after framing.
func (s *proxySink) fail(c core.Conn, err error) {
	if s.p.tolerate(err) {
		log.Warn().Str("module", "client.proxy").Err(err).Msg("ignored bad packet")
		return
	}
	c.Close(domain.DcError)
}
