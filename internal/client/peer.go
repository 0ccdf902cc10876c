package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/dkeye/Relay/internal/transport"
)

// RejectError is returned when the relay refuses a join.
type RejectError struct {
	RoomID domain.RoomID
	Reason domain.RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("client: join %s refused: %s", e.RoomID, e.Reason)
}

// PeerCallbacks receive the joined room's traffic on the executor.
type PeerCallbacks struct {
	Received     func(payload []byte)
	Disconnected func(reason domain.DcReason)
	Text         func(text string)
}

// Peer is a joined member of a room. Its payloads reach the host unchanged.
type Peer struct {
	link domain.Link
	conn *transport.Conn
	exec Executor
	cb   PeerCallbacks

	mu      sync.Mutex
	joined  bool
	pending chan error
	done    chan struct{}
}

// JoinRoom dials link's relay and joins the room. It blocks until the relay
// answers or opts.Timeout passes.
func JoinRoom(ctx context.Context, link domain.Link, password domain.Password, t domain.ImplType, exec Executor, cb PeerCallbacks, opts Options) (*Peer, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	codec := protocol.NewCodec(protocol.DefaultRegistry(), true)
	conn, err := transport.Dial(ctx, link.Addr(), codec, opts.Transport)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", link.Addr(), timeoutErr(ctx, err))
	}
	p := &Peer{
		link:    link,
		conn:    conn,
		exec:    exec,
		cb:      cb,
		pending: make(chan error, 1),
		done:    make(chan struct{}),
	}
	pending := p.pending
	go conn.Run(p.sink())
	if err := conn.Send(&protocol.RoomJoin{RoomID: link.RoomID, Password: password, Type: t}); err != nil {
		conn.Close(domain.DcError)
		return nil, err
	}

	select {
	case err := <-pending:
		if err != nil {
			conn.Close(domain.DcClosed)
			return nil, err
		}
		log.Info().Str("module", "client.peer").Str("link", link.String()).Msg("joined room")
		return p, nil
	case <-ctx.Done():
		conn.Close(domain.DcClosed)
		return nil, timeoutErr(ctx, ctx.Err())
	}
}

func (p *Peer) Link() domain.Link { return p.link }

// Send delivers payload to the host. The first byte must not be a reserved channel tag.
func (p *Peer) Send(payload []byte) error {
	if err := protocol.CheckRaw(payload); err != nil {
		return err
	}
	return p.conn.Send(protocol.Raw{Data: payload})
}

func (p *Peer) Close() { p.conn.Close(domain.DcClosed) }

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) post(fn func()) {
	if p.exec != nil {
		p.exec.Post(fn)
	}
}

// settle resolves the join once.
func (p *Peer) settle(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return
	}
	if err == nil {
		p.joined = true
	}
	p.pending <- err
	p.pending = nil
}

func (p *Peer) sink() core.EventSink { return (*peerSink)(p) }

type peerSink Peer

func (s *peerSink) Connected(core.Conn) {}
func (s *peerSink) Idle(core.Conn)      {}

func (s *peerSink) Received(c core.Conn, m protocol.Message) {
	p := (*Peer)(s)
	switch v := m.(type) {
	case protocol.Raw:
		if p.cb.Received != nil {
			data := v.Data
			p.post(func() { p.cb.Received(data) })
		}
	case protocol.Ping:
		if !v.IsReply {
			_ = c.Send(protocol.Ping{ID: v.ID, IsReply: true})
		}
	case *protocol.RoomJoinAccepted:
		if v.RoomID == p.link.RoomID {
			p.settle(nil)
		}
	case *protocol.RoomJoinDenied:
		p.settle(&RejectError{RoomID: v.RoomID, Reason: v.Reason})
	case protocol.Legacy:
		if text, ok := protocol.LegacyText(v); ok && p.cb.Text != nil {
			p.post(func() { p.cb.Text(text) })
		}
	}
}

func (s *peerSink) Disconnected(_ core.Conn, reason domain.DcReason) {
	p := (*Peer)(s)
	p.settle(fmt.Errorf("%w: %s", ErrClosed, reason))
	p.mu.Lock()
	joined := p.joined
	p.mu.Unlock()
	if joined && p.cb.Disconnected != nil {
		p.post(func() { p.cb.Disconnected(reason) })
	}
	close(p.done)
}
