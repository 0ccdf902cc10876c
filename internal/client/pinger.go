package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/dkeye/Relay/internal/transport"
)

var ErrRoomNotFound = errors.New("client: room not found")

type PingerState uint8

const (
	PingerIdle PingerState = iota
	PingerConnecting
	PingerAwaiting
)

func (s PingerState) String() string {
	switch s {
	case PingerIdle:
		return "idle"
	case PingerConnecting:
		return "connecting"
	case PingerAwaiting:
		return "awaiting"
	}
	return "unknown"
}

type PingResult struct {
	Addr string
	RTT  time.Duration
	// Major is the relay's major version, 0 for relays without discovery support.
	Major int32
}

// Pinger runs one short-lived query against a relay at a time. Starting an
// operation cancels the one in flight. Exactly one of an operation's done or
// fail callbacks is posted to the executor.
type Pinger struct {
	exec  Executor
	opts  Options
	codec *protocol.Codec

	mu      sync.Mutex
	state   PingerState
	gen     uint64
	fail    func(error)
	cancel  context.CancelFunc
	release func(*Pinger)
}

func NewPinger(exec Executor, opts Options) *Pinger {
	return &Pinger{
		exec:  exec,
		opts:  opts.withDefaults(),
		codec: protocol.NewCodec(protocol.DefaultRegistry(), false),
	}
}

func (p *Pinger) State() PingerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// begin starts operation gen, canceling the previous one.
func (p *Pinger) begin(fail func(error)) (context.Context, uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	p.mu.Lock()
	prevFail, prevCancel := p.fail, p.cancel
	busy := p.state != PingerIdle
	p.gen++
	gen := p.gen
	p.state = PingerConnecting
	p.fail, p.cancel = fail, cancel
	p.mu.Unlock()

	if busy {
		prevCancel()
		if prevFail != nil {
			p.exec.Post(func() { prevFail(ErrCanceled) })
		}
	}
	return ctx, gen
}

func (p *Pinger) awaiting(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen && p.state == PingerConnecting {
		p.state = PingerAwaiting
	}
}

// finish ends operation gen and posts fn, unless gen was superseded or canceled.
func (p *Pinger) finish(gen uint64, fn func()) {
	p.mu.Lock()
	if p.gen != gen || p.state == PingerIdle {
		p.mu.Unlock()
		return
	}
	p.state = PingerIdle
	cancel, release := p.cancel, p.release
	p.fail, p.cancel = nil, nil
	p.mu.Unlock()

	cancel()
	p.exec.Post(fn)
	if release != nil {
		release(p)
	}
}

func (p *Pinger) failed(gen uint64, fail func(error), err error) {
	p.finish(gen, func() { fail(err) })
}

// Cancel stops the operation in flight and posts its fail callback with ErrCanceled.
func (p *Pinger) Cancel() {
	p.mu.Lock()
	if p.state == PingerIdle {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.state = PingerIdle
	fail, cancel, release := p.fail, p.cancel, p.release
	p.fail, p.cancel = nil, nil
	p.mu.Unlock()

	cancel()
	if fail != nil {
		p.exec.Post(func() { fail(ErrCanceled) })
	}
	if release != nil {
		release(p)
	}
}

// Ping measures the round trip to a relay's discovery responder.
func (p *Pinger) Ping(host string, port int, done func(PingResult), fail func(error)) {
	ctx, gen := p.begin(fail)
	addr := joinHostPort(host, port)
	go func() {
		res, err := discover(ctx, addr, p.opts.Clock, func() { p.awaiting(gen) })
		if err != nil {
			p.failed(gen, fail, fmt.Errorf("ping %s: %w", addr, err))
			return
		}
		p.finish(gen, func() { done(res) })
	}()
}

// ListRooms fetches every public room of type t, following pages until the relay has no more.
func (p *Pinger) ListRooms(host string, port int, t domain.ImplType, done func([]protocol.RoomListEntry), fail func(error)) {
	ctx, gen := p.begin(fail)
	addr := joinHostPort(host, port)
	go func() {
		var acc []protocol.RoomListEntry
		rooms, err := exchange(ctx, p, gen, addr, &protocol.RoomListRequest{Type: t},
			func(c *transport.Conn, pkt protocol.Packet) ([]protocol.RoomListEntry, bool, error) {
				list, ok := pkt.(*protocol.RoomList)
				if !ok {
					return nil, false, nil
				}
				acc = append(acc, list.Rooms...)
				if !list.HasMore {
					return acc, true, nil
				}
				return nil, false, c.Send(&protocol.RoomListRequest{Type: t, Offset: int32(len(acc))})
			})
		if err != nil {
			p.failed(gen, fail, fmt.Errorf("list %s: %w", addr, err))
			return
		}
		p.finish(gen, func() { done(rooms) })
	}()
}

// Info fetches a room's public description. A private or missing room fails with ErrRoomNotFound.
func (p *Pinger) Info(link domain.Link, done func(*protocol.RoomInfo), fail func(error)) {
	ctx, gen := p.begin(fail)
	go func() {
		info, err := exchange(ctx, p, gen, link.Addr(), &protocol.RoomInfoRequest{RoomID: link.RoomID},
			func(_ *transport.Conn, pkt protocol.Packet) (*protocol.RoomInfo, bool, error) {
				switch v := pkt.(type) {
				case *protocol.RoomInfo:
					if v.RoomID == link.RoomID {
						return v, true, nil
					}
				case *protocol.RoomInfoDenied:
					if v.RoomID == link.RoomID {
						return nil, true, ErrRoomNotFound
					}
				}
				return nil, false, nil
			})
		if err != nil {
			p.failed(gen, fail, fmt.Errorf("info %s: %w", link, err))
			return
		}
		p.finish(gen, func() { done(info) })
	}()
}

// Join checks that a room would admit the caller, then leaves.
// A refusal fails with a *RejectError.
func (p *Pinger) Join(link domain.Link, password domain.Password, t domain.ImplType, done func(), fail func(error)) {
	ctx, gen := p.begin(fail)
	go func() {
		_, err := exchange(ctx, p, gen, link.Addr(), &protocol.RoomJoin{RoomID: link.RoomID, Password: password, Type: t},
			func(_ *transport.Conn, pkt protocol.Packet) (struct{}, bool, error) {
				switch v := pkt.(type) {
				case *protocol.RoomJoinAccepted:
					return struct{}{}, v.RoomID == link.RoomID, nil
				case *protocol.RoomJoinDenied:
					return struct{}{}, true, &RejectError{RoomID: v.RoomID, Reason: v.Reason}
				}
				return struct{}{}, false, nil
			})
		if err != nil {
			p.failed(gen, fail, fmt.Errorf("join %s: %w", link, err))
			return
		}
		p.finish(gen, done)
	}()
}

// Discover pings a relay's UDP discovery responder once.
func Discover(ctx context.Context, addr string) (PingResult, error) {
	return discover(ctx, addr, clock.New(), nil)
}

func discover(ctx context.Context, addr string, clk clock.Clock, sent func()) (PingResult, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return PingResult{}, timeoutErr(ctx, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	start := clk.Now()
	if _, err := conn.Write(protocol.DiscoveryRequest()); err != nil {
		return PingResult{}, timeoutErr(ctx, err)
	}
	if sent != nil {
		sent()
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return PingResult{}, timeoutErr(ctx, err)
	}
	major, err := protocol.ParseDiscoveryReply(buf[:n])
	if err != nil {
		return PingResult{}, err
	}
	return PingResult{Addr: addr, RTT: clk.Since(start), Major: major}, nil
}

type exchangeResult struct {
	pkt protocol.Packet
	err error
}

// exchangeSink forwards resolved packets to the exchange loop.
type exchangeSink struct {
	rx   *protocol.StreamReceiver
	out  chan exchangeResult
	stop chan struct{}
}

func (s *exchangeSink) Connected(core.Conn) {}
func (s *exchangeSink) Idle(core.Conn)      {}

func (s *exchangeSink) Received(c core.Conn, m protocol.Message) {
	if ping, ok := m.(protocol.Ping); ok {
		if !ping.IsReply {
			_ = c.Send(protocol.Ping{ID: ping.ID, IsReply: true})
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
			s.emit(exchangeResult{err: err})
			return
		}
		if full == nil {
			return
		}
		pkt = full
	}
	if err := protocol.Resolve(pkt); err != nil {
		s.emit(exchangeResult{err: err})
		return
	}
	s.emit(exchangeResult{pkt: pkt})
}

func (s *exchangeSink) Disconnected(_ core.Conn, reason domain.DcReason) {
	s.emit(exchangeResult{err: fmt.Errorf("%w: %s", ErrClosed, reason)})
}

func (s *exchangeSink) emit(r exchangeResult) {
	select {
	case s.out <- r:
	case <-s.stop:
	}
}

// exchange sends first to addr and passes each reply to handle until it
// reports done, fails, or ctx ends. The connection is always closed.
func exchange[T any](ctx context.Context, p *Pinger, gen uint64, addr string, first protocol.Packet,
	handle func(c *transport.Conn, pkt protocol.Packet) (T, bool, error)) (T, error) {
	var zero T
	conn, err := transport.Dial(ctx, addr, p.codec, p.opts.Transport)
	if err != nil {
		return zero, timeoutErr(ctx, err)
	}
	sink := &exchangeSink{
		rx:   protocol.NewStreamReceiver(p.codec),
		out:  make(chan exchangeResult),
		stop: make(chan struct{}),
	}
	defer func() {
		close(sink.stop)
		conn.Close(domain.DcClosed)
	}()
	go conn.Run(sink)

	p.awaiting(gen)
	if err := conn.Send(first); err != nil {
		return zero, err
	}
	for {
		select {
		case <-ctx.Done():
			return zero, timeoutErr(ctx, ctx.Err())
		case r := <-sink.out:
			if r.err != nil {
				return zero, r.err
			}
			v, done, err := handle(conn, r.pkt)
			if err != nil || done {
				return v, err
			}
		}
	}
}
