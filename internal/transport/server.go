package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

// Server accepts physical connections on any number of listeners and hands
// their events to one sink.
type Server struct {
	codec  *protocol.Codec
	sink   core.EventSink
	opts   Options
	nextID atomic.Int32

	mu    sync.Mutex
	conns map[domain.ConnID]*Conn
	wg    sync.WaitGroup
}

func NewServer(codec *protocol.Codec, sink core.EventSink, opts Options) *Server {
	return &Server{
		codec: codec,
		sink:  sink,
		opts:  opts,
		conns: make(map[domain.ConnID]*Conn),
	}
}

// ServeTCP accepts until ctx is done or the listener fails.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info().Str("module", "transport.server").Str("addr", ln.Addr().String()).Msg("accepting tcp")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(newStreamFrames(nc), netip.Addr{})
		}()
	}
}

// ServeWS runs an upgraded WebSocket as a physical connection and returns when it closes.
// addr, when valid, replaces the socket address.
func (s *Server) ServeWS(ws *websocket.Conn, addr netip.Addr) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(newWSFrames(ws), addr)
}

func (s *Server) serve(fio frameIO, addr netip.Addr) {
	c := newConn(s.allocID(), uuid.NewString(), fio, s.codec, s.opts)
	if addr.IsValid() {
		c.SetRemoteAddr(addr)
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()

	_ = c.Send(protocol.RegisterTCP{ConnID: int32(c.id)})
	c.Run(s.sink)
}

func (s *Server) allocID() domain.ConnID {
	for {
		if id := s.nextID.Add(1); id > 0 {
			return domain.ConnID(id)
		}
		s.nextID.Store(0)
	}
}

// CloseAll closes every live connection and waits for their goroutines.
func (s *Server) CloseAll(reason domain.DcReason) {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close(reason)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ServeDiscovery answers discovery datagrams with the relay's major version.
func (s *Server) ServeDiscovery(ctx context.Context, pc net.PacketConn, major int32) error {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	log.Info().Str("module", "transport.discovery").Str("addr", pc.LocalAddr().String()).Msg("answering discovery")
	reply := protocol.DiscoveryReply(major)
	buf := make([]byte, 64)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !protocol.IsDiscoveryRequest(buf[:n]) {
			continue
		}
		if _, err := pc.WriteTo(reply, from); err != nil {
			log.Debug().Err(err).Str("module", "transport.discovery").Str("addr", from.String()).Msg("reply failed")
		}
	}
}

// Listen opens the TCP listener and UDP socket of a relay port.
func Listen(ctx context.Context, addr string) (net.Listener, net.PacketConn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	pc, err := lc.ListenPacket(ctx, "udp", ln.Addr().String())
	if err != nil {
		return nil, nil, multierr.Append(err, ln.Close())
	}
	return ln, pc, nil
}
