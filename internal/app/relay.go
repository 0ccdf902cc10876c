package app

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/dkeye/Relay/internal/protocol"
)

const (
	spamWindow = 3 * time.Second
	joinWindow = 60 * time.Second
	eventQueue = 1024
)

var ErrRelayStopped = errors.New("app: relay stopped")

type Options struct {
	Version        domain.Version
	SpamLimit      int
	JoinLimit      int
	WarnClosing    bool
	WarnDeprecated bool
	Blacklist      []string
	StaleTimeout   time.Duration
	CloseGrace     time.Duration
	StateRefresh   time.Duration

	Clock   clock.Clock
	Metrics *metrics.Relay
	Policy  Policy
	Codec   *protocol.Codec
	RoomIDs IDSource
}

type handler func(s *session, p protocol.Packet)

// Relay owns every room and session. All state is touched from Run only;
// transports post their events and admin calls wait for the loop.
type Relay struct {
	opts    Options
	clock   clock.Clock
	metrics *metrics.Relay
	policy  Policy

	rooms     *RoomManager
	reg       *Registry
	stale     *StaleCleaner
	joins     *JoinLimiter
	blacklist *Blacklist
	sender    *protocol.StreamSender
	receiver  *protocol.StreamReceiver
	handlers  map[protocol.PacketType]handler

	notifiedIdle map[domain.ConnID]struct{}
	closed       bool

	events chan func()
	done   chan struct{}
}

func New(opts Options) (*Relay, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(protocol.DefaultRegistry(), true)
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 10 * time.Second
	}
	bl, err := NewBlacklist(opts.Blacklist)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		opts:         opts,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		policy:       opts.Policy,
		rooms:        NewRoomManager(opts.RoomIDs),
		reg:          NewRegistry(),
		stale:        NewStaleCleaner(opts.Clock, opts.StaleTimeout),
		joins:        NewJoinLimiter(opts.Clock, opts.JoinLimit, joinWindow),
		blacklist:    bl,
		sender:       protocol.NewStreamSender(opts.Codec),
		receiver:     protocol.NewStreamReceiver(opts.Codec),
		notifiedIdle: make(map[domain.ConnID]struct{}),
		events:       make(chan func(), eventQueue),
		done:         make(chan struct{}),
	}
	r.handlers = r.dispatchTable()
	return r, nil
}

// Run processes events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	log.Info().Str("module", "app.relay").Str("version", r.opts.Version.String()).Msg("relay loop started")
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-ctx.Done():
			log.Info().Str("module", "app.relay").Msg("relay loop stopped")
			return nil
		}
	}
}

func (r *Relay) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.done:
	}
}

// call runs fn on the relay goroutine and waits for it.
func (r *Relay) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.events <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrRelayStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) Connected(c core.Conn) { r.post(func() { r.onConnected(c) }) }
func (r *Relay) Idle(c core.Conn)      { r.post(func() { r.onIdle(c) }) }

func (r *Relay) Received(c core.Conn, m protocol.Message) {
	r.post(func() { r.onReceived(c, m) })
}

func (r *Relay) Disconnected(c core.Conn, reason domain.DcReason) {
	r.post(func() { r.onDisconnected(c, reason) })
}

// Shutdown refuses new rooms, warns open rooms when configured, waits the grace
// period, then closes every room and connection.
func (r *Relay) Shutdown(ctx context.Context) error {
	warned := false
	err := r.call(ctx, func() {
		r.closed = true
		if r.opts.WarnClosing && r.rooms.Len() > 0 {
			log.Info().Str("module", "app.relay").Int("rooms", r.rooms.Len()).Msg("notifying rooms of shutdown")
			for _, room := range r.rooms.All() {
				room.message(domain.MessageServerClosing)
			}
			warned = true
		}
	})
	if err != nil {
		return err
	}
	if warned && r.opts.CloseGrace > 0 {
		t := r.clock.Timer(r.opts.CloseGrace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	return r.call(context.WithoutCancel(ctx), func() {
		for _, room := range r.rooms.All() {
			r.closeRoom(room, domain.CloseServerClosed)
		}
		for _, s := range r.reg.All() {
			s.conn.Close(domain.DcClosed)
		}
	})
}

func (r *Relay) onConnected(c core.Conn) {
	addr := c.RemoteAddr()
	if r.closed {
		r.metrics.Kicked.WithLabelValues("closing").Inc()
		c.Close(domain.DcClosed)
		return
	}
	if r.blacklist.Contains(addr) {
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Str("addr", addr.String()).Msg("blacklisted address refused")
		r.metrics.Kicked.WithLabelValues("blacklisted").Inc()
		c.Close(domain.DcClosed)
		return
	}
	s := &session{conn: c, addressHash: domain.HashAddress(addr), connectedAt: r.clock.Now()}
	if r.opts.SpamLimit > 0 {
		s.limiter = NewWindowLimiter(r.clock, r.opts.SpamLimit, spamWindow)
	}
	r.reg.Bind(s)
	r.stale.Add(c)
	r.metrics.Connections.Inc()
	r.sweepStale(c.ID())
	log.Info().Str("module", "app.relay").Int32("conn", int32(c.ID())).Str("sid", c.SID()).Str("addr", addr.String()).Msg("connection accepted")
}

func (r *Relay) onDisconnected(c core.Conn, reason domain.DcReason) {
	s, ok := r.reg.Get(c.ID())
	if !ok {
		return
	}
	r.reg.Unbind(c.ID())
	r.stale.Remove(c.ID())
	r.receiver.Release(int32(c.ID()))
	delete(r.notifiedIdle, c.ID())
	r.metrics.Connections.Dec()
	log.Info().Str("module", "app.relay").Int32("conn", int32(c.ID())).Str("sid", c.SID()).Str("reason", reason.String()).Msg("connection closed")

	room := s.room
	if room == nil {
		return
	}
	if room.IsHost(c) {
		log.Info().Str("module", "app.relay").Str("room", room.ID.String()).Str("sid", c.SID()).Msg("host left, closing room")
		r.closeRoom(room, domain.CloseClosed)
		return
	}
	room.disconnected(c, reason)
}

func (r *Relay) onIdle(c core.Conn) {
	s, ok := r.reg.Get(c.ID())
	if !ok || s.room == nil || s.isHost() {
		return
	}
	if _, seen := r.notifiedIdle[c.ID()]; seen {
		return
	}
	r.notifiedIdle[c.ID()] = struct{}{}
	s.room.idle(c)
}

func (r *Relay) onReceived(c core.Conn, m protocol.Message) {
	s, ok := r.reg.Get(c.ID())
	if !ok {
		return
	}
	delete(r.notifiedIdle, c.ID())
	if r.sweepStale(c.ID()) {
		return
	}

	if l, ok := m.(protocol.Legacy); ok {
		r.onLegacy(s, l)
		return
	}
	if protocol.IsFramework(m) {
		r.onFramework(s, m)
		return
	}
	if s.limiter != nil && !s.isHost() && !s.limiter.Allow() {
		r.kickSpammer(s)
		return
	}
	if raw, ok := m.(protocol.Raw); ok {
		r.onRaw(s, raw)
		return
	}

	p, ok := m.(protocol.Packet)
	if !ok {
		return
	}
	if protocol.IsStream(p) {
		full, err := r.receiver.Receive(int32(c.ID()), p)
		if err != nil {
			log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Err(err).Msg("bad stream")
			c.Close(domain.DcError)
			return
		}
		if full == nil {
			return
		}
		p = full
	}
	if err := protocol.Resolve(p); err != nil {
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Err(err).Msg("bad delayed packet")
		c.Close(domain.DcError)
		return
	}
	switch p.(type) {
	case *protocol.RoomCreationRequest, *protocol.RoomJoin:
		r.stale.Remove(c.ID())
	}

	t, err := r.opts.Codec.Registry().TypeOf(p)
	if err != nil {
		return
	}
	if h, ok := r.handlers[t]; ok {
		h(s, p)
		return
	}
	log.Debug().Str("module", "app.relay").Str("sid", c.SID()).Uint8("type", uint8(t)).Msg("ignored packet")
}

func (r *Relay) onFramework(s *session, m protocol.Message) {
	switch v := m.(type) {
	case protocol.Ping:
		if !v.IsReply {
			r.deliver(s.room, s.conn, protocol.Ping{ID: v.ID, IsReply: true})
		}
	case protocol.DiscoverHost:
		r.deliver(s.room, s.conn, &protocol.ServerInfo{Version: int32(r.opts.Version.Major)})
	}
}

func (r *Relay) onLegacy(s *session, _ protocol.Legacy) {
	if r.opts.WarnDeprecated {
		r.deliver(nil, s.conn, protocol.NewLegacyText("[scarlet][[CLaJ Server]]:[] Your CLaJ version is obsolete! Please upgrade it."))
	}
	log.Warn().Str("module", "app.relay").Str("sid", s.conn.SID()).Msg("obsolete client refused")
	r.metrics.Rejected.WithLabelValues(domain.CloseObsoleteClient.String()).Inc()
	s.conn.Close(domain.DcError)
}

func (r *Relay) onRaw(s *session, raw protocol.Raw) {
	if s.room == nil {
		if !s.queue(raw) {
			log.Debug().Str("module", "app.relay").Str("sid", s.conn.SID()).Msg("pending queue full, dropping")
		}
		return
	}
	if s.room.fromPeer(s.conn, raw) {
		r.metrics.Relayed.WithLabelValues("to_host").Inc()
	}
}

func (r *Relay) kickSpammer(s *session) {
	log.Warn().Str("module", "app.relay").Str("sid", s.conn.SID()).Int("limit", r.opts.SpamLimit).Msg("packet spamming, closing connection")
	if room := s.room; room != nil {
		room.message(domain.MessagePacketSpamming)
		room.disconnected(s.conn, domain.DcClosed)
		s.room = nil
	}
	r.metrics.Kicked.WithLabelValues("spam").Inc()
	s.conn.Close(domain.DcClosed)
}

// sweepStale closes expired connections and reports whether current was one of them.
func (r *Relay) sweepStale(current domain.ConnID) bool {
	swept := false
	for _, c := range r.stale.Sweep() {
		log.Info().Str("module", "app.relay").Str("sid", c.SID()).Msg("stale connection, closing")
		r.metrics.Kicked.WithLabelValues("stale").Inc()
		c.Close(domain.DcTimeout)
		swept = swept || c.ID() == current
	}
	return swept
}

// closeRoom unregisters room, detaches its sessions and closes it.
func (r *Relay) closeRoom(room *Room, reason domain.CloseReason) {
	r.rooms.Remove(room.ID)
	if s, ok := r.reg.Get(room.host.ID()); ok {
		s.room = nil
	}
	for id := range room.members {
		if s, ok := r.reg.Get(id); ok {
			s.room = nil
		}
	}
	room.close(reason)
	r.metrics.Rooms.Set(float64(r.rooms.Len()))
}

func (r *Relay) deliver(room *Room, c core.Conn, m protocol.Message) {
	err := c.Send(m)
	if err == nil || errors.Is(err, core.ErrConnClosed) {
		return
	}
	switch r.policy.OnBackPressure(room, c) {
	case KickMember:
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Msg("send queue full, kicking")
		r.metrics.Kicked.WithLabelValues("backpressure").Inc()
		c.Close(domain.DcError)
	case DropPacket, NoAction:
		log.Debug().Str("module", "app.relay").Str("sid", c.SID()).Msg("send queue full, dropping")
	}
}

// deliverLarge sends p as is, or as a stream when its body does not fit one frame.
func (r *Relay) deliverLarge(room *Room, c core.Conn, p protocol.Packet) {
	parts, err := r.sender.Split(p)
	if err != nil {
		log.Error().Str("module", "app.relay").Str("sid", c.SID()).Err(err).Msg("packet too large")
		return
	}
	for _, m := range parts {
		r.deliver(room, c, m)
	}
}
