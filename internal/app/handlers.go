package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

// listPageSize is the number of rooms per RoomList page.
const listPageSize = 128

func (r *Relay) dispatchTable() map[protocol.PacketType]handler {
	return map[protocol.PacketType]handler{
		protocol.TypeRoomCreationRequest:  func(s *session, p protocol.Packet) { r.onCreate(s, p.(*protocol.RoomCreationRequest)) },
		protocol.TypeRoomClosureRequest:   func(s *session, _ protocol.Packet) { r.onClosure(s) },
		protocol.TypeRoomJoin:             func(s *session, p protocol.Packet) { r.onJoin(s, p.(*protocol.RoomJoin)) },
		protocol.TypeRoomConfig:           func(s *session, p protocol.Packet) { r.onConfig(s, p.(*protocol.RoomConfig)) },
		protocol.TypeRoomState:            func(s *session, p protocol.Packet) { r.onState(s, p.(*protocol.RoomState)) },
		protocol.TypeRoomListRequest:      func(s *session, p protocol.Packet) { r.onList(s, p.(*protocol.RoomListRequest)) },
		protocol.TypeRoomInfoRequest:      func(s *session, p protocol.Packet) { r.onInfo(s, p.(*protocol.RoomInfoRequest)) },
		protocol.TypeConnectionClosed:     func(s *session, p protocol.Packet) { r.onKick(s, p.(*protocol.ConnectionClosed)) },
		protocol.TypeConnectionPacketWrap: func(s *session, p protocol.Packet) { r.onWrap(s, p.(*protocol.ConnectionPacketWrap)) },
	}
}

func (r *Relay) onCreate(s *session, p *protocol.RoomCreationRequest) {
	c := s.conn
	major := r.opts.Version.Major
	switch {
	case r.closed:
		r.rejectCreation(s, domain.CloseServerClosed)
		return
	case int(p.Version) != major:
		reason := domain.CloseOutdatedClient
		if int(p.Version) > major {
			reason = domain.CloseOutdatedServer
		}
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Int32("version", p.Version).Int("major", major).Msg("room creation with mismatched version")
		r.rejectCreation(s, reason)
		return
	case s.room != nil:
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Str("room", s.room.ID.String()).Msg("connection already in a room")
		s.room.message(domain.MessageAlreadyHosting)
		return
	}

	room, err := r.rooms.Create(c, p.Type, r, r.clock.Now())
	if err != nil {
		r.rejectCreation(s, domain.CloseError)
		return
	}
	s.room = room
	room.create()
	r.metrics.Rooms.Set(float64(r.rooms.Len()))
}

func (r *Relay) rejectCreation(s *session, reason domain.CloseReason) {
	r.deliver(nil, s.conn, &protocol.RoomClosed{Reason: reason})
	r.metrics.Rejected.WithLabelValues(reason.String()).Inc()
	s.conn.Close(domain.DcClosed)
}

func (r *Relay) onClosure(s *session) {
	if !r.checkHost(s, domain.MessageRoomClosureDenied) {
		return
	}
	log.Info().Str("module", "app.relay").Str("room", s.room.ID.String()).Str("sid", s.conn.SID()).Msg("room closed by host")
	r.closeRoom(s.room, domain.CloseClosed)
}

func (r *Relay) onJoin(s *session, p *protocol.RoomJoin) {
	c := s.conn
	if s.isHost() {
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Str("room", s.room.ID.String()).Msg("host tried to join another room")
		s.room.message(domain.MessageAlreadyHosting)
		return
	}
	if s.room != nil {
		s.room.disconnected(c, domain.DcClosed)
		s.room = nil
	}

	room, found := r.rooms.Get(p.RoomID)
	var reason domain.RejectReason
	ok := false
	switch {
	case r.closed:
		reason = domain.RejectServerClosing
	case !found:
		reason = domain.RejectRoomNotFound
	case !r.joins.Allow(c.RemoteAddr()):
		// indistinguishable from a missing room to blunt id probing
		reason = domain.RejectRoomNotFound
		log.Warn().Str("module", "app.relay").Str("sid", c.SID()).Msg("join rate limited")
	default:
		reason, ok = room.admit(p.Type, p.Password)
	}
	if !ok {
		log.Info().Str("module", "app.relay").Str("sid", c.SID()).Str("room", p.RoomID.String()).Str("reason", reason.String()).Msg("join refused")
		r.deliver(nil, c, &protocol.RoomJoinDenied{RoomID: p.RoomID, Reason: reason})
		r.metrics.Rejected.WithLabelValues(reason.String()).Inc()
		c.Close(domain.DcClosed)
		return
	}

	s.room = room
	room.connected(c, s.addressHash)
	for _, raw := range s.takePending() {
		if room.fromPeer(c, raw) {
			r.metrics.Relayed.WithLabelValues("to_host").Inc()
		}
	}
}

func (r *Relay) onConfig(s *session, p *protocol.RoomConfig) {
	if !r.checkHost(s, domain.MessageConfigureDenied) {
		return
	}
	s.room.configure(domain.RoomConfig{Public: p.Public, Protected: p.Protected, Password: p.Password})
}

func (r *Relay) onState(s *session, p *protocol.RoomState) {
	if !r.checkHost(s, domain.MessageStatingDenied) {
		return
	}
	s.room.setState(p.State, r.clock.Now())
	log.Debug().Str("module", "app.relay").Str("room", s.room.ID.String()).Int("size", len(p.State)).Msg("room state updated")
}

func (r *Relay) onList(s *session, p *protocol.RoomListRequest) {
	now := r.clock.Now()
	page, more := r.rooms.Public(p.Type, int(p.Offset), listPageSize)
	out := &protocol.RoomList{HasMore: more, Rooms: make([]protocol.RoomListEntry, 0, len(page))}
	for _, room := range page {
		room.requestState(now, r.opts.StateRefresh)
		out.Rooms = append(out.Rooms, room.listEntry())
	}
	r.deliverLarge(s.room, s.conn, out)
}

// onInfo answers for public rooms of any type, so the client can show an incompatibility.
func (r *Relay) onInfo(s *session, p *protocol.RoomInfoRequest) {
	room, ok := r.rooms.Get(p.RoomID)
	if !ok || !room.config.Public || room.closed {
		r.deliver(s.room, s.conn, &protocol.RoomInfoDenied{RoomID: p.RoomID})
		return
	}
	room.requestState(r.clock.Now(), r.opts.StateRefresh)
	r.deliverLarge(s.room, s.conn, room.info())
}

func (r *Relay) onKick(s *session, p *protocol.ConnectionClosed) {
	if !r.checkHost(s, domain.MessageConClosureDenied) {
		return
	}
	room := s.room
	target, ok := room.member(p.ConID)
	if !ok || target.ID() == s.conn.ID() {
		log.Warn().Str("module", "app.relay").Str("room", room.ID.String()).Int32("target", int32(p.ConID)).Msg("host tried to close a connection outside its room")
		room.message(domain.MessageConClosureDenied)
		return
	}
	log.Info().Str("module", "app.relay").Str("room", room.ID.String()).Str("target", target.SID()).Msg("host closed connection")
	room.disconnectedQuietly(target)
	if ts, ok := r.reg.Get(target.ID()); ok {
		ts.room = nil
	}
	r.metrics.Kicked.WithLabelValues("host").Inc()
	target.Close(p.Reason)
}

func (r *Relay) onWrap(s *session, p *protocol.ConnectionPacketWrap) {
	if !s.isHost() {
		return
	}
	delete(r.notifiedIdle, p.ConID)
	if s.room.fromHost(p) {
		r.metrics.Relayed.WithLabelValues("to_peer").Inc()
	}
}

// checkHost reports whether s hosts its room. A member is denied with a notice to the room.
func (r *Relay) checkHost(s *session, denial domain.MessageType) bool {
	if s.room == nil {
		return false
	}
	if !s.isHost() {
		log.Warn().Str("module", "app.relay").Str("sid", s.conn.SID()).Str("room", s.room.ID.String()).Str("action", denial.String()).Msg("host-only action denied")
		s.room.message(denial)
		return false
	}
	return true
}
