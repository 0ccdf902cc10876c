package app

import (
	"encoding/base64"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

// outbox delivers messages on behalf of a room.
// The relay implements it and applies the backpressure policy.
type outbox interface {
	deliver(room *Room, c core.Conn, m protocol.Message)
	deliverLarge(room *Room, c core.Conn, p protocol.Packet)
}

type member struct {
	conn        core.Conn
	addressHash int64
}

// Room is a host and the peers joined to it.
// It is owned by the relay goroutine; nothing here locks.
type Room struct {
	ID   domain.RoomID
	Type domain.ImplType

	host      core.Conn
	members   map[domain.ConnID]member
	config    domain.RoomConfig
	state     []byte
	stateAt   time.Time
	askedAt   time.Time
	createdAt time.Time
	closed    bool
	out       outbox
}

func newRoom(id domain.RoomID, host core.Conn, t domain.ImplType, out outbox, now time.Time) *Room {
	return &Room{
		ID:        id,
		Type:      t,
		host:      host,
		members:   make(map[domain.ConnID]member),
		config:    domain.RoomConfig{Password: domain.NoPassword},
		createdAt: now,
		out:       out,
	}
}

func (r *Room) Host() core.Conn { return r.host }
func (r *Room) Closed() bool    { return r.closed }
func (r *Room) Members() int    { return len(r.members) }
func (r *Room) State() []byte   { return r.state }

func (r *Room) Config() domain.RoomConfig { return r.config }

func (r *Room) IsHost(c core.Conn) bool {
	return c != nil && r.host != nil && c.ID() == r.host.ID()
}

func (r *Room) Contains(id domain.ConnID) bool {
	_, ok := r.members[id]
	return ok
}

func (r *Room) create() {
	r.out.deliver(r, r.host, &protocol.RoomLink{RoomID: r.ID})
	log.Info().Str("module", "app.room").Str("room", r.ID.String()).Str("host", r.host.SID()).Str("type", string(r.Type)).Msg("room created")
}

// connected adds c and tells both sides.
func (r *Room) connected(c core.Conn, addressHash int64) {
	if r.closed {
		return
	}
	r.members[c.ID()] = member{conn: c, addressHash: addressHash}
	r.out.deliver(r, r.host, &protocol.ConnectionJoin{ConID: c.ID(), RoomID: r.ID, AddressHash: addressHash})
	r.out.deliver(r, c, &protocol.RoomJoinAccepted{RoomID: r.ID})
	log.Info().Str("module", "app.room").Str("room", r.ID.String()).Str("sid", c.SID()).Msg("member joined")
}

// disconnected removes c and tells the host.
func (r *Room) disconnected(c core.Conn, reason domain.DcReason) {
	if r.closed || r.IsHost(c) || !r.Contains(c.ID()) {
		return
	}
	delete(r.members, c.ID())
	r.out.deliver(r, r.host, &protocol.ConnectionClosed{ConID: c.ID(), Reason: reason})
	log.Info().Str("module", "app.room").Str("room", r.ID.String()).Str("sid", c.SID()).Str("reason", reason.String()).Msg("member left")
}

// disconnectedQuietly removes c without telling the host, which asked for it.
func (r *Room) disconnectedQuietly(c core.Conn) {
	delete(r.members, c.ID())
}

func (r *Room) member(id domain.ConnID) (core.Conn, bool) {
	m, ok := r.members[id]
	return m.conn, ok
}

// fromPeer wraps a peer's raw payload for the host.
func (r *Room) fromPeer(c core.Conn, raw protocol.Raw) bool {
	if r.closed || !r.Contains(c.ID()) {
		return false
	}
	r.out.deliver(r, r.host, &protocol.ConnectionPacketWrap{ConID: c.ID(), IsTCP: true, Payload: raw.Data})
	return true
}

// fromHost unwraps an envelope to its member. An unknown member is reported closed.
func (r *Room) fromHost(p *protocol.ConnectionPacketWrap) bool {
	if r.closed {
		return false
	}
	target, ok := r.member(p.ConID)
	if !ok {
		r.out.deliver(r, r.host, &protocol.ConnectionClosed{ConID: p.ConID, Reason: domain.DcError})
		return false
	}
	r.out.deliver(r, target, protocol.Raw{Data: p.Payload})
	return true
}

func (r *Room) idle(c core.Conn) {
	if r.closed || !r.Contains(c.ID()) {
		return
	}
	r.out.deliver(r, r.host, &protocol.ConnectionIdling{ConID: c.ID()})
}

// close tells the host why and closes every connection of the room.
func (r *Room) close(reason domain.CloseReason) {
	if r.closed {
		return
	}
	r.closed = true
	r.out.deliver(r, r.host, &protocol.RoomClosed{Reason: reason})
	r.host.Close(domain.DcClosed)
	for id, m := range r.members {
		m.conn.Close(domain.DcClosed)
		delete(r.members, id)
	}
	log.Info().Str("module", "app.room").Str("room", r.ID.String()).Str("reason", reason.String()).Msg("room closed")
}

// Notices go to the host only; it forwards them to its peers.
func (r *Room) message(t domain.MessageType) {
	r.out.deliver(r, r.host, &protocol.Notice{Type: t})
}

func (r *Room) text(text string) {
	r.out.deliver(r, r.host, &protocol.TextMessage{Text: text})
}

func (r *Room) popup(text string) {
	r.out.deliver(r, r.host, &protocol.Popup{Text: text})
}

func (r *Room) configure(cfg domain.RoomConfig) {
	if !cfg.Protected {
		cfg.Password = domain.NoPassword
	}
	r.config = cfg
	log.Debug().Str("module", "app.room").Str("room", r.ID.String()).Bool("public", cfg.Public).Bool("protected", cfg.Protected).Msg("room configured")
}

func (r *Room) setState(state []byte, now time.Time) {
	r.state = state
	r.stateAt = now
}

// requestState asks the host for fresh state when the known one is older than refresh.
// At most one request is outstanding per refresh period.
func (r *Room) requestState(now time.Time, refresh time.Duration) {
	if r.closed || now.Sub(r.stateAt) < refresh || now.Sub(r.askedAt) < refresh {
		return
	}
	r.askedAt = now
	r.out.deliver(r, r.host, &protocol.RoomStateRequest{RoomID: r.ID})
}

// admit checks a join request against the room's type and password.
func (r *Room) admit(t domain.ImplType, password domain.Password) (domain.RejectReason, bool) {
	switch {
	case r.Type != t:
		return domain.RejectIncompatible, false
	case r.config.Protected && password == domain.NoPassword:
		return domain.RejectPasswordRequired, false
	case r.config.Protected && password != r.config.Password:
		return domain.RejectInvalidPassword, false
	}
	return 0, true
}

func (r *Room) Summary() domain.RoomSummary {
	return domain.RoomSummary{
		ID:        r.ID.String(),
		Type:      string(r.Type),
		Public:    r.config.Public,
		Protected: r.config.Protected,
		Members:   len(r.members),
		StateSize: len(r.state),
		HostSID:   r.host.SID(),
	}
}

func (r *Room) MemberSummaries() []domain.MemberSummary {
	out := make([]domain.MemberSummary, 0, len(r.members))
	for id, m := range r.members {
		var h [8]byte
		for i := range h {
			h[i] = byte(uint64(m.addressHash) >> ((7 - i) * 8))
		}
		out = append(out, domain.MemberSummary{
			ConnID:      id,
			SID:         m.conn.SID(),
			AddressHash: base64.RawURLEncoding.EncodeToString(h[:]),
		})
	}
	return out
}

func (r *Room) listEntry() protocol.RoomListEntry {
	return protocol.RoomListEntry{RoomID: r.ID, Protected: r.config.Protected, State: r.state}
}

func (r *Room) info() *protocol.RoomInfo {
	return &protocol.RoomInfo{RoomID: r.ID, Protected: r.config.Protected, Type: r.Type, State: r.state}
}
