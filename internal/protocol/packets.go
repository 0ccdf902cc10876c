package protocol

import (
	"github.com/dkeye/Relay/internal/domain"
)

// Packet is a protocol packet registered in a Registry.
type Packet interface {
	Message
	encode(w *writer)
	decode(r *reader)
}

// Envelope and connection-scoped packets. ConID is the virtual connection id.
type (
	ConnectionJoin struct {
		ConID       domain.ConnID
		RoomID      domain.RoomID
		AddressHash int64
	}
	ConnectionClosed struct {
		ConID  domain.ConnID
		Reason domain.DcReason
	}
	ConnectionPacketWrap struct {
		ConID   domain.ConnID
		IsTCP   bool
		Payload []byte
	}
	ConnectionIdling struct {
		ConID domain.ConnID
	}
)

func (*ConnectionJoin) isMessage()       {}
func (*ConnectionClosed) isMessage()     {}
func (*ConnectionPacketWrap) isMessage() {}
func (*ConnectionIdling) isMessage()     {}

func (p *ConnectionJoin) encode(w *writer) {
	w.i32(int32(p.ConID))
	w.i64(int64(p.RoomID))
	w.i64(p.AddressHash)
}

func (p *ConnectionJoin) decode(r *reader) {
	p.ConID = domain.ConnID(r.i32())
	p.RoomID = domain.RoomID(r.i64())
	p.AddressHash = r.i64()
}

func (p *ConnectionClosed) encode(w *writer) {
	w.i32(int32(p.ConID))
	w.u8(uint8(p.Reason))
}

func (p *ConnectionClosed) decode(r *reader) {
	p.ConID = domain.ConnID(r.i32())
	p.Reason = domain.DcReason(r.u8())
}

func (p *ConnectionPacketWrap) encode(w *writer) {
	w.i32(int32(p.ConID))
	w.bool(p.IsTCP)
	w.bytes(p.Payload)
}

func (p *ConnectionPacketWrap) decode(r *reader) {
	p.ConID = domain.ConnID(r.i32())
	p.IsTCP = r.bool()
	p.Payload = r.rest()
}

func (p *ConnectionIdling) encode(w *writer) { w.i32(int32(p.ConID)) }
func (p *ConnectionIdling) decode(r *reader) { p.ConID = domain.ConnID(r.i32()) }

// Room lifecycle packets.
type (
	// RoomCreationRequest is decoded lazily; call Resolve before reading fields.
	RoomCreationRequest struct {
		delayed
		Version int32
		Type    domain.ImplType
	}
	RoomClosureRequest struct{}
	RoomClosed         struct {
		Reason domain.CloseReason
	}
	RoomJoin struct {
		RoomID   domain.RoomID
		Password domain.Password
		Type     domain.ImplType
	}
	RoomJoinAccepted struct {
		RoomID domain.RoomID
	}
	RoomJoinDenied struct {
		RoomID domain.RoomID
		Reason domain.RejectReason
	}
	// RoomLink carries the id of a freshly created room to its host.
	RoomLink struct {
		RoomID domain.RoomID
	}
	RoomConfig struct {
		Public    bool
		Protected bool
		Password  domain.Password
	}
)

func (*RoomCreationRequest) isMessage() {}
func (*RoomClosureRequest) isMessage()  {}
func (*RoomClosed) isMessage()          {}
func (*RoomJoin) isMessage()            {}
func (*RoomJoinAccepted) isMessage()    {}
func (*RoomJoinDenied) isMessage()      {}
func (*RoomLink) isMessage()            {}
func (*RoomConfig) isMessage()          {}

func (p *RoomCreationRequest) encode(w *writer) {
	if p.pending {
		w.bytes(p.raw)
		return
	}
	w.u16(0)
	w.i32(p.Version)
	w.implType(p.Type)
}

func (p *RoomCreationRequest) decode(r *reader) { p.stash(r) }

func (p *RoomCreationRequest) Resolve() error {
	return p.resolve(func(r *reader) {
		p.Version, p.Type = readCreationTail(r)
	})
}

func (*RoomClosureRequest) encode(*writer) {}
func (*RoomClosureRequest) decode(*reader) {}

func (p *RoomClosed) encode(w *writer) { w.u8(uint8(p.Reason)) }
func (p *RoomClosed) decode(r *reader) { p.Reason = domain.CloseReason(r.u8()) }

func (p *RoomJoin) encode(w *writer) {
	w.i64(int64(p.RoomID))
	w.i16(int16(p.Password))
	w.implType(p.Type)
}

func (p *RoomJoin) decode(r *reader) {
	p.RoomID = domain.RoomID(r.i64())
	p.Password, p.Type = readJoinTail(r)
}

func (p *RoomJoinAccepted) encode(w *writer) { w.i64(int64(p.RoomID)) }
func (p *RoomJoinAccepted) decode(r *reader) { p.RoomID = domain.RoomID(r.i64()) }

func (p *RoomJoinDenied) encode(w *writer) {
	w.i64(int64(p.RoomID))
	w.u8(uint8(p.Reason))
}

func (p *RoomJoinDenied) decode(r *reader) {
	p.RoomID = domain.RoomID(r.i64())
	p.Reason = domain.RejectReason(r.u8())
}

func (p *RoomLink) encode(w *writer) { w.i64(int64(p.RoomID)) }
func (p *RoomLink) decode(r *reader) { p.RoomID = domain.RoomID(r.i64()) }

func (p *RoomConfig) encode(w *writer) {
	w.bool(p.Public)
	w.bool(p.Protected)
	w.i16(int16(p.Password))
}

func (p *RoomConfig) decode(r *reader) {
	p.Public = r.bool()
	p.Protected = r.bool()
	p.Password = domain.Password(r.i16())
}

// Discovery packets: listing, info and state.
type (
	RoomListRequest struct {
		Type   domain.ImplType
		Offset int32
	}
	RoomListEntry struct {
		RoomID    domain.RoomID
		Protected bool
		State     []byte
	}
	// RoomList is one page of public rooms. It is decoded lazily.
	RoomList struct {
		delayed
		HasMore bool
		Rooms   []RoomListEntry
	}
	RoomInfoRequest struct {
		RoomID domain.RoomID
	}
	// RoomInfo is decoded lazily.
	RoomInfo struct {
		delayed
		RoomID    domain.RoomID
		Protected bool
		Type      domain.ImplType
		State     []byte
	}
	RoomInfoDenied struct {
		RoomID domain.RoomID
	}
	RoomState struct {
		RoomID domain.RoomID
		State  []byte
	}
	RoomStateRequest struct {
		RoomID domain.RoomID
	}
	ServerInfo struct {
		Version int32
	}
)

func (*RoomListRequest) isMessage()  {}
func (*RoomList) isMessage()         {}
func (*RoomInfoRequest) isMessage()  {}
func (*RoomInfo) isMessage()         {}
func (*RoomInfoDenied) isMessage()   {}
func (*RoomState) isMessage()        {}
func (*RoomStateRequest) isMessage() {}
func (*ServerInfo) isMessage()       {}

func (p *RoomListRequest) encode(w *writer) {
	w.implType(p.Type)
	w.i32(p.Offset)
}

func (p *RoomListRequest) decode(r *reader) {
	p.Type = r.implType()
	p.Offset = r.i32()
}

func (p *RoomList) encode(w *writer) {
	if p.pending {
		w.bytes(p.raw)
		return
	}
	w.bool(p.HasMore)
	w.i32(int32(len(p.Rooms)))
	bits := make([]byte, (len(p.Rooms)+7)/8)
	for i, e := range p.Rooms {
		if e.Protected {
			bits[i/8] |= 1 << (i % 8)
		}
	}
	w.bytes(bits)
	for _, e := range p.Rooms {
		w.i64(int64(e.RoomID))
		w.blob16(e.State)
	}
}

func (p *RoomList) decode(r *reader) { p.stash(r) }

func (p *RoomList) Resolve() error {
	return p.resolve(func(r *reader) {
		p.HasMore = r.bool()
		size := int(r.i32())
		// Each entry needs at least ten bytes; reject sizes the body cannot hold.
		if size < 0 || size > r.remaining()/10+1 {
			r.err = ErrShortBuffer
			return
		}
		bits := r.take((size + 7) / 8)
		if r.err != nil {
			return
		}
		p.Rooms = nil
		if size > 0 {
			p.Rooms = make([]RoomListEntry, size)
		}
		for i := range p.Rooms {
			p.Rooms[i] = RoomListEntry{
				Protected: bits[i/8]&(1<<(i%8)) != 0,
				RoomID:    domain.RoomID(r.i64()),
				State:     r.blob16(),
			}
		}
	})
}

func (p *RoomInfoRequest) encode(w *writer) { w.i64(int64(p.RoomID)) }
func (p *RoomInfoRequest) decode(r *reader) { p.RoomID = domain.RoomID(r.i64()) }

func (p *RoomInfo) encode(w *writer) {
	if p.pending {
		w.bytes(p.raw)
		return
	}
	w.i64(int64(p.RoomID))
	w.bool(p.Protected)
	w.implType(p.Type)
	w.bytes(p.State)
}

func (p *RoomInfo) decode(r *reader) { p.stash(r) }

func (p *RoomInfo) Resolve() error {
	return p.resolve(func(r *reader) {
		p.RoomID = domain.RoomID(r.i64())
		p.Protected = r.bool()
		p.Type = r.implType()
		p.State = r.rest()
	})
}

func (p *RoomInfoDenied) encode(w *writer) { w.i64(int64(p.RoomID)) }
func (p *RoomInfoDenied) decode(r *reader) { p.RoomID = domain.RoomID(r.i64()) }

func (p *RoomState) encode(w *writer) {
	w.i64(int64(p.RoomID))
	w.blob16(p.State)
}

func (p *RoomState) decode(r *reader) {
	p.RoomID = domain.RoomID(r.i64())
	p.State = r.blob16()
}

func (p *RoomStateRequest) encode(w *writer) { w.i64(int64(p.RoomID)) }
func (p *RoomStateRequest) decode(r *reader) { p.RoomID = domain.RoomID(r.i64()) }

func (p *ServerInfo) encode(w *writer) { w.i32(p.Version) }

// An empty ServerInfo comes from a relay that predates versioning.
func (p *ServerInfo) decode(r *reader) {
	if r.remaining() == 0 {
		p.Version = 0
		return
	}
	p.Version = r.i32()
}

// Notices shown to the user by the embedding application.
type (
	TextMessage struct {
		Text string
	}
	Notice struct {
		Type domain.MessageType
	}
	Popup struct {
		Text string
	}
)

func (*TextMessage) isMessage() {}
func (*Notice) isMessage()      {}
func (*Popup) isMessage()       {}

func (p *TextMessage) encode(w *writer) { w.str(p.Text) }
func (p *TextMessage) decode(r *reader) { p.Text = r.str() }
func (p *Notice) encode(w *writer)      { w.u8(uint8(p.Type)) }
func (p *Notice) decode(r *reader)      { p.Type = domain.MessageType(r.u8()) }
func (p *Popup) encode(w *writer)       { w.str(p.Text) }
func (p *Popup) decode(r *reader)       { p.Text = r.str() }
