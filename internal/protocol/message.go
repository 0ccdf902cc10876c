package protocol

// Channel tags carried in the first byte of every message.
const (
	FrameworkTag byte = 0xFE // -2
	LegacyTag    byte = 0xFD // -3
	ProtocolTag  byte = 0xFC // -4
)

// Message is the closed set of things that travel on a physical connection:
// framework messages, protocol packets, raw payloads and legacy frames.
type Message interface {
	isMessage()
}

// Raw is an opaque application payload. Its first byte is the application's
// own and must not collide with a channel tag.
type Raw struct {
	Data []byte
}

// Legacy is a frame sent on the pre-versioning channel.
type Legacy struct {
	Data []byte
}

func (Raw) isMessage()    {}
func (Legacy) isMessage() {}

// IsReservedTag reports whether b is one of the channel tags.
func IsReservedTag(b byte) bool {
	return b == FrameworkTag || b == LegacyTag || b == ProtocolTag
}

// CheckRaw reports why data cannot travel as a raw payload.
func CheckRaw(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if IsReservedTag(data[0]) {
		return ErrRawTagCollision
	}
	return nil
}

// FrameworkKind is the sub-tag of a framework message.
type FrameworkKind uint8

const (
	KindPing FrameworkKind = iota
	KindDiscoverHost
	KindKeepAlive
	KindRegisterUDP
	KindRegisterTCP
)

// Framework messages live outside the packet registry.
type (
	Ping struct {
		ID      int32
		IsReply bool
	}
	DiscoverHost struct{}
	KeepAlive    struct{}
	RegisterUDP  struct{ ConnID int32 }
	RegisterTCP  struct{ ConnID int32 }
)

func (Ping) isMessage()         {}
func (DiscoverHost) isMessage() {}
func (KeepAlive) isMessage()    {}
func (RegisterUDP) isMessage()  {}
func (RegisterTCP) isMessage()  {}

// IsFramework reports whether m belongs to the framework family.
func IsFramework(m Message) bool {
	switch m.(type) {
	case Ping, DiscoverHost, KeepAlive, RegisterUDP, RegisterTCP:
		return true
	}
	return false
}

func encodeFramework(w *writer, m Message) bool {
	switch v := m.(type) {
	case Ping:
		w.u8(uint8(KindPing))
		w.i32(v.ID)
		w.bool(v.IsReply)
	case DiscoverHost:
		w.u8(uint8(KindDiscoverHost))
	case KeepAlive:
		w.u8(uint8(KindKeepAlive))
	case RegisterUDP:
		w.u8(uint8(KindRegisterUDP))
		w.i32(v.ConnID)
	case RegisterTCP:
		w.u8(uint8(KindRegisterTCP))
		w.i32(v.ConnID)
	default:
		return false
	}
	return true
}

func decodeFramework(r *reader) (Message, error) {
	kind := FrameworkKind(r.u8())
	var m Message
	switch kind {
	case KindPing:
		m = Ping{ID: r.i32(), IsReply: r.bool()}
	case KindDiscoverHost:
		m = DiscoverHost{}
	case KindKeepAlive:
		m = KeepAlive{}
	case KindRegisterUDP:
		m = RegisterUDP{ConnID: r.i32()}
	case KindRegisterTCP:
		m = RegisterTCP{ConnID: r.i32()}
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, unknownTag("framework", byte(kind))
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}
