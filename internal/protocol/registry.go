package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrUnknownProtocolTag = errors.New("protocol: unknown channel tag")
	ErrUnknownPacketType  = errors.New("protocol: unknown packet type")
	ErrPacketLimit        = errors.New("protocol: packet type limit reached")
)

func unknownTag(family string, b byte) error {
	return fmt.Errorf("%w: %s 0x%02x", ErrUnknownProtocolTag, family, b)
}

// MaxPacketTypes bounds the registry; type bytes are 0..254.
const MaxPacketTypes = 255

// PacketType is the second byte of a protocol packet.
type PacketType uint8

// Registry assigns type bytes in registration order. The order is part of the wire format.
type Registry struct {
	mu        sync.RWMutex
	ids       map[reflect.Type]PacketType
	factories []func() Packet
}

func NewRegistry() *Registry {
	return &Registry{ids: make(map[reflect.Type]PacketType)}
}

// Register adds a packet kind. Registering a kind twice is a no-op.
func (r *Registry) Register(factory func() Packet) error {
	t := reflect.TypeOf(factory())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[t]; ok {
		return nil
	}
	if len(r.factories) >= MaxPacketTypes {
		return fmt.Errorf("%w: %s", ErrPacketLimit, t)
	}
	r.ids[t] = PacketType(len(r.factories))
	r.factories = append(r.factories, factory)
	return nil
}

func (r *Registry) TypeOf(p Packet) (PacketType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[reflect.TypeOf(p)]
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrUnknownPacketType, p)
	}
	return id, nil
}

func (r *Registry) New(t PacketType) (Packet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(t) >= len(r.factories) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, t)
	}
	return r.factories[t](), nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Type bytes of the default registry.
const (
	TypeConnectionJoin PacketType = iota
	TypeConnectionClosed
	TypeConnectionPacketWrap
	TypeConnectionIdling
	TypeRoomCreationRequest
	TypeRoomClosureRequest
	TypeRoomClosed
	TypeRoomJoin
	TypeRoomJoinAccepted
	TypeRoomJoinDenied
	TypeRoomLink
	TypeRoomConfig
	TypeRoomListRequest
	TypeRoomList
	TypeRoomInfoRequest
	TypeRoomInfo
	TypeServerInfo
	TypeTextMessage
	TypeNotice
	TypePopup
	TypeRoomInfoDenied
	TypeRoomState
	TypeRoomStateRequest
	TypeStreamHead
	TypeStreamChunk
)

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// DefaultRegistry returns the registry shared by the relay and its clients.
// Do not reorder: older clients rely on the first ten positions.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		reg := NewRegistry()
		for _, f := range []func() Packet{
			func() Packet { return &ConnectionJoin{} },
			func() Packet { return &ConnectionClosed{} },
			func() Packet { return &ConnectionPacketWrap{} },
			func() Packet { return &ConnectionIdling{} },
			func() Packet { return &RoomCreationRequest{} },
			func() Packet { return &RoomClosureRequest{} },
			func() Packet { return &RoomClosed{} },
			func() Packet { return &RoomJoin{} },
			func() Packet { return &RoomJoinAccepted{} },
			func() Packet { return &RoomJoinDenied{} },
			func() Packet { return &RoomLink{} },
			func() Packet { return &RoomConfig{} },
			func() Packet { return &RoomListRequest{} },
			func() Packet { return &RoomList{} },
			func() Packet { return &RoomInfoRequest{} },
			func() Packet { return &RoomInfo{} },
			func() Packet { return &ServerInfo{} },
			func() Packet { return &TextMessage{} },
			func() Packet { return &Notice{} },
			func() Packet { return &Popup{} },
			func() Packet { return &RoomInfoDenied{} },
			func() Packet { return &RoomState{} },
			func() Packet { return &RoomStateRequest{} },
			func() Packet { return &StreamHead{} },
			func() Packet { return &StreamChunk{} },
		} {
			if err := reg.Register(f); err != nil {
				panic(err)
			}
		}
		defaultReg = reg
	})
	return defaultReg
}
