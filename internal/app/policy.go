package app

import "github.com/dkeye/Relay/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropPacket
)

// Policy decides what happens when a connection's send queue is full.
type Policy interface {
	OnBackPressure(room *Room, conn core.Conn) BackpressureAction
}

// SimplePolicy kicks slow peers. A slow host only loses the packet.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room *Room, conn core.Conn) BackpressureAction {
	if room == nil {
		return DropPacket
	}
	if room.IsHost(conn) {
		return DropPacket
	}
	return KickMember
}
