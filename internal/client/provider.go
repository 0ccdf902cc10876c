package client

import (
	"github.com/dkeye/Relay/internal/domain"
)

// Provider is implemented by the embedding application.
// Every method except Version, ImplType and Executor is called on the executor.
type Provider interface {
	Version() domain.Version
	ImplType() domain.ImplType
	Executor() Executor

	// Opened is called for each peer joining the hosted room. The returned
	// listener receives that peer's traffic and may be nil.
	Opened(vc *VirtualConn) Listener
	// RoomState encodes the current room state, at most 65535 bytes.
	RoomState() []byte

	Text(text string)
	Notice(t domain.MessageType)
	Popup(text string)
}

// Listener receives the events of one virtual connection.
type Listener interface {
	Received(vc *VirtualConn, payload []byte)
	Idle(vc *VirtualConn)
	Disconnected(vc *VirtualConn, reason domain.DcReason)
}

// BaseProvider implements the optional parts of Provider as no-ops.
// Embed it and override what the application needs.
type BaseProvider struct {
	Ver  domain.Version
	Type domain.ImplType
	Exec Executor
}

func (b *BaseProvider) Version() domain.Version      { return b.Ver }
func (b *BaseProvider) ImplType() domain.ImplType    { return b.Type }
func (b *BaseProvider) Executor() Executor           { return b.Exec }
func (b *BaseProvider) Opened(*VirtualConn) Listener { return nil }
func (b *BaseProvider) RoomState() []byte            { return nil }
func (b *BaseProvider) Text(string)                  {}
func (b *BaseProvider) Notice(domain.MessageType)    {}
func (b *BaseProvider) Popup(string)                 {}
