// Package domain contains entities without transport logic.
package domain

// RejectReason is sent to a peer whose join was refused.
type RejectReason uint8

const (
	RejectServerClosing RejectReason = iota
	RejectRoomNotFound
	RejectPasswordRequired
	RejectInvalidPassword
	RejectIncompatible
)

var rejectNames = [...]string{"serverClosing", "roomNotFound", "passwordRequired", "invalidPassword", "incompatible"}

func (r RejectReason) String() string {
	if int(r) < len(rejectNames) {
		return rejectNames[r]
	}
	return "unknown"
}

// CloseReason explains why a room was closed.
type CloseReason uint8

const (
	CloseClosed CloseReason = iota
	CloseObsoleteClient
	CloseOutdatedClient
	CloseOutdatedServer
	CloseServerClosed
	CloseError
)

var closeNames = [...]string{"closed", "obsoleteClient", "outdatedClient", "outdatedServer", "serverClosed", "error"}

func (r CloseReason) String() string {
	if int(r) < len(closeNames) {
		return closeNames[r]
	}
	return "unknown"
}

// DcReason is the transport-level disconnect reason.
type DcReason uint8

const (
	DcClosed DcReason = iota
	DcTimeout
	DcError
)

var dcNames = [...]string{"closed", "timeout", "error"}

func (r DcReason) String() string {
	if int(r) < len(dcNames) {
		return dcNames[r]
	}
	return "unknown"
}

// MessageType is a predefined notice the relay sends to a room.
type MessageType uint8

const (
	MessageServerClosing MessageType = iota
	MessagePacketSpamming
	MessageAlreadyHosting
	MessageRoomClosureDenied
	MessageConClosureDenied
	MessageConfigureDenied
	MessageStatingDenied
)

var messageNames = [...]string{
	"serverClosing", "packetSpamming", "alreadyHosting", "roomClosureDenied",
	"conClosureDenied", "configureDenied", "statingDenied",
}

func (m MessageType) String() string {
	if int(m) < len(messageNames) {
		return messageNames[m]
	}
	return "unknown"
}
