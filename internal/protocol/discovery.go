package protocol

import (
	"encoding/binary"
	"errors"
)

var ErrIncompatibleServer = errors.New("protocol: incompatible discovery reply")

// DiscoveryRequest is the datagram a pinger sends to a relay.
func DiscoveryRequest() []byte {
	return []byte{FrameworkTag, byte(KindDiscoverHost)}
}

// IsDiscoveryRequest reports whether a datagram asks for discovery.
func IsDiscoveryRequest(b []byte) bool {
	return len(b) >= 2 && b[0] == FrameworkTag && FrameworkKind(b[1]) == KindDiscoverHost
}

// DiscoveryReply carries the relay's major version behind the protocol tag.
func DiscoveryReply(major int32) []byte {
	b := make([]byte, 5)
	b[0] = ProtocolTag
	binary.BigEndian.PutUint32(b[1:], uint32(major))
	return b
}

// ParseDiscoveryReply returns the relay's major version. An empty reply comes
// from a relay without discovery support and reports version 0.
func ParseDiscoveryReply(b []byte) (int32, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if b[0] != ProtocolTag {
		return 0, ErrIncompatibleServer
	}
	if len(b) < 5 {
		return 0, ErrShortBuffer
	}
	return int32(binary.BigEndian.Uint32(b[1:5])), nil
}
