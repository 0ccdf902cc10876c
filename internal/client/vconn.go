package client

import (
	"net/netip"

	"github.com/dkeye/Relay/internal/domain"
)

// connTable is the side of a Proxy a virtual connection talks to.
type connTable interface {
	send(id domain.ConnID, payload []byte, reliable bool) (int, error)
	close(id domain.ConnID, reason domain.DcReason, notify bool)
	status(id domain.ConnID) (connected, idle bool)
}

// VirtualConn is a peer of the hosted room, multiplexed over the proxy's
// single relay connection. It holds only its id; state lives in the proxy.
type VirtualConn struct {
	id    domain.ConnID
	addr  netip.Addr
	table connTable
}

func (v *VirtualConn) ID() domain.ConnID { return v.id }

// RemoteAddr is a surrogate derived from the peer's address hash.
func (v *VirtualConn) RemoteAddr() netip.Addr { return v.addr }

// Send wraps payload for the relay. Unreliable payloads travel on the same
// stream; the flag is carried for the receiving side. The peer gets payload
// as a raw message, so it must be non-empty and not start with a reserved tag.
func (v *VirtualConn) Send(payload []byte, reliable bool) (int, error) {
	return v.table.send(v.id, payload, reliable)
}

// Close disconnects the peer and tells the relay.
func (v *VirtualConn) Close(reason domain.DcReason) { v.table.close(v.id, reason, true) }

// CloseQuietly disconnects locally only, for when the relay already knows.
func (v *VirtualConn) CloseQuietly(reason domain.DcReason) { v.table.close(v.id, reason, false) }

func (v *VirtualConn) Connected() bool {
	c, _ := v.table.status(v.id)
	return c
}

// Idle reports the last idle notice from the relay; traffic from the peer clears it.
func (v *VirtualConn) Idle() bool {
	_, i := v.table.status(v.id)
	return i
}
