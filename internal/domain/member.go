package domain

import (
	"net/netip"
)

// ConnID identifies a physical connection on the relay. The same value
// is used as the virtual connection id inside the room it joins.
type ConnID int32

// MemberSummary is a read-only view of a room member for APIs.
// The peer address is never included.
type MemberSummary struct {
	ConnID      ConnID `json:"conn_id"`
	SID         string `json:"sid"`
	AddressHash string `json:"address_hash"`
}

// HashAddress hashes the address bytes with FNV-1a 64.
func HashAddress(addr netip.Addr) int64 {
	h := uint64(0xcbf29ce484222325)
	for _, b := range addr.Unmap().AsSlice() {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	return int64(h)
}

// SurrogateAddress builds an fd00::/8 address carrying the hash in its last 8 bytes.
func SurrogateAddress(hash int64) netip.Addr {
	var b [16]byte
	b[0] = 0xfd
	for i := 0; i < 8; i++ {
		b[8+i] = byte(uint64(hash) >> ((7 - i) * 8))
	}
	return netip.AddrFrom16(b)
}
