package protocol

import (
	"github.com/dkeye/Relay/internal/domain"
)

// Older clients are still deployed. Their framing differences are confined
// to this file so the packet definitions describe only the current format.

// LegacyVersion marks a creation request from a client that predates version checks.
const LegacyVersion int32 = -1

// readCreationTail accepts the current [u16 0][version][type] body. Older clients
// sent a version string here, whose non-zero length prefix yields LegacyVersion.
func readCreationTail(r *reader) (int32, domain.ImplType) {
	if r.remaining() < 2 {
		return LegacyVersion, ""
	}
	if utflen := r.u16(); utflen != 0 || r.remaining() == 0 {
		r.b = nil
		return LegacyVersion, ""
	}
	return r.i32(), r.implType()
}

// readJoinTail reads the password and type, both absent in joins from older clients.
func readJoinTail(r *reader) (domain.Password, domain.ImplType) {
	if r.err != nil || r.remaining() == 0 {
		return domain.NoPassword, ""
	}
	return domain.Password(r.i16()), r.implType()
}

// NewLegacyText builds a legacy-channel frame carrying a user-facing text.
func NewLegacyText(text string) Legacy {
	w := &writer{}
	w.str(text)
	return Legacy{Data: w.buf}
}

// LegacyText extracts the text of a legacy frame, if it holds one.
func LegacyText(l Legacy) (string, bool) {
	r := &reader{b: l.Data}
	s := r.str()
	return s, r.err == nil
}
