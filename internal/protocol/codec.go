// Package protocol implements the relay wire format: channel tags, the
// packet registry, framework messages, stream splitting and framing.
package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("protocol: empty message")
	ErrRawTagCollision = errors.New("protocol: raw payload starts with a reserved tag")
)

// Codec turns messages into bytes and back. A codec that allows raw
// payloads classifies any unreserved first byte as a Raw message; others
// reject it as an unknown tag.
type Codec struct {
	reg      *Registry
	allowRaw bool
}

func NewCodec(reg *Registry, allowRaw bool) *Codec {
	return &Codec{reg: reg, allowRaw: allowRaw}
}

func (c *Codec) Registry() *Registry { return c.reg }

func (c *Codec) Encode(m Message) ([]byte, error) {
	w := &writer{}
	switch v := m.(type) {
	case Raw:
		if err := CheckRaw(v.Data); err != nil {
			return nil, err
		}
		return v.Data, nil
	case Legacy:
		w.u8(LegacyTag)
		w.bytes(v.Data)
	case Packet:
		t, err := c.reg.TypeOf(v)
		if err != nil {
			return nil, err
		}
		w.u8(ProtocolTag)
		w.u8(uint8(t))
		v.encode(w)
	default:
		w.u8(FrameworkTag)
		if !encodeFramework(w, m) {
			return nil, fmt.Errorf("%w: %T", ErrUnknownPacketType, m)
		}
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *Codec) Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}
	r := &reader{b: b[1:]}
	switch b[0] {
	case FrameworkTag:
		return decodeFramework(r)
	case LegacyTag:
		return Legacy{Data: r.rest()}, nil
	case ProtocolTag:
		t := PacketType(r.u8())
		if r.err != nil {
			return nil, r.err
		}
		return c.decodeBody(t, r)
	default:
		if !c.allowRaw {
			return nil, unknownTag("channel", b[0])
		}
		data := make([]byte, len(b))
		copy(data, b)
		return Raw{Data: data}, nil
	}
}

// EncodeBody encodes a packet without its channel tag and type byte.
func (c *Codec) EncodeBody(p Packet) (PacketType, []byte, error) {
	t, err := c.reg.TypeOf(p)
	if err != nil {
		return 0, nil, err
	}
	w := &writer{}
	p.encode(w)
	return t, w.buf, w.err
}

func (c *Codec) DecodeBody(t PacketType, body []byte) (Packet, error) {
	return c.decodeBody(t, &reader{b: body})
}

func (c *Codec) decodeBody(t PacketType, r *reader) (Packet, error) {
	p, err := c.reg.New(t)
	if err != nil {
		return nil, err
	}
	p.decode(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode %T: %w", p, r.err)
	}
	return p, nil
}
