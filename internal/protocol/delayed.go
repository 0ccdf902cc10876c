package protocol

// Delayed packets keep their body as received and parse it in Resolve,
// which the relay calls from its event loop rather than the reader goroutine.
type Delayed interface {
	Packet
	Resolve() error
}

type delayed struct {
	raw     []byte
	pending bool
}

func (d *delayed) stash(r *reader) {
	d.raw = r.rest()
	d.pending = true
}

func (d *delayed) resolve(parse func(r *reader)) error {
	if !d.pending {
		return nil
	}
	r := &reader{b: d.raw}
	parse(r)
	if r.err != nil {
		return r.err
	}
	d.raw, d.pending = nil, false
	return nil
}

// Resolve parses m if it is a delayed packet and is a no-op otherwise.
func Resolve(m Message) error {
	if d, ok := m.(Delayed); ok {
		return d.Resolve()
	}
	return nil
}
