package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

const (
	// ChunkSize is the largest body sent without streaming and the size of each chunk.
	ChunkSize = 8128
	// CompressThreshold is the smallest body worth compressing.
	CompressThreshold = 1024
	// MaxStreamSize caps both the declared and the decompressed size of a stream.
	MaxStreamSize = 1 << 20
	// MaxOpenStreams caps the unfinished streams of one connection.
	MaxOpenStreams = 4
)

var (
	ErrChunkWithoutHead = errors.New("protocol: stream chunk without head")
	ErrStreamTooLarge   = errors.New("protocol: stream too large")
	ErrStreamOverflow   = errors.New("protocol: stream chunk exceeds declared size")
	ErrTooManyStreams   = errors.New("protocol: too many open streams")
)

type (
	StreamHead struct {
		ID         int32
		Total      int32
		Type       PacketType
		Compressed bool
	}
	StreamChunk struct {
		ID   int32
		Data []byte
	}
)

func (*StreamHead) isMessage()  {}
func (*StreamChunk) isMessage() {}

func (p *StreamHead) encode(w *writer) {
	w.i32(p.ID)
	w.i32(p.Total)
	w.u8(uint8(p.Type))
	w.bool(p.Compressed)
}

func (p *StreamHead) decode(r *reader) {
	p.ID = r.i32()
	p.Total = r.i32()
	p.Type = PacketType(r.u8())
	p.Compressed = r.bool()
}

func (p *StreamChunk) encode(w *writer) {
	w.i32(p.ID)
	w.bytes(p.Data)
}

func (p *StreamChunk) decode(r *reader) {
	p.ID = r.i32()
	p.Data = r.rest()
}

// IsStream reports whether m is a stream head or chunk.
func IsStream(m Message) bool {
	switch m.(type) {
	case *StreamHead, *StreamChunk:
		return true
	}
	return false
}

// StreamSender splits oversized packets. Stream ids increase per sender.
type StreamSender struct {
	codec *Codec
	next  atomic.Int32
}

func NewStreamSender(c *Codec) *StreamSender {
	return &StreamSender{codec: c}
}

// Split returns p alone when its body fits in one chunk, otherwise a head
// followed by the chunks of the (possibly compressed) body.
func (s *StreamSender) Split(p Packet) ([]Message, error) {
	t, body, err := s.codec.EncodeBody(p)
	if err != nil {
		return nil, err
	}
	if len(body) <= ChunkSize {
		return []Message{p}, nil
	}
	if len(body) > MaxStreamSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrStreamTooLarge, len(body))
	}
	head := &StreamHead{ID: s.next.Add(1), Type: t}
	if len(body) >= CompressThreshold {
		if packed := compress(body); len(packed) < len(body) {
			body = packed
			head.Compressed = true
		}
	}
	head.Total = int32(len(body))
	out := make([]Message, 0, 1+(len(body)+ChunkSize-1)/ChunkSize)
	out = append(out, head)
	for off := 0; off < len(body); off += ChunkSize {
		end := min(off+ChunkSize, len(body))
		out = append(out, &StreamChunk{ID: head.ID, Data: body[off:end]})
	}
	return out, nil
}

type streamKey struct {
	conn int32
	id   int32
}

type streamBuilder struct {
	head StreamHead
	buf  []byte
}

// StreamReceiver reassembles streams keyed by (connection, stream id).
// It is not safe for concurrent use.
type StreamReceiver struct {
	codec    *Codec
	builders map[streamKey]*streamBuilder
	open     map[int32]int
}

func NewStreamReceiver(c *Codec) *StreamReceiver {
	return &StreamReceiver{codec: c, builders: make(map[streamKey]*streamBuilder), open: make(map[int32]int)}
}

// Receive consumes a head or chunk from conn and returns the rebuilt packet
// once the stream is complete, nil before that.
func (s *StreamReceiver) Receive(conn int32, m Message) (Packet, error) {
	switch v := m.(type) {
	case *StreamHead:
		if v.Total < 0 || v.Total > MaxStreamSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrStreamTooLarge, v.Total)
		}
		// buf grows with the chunks actually received.
		b := &streamBuilder{head: *v}
		if v.Total == 0 {
			return s.build(b)
		}
		key := streamKey{conn, v.ID}
		if _, restart := s.builders[key]; !restart {
			if s.open[conn] >= MaxOpenStreams {
				return nil, fmt.Errorf("%w: %d on connection %d", ErrTooManyStreams, s.open[conn], conn)
			}
			s.open[conn]++
		}
		s.builders[key] = b
		return nil, nil
	case *StreamChunk:
		key := streamKey{conn, v.ID}
		b, ok := s.builders[key]
		if !ok {
			return nil, fmt.Errorf("%w: stream %d", ErrChunkWithoutHead, v.ID)
		}
		if len(b.buf)+len(v.Data) > int(b.head.Total) {
			s.forget(key)
			return nil, fmt.Errorf("%w: stream %d", ErrStreamOverflow, v.ID)
		}
		b.buf = append(b.buf, v.Data...)
		if len(b.buf) < int(b.head.Total) {
			return nil, nil
		}
		s.forget(key)
		return s.build(b)
	default:
		return nil, fmt.Errorf("%w: %T is not a stream packet", ErrUnknownPacketType, m)
	}
}

func (s *StreamReceiver) build(b *streamBuilder) (Packet, error) {
	body := b.buf
	if b.head.Compressed {
		var err error
		if body, err = decompress(body); err != nil {
			return nil, fmt.Errorf("stream %d: %w", b.head.ID, err)
		}
	}
	return s.codec.DecodeBody(b.head.Type, body)
}

func (s *StreamReceiver) forget(key streamKey) {
	delete(s.builders, key)
	if s.open[key.conn]--; s.open[key.conn] <= 0 {
		delete(s.open, key.conn)
	}
}

// Release drops every unfinished stream of conn.
func (s *StreamReceiver) Release(conn int32) {
	for k := range s.builders {
		if k.conn == conn {
			delete(s.builders, k)
		}
	}
	delete(s.open, conn)
}

// Pending is the number of unfinished streams.
func (s *StreamReceiver) Pending() int { return len(s.builders) }

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdInit() {
	var err error
	if zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		panic(err)
	}
	if zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxStreamSize)); err != nil {
		panic(err)
	}
}

func compress(b []byte) []byte {
	zstdOnce.Do(zstdInit)
	return zstdEnc.EncodeAll(b, nil)
}

func decompress(b []byte) ([]byte, error) {
	zstdOnce.Do(zstdInit)
	out, err := zstdDec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxStreamSize {
		return nil, ErrStreamTooLarge
	}
	return out, nil
}
