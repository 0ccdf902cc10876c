package protocol

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/domain"
)

func noisyState(n int) []byte {
	rng := rand.New(rand.NewPCG(3, 5))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return b
}

func TestStreamSplitAndReassemble(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)
	sender := NewStreamSender(codec)
	recv := NewStreamReceiver(codec)

	// Random bytes do not compress, so the body becomes a head and exactly five chunks.
	want := &RoomState{RoomID: 77, State: noisyState(ChunkSize*5 - 200)}
	parts, err := sender.Split(want)
	require.NoError(t, err)
	require.Len(t, parts, 6)

	head := parts[0].(*StreamHead)
	assert.False(t, head.Compressed)
	assert.Equal(t, TypeRoomState, head.Type)

	// Chunks are re-encoded on the wire, like a real transfer.
	var got Packet
	for i, m := range parts {
		b, err := codec.Encode(m)
		require.NoError(t, err)
		wire, err := codec.Decode(b)
		require.NoError(t, err)

		got, err = recv.Receive(1, wire)
		require.NoError(t, err)
		if i < len(parts)-1 {
			assert.Nil(t, got)
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, want, got)
	assert.Zero(t, recv.Pending(), "completed streams are released")
}

func TestStreamCompressed(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)
	sender := NewStreamSender(codec)
	recv := NewStreamReceiver(codec)

	want := &RoomState{RoomID: 1, State: bytes.Repeat([]byte("room state "), 5000)}
	parts, err := sender.Split(want)
	require.NoError(t, err)
	head := parts[0].(*StreamHead)
	require.True(t, head.Compressed)

	var got Packet
	for _, m := range parts {
		got, err = recv.Receive(3, m)
		require.NoError(t, err)
	}
	assert.Equal(t, want, got)
}

func TestStreamSmallPacketIsNotSplit(t *testing.T) {
	sender := NewStreamSender(NewCodec(DefaultRegistry(), false))
	p := &RoomState{RoomID: 1, State: []byte("tiny")}
	parts, err := sender.Split(p)
	require.NoError(t, err)
	assert.Equal(t, []Message{p}, parts)
}

func TestStreamIDsIncrease(t *testing.T) {
	sender := NewStreamSender(NewCodec(DefaultRegistry(), false))
	big := &RoomState{State: noisyState(ChunkSize + 1)}
	a, err := sender.Split(big)
	require.NoError(t, err)
	b, err := sender.Split(big)
	require.NoError(t, err)
	assert.Less(t, a[0].(*StreamHead).ID, b[0].(*StreamHead).ID)
}

func TestStreamChunkWithoutHead(t *testing.T) {
	recv := NewStreamReceiver(NewCodec(DefaultRegistry(), false))
	_, err := recv.Receive(1, &StreamChunk{ID: 4, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrChunkWithoutHead)
}

func TestStreamKeyedByConnection(t *testing.T) {
	recv := NewStreamReceiver(NewCodec(DefaultRegistry(), false))
	_, err := recv.Receive(1, &StreamHead{ID: 1, Total: 10, Type: TypeRoomState})
	require.NoError(t, err)

	// Same stream id from another connection has no head.
	_, err = recv.Receive(2, &StreamChunk{ID: 1, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrChunkWithoutHead)

	recv.Release(1)
	assert.Zero(t, recv.Pending())
}

func TestStreamRejectsOversize(t *testing.T) {
	recv := NewStreamReceiver(NewCodec(DefaultRegistry(), false))
	_, err := recv.Receive(1, &StreamHead{ID: 1, Total: MaxStreamSize + 1})
	assert.ErrorIs(t, err, ErrStreamTooLarge)

	_, err = recv.Receive(1, &StreamHead{ID: 2, Total: 2, Type: TypeRoomState})
	require.NoError(t, err)
	_, err = recv.Receive(1, &StreamChunk{ID: 2, Data: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrStreamOverflow)
}

func TestStreamOpenLimit(t *testing.T) {
	recv := NewStreamReceiver(NewCodec(DefaultRegistry(), false))
	for id := range int32(MaxOpenStreams) {
		_, err := recv.Receive(1, &StreamHead{ID: id, Total: MaxStreamSize, Type: TypeRoomState})
		require.NoError(t, err)
	}
	// nothing is reserved for the declared size
	assert.Nil(t, recv.builders[streamKey{1, 0}].buf)

	_, err := recv.Receive(1, &StreamHead{ID: 99, Total: 10, Type: TypeRoomState})
	assert.ErrorIs(t, err, ErrTooManyStreams)
	// restarting an open stream does not take another slot
	_, err = recv.Receive(1, &StreamHead{ID: 0, Total: 2, Type: TypeRoomState})
	require.NoError(t, err)
	_, err = recv.Receive(2, &StreamHead{ID: 99, Total: 10, Type: TypeRoomState})
	require.NoError(t, err)

	_, err = recv.Receive(1, &StreamChunk{ID: 0, Data: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, ErrStreamOverflow)
	_, err = recv.Receive(1, &StreamHead{ID: 99, Total: 10, Type: TypeRoomState})
	require.NoError(t, err)
	assert.Equal(t, MaxOpenStreams+1, recv.Pending())

	recv.Release(1)
	assert.Equal(t, 1, recv.Pending())
	assert.NotContains(t, recv.open, int32(1))
}

func TestStreamedRoomListNeedsResolve(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)
	sender := NewStreamSender(codec)
	recv := NewStreamReceiver(codec)

	want := &RoomList{HasMore: true}
	for i := range 300 {
		want.Rooms = append(want.Rooms, RoomListEntry{RoomID: domain.RoomID(i + 1), Protected: i%3 == 0, State: noisyState(40)})
	}
	parts, err := sender.Split(want)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)

	var got Packet
	for _, m := range parts {
		got, err = recv.Receive(0, m)
		require.NoError(t, err)
	}
	require.NoError(t, Resolve(got))
	assert.Equal(t, want, got)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{1, 2, 3}))
	require.NoError(t, WriteFrame(&buf, []byte{4}))
	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	a, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, a)
	b, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, b)
}
