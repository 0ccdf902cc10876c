package protocol

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/domain"
)

func randBytes(rng *rand.Rand, max int) []byte {
	b := make([]byte, 1+rng.IntN(max))
	for i := range b {
		b[i] = byte(rng.UintN(256))
	}
	return b
}

func randType(rng *rand.Rand) domain.ImplType {
	const letters = "abcdefghijklmnopqrstuvwxyz-"
	b := make([]byte, rng.IntN(domain.MaxImplTypeLen+1))
	for i := range b {
		b[i] = letters[rng.IntN(len(letters))]
	}
	return domain.ImplType(b)
}

func randText(rng *rand.Rand) string {
	return fmt.Sprintf("text-%d-%x", rng.Int64(), randBytes(rng, 16))
}

var generators = map[reflect.Type]func(*rand.Rand) Packet{
	reflect.TypeOf(&ConnectionJoin{}): func(rng *rand.Rand) Packet {
		return &ConnectionJoin{ConID: domain.ConnID(rng.Int32()), RoomID: domain.RoomID(rng.Int64()), AddressHash: rng.Int64()}
	},
	reflect.TypeOf(&ConnectionClosed{}): func(rng *rand.Rand) Packet {
		return &ConnectionClosed{ConID: domain.ConnID(rng.Int32()), Reason: domain.DcReason(rng.IntN(3))}
	},
	reflect.TypeOf(&ConnectionPacketWrap{}): func(rng *rand.Rand) Packet {
		return &ConnectionPacketWrap{ConID: domain.ConnID(rng.Int32()), IsTCP: rng.IntN(2) == 1, Payload: randBytes(rng, 256)}
	},
	reflect.TypeOf(&ConnectionIdling{}): func(rng *rand.Rand) Packet {
		return &ConnectionIdling{ConID: domain.ConnID(rng.Int32())}
	},
	reflect.TypeOf(&RoomCreationRequest{}): func(rng *rand.Rand) Packet {
		return &RoomCreationRequest{Version: rng.Int32(), Type: randType(rng)}
	},
	reflect.TypeOf(&RoomClosureRequest{}): func(*rand.Rand) Packet { return &RoomClosureRequest{} },
	reflect.TypeOf(&RoomClosed{}): func(rng *rand.Rand) Packet {
		return &RoomClosed{Reason: domain.CloseReason(rng.IntN(6))}
	},
	reflect.TypeOf(&RoomJoin{}): func(rng *rand.Rand) Packet {
		return &RoomJoin{RoomID: domain.RoomID(rng.Int64()), Password: domain.Password(int16(rng.Uint32())), Type: randType(rng)}
	},
	reflect.TypeOf(&RoomJoinAccepted{}): func(rng *rand.Rand) Packet {
		return &RoomJoinAccepted{RoomID: domain.RoomID(rng.Int64())}
	},
	reflect.TypeOf(&RoomJoinDenied{}): func(rng *rand.Rand) Packet {
		return &RoomJoinDenied{RoomID: domain.RoomID(rng.Int64()), Reason: domain.RejectReason(rng.IntN(5))}
	},
	reflect.TypeOf(&RoomLink{}): func(rng *rand.Rand) Packet {
		return &RoomLink{RoomID: domain.RoomID(rng.Int64())}
	},
	reflect.TypeOf(&RoomConfig{}): func(rng *rand.Rand) Packet {
		return &RoomConfig{Public: rng.IntN(2) == 1, Protected: rng.IntN(2) == 1, Password: domain.Password(int16(rng.Uint32()))}
	},
	reflect.TypeOf(&RoomListRequest{}): func(rng *rand.Rand) Packet {
		return &RoomListRequest{Type: randType(rng), Offset: rng.Int32()}
	},
	reflect.TypeOf(&RoomList{}): func(rng *rand.Rand) Packet {
		p := &RoomList{HasMore: rng.IntN(2) == 1}
		for range 1 + rng.IntN(20) {
			p.Rooms = append(p.Rooms, RoomListEntry{
				RoomID:    domain.RoomID(rng.Int64()),
				Protected: rng.IntN(2) == 1,
				State:     randBytes(rng, 64),
			})
		}
		return p
	},
	reflect.TypeOf(&RoomInfoRequest{}): func(rng *rand.Rand) Packet {
		return &RoomInfoRequest{RoomID: domain.RoomID(rng.Int64())}
	},
	reflect.TypeOf(&RoomInfo{}): func(rng *rand.Rand) Packet {
		return &RoomInfo{RoomID: domain.RoomID(rng.Int64()), Protected: rng.IntN(2) == 1, Type: randType(rng), State: randBytes(rng, 512)}
	},
	reflect.TypeOf(&ServerInfo{}): func(rng *rand.Rand) Packet {
		return &ServerInfo{Version: rng.Int32()}
	},
	reflect.TypeOf(&TextMessage{}): func(rng *rand.Rand) Packet { return &TextMessage{Text: randText(rng)} },
	reflect.TypeOf(&Notice{}): func(rng *rand.Rand) Packet {
		return &Notice{Type: domain.MessageType(rng.IntN(7))}
	},
	reflect.TypeOf(&Popup{}): func(rng *rand.Rand) Packet { return &Popup{Text: randText(rng)} },
	reflect.TypeOf(&RoomInfoDenied{}): func(rng *rand.Rand) Packet {
		return &RoomInfoDenied{RoomID: domain.RoomID(rng.Int64())}
	},
	reflect.TypeOf(&RoomState{}): func(rng *rand.Rand) Packet {
		return &RoomState{RoomID: domain.RoomID(rng.Int64()), State: randBytes(rng, 1024)}
	},
	reflect.TypeOf(&RoomStateRequest{}): func(rng *rand.Rand) Packet {
		return &RoomStateRequest{RoomID: domain.RoomID(rng.Int64())}
	},
	reflect.TypeOf(&StreamHead{}): func(rng *rand.Rand) Packet {
		return &StreamHead{ID: rng.Int32(), Total: rng.Int32(), Type: PacketType(rng.UintN(256)), Compressed: rng.IntN(2) == 1}
	},
	reflect.TypeOf(&StreamChunk{}): func(rng *rand.Rand) Packet {
		return &StreamChunk{ID: rng.Int32(), Data: randBytes(rng, 512)}
	},
}

func TestRoundTripEveryRegisteredPacket(t *testing.T) {
	reg := DefaultRegistry()
	codec := NewCodec(reg, false)
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < reg.Len(); i++ {
		proto, err := reg.New(PacketType(i))
		require.NoError(t, err)
		gen, ok := generators[reflect.TypeOf(proto)]
		require.Truef(t, ok, "no generator for %T", proto)

		t.Run(fmt.Sprintf("%T", proto), func(t *testing.T) {
			for range 50 {
				want := gen(rng)
				b, err := codec.Encode(want)
				require.NoError(t, err)
				require.Equal(t, ProtocolTag, b[0])
				require.Equal(t, byte(i), b[1])

				got, err := codec.Decode(b)
				require.NoError(t, err)
				require.NoError(t, Resolve(got))
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestDefaultRegistryOrder(t *testing.T) {
	reg := DefaultRegistry()
	for _, tc := range []struct {
		p    Packet
		want PacketType
	}{
		{&ConnectionJoin{}, TypeConnectionJoin},
		{&ConnectionPacketWrap{}, TypeConnectionPacketWrap},
		{&RoomCreationRequest{}, 4},
		{&RoomClosureRequest{}, 5},
		{&RoomClosed{}, 6},
		{&RoomJoin{}, 7},
		{&Popup{}, TypePopup},
		{&StreamChunk{}, TypeStreamChunk},
	} {
		got, err := reg.TypeOf(tc.p)
		require.NoError(t, err)
		assert.Equalf(t, tc.want, got, "%T", tc.p)
	}
	assert.Equal(t, int(TypeStreamChunk)+1, reg.Len())
}

type fillerPacket struct{ RoomLink }

func TestRegistryIdempotentAndBounded(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(func() Packet { return &RoomLink{} }))
	require.NoError(t, reg.Register(func() Packet { return &RoomLink{} }))
	assert.Equal(t, 1, reg.Len())

	// Pretend every slot is taken.
	reg.factories = make([]func() Packet, MaxPacketTypes)
	err := reg.Register(func() Packet { return &fillerPacket{} })
	assert.ErrorIs(t, err, ErrPacketLimit)
}

func TestFrameworkMessages(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)
	for _, m := range []Message{
		Ping{ID: 42, IsReply: true},
		Ping{ID: -7},
		DiscoverHost{},
		KeepAlive{},
		RegisterUDP{ConnID: 9},
		RegisterTCP{ConnID: 1 << 20},
	} {
		b, err := codec.Encode(m)
		require.NoError(t, err)
		assert.Equal(t, FrameworkTag, b[0])
		got, err := codec.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, m, got)
		assert.True(t, IsFramework(got))
	}

	_, err := codec.Decode([]byte{FrameworkTag, 99})
	assert.ErrorIs(t, err, ErrUnknownProtocolTag)
}

func TestDecodeErrors(t *testing.T) {
	strict := NewCodec(DefaultRegistry(), false)

	_, err := strict.Decode([]byte{0x42, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownProtocolTag)

	_, err = strict.Decode([]byte{ProtocolTag, 200})
	assert.ErrorIs(t, err, ErrUnknownPacketType)

	_, err = strict.Decode([]byte{ProtocolTag, byte(TypeConnectionJoin), 0, 0})
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = strict.Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRawPayloads(t *testing.T) {
	relay := NewCodec(DefaultRegistry(), true)

	got, err := relay.Decode([]byte{0x03, 'h', 'i'})
	require.NoError(t, err)
	assert.Equal(t, Raw{Data: []byte{0x03, 'h', 'i'}}, got)

	b, err := relay.Encode(Raw{Data: []byte{0x10, 0x20}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x20}, b)

	_, err = relay.Encode(Raw{Data: []byte{ProtocolTag, 1}})
	assert.ErrorIs(t, err, ErrRawTagCollision)
	_, err = relay.Encode(Raw{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDelayedPacketForwardsUnresolvedBody(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)
	want := &RoomInfo{RoomID: 5, Protected: true, Type: "mindustry", State: []byte("state")}
	b, err := codec.Encode(want)
	require.NoError(t, err)

	got, err := codec.Decode(b)
	require.NoError(t, err)
	info := got.(*RoomInfo)
	assert.Zero(t, info.RoomID, "fields stay empty until resolved")

	again, err := codec.Encode(info)
	require.NoError(t, err)
	assert.Equal(t, b, again)

	require.NoError(t, info.Resolve())
	assert.Equal(t, want, info)
}

func TestLegacyCompatibility(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)

	// A creation request carrying a version string.
	old := append([]byte{ProtocolTag, byte(TypeRoomCreationRequest), 0, 3}, "1.5"...)
	m, err := codec.Decode(old)
	require.NoError(t, err)
	require.NoError(t, Resolve(m))
	assert.Equal(t, LegacyVersion, m.(*RoomCreationRequest).Version)

	// An empty creation request.
	m, err = codec.Decode([]byte{ProtocolTag, byte(TypeRoomCreationRequest)})
	require.NoError(t, err)
	require.NoError(t, Resolve(m))
	assert.Equal(t, LegacyVersion, m.(*RoomCreationRequest).Version)

	// A join without password nor type.
	join := []byte{ProtocolTag, byte(TypeRoomJoin), 0, 0, 0, 0, 0, 0, 0, 9}
	m, err = codec.Decode(join)
	require.NoError(t, err)
	assert.Equal(t, &RoomJoin{RoomID: 9, Password: domain.NoPassword}, m)

	b, err := codec.Encode(NewLegacyText("please update"))
	require.NoError(t, err)
	assert.Equal(t, LegacyTag, b[0])
	m, err = codec.Decode(b)
	require.NoError(t, err)
	text, ok := LegacyText(m.(Legacy))
	require.True(t, ok)
	assert.Equal(t, "please update", text)
}

func TestServerInfoEmptyBodyIsLegacy(t *testing.T) {
	codec := NewCodec(DefaultRegistry(), false)
	m, err := codec.Decode([]byte{ProtocolTag, byte(TypeServerInfo)})
	require.NoError(t, err)
	assert.Equal(t, &ServerInfo{Version: 0}, m)
}

func TestDiscoveryReply(t *testing.T) {
	assert.True(t, IsDiscoveryRequest(DiscoveryRequest()))

	v, err := ParseDiscoveryReply(DiscoveryReply(7))
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)

	v, err = ParseDiscoveryReply(nil)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = ParseDiscoveryReply([]byte{0x01, 0, 0, 0, 7})
	assert.ErrorIs(t, err, ErrIncompatibleServer)
}
