package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/dkeye/Relay/internal/transport"
)

const testType = domain.ImplType("test")

var testVersion = domain.Version{Protocol: 2, Major: 3, Minor: 1}

type testProvider struct {
	BaseProvider
	state    []byte
	opened   chan *VirtualConn
	received chan []byte
	gone     chan domain.ConnID
	idles    chan domain.ConnID
	texts    chan string
}

func newTestProvider(t *testing.T) *testProvider {
	exec := NewSerial()
	t.Cleanup(exec.Close)
	return &testProvider{
		BaseProvider: BaseProvider{Ver: testVersion, Type: testType, Exec: exec},
		opened:       make(chan *VirtualConn, 16),
		received:     make(chan []byte, 16),
		gone:         make(chan domain.ConnID, 16),
		idles:        make(chan domain.ConnID, 16),
		texts:        make(chan string, 16),
	}
}

func (p *testProvider) Opened(vc *VirtualConn) Listener { p.opened <- vc; return p }
func (p *testProvider) RoomState() []byte               { return p.state }
func (p *testProvider) Text(s string)                   { p.texts <- s }

func (p *testProvider) Received(_ *VirtualConn, b []byte) { p.received <- b }
func (p *testProvider) Idle(vc *VirtualConn) {
	select {
	case p.idles <- vc.ID():
	default:
	}
}
func (p *testProvider) Disconnected(vc *VirtualConn, _ domain.DcReason) {
	p.gone <- vc.ID()
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

// startRelay runs a relay on a loopback port and returns its host and port.
func startRelay(t *testing.T) (string, int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	relay, err := app.New(app.Options{Version: testVersion, StaleTimeout: time.Minute})
	require.NoError(t, err)
	ln, pc, err := transport.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	srv := transport.NewServer(protocol.NewCodec(protocol.DefaultRegistry(), true), relay, transport.Options{})

	go func() { _ = relay.Run(ctx) }()
	go func() { _ = srv.ServeTCP(ctx, ln) }()
	go func() { _ = srv.ServeDiscovery(ctx, pc, int32(testVersion.Major)) }()
	t.Cleanup(func() {
		cancel()
		srv.CloseAll(domain.DcClosed)
	})

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, n
}

type outcome[T any] struct {
	v   T
	err error
}

// await turns a done/fail callback pair into a channel.
func await[T any]() (func(T), func(error), chan outcome[T]) {
	ch := make(chan outcome[T], 4)
	return func(v T) { ch <- outcome[T]{v: v} }, func(err error) { ch <- outcome[T]{err: err} }, ch
}

func hostRoom(t *testing.T, m *Manager, host string, port int) (*Proxy, domain.Link) {
	t.Helper()
	links := make(chan domain.Link, 1)
	px, err := m.Host(context.Background(), host, port, RoomCallbacks{Created: func(l domain.Link) { links <- l }})
	require.NoError(t, err)
	return px, recv(t, links)
}

func TestSerialRunsInOrder(t *testing.T) {
	s := NewSerial()
	defer s.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := range 100 {
		s.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	s.Post(func() { s.Post(func() { close(done) }) })
	recv(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestHostAndJoin(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hm := NewManager(hp, ManagerOptions{})
	defer hm.Close()

	closed := make(chan domain.CloseReason, 1)
	links := make(chan domain.Link, 1)
	px, err := hm.Host(context.Background(), host, port, RoomCallbacks{
		Created: func(l domain.Link) { links <- l },
		Closed:  func(r domain.CloseReason) { closed <- r },
	})
	require.NoError(t, err)
	link := recv(t, links)
	assert.Equal(t, port, link.Port)
	got, ok := px.Link()
	require.True(t, ok)
	assert.Equal(t, link, got)

	pp := newTestProvider(t)
	pm := NewManager(pp, ManagerOptions{})
	defer pm.Close()
	peerRx := make(chan []byte, 4)
	peerGone := make(chan domain.DcReason, 1)
	peer, err := pm.Join(context.Background(), link, domain.NoPassword, PeerCallbacks{
		Received:     func(b []byte) { peerRx <- b },
		Disconnected: func(r domain.DcReason) { peerGone <- r },
	})
	require.NoError(t, err)

	vc := recv(t, hp.opened)
	assert.True(t, vc.Connected())
	assert.True(t, vc.RemoteAddr().IsValid())
	assert.Len(t, px.Connections(), 1)

	require.NoError(t, peer.Send([]byte{0x01, 'h', 'i'}))
	assert.Equal(t, []byte{0x01, 'h', 'i'}, recv(t, hp.received))

	n, err := vc.Send([]byte{0x02, 'y', 'o'}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0x02, 'y', 'o'}, recv(t, peerRx))

	vc.Close(domain.DcClosed)
	assert.Equal(t, vc.ID(), recv(t, hp.gone))
	recv(t, peerGone)
	recv(t, peer.Done())
	assert.False(t, vc.Connected())

	require.NoError(t, px.Close())
	assert.Equal(t, domain.CloseClosed, recv(t, closed))
	recv(t, px.Done())
	assert.False(t, px.Running())
}

func TestPeerDisconnectReachesHost(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hm := NewManager(hp, ManagerOptions{})
	defer hm.Close()
	_, link := hostRoom(t, hm, host, port)

	peer, err := JoinRoom(context.Background(), link, domain.NoPassword, testType, NewSerial(), PeerCallbacks{}, Options{})
	require.NoError(t, err)
	vc := recv(t, hp.opened)

	peer.Close()
	assert.Equal(t, vc.ID(), recv(t, hp.gone))
}

func TestJoinRefused(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	px := NewProxy(hp, Options{})
	defer px.Close()
	require.NoError(t, px.Configure(domain.RoomConfig{Protected: true, Password: 1234}))
	links := make(chan domain.Link, 1)
	require.NoError(t, px.Connect(context.Background(), host, port, RoomCallbacks{Created: func(l domain.Link) { links <- l }}))
	link := recv(t, links)

	cases := []struct {
		name     string
		link     domain.Link
		password domain.Password
		typ      domain.ImplType
		want     domain.RejectReason
	}{
		{"unknown room", domain.Link{Host: host, Port: port, RoomID: link.RoomID + 1}, 1234, testType, domain.RejectRoomNotFound},
		{"other type", link, 1234, "other", domain.RejectIncompatible},
		{"no password", link, domain.NoPassword, testType, domain.RejectPasswordRequired},
		{"wrong password", link, 4321, testType, domain.RejectInvalidPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := JoinRoom(context.Background(), tc.link, tc.password, tc.typ, NewSerial(), PeerCallbacks{}, Options{})
			var rej *RejectError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tc.want, rej.Reason)
		})
	}

	peer, err := JoinRoom(context.Background(), link, 1234, testType, NewSerial(), PeerCallbacks{}, Options{})
	require.NoError(t, err)
	peer.Close()
}

func TestPeerRejectsReservedFirstByte(t *testing.T) {
	p := &Peer{}
	assert.ErrorIs(t, p.Send(nil), protocol.ErrEmptyMessage)
	for _, tag := range []byte{protocol.FrameworkTag, protocol.LegacyTag, protocol.ProtocolTag} {
		assert.ErrorIs(t, p.Send([]byte{tag, 1}), protocol.ErrRawTagCollision)
	}
}

func TestProxyRejectsOversizedState(t *testing.T) {
	px := NewProxy(newTestProvider(t), Options{})
	assert.ErrorIs(t, px.SetState(make([]byte, MaxStateSize+1)), ErrStateTooLarge)
	assert.ErrorIs(t, px.SetState([]byte{1}), ErrNoRoom)
}

func TestProxyPoolExhausted(t *testing.T) {
	host, port := startRelay(t)
	pool := NewProxyPool(newTestProvider(t), 1, Options{})
	defer pool.Close()

	_, err := pool.Host(context.Background(), host, port, RoomCallbacks{})
	require.NoError(t, err)
	_, err = pool.Host(context.Background(), host, port, RoomCallbacks{})
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Len(t, pool.Running(), 1)
}

func TestListAndInfo(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hp.state = []byte("lobby")
	hm := NewManager(hp, ManagerOptions{})
	defer hm.Close()
	px, link := hostRoom(t, hm, host, port)
	require.NoError(t, px.Configure(domain.RoomConfig{Public: true}))
	require.NoError(t, px.SetState(hp.state))

	qp := newTestProvider(t)
	qm := NewManager(qp, ManagerOptions{})
	defer qm.Close()

	assert.Eventually(t, func() bool {
		done, fail, ch := await[[]protocol.RoomListEntry]()
		qm.ListRooms(host, port, done, fail)
		res := <-ch
		return res.err == nil && len(res.v) == 1 && res.v[0].RoomID == link.RoomID && string(res.v[0].State) == "lobby"
	}, 3*time.Second, 50*time.Millisecond)

	done, fail, ch := await[*protocol.RoomInfo]()
	qm.RoomInfo(link, done, fail)
	info := recv(t, ch)
	require.NoError(t, info.err)
	assert.Equal(t, link.RoomID, info.v.RoomID)
	assert.Equal(t, testType, info.v.Type)
	assert.False(t, info.v.Protected)

	done, fail, ch = await[*protocol.RoomInfo]()
	qm.RoomInfo(domain.Link{Host: host, Port: port, RoomID: link.RoomID + 1}, done, fail)
	assert.ErrorIs(t, recv(t, ch).err, ErrRoomNotFound)

	jdone, jfail, jch := await[struct{}]()
	qm.CheckJoin(link, domain.NoPassword, func() { jdone(struct{}{}) }, jfail)
	assert.NoError(t, recv(t, jch).err)
}

func TestPingRelay(t *testing.T) {
	host, port := startRelay(t)
	p := NewPinger(NewSerial(), Options{})

	done, fail, ch := await[PingResult]()
	p.Ping(host, port, done, fail)
	res := recv(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, int32(testVersion.Major), res.v.Major)
	assert.Positive(t, res.v.RTT)
	assert.Equal(t, PingerIdle, p.State())
}

func TestPingWithoutListenerFails(t *testing.T) {
	p := NewPinger(NewSerial(), Options{Timeout: 5 * time.Second})
	done, fail, ch := await[PingResult]()
	start := time.Now()
	p.Ping("127.0.0.1", 7000, done, fail)

	select {
	case res := <-ch:
		assert.Error(t, res.err)
	case <-time.After(6 * time.Second):
		t.Fatal("ping did not fail within its timeout")
	}
	assert.Less(t, time.Since(start), 6*time.Second)
}

// silentRelay accepts connections and never answers.
func silentRelay(t *testing.T) domain.Link {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = c.Close() })
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return domain.Link{Host: "127.0.0.1", Port: addr.Port, RoomID: 1}
}

func TestPingerCancel(t *testing.T) {
	link := silentRelay(t)
	p := NewPinger(NewSerial(), Options{Timeout: time.Minute})

	done1, fail1, first := await[*protocol.RoomInfo]()
	p.Info(link, done1, fail1)
	done2, fail2, second := await[*protocol.RoomInfo]()
	p.Info(link, done2, fail2)

	assert.ErrorIs(t, recv(t, first).err, ErrCanceled)
	assert.NotEqual(t, PingerIdle, p.State())

	p.Cancel()
	assert.ErrorIs(t, recv(t, second).err, ErrCanceled)
	assert.Equal(t, PingerIdle, p.State())

	select {
	case res := <-first:
		t.Fatalf("extra callback: %+v", res)
	case res := <-second:
		t.Fatalf("extra callback: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPingerTimeout(t *testing.T) {
	link := silentRelay(t)
	p := NewPinger(NewSerial(), Options{Timeout: 200 * time.Millisecond})
	done, fail, ch := await[*protocol.RoomInfo]()
	p.Info(link, done, fail)
	assert.ErrorIs(t, recv(t, ch).err, ErrTimeout)
}

func TestPingerPoolQueuesAndStops(t *testing.T) {
	link := silentRelay(t)
	pool := NewPingerPool(NewSerial(), 2, Options{Timeout: time.Minute})
	assert.Equal(t, 2, pool.Size())

	var chans []chan outcome[*protocol.RoomInfo]
	for range 5 {
		done, fail, ch := await[*protocol.RoomInfo]()
		pool.Info(link, done, fail)
		chans = append(chans, ch)
	}
	reserved, queued := pool.Busy()
	assert.Equal(t, 2, reserved)
	assert.Equal(t, 3, queued)

	pool.Stop()
	for _, ch := range chans {
		assert.ErrorIs(t, recv(t, ch).err, ErrCanceled)
	}
	reserved, queued = pool.Busy()
	assert.Zero(t, reserved)
	assert.Zero(t, queued)

	done, fail, ch := await[*protocol.RoomInfo]()
	pool.Info(link, done, fail)
	assert.ErrorIs(t, recv(t, ch).err, ErrClosed)
}

func TestPingerPoolReusesWorkers(t *testing.T) {
	host, port := startRelay(t)
	pool := NewPingerPool(NewSerial(), 1, Options{})
	defer pool.Stop()

	var chans []chan outcome[PingResult]
	for range 3 {
		done, fail, ch := await[PingResult]()
		pool.Ping(host, port, done, fail)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		assert.NoError(t, recv(t, ch).err)
	}
	assert.Eventually(t, func() bool {
		reserved, queued := pool.Busy()
		return reserved == 0 && queued == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFanOutToVirtualConnections(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hm := NewManager(hp, ManagerOptions{})
	defer hm.Close()
	_, link := hostRoom(t, hm, host, port)

	rx := []chan []byte{make(chan []byte, 4), make(chan []byte, 4)}
	vcs := map[domain.ConnID]int{}
	for i := range rx {
		ch := rx[i]
		peer, err := JoinRoom(context.Background(), link, domain.NoPassword, testType, NewSerial(),
			PeerCallbacks{Received: func(b []byte) { ch <- b }}, Options{})
		require.NoError(t, err)
		defer peer.Close()
		vc := recv(t, hp.opened)
		vcs[vc.ID()] = i
		_, err = vc.Send([]byte{0x10, byte(i)}, true)
		require.NoError(t, err)
	}
	require.Len(t, vcs, 2)

	for i, ch := range rx {
		assert.Equal(t, []byte{0x10, byte(i)}, recv(t, ch))
		select {
		case b := <-ch:
			t.Fatalf("peer %d got a foreign payload %v", i, b)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestHostSendValidatesPayload(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hm := NewManager(hp, ManagerOptions{})
	defer hm.Close()
	_, link := hostRoom(t, hm, host, port)

	rx := make(chan []byte, 4)
	peer, err := JoinRoom(context.Background(), link, domain.NoPassword, testType, NewSerial(),
		PeerCallbacks{Received: func(b []byte) { rx <- b }}, Options{})
	require.NoError(t, err)
	defer peer.Close()
	vc := recv(t, hp.opened)

	n, err := vc.Send(nil, true)
	assert.ErrorIs(t, err, protocol.ErrEmptyMessage)
	assert.Zero(t, n)
	for _, tag := range []byte{protocol.FrameworkTag, protocol.LegacyTag, protocol.ProtocolTag} {
		n, err = vc.Send([]byte{tag, 1, 2}, true)
		assert.ErrorIs(t, err, protocol.ErrRawTagCollision)
		assert.Zero(t, n)
	}

	_, err = vc.Send([]byte{0x01}, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, recv(t, rx))
	assert.True(t, vc.Connected())
}

func TestCloseQuietlyAndTwice(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hm := NewManager(hp, ManagerOptions{})
	defer hm.Close()
	_, link := hostRoom(t, hm, host, port)

	peer, err := JoinRoom(context.Background(), link, domain.NoPassword, testType, NewSerial(), PeerCallbacks{}, Options{})
	require.NoError(t, err)
	defer peer.Close()
	vc := recv(t, hp.opened)

	vc.CloseQuietly(domain.DcClosed)
	assert.Equal(t, vc.ID(), recv(t, hp.gone))
	assert.False(t, vc.Connected())
	_, err = vc.Send([]byte{0x01}, true)
	assert.ErrorIs(t, err, ErrClosed)

	vc.Close(domain.DcClosed)
	vc.CloseQuietly(domain.DcClosed)
	select {
	case id := <-hp.gone:
		t.Fatalf("second disconnect for %d", id)
	case <-peer.Done():
		t.Fatal("relay was told about a quiet close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHostOutdatedVersion(t *testing.T) {
	host, port := startRelay(t)
	hp := newTestProvider(t)
	hp.Ver = domain.Version{Protocol: 2, Major: testVersion.Major - 1}
	px := NewProxy(hp, Options{})

	closed := make(chan domain.CloseReason, 1)
	require.NoError(t, px.Connect(context.Background(), host, port, RoomCallbacks{
		Created: func(domain.Link) { t.Error("room created for an outdated client") },
		Closed:  func(r domain.CloseReason) { closed <- r },
	}))
	assert.Equal(t, domain.CloseOutdatedClient, recv(t, closed))
	recv(t, px.Done())

	var refused *RefusedError
	require.ErrorAs(t, px.Err(), &refused)
	assert.Equal(t, domain.CloseOutdatedClient, refused.Reason)
	assert.ErrorIs(t, px.Err(), ErrClosed)
	assert.False(t, px.Running())
}

func TestProxyPoolConcurrentHost(t *testing.T) {
	host, port := startRelay(t)
	pool := NewProxyPool(newTestProvider(t), 1, Options{})
	defer pool.Close()

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := pool.Host(context.Background(), host, port, RoomCallbacks{})
			errs <- err
		}()
	}
	var ok, exhausted int
	for range 2 {
		err := recv(t, errs)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPoolExhausted):
			exhausted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)
}

// scriptedRelay answers room creation with a fixed room id and hands the
// host connection to the test.
type scriptedRelay struct {
	room  domain.RoomID
	hosts chan core.Conn
	rx    chan protocol.Message
}

func (s *scriptedRelay) Connected(core.Conn) {}
func (s *scriptedRelay) Idle(core.Conn)      {}
func (s *scriptedRelay) Received(c core.Conn, m protocol.Message) {
	if _, ok := m.(*protocol.RoomCreationRequest); ok {
		_ = c.Send(&protocol.RoomLink{RoomID: s.room})
		s.hosts <- c
		return
	}
	if _, ok := m.(protocol.Packet); ok {
		s.rx <- m
	}
}
func (s *scriptedRelay) Disconnected(core.Conn, domain.DcReason) {}

func startScriptedRelay(t *testing.T, room domain.RoomID) (*scriptedRelay, string, int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, _, err := transport.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	sr := &scriptedRelay{room: room, hosts: make(chan core.Conn, 1), rx: make(chan protocol.Message, 16)}
	srv := transport.NewServer(protocol.NewCodec(protocol.DefaultRegistry(), true), sr, transport.Options{})
	go func() { _ = srv.ServeTCP(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		srv.CloseAll(domain.DcClosed)
	})
	addr := ln.Addr().(*net.TCPAddr)
	return sr, "127.0.0.1", addr.Port
}

// nextPacket skips the messages the proxy sends unprompted.
func nextPacket[T protocol.Message](t *testing.T, sr *scriptedRelay) T {
	t.Helper()
	for {
		if v, ok := recv(t, sr.rx).(T); ok {
			return v
		}
	}
}

func TestJoinForAnotherRoomClosed(t *testing.T) {
	sr, host, port := startScriptedRelay(t, 77)
	hp := newTestProvider(t)
	px := NewProxy(hp, Options{})
	defer px.Close()
	links := make(chan domain.Link, 1)
	require.NoError(t, px.Connect(context.Background(), host, port, RoomCallbacks{Created: func(l domain.Link) { links <- l }}))
	assert.Equal(t, domain.RoomID(77), recv(t, links).RoomID)
	relay := recv(t, sr.hosts)

	require.NoError(t, relay.Send(&protocol.ConnectionJoin{ConID: 5, RoomID: 78}))
	closed := nextPacket[*protocol.ConnectionClosed](t, sr)
	assert.Equal(t, domain.ConnID(5), closed.ConID)
	assert.Equal(t, domain.DcError, closed.Reason)
	assert.Empty(t, px.Connections())
	assert.True(t, px.Running())

	require.NoError(t, relay.Send(&protocol.ConnectionJoin{ConID: 6, RoomID: 77}))
	assert.Equal(t, domain.ConnID(6), recv(t, hp.opened).ID())
}

func TestIdleReachesVirtualConnection(t *testing.T) {
	sr, host, port := startScriptedRelay(t, 77)
	hp := newTestProvider(t)
	px := NewProxy(hp, Options{})
	defer px.Close()
	links := make(chan domain.Link, 1)
	require.NoError(t, px.Connect(context.Background(), host, port, RoomCallbacks{Created: func(l domain.Link) { links <- l }}))
	recv(t, links)
	relay := recv(t, sr.hosts)

	require.NoError(t, relay.Send(&protocol.ConnectionJoin{ConID: 6, RoomID: 77}))
	vc := recv(t, hp.opened)
	assert.False(t, vc.Idle())

	require.NoError(t, relay.Send(&protocol.ConnectionIdling{ConID: 6}))
	assert.Equal(t, vc.ID(), recv(t, hp.idles))
	assert.True(t, vc.Idle())

	// an idle peer hears about it again whenever the relay link drains
	for len(hp.idles) > 0 {
		<-hp.idles
	}
	_, err := vc.Send([]byte{0x01}, true)
	require.NoError(t, err)
	assert.Equal(t, vc.ID(), recv(t, hp.idles))

	require.NoError(t, relay.Send(&protocol.ConnectionPacketWrap{ConID: 6, IsTCP: true, Payload: []byte{0x02}}))
	assert.Equal(t, []byte{0x02}, recv(t, hp.received))
	assert.False(t, vc.Idle())
}
