package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

type ManagerOptions struct {
	Proxies int
	Pingers int
	Options
}

// Manager is the client entry point: it owns the proxy and pinger pools and
// the peers joined through it. Build one per application and Close it on exit.
type Manager struct {
	provider Provider
	opts     Options
	proxies  *ProxyPool
	pingers  *PingerPool

	mu    sync.Mutex
	peers map[*Peer]struct{}
}

func NewManager(p Provider, opts ManagerOptions) *Manager {
	return &Manager{
		provider: p,
		opts:     opts.Options,
		proxies:  NewProxyPool(p, opts.Proxies, opts.Options),
		pingers:  NewPingerPool(p.Executor(), opts.Pingers, opts.Options),
		peers:    make(map[*Peer]struct{}),
	}
}

func (m *Manager) Proxies() *ProxyPool  { return m.proxies }
func (m *Manager) Pingers() *PingerPool { return m.pingers }

// Host creates a room on the relay at host:port.
func (m *Manager) Host(ctx context.Context, host string, port int, cb RoomCallbacks) (*Proxy, error) {
	return m.proxies.Host(ctx, host, port, cb)
}

// Join joins the room at link with the provider's type.
func (m *Manager) Join(ctx context.Context, link domain.Link, password domain.Password, cb PeerCallbacks) (*Peer, error) {
	peer, err := JoinRoom(ctx, link, password, m.provider.ImplType(), m.provider.Executor(), cb, m.opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.peers[peer] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-peer.Done()
		m.mu.Lock()
		delete(m.peers, peer)
		m.mu.Unlock()
	}()
	return peer, nil
}

func (m *Manager) Ping(host string, port int, done func(PingResult), fail func(error)) {
	m.pingers.Ping(host, port, done, fail)
}

// ListRooms lists the relay's public rooms of the provider's type.
func (m *Manager) ListRooms(host string, port int, done func([]protocol.RoomListEntry), fail func(error)) {
	m.pingers.ListRooms(host, port, m.provider.ImplType(), done, fail)
}

func (m *Manager) RoomInfo(link domain.Link, done func(*protocol.RoomInfo), fail func(error)) {
	m.pingers.Info(link, done, fail)
}

// CheckJoin asks whether the room at link would admit the provider.
func (m *Manager) CheckJoin(link domain.Link, password domain.Password, done func(), fail func(error)) {
	m.pingers.Join(link, password, m.provider.ImplType(), done, fail)
}

// Close stops the pingers, closes hosted rooms and leaves joined rooms.
func (m *Manager) Close() error {
	m.pingers.Stop()
	err := m.proxies.Close()

	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
	if err != nil {
		log.Warn().Str("module", "client.manager").Err(err).Msg("close")
	}
	return err
}
