package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

const DefaultProxies = 1

var ErrPoolExhausted = errors.New("client: every proxy is hosting a room")

// ProxyPool bounds the rooms hosted at once. Proxies are reused once their
// relay connection ends.
type ProxyPool struct {
	provider Provider
	opts     Options
	size     int

	mu      sync.Mutex
	proxies []*Proxy
	// dialing marks proxies handed to a Host call that has not returned yet.
	dialing []bool
}

func NewProxyPool(p Provider, size int, opts Options) *ProxyPool {
	if size <= 0 {
		size = DefaultProxies
	}
	return &ProxyPool{provider: p, opts: opts, size: size}
}

// Host connects a free proxy to the relay at host:port and requests a room.
func (pp *ProxyPool) Host(ctx context.Context, host string, port int, cb RoomCallbacks) (*Proxy, error) {
	px, i, err := pp.acquire()
	if err != nil {
		return nil, err
	}
	err = px.Connect(ctx, host, port, cb)
	pp.mu.Lock()
	pp.dialing[i] = false
	pp.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return px, nil
}

// acquire reserves a proxy that is neither connected nor being dialed.
func (pp *ProxyPool) acquire() (*Proxy, int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for i, px := range pp.proxies {
		if !pp.dialing[i] && !px.Running() {
			pp.dialing[i] = true
			return px, i, nil
		}
	}
	if len(pp.proxies) >= pp.size {
		return nil, -1, ErrPoolExhausted
	}
	px := NewProxy(pp.provider, pp.opts)
	pp.proxies = append(pp.proxies, px)
	pp.dialing = append(pp.dialing, true)
	return px, len(pp.proxies) - 1, nil
}

// Running returns the proxies currently connected to a relay.
func (pp *ProxyPool) Running() []*Proxy {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	var out []*Proxy
	for _, px := range pp.proxies {
		if px.Running() {
			out = append(out, px)
		}
	}
	return out
}

func (pp *ProxyPool) Close() error {
	pp.mu.Lock()
	proxies := append([]*Proxy(nil), pp.proxies...)
	pp.mu.Unlock()
	var err error
	for _, px := range proxies {
		err = multierr.Append(err, px.Close())
	}
	return err
}
