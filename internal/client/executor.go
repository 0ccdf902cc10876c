// Package client connects an embedding application to a relay: hosting a
// room through a Proxy, joining one as a Peer, and querying relays with
// pooled Pingers. Callbacks never run on network goroutines; they are
// posted to the provider's Executor.
package client

import "sync"

// Executor runs posted callbacks in posting order.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a function, e.g. a UI thread's post method.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Post(fn func()) { f(fn) }

// Serial runs callbacks one at a time on its own goroutine. Post never blocks,
// so callbacks may post further callbacks.
type Serial struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewSerial() *Serial {
	s := &Serial{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Serial) run() {
	for {
		s.mu.Lock()
		q := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, fn := range q {
			fn()
		}
		if len(q) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// Close drops pending callbacks and stops the goroutine.
func (s *Serial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
