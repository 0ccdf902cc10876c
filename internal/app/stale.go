package app

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

// StaleCleaner tracks connections that have not asked to create or join a room yet.
// It has no timer: Sweep runs whenever the relay sees traffic.
type StaleCleaner struct {
	clock      clock.Clock
	timeout    time.Duration
	connecting map[domain.ConnID]staleEntry
	next       time.Time
}

type staleEntry struct {
	conn     core.Conn
	deadline time.Time
}

func NewStaleCleaner(clk clock.Clock, timeout time.Duration) *StaleCleaner {
	return &StaleCleaner{clock: clk, timeout: timeout, connecting: make(map[domain.ConnID]staleEntry)}
}

func (s *StaleCleaner) Add(c core.Conn) {
	s.connecting[c.ID()] = staleEntry{conn: c, deadline: s.clock.Now().Add(s.timeout)}
	s.recalculate()
}

func (s *StaleCleaner) Remove(id domain.ConnID) {
	if _, ok := s.connecting[id]; ok {
		delete(s.connecting, id)
		s.recalculate()
	}
}

// Sweep returns and forgets the connections whose deadline passed.
func (s *StaleCleaner) Sweep() []core.Conn {
	now := s.clock.Now()
	if s.next.IsZero() || now.Before(s.next) {
		return nil
	}
	var expired []core.Conn
	for id, e := range s.connecting {
		if !now.Before(e.deadline) {
			expired = append(expired, e.conn)
			delete(s.connecting, id)
		}
	}
	s.recalculate()
	return expired
}

func (s *StaleCleaner) Len() int { return len(s.connecting) }

func (s *StaleCleaner) recalculate() {
	var soonest time.Time
	for _, e := range s.connecting {
		if soonest.IsZero() || e.deadline.Before(soonest) {
			soonest = e.deadline
		}
	}
	s.next = soonest
}
