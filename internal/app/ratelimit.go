package app

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// WindowLimiter allows at most limit events per sliding interval.
// Not safe for concurrent use; each physical connection owns one.
type WindowLimiter struct {
	clock    clock.Clock
	history  []time.Time
	limit    int
	interval time.Duration
}

func NewWindowLimiter(clk clock.Clock, limit int, interval time.Duration) *WindowLimiter {
	return &WindowLimiter{
		clock:    clk,
		history:  make([]time.Time, 0, min(limit, 64)),
		limit:    limit,
		interval: interval,
	}
}

func (l *WindowLimiter) Allow() bool {
	now := l.clock.Now()
	windowStart := now.Add(-l.interval)

	// History is in time order, so stale attempts are a prefix.
	stale := 0
	for stale < len(l.history) && !l.history[stale].After(windowStart) {
		stale++
	}
	if stale > 0 {
		l.history = append(l.history[:0], l.history[stale:]...)
	}

	if len(l.history) >= l.limit {
		return false
	}
	l.history = append(l.history, now)
	return true
}

const joinLimiterSize = 4096

// JoinLimiter rate-limits join attempts per source address, across reconnects.
type JoinLimiter struct {
	clock  clock.Clock
	limit  int
	window time.Duration
	byAddr *expirable.LRU[netip.Addr, *WindowLimiter]
}

// NewJoinLimiter returns a limiter that always allows when limit is 0.
func NewJoinLimiter(clk clock.Clock, limit int, window time.Duration) *JoinLimiter {
	j := &JoinLimiter{clock: clk, limit: limit, window: window}
	if limit > 0 {
		j.byAddr = expirable.NewLRU[netip.Addr, *WindowLimiter](joinLimiterSize, nil, window)
	}
	return j
}

func (j *JoinLimiter) Allow(addr netip.Addr) bool {
	if j.byAddr == nil {
		return true
	}
	l, ok := j.byAddr.Get(addr)
	if !ok {
		l = NewWindowLimiter(j.clock, j.limit, j.window)
		j.byAddr.Add(addr, l)
	}
	return l.Allow()
}
