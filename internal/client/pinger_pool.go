package client

import (
	"sync"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

const DefaultPingers = 4

type pingTask struct {
	run  func(w *Pinger)
	fail func(error)
}

// PingerPool spreads queries over at most size pingers. A task takes a free
// pinger or an empty slot; otherwise it waits in order for the next pinger to
// finish.
type PingerPool struct {
	exec Executor
	opts Options

	mu       sync.Mutex
	workers  []*Pinger
	reserved []bool
	queue    []pingTask
	stopped  bool
}

func NewPingerPool(exec Executor, size int, opts Options) *PingerPool {
	if size <= 0 {
		size = DefaultPingers
	}
	return &PingerPool{
		exec:     exec,
		opts:     opts,
		workers:  make([]*Pinger, size),
		reserved: make([]bool, size),
	}
}

func (pp *PingerPool) Size() int { return len(pp.workers) }

// Busy returns the number of reserved pingers and queued tasks.
func (pp *PingerPool) Busy() (reserved, queued int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for _, r := range pp.reserved {
		if r {
			reserved++
		}
	}
	return reserved, len(pp.queue)
}

func (pp *PingerPool) Ping(host string, port int, done func(PingResult), fail func(error)) {
	pp.submit(pingTask{run: func(w *Pinger) { w.Ping(host, port, done, fail) }, fail: fail})
}

func (pp *PingerPool) ListRooms(host string, port int, t domain.ImplType, done func([]protocol.RoomListEntry), fail func(error)) {
	pp.submit(pingTask{run: func(w *Pinger) { w.ListRooms(host, port, t, done, fail) }, fail: fail})
}

func (pp *PingerPool) Info(link domain.Link, done func(*protocol.RoomInfo), fail func(error)) {
	pp.submit(pingTask{run: func(w *Pinger) { w.Info(link, done, fail) }, fail: fail})
}

func (pp *PingerPool) Join(link domain.Link, password domain.Password, t domain.ImplType, done func(), fail func(error)) {
	pp.submit(pingTask{run: func(w *Pinger) { w.Join(link, password, t, done, fail) }, fail: fail})
}

func (pp *PingerPool) submit(t pingTask) {
	pp.mu.Lock()
	if pp.stopped {
		pp.mu.Unlock()
		pp.exec.Post(func() { t.fail(ErrClosed) })
		return
	}
	w := pp.findFree()
	if w == nil {
		pp.queue = append(pp.queue, t)
		pp.mu.Unlock()
		return
	}
	pp.mu.Unlock()
	t.run(w)
}

// findFree reserves an idle pinger, creating one in an empty slot if needed.
// Existing pingers are preferred. Called with pp.mu held.
func (pp *PingerPool) findFree() *Pinger {
	empty := -1
	for i, w := range pp.workers {
		if pp.reserved[i] {
			continue
		}
		if w != nil {
			pp.reserved[i] = true
			return w
		}
		if empty < 0 {
			empty = i
		}
	}
	if empty < 0 {
		return nil
	}
	w := NewPinger(pp.exec, pp.opts)
	w.release = pp.release
	pp.workers[empty] = w
	pp.reserved[empty] = true
	return w
}

// release hands a finished pinger the next queued task or frees its slot.
func (pp *PingerPool) release(w *Pinger) {
	pp.mu.Lock()
	if !pp.stopped && len(pp.queue) > 0 {
		t := pp.queue[0]
		pp.queue = pp.queue[1:]
		pp.mu.Unlock()
		t.run(w)
		return
	}
	for i, x := range pp.workers {
		if x == w {
			pp.reserved[i] = false
		}
	}
	pp.mu.Unlock()
}

// Stop cancels every running query and fails the queued ones with ErrCanceled.
func (pp *PingerPool) Stop() {
	pp.mu.Lock()
	if pp.stopped {
		pp.mu.Unlock()
		return
	}
	pp.stopped = true
	queue := pp.queue
	pp.queue = nil
	workers := append([]*Pinger(nil), pp.workers...)
	pp.mu.Unlock()

	for _, t := range queue {
		fail := t.fail
		pp.exec.Post(func() { fail(ErrCanceled) })
	}
	for _, w := range workers {
		if w != nil {
			w.Cancel()
		}
	}
}
