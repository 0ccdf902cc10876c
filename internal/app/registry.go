package app

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

// pendingQueueSize bounds raw packets kept for a connection that has not joined yet.
const pendingQueueSize = 3

// session is the relay's state for one physical connection.
type session struct {
	conn        core.Conn
	addressHash int64
	limiter     *WindowLimiter
	pending     []protocol.Raw
	room        *Room
	connectedAt time.Time
}

func (s *session) isHost() bool {
	return s.room != nil && s.room.IsHost(s.conn)
}

// queue keeps p for later; once full, further packets are dropped.
func (s *session) queue(p protocol.Raw) bool {
	if len(s.pending) >= pendingQueueSize {
		return false
	}
	s.pending = append(s.pending, p)
	return true
}

func (s *session) takePending() []protocol.Raw {
	q := s.pending
	s.pending = nil
	return q
}

// Registry maps physical connections to their sessions.
// It is owned by the relay goroutine and needs no locking.
type Registry struct {
	sessions map[domain.ConnID]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.ConnID]*session)}
}

func (r *Registry) Bind(s *session) {
	r.sessions[s.conn.ID()] = s
	log.Debug().Str("module", "app.registry").Int32("conn", int32(s.conn.ID())).Str("sid", s.conn.SID()).Msg("bound session")
}

func (r *Registry) Get(id domain.ConnID) (*session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Unbind(id domain.ConnID) {
	delete(r.sessions, id)
	log.Debug().Str("module", "app.registry").Int32("conn", int32(id)).Msg("unbind session")
}

func (r *Registry) RoomOf(id domain.ConnID) (*Room, bool) {
	s, ok := r.sessions[id]
	if !ok || s.room == nil {
		return nil, false
	}
	return s.room, true
}

func (r *Registry) Len() int { return len(r.sessions) }

func (r *Registry) All() []*session {
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
