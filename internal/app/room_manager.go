package app

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const maxRoomIDAttempts = 64

var ErrNoRoomID = errors.New("app: could not allocate a room id")

// IDSource yields candidate room ids.
type IDSource func() int64

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]))
}

// RoomManager indexes open rooms by id. Owned by the relay goroutine.
type RoomManager struct {
	rooms map[domain.RoomID]*Room
	ids   IDSource
}

func NewRoomManager(ids IDSource) *RoomManager {
	if ids == nil {
		ids = randomID
	}
	return &RoomManager{rooms: make(map[domain.RoomID]*Room), ids: ids}
}

// Create opens a room hosted by host under a fresh id that is neither 0 nor -1.
func (m *RoomManager) Create(host core.Conn, t domain.ImplType, out outbox, now time.Time) (*Room, error) {
	for range maxRoomIDAttempts {
		id := domain.RoomID(m.ids())
		if id == 0 || id == domain.NoRoom {
			continue
		}
		if _, taken := m.rooms[id]; taken {
			continue
		}
		room := newRoom(id, host, t, out, now)
		m.rooms[id] = room
		return room, nil
	}
	log.Error().Str("module", "app.rooms").Int("open", len(m.rooms)).Msg("room id space exhausted")
	return nil, ErrNoRoomID
}

func (m *RoomManager) Get(id domain.RoomID) (*Room, bool) {
	r, ok := m.rooms[id]
	return r, ok
}

func (m *RoomManager) Remove(id domain.RoomID) {
	delete(m.rooms, id)
}

func (m *RoomManager) Len() int { return len(m.rooms) }

// All returns the rooms ordered by creation time.
func (m *RoomManager) All() []*Room {
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Room) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Public returns one page of public rooms of type t and whether more follow.
func (m *RoomManager) Public(t domain.ImplType, offset, limit int) ([]*Room, bool) {
	var match []*Room
	for _, r := range m.All() {
		if r.config.Public && !r.closed && r.Type == t {
			match = append(match, r)
		}
	}
	if offset < 0 || offset >= len(match) {
		return nil, false
	}
	end := min(offset+limit, len(match))
	return match[offset:end], end < len(match)
}
