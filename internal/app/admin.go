package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/domain"
)

var ErrRoomNotFound = errors.New("app: room not found")

// RoomDetail is a room summary with its members.
type RoomDetail struct {
	domain.RoomSummary
	Members []domain.MemberSummary `json:"member_list"`
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Version     string    `json:"version"`
	Rooms       int       `json:"rooms"`
	Connections int       `json:"connections"`
	Connecting  int       `json:"connecting"`
	Closing     bool      `json:"closing"`
	Now         time.Time `json:"now"`
}

func (r *Relay) Rooms(ctx context.Context) ([]domain.RoomSummary, error) {
	var out []domain.RoomSummary
	err := r.call(ctx, func() {
		all := r.rooms.All()
		out = make([]domain.RoomSummary, 0, len(all))
		for _, room := range all {
			out = append(out, room.Summary())
		}
	})
	return out, err
}

func (r *Relay) Room(ctx context.Context, id domain.RoomID) (RoomDetail, error) {
	var (
		out   RoomDetail
		found bool
	)
	err := r.call(ctx, func() {
		room, ok := r.rooms.Get(id)
		if !ok {
			return
		}
		found = true
		out = RoomDetail{RoomSummary: room.Summary(), Members: room.MemberSummaries()}
	})
	if err != nil {
		return RoomDetail{}, err
	}
	if !found {
		return RoomDetail{}, ErrRoomNotFound
	}
	return out, nil
}

func (r *Relay) CloseRoom(ctx context.Context, id domain.RoomID) error {
	found := false
	err := r.call(ctx, func() {
		room, ok := r.rooms.Get(id)
		if !ok {
			return
		}
		found = true
		log.Info().Str("module", "app.admin").Str("room", id.String()).Msg("room closed by admin")
		r.closeRoom(room, domain.CloseClosed)
	})
	if err == nil && !found {
		err = ErrRoomNotFound
	}
	return err
}

// MessageRoom sends text to the room host, as a popup when popup is set.
func (r *Relay) MessageRoom(ctx context.Context, id domain.RoomID, text string, popup bool) error {
	found := false
	err := r.call(ctx, func() {
		room, ok := r.rooms.Get(id)
		if !ok {
			return
		}
		found = true
		if popup {
			room.popup(text)
		} else {
			room.text(text)
		}
	})
	if err == nil && !found {
		err = ErrRoomNotFound
	}
	return err
}

// Broadcast sends text to every open room.
func (r *Relay) Broadcast(ctx context.Context, text string) (int, error) {
	n := 0
	err := r.call(ctx, func() {
		for _, room := range r.rooms.All() {
			room.text(text)
			n++
		}
	})
	return n, err
}

func (r *Relay) Blacklist(ctx context.Context) ([]string, error) {
	var out []string
	err := r.call(ctx, func() { out = r.blacklist.Entries() })
	return out, err
}

// BlacklistAdd adds entry and closes live connections it covers.
func (r *Relay) BlacklistAdd(ctx context.Context, entry string) (string, error) {
	var (
		normalized string
		addErr     error
	)
	err := r.call(ctx, func() {
		normalized, addErr = r.blacklist.Add(entry)
		if addErr != nil {
			return
		}
		for _, s := range r.reg.All() {
			if r.blacklist.Contains(s.conn.RemoteAddr()) {
				r.metrics.Kicked.WithLabelValues("blacklisted").Inc()
				s.conn.Close(domain.DcClosed)
			}
		}
		log.Info().Str("module", "app.admin").Str("entry", normalized).Msg("blacklist entry added")
	})
	if err != nil {
		return "", err
	}
	return normalized, addErr
}

func (r *Relay) BlacklistRemove(ctx context.Context, entry string) (bool, error) {
	var (
		removed bool
		rmErr   error
	)
	err := r.call(ctx, func() { removed, rmErr = r.blacklist.Remove(entry) })
	if err != nil {
		return false, err
	}
	return removed, rmErr
}

func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.call(ctx, func() {
		st = Stats{
			Version:     r.opts.Version.String(),
			Rooms:       r.rooms.Len(),
			Connections: r.reg.Len(),
			Connecting:  r.stale.Len(),
			Closing:     r.closed,
			Now:         r.clock.Now(),
		}
	})
	return st, err
}
