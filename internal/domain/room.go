package domain

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// RoomID is the relay-assigned identifier of a room.
type RoomID int64

// NoRoom marks a connection that does not own or belong to a room.
const NoRoom RoomID = -1

var ErrInvalidRoomID = errors.New("invalid room id")

// String returns the URL-safe base64 form used in links and logs.
func (id RoomID) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return base64.URLEncoding.EncodeToString(b[:])
}

// ParseRoomID accepts padded or unpadded URL-safe base64.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(b) != 8 {
		return NoRoom, ErrInvalidRoomID
	}
	id := RoomID(binary.BigEndian.Uint64(b))
	if id == NoRoom {
		return NoRoom, ErrInvalidRoomID
	}
	return id, nil
}

const LinkScheme = "claj://"

var ErrInvalidLink = errors.New("invalid room link")

// Link locates a room on a relay.
type Link struct {
	Host   string
	Port   int
	RoomID RoomID
}

func (l Link) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l Link) String() string {
	return LinkScheme + l.Addr() + "/" + l.RoomID.String()
}

// ParseLink parses "claj://host:port/<room>". The scheme is optional.
func ParseLink(s string) (Link, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), LinkScheme)
	slash := strings.LastIndexByte(s, '/')
	if slash < 0 {
		return Link{}, ErrInvalidLink
	}
	host, portStr, err := net.SplitHostPort(s[:slash])
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xffff {
		return Link{}, fmt.Errorf("%w: bad port %q", ErrInvalidLink, portStr)
	}
	id, err := ParseRoomID(s[slash+1:])
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	return Link{Host: host, Port: port, RoomID: id}, nil
}

// Password is a room pin. NoPassword is sent by joiners that have none.
type Password int16

const NoPassword Password = -1

// RoomConfig is the host-controlled visibility of a room.
type RoomConfig struct {
	Public    bool     `json:"public"`
	Protected bool     `json:"protected"`
	Password  Password `json:"-"`
}

// RoomSummary is a read-only view of a room for APIs.
type RoomSummary struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Public    bool   `json:"public"`
	Protected bool   `json:"protected"`
	Members   int    `json:"members"`
	StateSize int    `json:"state_size"`
	HostSID   string `json:"host_sid"`
}
