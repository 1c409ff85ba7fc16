package domain

import (
	"strings"
	"time"
)

type RoomID string
type ConnID string

// DefaultDisplayName is used when a participant joins without a name.
const DefaultDisplayName = "Anonymous"

type Participant struct {
	ConnID   ConnID    `json:"connId"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

type Room struct {
	ID           RoomID
	Participants []Participant
}

type RoomSummary struct {
	ID      RoomID `json:"id"`
	Members int    `json:"members"`
}

// DisplayName trims a requested name and falls back to DefaultDisplayName.
func DisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultDisplayName
	}
	return name
}

// ConnState is the lifecycle state of one transport connection.
type ConnState int

const (
	StateUnjoined ConnState = iota
	StateJoined
	StateLeft
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s ConnState) Terminal() bool {
	return s == StateLeft || s == StateDisconnected
}

// IsInitiator reports whether self proposes the handshake for the pair (self, remote).
// The lexicographically smaller identifier is the sole initiator.
func IsInitiator(self, remote ConnID) bool {
	return self < remote
}
