// internal/models/room.go
package models

import (
	"slices"
	"time"
)

// Room represents a pre-match lobby grouping players before a game-server
// session is allocated. Rooms are ephemeral: they live in the lobby manager's
// memory and are mirrored to the message bus as read-only snapshots.
type Room struct {
	ID         string    `json:"id"`
	HostName   string    `json:"host_name"`
	GameMode   string    `json:"game_mode"`
	MaxPlayers int       `json:"max_players"`
	Players    []string  `json:"players"` // insertion order == join order
	Started    bool      `json:"started"`
	CreatedAt  time.Time `json:"created_at"`

	// Version increments on every mutation; conditional writes to the bus
	// compare against it to detect lost updates.
	Version int64 `json:"version"`
}

// HasPlayer reports whether the named player is currently in the room.
func (r *Room) HasPlayer(name string) bool {
	return slices.Contains(r.Players, name)
}

// Full reports whether the room has reached its player capacity.
func (r *Room) Full() bool {
	return len(r.Players) >= r.MaxPlayers
}

// Clone returns a deep copy safe to hand to callers outside the manager's lock.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Players = slices.Clone(r.Players)
	return &cp
}
