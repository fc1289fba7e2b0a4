// internal/models/event.go
package models

import "time"

// EventKind is the normalized category of a deployment lifecycle callback.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventReady      EventKind = "ready"
	EventError      EventKind = "error"
	EventTerminated EventKind = "terminated"
)

// LifecycleEvent is an immutable fact about a deployment, derived from a
// provider webhook callback (or a provider-call outcome) by the webhook
// ingest. Events are append-only and safe to reprocess: the state machine
// treats re-delivery of an event a session already advanced past as a no-op.
type LifecycleEvent struct {
	DeploymentID string    `json:"deployment_id"`
	Kind         EventKind `json:"kind"`
	Endpoint     string    `json:"endpoint,omitempty"` // set on ready events
	Message      string    `json:"message,omitempty"`  // provider detail, set on error events
	OccurredAt   time.Time `json:"occurred_at"`
}

// RoomEventKind labels room-state-change notifications on the bus.
type RoomEventKind string

const (
	RoomCreated RoomEventKind = "room_created"
	RoomUpdated RoomEventKind = "room_updated"
	RoomStarted RoomEventKind = "room_started"
	RoomDeleted RoomEventKind = "room_deleted"
)

// RoomEvent is published to the bus whenever the lobby manager mutates a room,
// so websocket feeds and other processes can follow lobby state live.
type RoomEvent struct {
	Kind RoomEventKind `json:"kind"`
	Room *Room         `json:"room"`
}
