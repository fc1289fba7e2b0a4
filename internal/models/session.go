// internal/models/session.go
package models

import "time"

// SessionState is the lifecycle state of one cloud game-server allocation.
type SessionState string

const (
	// SessionRequested means the deploy call has been issued; the provider
	// has acknowledged it but the deployment is not yet confirmed created.
	SessionRequested SessionState = "requested"
	// SessionProvisioning means the provider confirmed the deployment
	// exists and is still bringing it up.
	SessionProvisioning SessionState = "provisioning"
	// SessionReady means the deployment is up and the connection endpoint
	// is known and usable.
	SessionReady SessionState = "ready"
	// SessionTerminating means a terminate call has been issued.
	SessionTerminating SessionState = "terminating"
	// SessionTerminated is terminal: the provider confirmed teardown.
	SessionTerminated SessionState = "terminated"
	// SessionFailed is terminal: provider error or provisioning timeout.
	SessionFailed SessionState = "failed"
)

// stateRank orders states along the forward lifecycle. Failed and Terminated
// share the highest rank so no event can move a session out of a terminal
// state. Events that would lower a session's rank are rejected as stale.
var stateRank = map[SessionState]int{
	SessionRequested:    1,
	SessionProvisioning: 2,
	SessionReady:        3,
	SessionTerminating:  4,
	SessionTerminated:   5,
	SessionFailed:       5,
}

// Rank returns the monotonic ordering position of the state.
func (s SessionState) Rank() int { return stateRank[s] }

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionTerminated || s == SessionFailed
}

// Session is one allocation of a cloud game-server instance bound to a room.
// The session state machine is the sole writer; everyone else reads the
// snapshots it publishes to the message bus.
type Session struct {
	ID     string       `json:"id"`
	RoomID string       `json:"room_id"`
	State  SessionState `json:"state"`

	// DeploymentID is empty until the provider acknowledges the deploy
	// request. Lifecycle events carrying a different deployment id never
	// touch this session.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Endpoint is the host:port game clients connect to; empty until Ready.
	Endpoint string `json:"endpoint,omitempty"`

	// RetryCount is how many prior sessions for the same room failed before
	// this attempt was created.
	RetryCount int `json:"retry_count"`

	// TerminatePending records a termination request that arrived before
	// the deployment id was known. It is honored as soon as the provider
	// confirms the deployment exists.
	TerminatePending bool `json:"terminate_pending,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Version increments on every transition; bus writes are conditional on it.
	Version int64 `json:"version"`
}

// Clone returns a copy safe to hand out beyond the state machine's lock.
func (s *Session) Clone() *Session {
	cp := *s
	return &cp
}
