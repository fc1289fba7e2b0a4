// internal/provider/provider.go

// Package provider is the client side of the external cloud session provider:
// the service that deploys and tears down game-server instances on request
// and reports lifecycle progress through webhook callbacks.
package provider

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// DeployRequest asks the provider for one new game-server instance.
type DeployRequest struct {
	RoomID      string `json:"room_id"`
	GameMode    string `json:"game_mode"`
	PlayerCount int    `json:"player_count"`
}

// Deployment is the provider's view of one instance. The synchronous Deploy
// response carries only the id and initial status; host and port arrive later
// via the ready webhook (or a Status poll).
type Deployment struct {
	ID     string `json:"deployment_id"`
	Status string `json:"status"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
}

// Endpoint returns the host:port clients connect to, or "" if not yet known.
func (d Deployment) Endpoint() string {
	if d.Host == "" || d.Port == 0 {
		return ""
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// APIError is a typed failure from the provider API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %d: %s", e.StatusCode, e.Message)
}

// Client issues deploy/terminate/status calls against the provider. All
// implementations must be safe for concurrent use; the state machine
// guarantees at most one in-flight mutating call per deployment.
type Client interface {
	Deploy(ctx context.Context, req DeployRequest) (Deployment, error)
	Terminate(ctx context.Context, deploymentID string) error
	Status(ctx context.Context, deploymentID string) (Deployment, error)
}
