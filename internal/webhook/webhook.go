// internal/webhook/webhook.go

// Package webhook receives the cloud provider's asynchronous deployment
// lifecycle callbacks, normalizes them into lifecycle events, and publishes
// them to the message bus. The provider retries on non-2xx responses, so the
// handler acknowledges receipt even when processing fails internally: the
// provider has no useful recovery action, and an unrecognized deployment id
// must never drive it into a retry loop.
package webhook

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/models"
)

// DeploymentCallback is the provider's callback payload.
type DeploymentCallback struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Registry answers whether a deployment id belongs to a tracked session.
type Registry interface {
	KnownDeployment(id string) bool
}

// Publisher carries one normalized event to the bus as a single atomic write.
type Publisher interface {
	PublishLifecycleEvent(ctx context.Context, evt models.LifecycleEvent) error
}

// statusKinds maps the provider's status vocabulary onto the four normalized
// event kinds. Provider statuses arrive either bare ("READY") or prefixed
// ("Status.READY"); both forms are accepted.
var statusKinds = map[string]models.EventKind{
	"CREATED":     models.EventCreated,
	"CREATING":    models.EventCreated,
	"DEPLOYING":   models.EventCreated,
	"READY":       models.EventReady,
	"RUNNING":     models.EventReady,
	"ERROR":       models.EventError,
	"FAILED":      models.EventError,
	"TERMINATED":  models.EventTerminated,
	"DELETED":     models.EventTerminated,
	"STOPPED":     models.EventTerminated,
	"TERMINATING": "", // teardown in progress, nothing to apply yet
}

// MapStatus normalizes one provider status string. The second return is false
// for unknown or no-op statuses.
func MapStatus(status string) (models.EventKind, bool) {
	key := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(status), "Status."))
	kind, ok := statusKinds[key]
	if !ok || kind == "" {
		return "", false
	}
	return kind, true
}

// Handler returns the HTTP handler for POST /webhooks/deployments. It always
// responds 200 to well-formed requests; drops are logged for audit.
func Handler(log *logrus.Logger, registry Registry, pub Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ack := func() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}

		var cb DeploymentCallback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil || cb.DeploymentID == "" {
			log.WithError(err).Warn("webhook: undecodable callback dropped")
			ack()
			return
		}

		fields := logrus.Fields{
			"deployment_id": cb.DeploymentID,
			"status":        cb.Status,
		}

		if !registry.KnownDeployment(cb.DeploymentID) {
			log.WithFields(fields).Warn("webhook: callback for unknown deployment dropped")
			ack()
			return
		}

		kind, ok := MapStatus(cb.Status)
		if !ok {
			log.WithFields(fields).Warn("webhook: unmapped provider status dropped")
			ack()
			return
		}

		evt := models.LifecycleEvent{
			DeploymentID: cb.DeploymentID,
			Kind:         kind,
			Message:      cb.Message,
			OccurredAt:   time.Now().UTC(),
		}
		if kind == models.EventReady && cb.Host != "" && cb.Port > 0 {
			evt.Endpoint = net.JoinHostPort(cb.Host, strconv.Itoa(cb.Port))
		}

		if err := pub.PublishLifecycleEvent(r.Context(), evt); err != nil {
			// Internal failure: log it, still acknowledge. The sweep will
			// eventually fail the session if the event never lands.
			log.WithError(err).WithFields(fields).Error("webhook: event publish failed")
		} else {
			log.WithFields(fields).WithField("kind", kind).Info("webhook: lifecycle event published")
		}
		ack()
	}
}
