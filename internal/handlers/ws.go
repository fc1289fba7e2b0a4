// internal/handlers/ws.go
package handlers

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/models"
)

// RoomEventSource delivers room-state-change notifications from the bus.
type RoomEventSource interface {
	SubscribeRoomEvents(ctx context.Context) (<-chan models.RoomEvent, error)
}

// RoomFeedHandler upgrades to a websocket and forwards room-change events to
// the client until it disconnects. Lobby UIs use this to keep listings live
// without polling.
func RoomFeedHandler(logger *logrus.Logger, source RoomEventSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.WithError(err).Warn("ws: accept failed")
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		events, err := source.SubscribeRoomEvents(ctx)
		if err != nil {
			logger.WithError(err).Error("ws: room-event subscription failed")
			c.Close(websocket.StatusInternalError, "subscription failed")
			return
		}
		logger.WithField("remote", r.RemoteAddr).Info("ws: room feed connected")

		// Drain client frames so pings are answered and closes noticed.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.Read(ctx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "")
				return
			case evt, ok := <-events:
				if !ok {
					c.Close(websocket.StatusGoingAway, "event stream closed")
					return
				}
				if err := wsjson.Write(ctx, c, evt); err != nil {
					logger.WithError(err).Debug("ws: client write failed, disconnecting")
					return
				}
			}
		}
	}
}

// Pinger reports bus connectivity.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// HealthHandler answers 200 while the bus is reachable and 503 otherwise:
// the engine refuses to claim authority over session state without the bus.
func HealthHandler(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pinger.Healthy(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
