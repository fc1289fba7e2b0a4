// internal/bus/bus.go

// Package bus wraps the shared Redis substrate: a key-value store holding
// room and session snapshots, and pub/sub channels carrying lifecycle and
// room-change events. It is the only path for cross-process reads; no two
// processes ever talk to each other directly.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/apperr"
	"github.com/bananabit-dev/bevygap/internal/config"
	"github.com/bananabit-dev/bevygap/internal/models"
)

// ErrVersionConflict is returned by conditional writes when the stored record
// has moved past the version the caller based its update on.
var ErrVersionConflict = errors.New("bus: version conflict on conditional write")

const (
	roomKeyPrefix    = "room:"
	sessionKeyPrefix = "session:"
	deployKeyPrefix  = "deploy:"
)

// Bus is a connected message bus client. All methods are safe for concurrent use.
type Bus struct {
	rdb         *redis.Client
	log         *logrus.Logger
	eventPrefix string
}

// Connect dials Redis and verifies connectivity with bounded retries and
// exponential backoff. After exhausting retries it returns a BusUnavailable
// error: the orchestration engine must not start without the bus, because it
// is not authoritative while disconnected.
func Connect(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Bus, error) {
	tlsConf, err := TLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: building TLS config: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:      cfg.BusAddr,
		Username:  cfg.BusUser,
		Password:  cfg.BusPassword,
		TLSConfig: tlsConf,
	})

	backoff := cfg.BusRetryBase
	var lastErr error
	for attempt := 0; attempt <= cfg.BusMaxRetries; attempt++ {
		if attempt > 0 {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
			}).Warn("bus: connection failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.WithField("addr", cfg.BusAddr).Info("bus: connected")
			return &Bus{rdb: rdb, log: log, eventPrefix: cfg.BusEventPrefix}, nil
		}
		lastErr = err
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("%w: %v", apperr.New(apperr.CodeBusUnavailable,
		"no connection to %s after %d attempts", cfg.BusAddr, cfg.BusMaxRetries+1), lastErr)
}

// Healthy reports current bus connectivity.
func (b *Bus) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return apperr.New(apperr.CodeBusUnavailable, "ping failed: %v", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error { return b.rdb.Close() }

func (b *Bus) lifecycleChannel() string { return b.eventPrefix + ".events.lifecycle" }
func (b *Bus) roomsChannel() string     { return b.eventPrefix + ".events.rooms" }

// CompareAndSwapRoom writes a room snapshot only if the stored record is
// older than room.Version. Mirror writes happen after the manager's lock is
// released and may be reordered across goroutines; the version guard keeps a
// stale snapshot from clobbering a newer one. Returns ErrVersionConflict when
// the stored record is already at or past room.Version.
func (b *Bus) CompareAndSwapRoom(ctx context.Context, room *models.Room) error {
	key := roomKeyPrefix + room.ID
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("bus: marshal room %s: %w", room.ID, err)
	}
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// First write for this room.
		case err != nil:
			return err
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(cur, &stored); err != nil {
				return fmt.Errorf("bus: corrupt room record %s: %w", room.ID, err)
			}
			if stored.Version >= room.Version {
				return ErrVersionConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}
	err = b.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// GetRoom reads a room snapshot. Returns (nil, nil) when absent.
func (b *Bus) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	ok, err := b.get(ctx, roomKeyPrefix+id, &room)
	if err != nil || !ok {
		return nil, err
	}
	return &room, nil
}

// DeleteRoom removes a room snapshot.
func (b *Bus) DeleteRoom(ctx context.Context, id string) error {
	return b.rdb.Del(ctx, roomKeyPrefix+id).Err()
}

// PutSession stores a session snapshot unconditionally.
func (b *Bus) PutSession(ctx context.Context, sess *models.Session) error {
	return b.put(ctx, sessionKeyPrefix+sess.ID, sess, 0)
}

// PutSessionWithTTL stores a terminal session snapshot that expires after the
// audit window.
func (b *Bus) PutSessionWithTTL(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	return b.put(ctx, sessionKeyPrefix+sess.ID, sess, ttl)
}

// GetSession reads a session snapshot. Returns (nil, nil) when absent.
func (b *Bus) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	ok, err := b.get(ctx, sessionKeyPrefix+id, &sess)
	if err != nil || !ok {
		return nil, err
	}
	return &sess, nil
}

// CompareAndSwapSession writes sess only if the stored record is exactly one
// version behind sess.Version. A conflicting concurrent write (for example the
// provisioning-timeout sweep racing a webhook event) yields ErrVersionConflict
// and the caller must re-read and reapply.
func (b *Bus) CompareAndSwapSession(ctx context.Context, sess *models.Session) error {
	key := sessionKeyPrefix + sess.ID
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("bus: marshal session %s: %w", sess.ID, err)
	}
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// First write for this session.
		case err != nil:
			return err
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(cur, &stored); err != nil {
				return fmt.Errorf("bus: corrupt session record %s: %w", sess.ID, err)
			}
			if stored.Version != sess.Version-1 {
				return ErrVersionConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}
	err = b.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// SetDeploymentIndex records the deployment-id -> session-id mapping the
// webhook ingest uses to recognize callbacks.
func (b *Bus) SetDeploymentIndex(ctx context.Context, deploymentID, sessionID string) error {
	return b.rdb.Set(ctx, deployKeyPrefix+deploymentID, sessionID, 0).Err()
}

// LookupDeployment resolves a deployment id to its session id. Returns ""
// when the deployment is unknown.
func (b *Bus) LookupDeployment(ctx context.Context, deploymentID string) (string, error) {
	v, err := b.rdb.Get(ctx, deployKeyPrefix+deploymentID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// DeleteDeploymentIndex drops the mapping once a session is terminal and its
// audit window has elapsed.
func (b *Bus) DeleteDeploymentIndex(ctx context.Context, deploymentID string) error {
	return b.rdb.Del(ctx, deployKeyPrefix+deploymentID).Err()
}

// PublishLifecycleEvent publishes one normalized deployment event as a single
// atomic write to the lifecycle channel.
func (b *Bus) PublishLifecycleEvent(ctx context.Context, evt models.LifecycleEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bus: marshal lifecycle event: %w", err)
	}
	return b.rdb.Publish(ctx, b.lifecycleChannel(), payload).Err()
}

// SubscribeLifecycle delivers lifecycle events until ctx is cancelled. Events
// that fail to decode are logged and skipped.
func (b *Bus) SubscribeLifecycle(ctx context.Context) (<-chan models.LifecycleEvent, error) {
	sub := b.rdb.Subscribe(ctx, b.lifecycleChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus: subscribing to lifecycle channel: %w", err)
	}
	out := make(chan models.LifecycleEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt models.LifecycleEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.log.WithError(err).Warn("bus: dropping undecodable lifecycle event")
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishRoomEvent publishes a room-state-change notification.
func (b *Bus) PublishRoomEvent(ctx context.Context, evt models.RoomEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bus: marshal room event: %w", err)
	}
	return b.rdb.Publish(ctx, b.roomsChannel(), payload).Err()
}

// SubscribeRoomEvents delivers room-change notifications until ctx is cancelled.
func (b *Bus) SubscribeRoomEvents(ctx context.Context) (<-chan models.RoomEvent, error) {
	sub := b.rdb.Subscribe(ctx, b.roomsChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus: subscribing to rooms channel: %w", err)
	}
	out := make(chan models.RoomEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt models.RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.log.WithError(err).Warn("bus: dropping undecodable room event")
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", key, err)
	}
	return b.rdb.Set(ctx, key, payload, ttl).Err()
}

func (b *Bus) get(ctx context.Context, key string, v any) (bool, error) {
	payload, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("bus: unmarshal %s: %w", key, err)
	}
	return true, nil
}
