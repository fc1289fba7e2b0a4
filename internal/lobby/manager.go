// internal/lobby/manager.go

// Package lobby manages pre-match rooms: the player-visible lobbies that
// exist before (and independently of) any cloud deployment. The manager is
// the sole writer of room state; it mirrors snapshots to the message bus and
// hands lifecycle triggers to the session state machine through callbacks.
package lobby

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/apperr"
	"github.com/bananabit-dev/bevygap/internal/bus"
	"github.com/bananabit-dev/bevygap/internal/models"
)

// maxPlayersCeiling caps room size regardless of what the creator asks for.
const maxPlayersCeiling = 16

// Bus is the slice of the message bus the manager needs: snapshot mirroring
// and room-change notifications.
type Bus interface {
	CompareAndSwapRoom(ctx context.Context, room *models.Room) error
	DeleteRoom(ctx context.Context, id string) error
	PublishRoomEvent(ctx context.Context, evt models.RoomEvent) error
}

// Status is a point-in-time snapshot of lobby occupancy.
type Status struct {
	MaxRooms    int `json:"max_rooms"`
	ActiveRooms int `json:"active_rooms"` // started == false
	TotalRooms  int `json:"total_rooms"`  // includes started rooms pending teardown
}

// Manager holds all rooms in memory behind one mutex.
// Per-room event serialization falls out of the single lock; cross-room
// contention is negligible at lobby scale.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*models.Room

	maxRooms int
	log      *logrus.Logger
	bus      Bus

	// onStarted and onDeleted notify the session state machine. Both are
	// invoked on fresh goroutines: lobby operations never block on
	// provider or bus round-trips.
	onStarted func(models.Room)
	onDeleted func(models.Room)

	// sessionFor lets the reap sweep ask whether a started room's backing
	// session has reached a terminal state.
	sessionFor func(roomID string) (*models.Session, bool)

	now func() time.Time
}

// New builds a Manager with the given room ceiling.
func New(maxRooms int, b Bus, log *logrus.Logger) *Manager {
	return &Manager{
		rooms:    make(map[string]*models.Room),
		maxRooms: maxRooms,
		log:      log,
		bus:      b,
		now:      time.Now,
	}
}

// OnRoomStarted registers the room-started trigger consumer.
func (m *Manager) OnRoomStarted(fn func(models.Room)) { m.onStarted = fn }

// OnRoomDeleted registers the room-deleted notification consumer.
func (m *Manager) OnRoomDeleted(fn func(models.Room)) { m.onDeleted = fn }

// SessionLookup registers the session lookup used by the reap sweep.
func (m *Manager) SessionLookup(fn func(roomID string) (*models.Session, bool)) {
	m.sessionFor = fn
}

// CreateRoom registers a new room with the creator as its sole player.
func (m *Manager) CreateRoom(ctx context.Context, hostName, gameMode string, maxPlayers int) (*models.Room, error) {
	if hostName == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "host_name is required")
	}
	if maxPlayers <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "max_players must be positive")
	}
	if maxPlayers > maxPlayersCeiling {
		maxPlayers = maxPlayersCeiling
	}

	m.mu.Lock()
	active := 0
	for _, r := range m.rooms {
		if !r.Started {
			active++
		}
	}
	if active >= m.maxRooms {
		m.mu.Unlock()
		return nil, apperr.New(apperr.CodeCapacityExceeded, "maximum active rooms reached (%d)", m.maxRooms)
	}

	room := &models.Room{
		ID:         uuid.NewString(),
		HostName:   hostName,
		GameMode:   gameMode,
		MaxPlayers: maxPlayers,
		Players:    []string{hostName},
		CreatedAt:  m.now(),
		Version:    1,
	}
	m.rooms[room.ID] = room
	snapshot := room.Clone()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"room_id":   snapshot.ID,
		"host":      snapshot.HostName,
		"game_mode": snapshot.GameMode,
	}).Info("lobby: room created")
	m.mirror(ctx, snapshot, models.RoomCreated)
	return snapshot, nil
}

// ListActiveRooms returns all not-yet-started rooms in creation order.
func (m *Manager) ListActiveRooms() []*models.Room {
	m.mu.Lock()
	out := make([]*models.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if !r.Started {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetRoom returns a snapshot of one room.
func (m *Manager) GetRoom(id string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "room %s not found", id)
	}
	return room.Clone(), nil
}

// JoinRoom adds a player to a room. Joining a room the player is already in
// returns the current snapshot unchanged.
func (m *Manager) JoinRoom(ctx context.Context, id, playerName string) (*models.Room, error) {
	if playerName == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "player_name is required")
	}

	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.CodeNotFound, "room %s not found", id)
	}
	if room.Started {
		m.mu.Unlock()
		return nil, apperr.New(apperr.CodeAlreadyStarted, "room %s already started", id)
	}
	if room.HasPlayer(playerName) {
		snapshot := room.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	if room.Full() {
		m.mu.Unlock()
		return nil, apperr.New(apperr.CodeRoomFull, "room %s is full (%d/%d)", id, len(room.Players), room.MaxPlayers)
	}
	room.Players = append(room.Players, playerName)
	room.Version++
	snapshot := room.Clone()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"room_id": id,
		"player":  playerName,
		"players": len(snapshot.Players),
	}).Info("lobby: player joined")
	m.mirror(ctx, snapshot, models.RoomUpdated)
	return snapshot, nil
}

// LeaveRoom removes a player. Removing the last player deletes the room; if
// the room had a live session, the state machine is notified (fire and
// forget) to begin termination.
func (m *Manager) LeaveRoom(ctx context.Context, id, playerName string) error {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.CodeNotFound, "room %s not found", id)
	}
	idx := slices.Index(room.Players, playerName)
	if idx < 0 {
		m.mu.Unlock()
		return apperr.New(apperr.CodeNotFound, "player %s not in room %s", playerName, id)
	}
	room.Players = slices.Delete(room.Players, idx, idx+1)
	room.Version++
	emptied := len(room.Players) == 0
	if emptied {
		delete(m.rooms, id)
	}
	snapshot := room.Clone()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"room_id": id,
		"player":  playerName,
		"players": len(snapshot.Players),
	}).Info("lobby: player left")

	if emptied {
		m.unmirror(ctx, snapshot)
		if m.onDeleted != nil {
			go m.onDeleted(*snapshot)
		}
		return nil
	}
	m.mirror(ctx, snapshot, models.RoomUpdated)
	return nil
}

// StartRoom marks a room as started and fires the room-started trigger.
// Starting an already-started room is a no-op success.
func (m *Manager) StartRoom(ctx context.Context, id string) (*models.Room, error) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.CodeNotFound, "room %s not found", id)
	}
	if room.Started {
		snapshot := room.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	room.Started = true
	room.Version++
	snapshot := room.Clone()
	m.mu.Unlock()

	m.log.WithField("room_id", id).Info("lobby: room started")
	m.mirror(ctx, snapshot, models.RoomStarted)
	if m.onStarted != nil {
		go m.onStarted(*snapshot)
	}
	return snapshot, nil
}

// MarkUnmatched clears a room's started flag after its session failed
// permanently, returning it to the active listings so players can retry.
func (m *Manager) MarkUnmatched(ctx context.Context, id string) {
	m.mu.Lock()
	room, ok := m.rooms[id]
	if !ok || !room.Started {
		m.mu.Unlock()
		return
	}
	room.Started = false
	room.Version++
	snapshot := room.Clone()
	m.mu.Unlock()

	m.log.WithField("room_id", id).Warn("lobby: room unmatched, open for retry")
	m.mirror(ctx, snapshot, models.RoomUpdated)
}

// Status returns a point-in-time occupancy snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, r := range m.rooms {
		if !r.Started {
			active++
		}
	}
	return Status{MaxRooms: m.maxRooms, ActiveRooms: active, TotalRooms: len(m.rooms)}
}

// ReapStartedRooms deletes started rooms whose backing session reached a
// terminal state at least grace ago. Run periodically from the sweep loop.
func (m *Manager) ReapStartedRooms(ctx context.Context, grace time.Duration) {
	if m.sessionFor == nil {
		return
	}
	m.mu.Lock()
	var reaped []*models.Room
	for id, room := range m.rooms {
		if !room.Started {
			continue
		}
		sess, ok := m.sessionFor(id)
		if !ok || !sess.State.Terminal() {
			continue
		}
		if m.now().Sub(sess.UpdatedAt) < grace {
			continue
		}
		delete(m.rooms, id)
		reaped = append(reaped, room.Clone())
	}
	m.mu.Unlock()

	for _, room := range reaped {
		m.log.WithField("room_id", room.ID).Info("lobby: reaped started room after session teardown")
		m.unmirror(ctx, room)
	}
}

func (m *Manager) mirror(ctx context.Context, room *models.Room, kind models.RoomEventKind) {
	switch err := m.bus.CompareAndSwapRoom(ctx, room); {
	case err == nil:
	case errors.Is(err, bus.ErrVersionConflict):
		// A newer snapshot already landed; this write was reordered.
		m.log.WithFields(logrus.Fields{
			"room_id": room.ID,
			"version": room.Version,
		}).Debug("lobby: stale room snapshot skipped")
	default:
		m.log.WithError(err).WithField("room_id", room.ID).Warn("lobby: bus snapshot write failed")
	}
	if err := m.bus.PublishRoomEvent(ctx, models.RoomEvent{Kind: kind, Room: room}); err != nil {
		m.log.WithError(err).WithField("room_id", room.ID).Warn("lobby: bus event publish failed")
	}
}

func (m *Manager) unmirror(ctx context.Context, room *models.Room) {
	if err := m.bus.DeleteRoom(ctx, room.ID); err != nil {
		m.log.WithError(err).WithField("room_id", room.ID).Warn("lobby: bus snapshot delete failed")
	}
	if err := m.bus.PublishRoomEvent(ctx, models.RoomEvent{Kind: models.RoomDeleted, Room: room}); err != nil {
		m.log.WithError(err).WithField("room_id", room.ID).Warn("lobby: bus event publish failed")
	}
}
