// internal/session/machine.go

// Package session implements the lifecycle state machine for cloud
// game-server allocations. The machine is the sole writer of session state:
// it consumes room-started triggers from the lobby manager and normalized
// lifecycle events from the webhook ingest (via the bus), drives the provider
// client, and publishes authoritative session snapshots back to the bus.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/models"
	"github.com/bananabit-dev/bevygap/internal/provider"
)

// ErrLifecycleStreamClosed is returned by Run when the bus event stream
// closes while the machine is still supposed to be consuming.
var ErrLifecycleStreamClosed = errors.New("session: lifecycle event stream closed")

// Bus is the slice of the message bus the machine needs.
type Bus interface {
	PutSession(ctx context.Context, sess *models.Session) error
	CompareAndSwapSession(ctx context.Context, sess *models.Session) error
	PutSessionWithTTL(ctx context.Context, sess *models.Session, ttl time.Duration) error
	SetDeploymentIndex(ctx context.Context, deploymentID, sessionID string) error
	DeleteDeploymentIndex(ctx context.Context, deploymentID string) error
	SubscribeLifecycle(ctx context.Context) (<-chan models.LifecycleEvent, error)
}

// Archiver records terminal sessions for audit. May be backed by Postgres or
// absent entirely.
type Archiver interface {
	ArchiveSession(ctx context.Context, sess *models.Session) error
}

// Options bound the machine's retry and timeout behavior.
type Options struct {
	// RetryMax is how many replacement sessions may be created for one room
	// after deployment errors.
	RetryMax int
	// ProvisionTimeout forces sessions stuck in Requested or Provisioning
	// to Failed.
	ProvisionTimeout time.Duration
	// AuditWindow is how long terminal session records stay readable.
	AuditWindow time.Duration
}

// Machine owns every session. All mutations of one session happen under that
// session's lock, so events for a given session are applied strictly in
// sequence while distinct sessions progress in parallel. Session struct
// fields are additionally written under m.mu (see update), so the snapshot
// readers, which hold only m.mu, never observe a torn write. Provider calls
// are made while holding the session lock: a termination request arriving
// during an in-flight deploy simply waits for it to settle, which guarantees
// at most one mutating provider call per deployment at a time.
type Machine struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	byRoom       map[string]string // room id -> latest session id
	byDeployment map[string]string // deployment id -> session id
	locks        map[string]*sync.Mutex
	deployReqs   map[string]provider.DeployRequest // room id -> deploy parameters, kept for retries

	prov    provider.Client
	bus     Bus
	archive Archiver // may be nil
	log     *logrus.Logger
	opts    Options

	// unmatched tells the lobby manager a room's session failed for good,
	// so the room can reopen for a retry.
	unmatched func(roomID string)

	now func() time.Time
}

// New builds a Machine. Call OnUnmatched before serving traffic.
func New(prov provider.Client, b Bus, archive Archiver, opts Options, log *logrus.Logger) *Machine {
	return &Machine{
		sessions:     make(map[string]*models.Session),
		byRoom:       make(map[string]string),
		byDeployment: make(map[string]string),
		locks:        make(map[string]*sync.Mutex),
		deployReqs:   make(map[string]provider.DeployRequest),
		prov:         prov,
		bus:          b,
		archive:      archive,
		log:          log,
		opts:         opts,
		now:          time.Now,
	}
}

// OnUnmatched registers the permanent-failure notifier.
func (m *Machine) OnUnmatched(fn func(roomID string)) { m.unmatched = fn }

// sessionLock returns the per-session mutex, creating it on first use.
func (m *Machine) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// RoomStarted handles the lobby's room-started trigger: reuse the room's
// existing live session if one exists, otherwise create a new session and
// issue the deploy call.
func (m *Machine) RoomStarted(ctx context.Context, room models.Room) {
	req := provider.DeployRequest{
		RoomID:      room.ID,
		GameMode:    room.GameMode,
		PlayerCount: len(room.Players),
	}

	m.mu.Lock()
	if sid, ok := m.byRoom[room.ID]; ok {
		if existing := m.sessions[sid]; existing != nil && !existing.State.Terminal() {
			state := existing.State
			m.mu.Unlock()
			m.log.WithFields(logrus.Fields{
				"room_id":    room.ID,
				"session_id": sid,
				"state":      state,
			}).Info("session: reusing live session for room")
			return
		}
	}
	sess := m.newSessionLocked(room.ID, 0)
	m.deployReqs[room.ID] = req
	m.mu.Unlock()

	m.deploy(ctx, sess.ID, req)
}

// newSessionLocked registers a fresh Requested session. Caller holds m.mu.
func (m *Machine) newSessionLocked(roomID string, retryCount int) *models.Session {
	sess := &models.Session{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		State:      models.SessionRequested,
		RetryCount: retryCount,
		CreatedAt:  m.now(),
		UpdatedAt:  m.now(),
		Version:    1,
	}
	m.sessions[sess.ID] = sess
	m.byRoom[roomID] = sess.ID
	return sess
}

// deploy issues the provider call for a Requested session and records the
// acknowledged deployment id. Runs under the session lock.
func (m *Machine) deploy(ctx context.Context, sessionID string, req provider.DeployRequest) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.get(sessionID)
	if sess == nil || sess.State != models.SessionRequested {
		return
	}
	m.publish(ctx, sess)

	dep, err := m.prov.Deploy(ctx, req)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"room_id":    sess.RoomID,
		}).Error("session: deploy call failed")
		m.fail(ctx, sess, "deploy call failed: "+err.Error())
		m.notifyUnmatched(sess.RoomID)
		return
	}

	m.update(sess, func() {
		sess.DeploymentID = dep.ID
		m.byDeployment[dep.ID] = sess.ID
	})
	if err := m.bus.SetDeploymentIndex(ctx, dep.ID, sess.ID); err != nil {
		m.log.WithError(err).Warn("session: deployment index write failed")
	}
	m.publish(ctx, sess)
	m.log.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"room_id":       sess.RoomID,
		"deployment_id": dep.ID,
	}).Info("session: deploy acknowledged")

	// A termination request that arrived while the deploy call was in
	// flight is honored now that the call has settled.
	if sess.TerminatePending {
		m.beginTermination(ctx, sess)
	}
}

// Run consumes lifecycle events from the bus until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	events, err := m.bus.SubscribeLifecycle(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return ErrLifecycleStreamClosed
			}
			m.Apply(ctx, evt)
		}
	}
}

// Apply feeds one lifecycle event through the state machine. Events carrying
// an unknown or superseded deployment id, events that would move a session
// backward, and re-deliveries of already-applied events are all dropped as
// no-ops and logged for audit.
func (m *Machine) Apply(ctx context.Context, evt models.LifecycleEvent) {
	m.mu.Lock()
	sessionID, ok := m.byDeployment[evt.DeploymentID]
	m.mu.Unlock()
	if !ok {
		m.log.WithFields(logrus.Fields{
			"deployment_id": evt.DeploymentID,
			"kind":          evt.Kind,
		}).Warn("session: dropping event for unknown deployment")
		return
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.get(sessionID)
	if sess == nil || sess.DeploymentID != evt.DeploymentID {
		m.log.WithFields(logrus.Fields{
			"deployment_id": evt.DeploymentID,
			"session_id":    sessionID,
			"kind":          evt.Kind,
		}).Warn("session: dropping stale event, deployment id superseded")
		return
	}

	switch evt.Kind {
	case models.EventCreated:
		m.applyCreated(ctx, sess, evt)
	case models.EventReady:
		m.applyReady(ctx, sess, evt)
	case models.EventError:
		m.applyError(ctx, sess, evt)
	case models.EventTerminated:
		m.applyTerminated(ctx, sess, evt)
	default:
		m.log.WithField("kind", evt.Kind).Warn("session: dropping event of unknown kind")
	}
}

func (m *Machine) applyCreated(ctx context.Context, sess *models.Session, evt models.LifecycleEvent) {
	if sess.State.Rank() >= models.SessionProvisioning.Rank() {
		m.dropApplied(sess, evt)
		return
	}
	m.update(sess, func() { sess.State = models.SessionProvisioning })
	m.publish(ctx, sess)
	m.log.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"deployment_id": sess.DeploymentID,
	}).Info("session: provisioning")

	if sess.TerminatePending {
		m.beginTermination(ctx, sess)
	}
}

func (m *Machine) applyReady(ctx context.Context, sess *models.Session, evt models.LifecycleEvent) {
	if sess.State.Rank() >= models.SessionReady.Rank() {
		m.dropApplied(sess, evt)
		return
	}
	m.update(sess, func() {
		sess.State = models.SessionReady
		sess.Endpoint = evt.Endpoint
	})
	m.publish(ctx, sess)
	m.log.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"room_id":       sess.RoomID,
		"deployment_id": sess.DeploymentID,
		"endpoint":      sess.Endpoint,
	}).Info("session: ready")

	if sess.TerminatePending {
		m.beginTermination(ctx, sess)
	}
}

// applyError only acts while the deployment is still coming up. An error
// event arriving after the session reached Ready (or later) is a stale or
// duplicate delivery and changes nothing.
func (m *Machine) applyError(ctx context.Context, sess *models.Session, evt models.LifecycleEvent) {
	if sess.State != models.SessionRequested && sess.State != models.SessionProvisioning {
		m.dropApplied(sess, evt)
		return
	}
	roomID := sess.RoomID
	retryCount := sess.RetryCount
	m.fail(ctx, sess, evt.Message)

	if sess.TerminatePending {
		// The room is gone; nothing left to retry for.
		return
	}
	if retryCount >= m.opts.RetryMax {
		m.log.WithFields(logrus.Fields{
			"room_id": roomID,
			"retries": retryCount,
		}).Error("session: retry ceiling reached, room unmatched")
		m.notifyUnmatched(roomID)
		return
	}

	// Retry with a brand-new session rather than re-driving the dead
	// deployment id.
	m.mu.Lock()
	req, ok := m.deployReqs[roomID]
	if !ok {
		m.mu.Unlock()
		m.notifyUnmatched(roomID)
		return
	}
	next := m.newSessionLocked(roomID, retryCount+1)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"room_id":    roomID,
		"session_id": next.ID,
		"attempt":    retryCount + 1,
	}).Warn("session: retrying with new session after deployment error")
	go m.deploy(ctx, next.ID, req)
}

func (m *Machine) applyTerminated(ctx context.Context, sess *models.Session, evt models.LifecycleEvent) {
	if sess.State.Terminal() {
		m.dropApplied(sess, evt)
		return
	}
	m.update(sess, func() { sess.State = models.SessionTerminated })
	m.finalize(ctx, sess)
	m.log.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"deployment_id": sess.DeploymentID,
	}).Info("session: terminated")
}

// RoomDeleted begins termination of the room's live session, if any. Invoked
// fire-and-forget by the lobby manager when a room empties out.
func (m *Machine) RoomDeleted(ctx context.Context, room models.Room) {
	m.mu.Lock()
	sessionID, ok := m.byRoom[room.ID]
	delete(m.deployReqs, room.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.TerminateSession(ctx, sessionID); err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("session: termination on room delete failed")
	}
}

// TerminateSession requests teardown of one session (room deletion or
// operator action). Safe to call in any state; terminal sessions and
// already-terminating sessions are left alone.
func (m *Machine) TerminateSession(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.get(sessionID)
	if sess == nil || sess.State.Terminal() || sess.State == models.SessionTerminating {
		return nil
	}
	if sess.DeploymentID == "" {
		// Deploy call not yet settled; the pending flag is honored as soon
		// as it does.
		m.update(sess, func() { sess.TerminatePending = true })
		m.publish(ctx, sess)
		m.log.WithField("session_id", sessionID).Info("session: termination scheduled after deploy settles")
		return nil
	}
	return m.beginTermination(ctx, sess)
}

// beginTermination moves a session to Terminating and issues the provider
// terminate call. Caller holds the session lock.
func (m *Machine) beginTermination(ctx context.Context, sess *models.Session) error {
	m.update(sess, func() {
		sess.State = models.SessionTerminating
		sess.TerminatePending = false
	})
	m.publish(ctx, sess)
	m.log.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"deployment_id": sess.DeploymentID,
	}).Info("session: terminating")

	if err := m.prov.Terminate(ctx, sess.DeploymentID); err != nil {
		// Leave the session in Terminating: the provider owns the
		// deployment now, and the sweep or a repeated operator request
		// can re-drive teardown.
		m.log.WithError(err).WithField("session_id", sess.ID).Error("session: terminate call failed")
		return err
	}
	return nil
}

// Sweep forces sessions stuck in Requested or Provisioning past the
// provisioning timeout to Failed, freeing their rooms to retry, re-drives the
// terminate call for sessions stalled in Terminating, and evicts terminal
// sessions older than the audit window. Run it periodically.
func (m *Machine) Sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		lock := m.sessionLock(id)
		lock.Lock()
		sess := m.get(id)
		if sess == nil {
			lock.Unlock()
			continue
		}
		switch {
		case sess.State == models.SessionRequested || sess.State == models.SessionProvisioning:
			if m.now().Sub(sess.UpdatedAt) > m.opts.ProvisionTimeout {
				m.log.WithFields(logrus.Fields{
					"session_id": sess.ID,
					"state":      sess.State,
				}).Warn("session: provisioning timeout, forcing failure")
				roomID := sess.RoomID
				m.fail(ctx, sess, "provisioning timeout")
				m.notifyUnmatched(roomID)
			}
		case sess.State == models.SessionTerminating:
			if m.now().Sub(sess.UpdatedAt) > m.opts.ProvisionTimeout {
				m.log.WithFields(logrus.Fields{
					"session_id":    sess.ID,
					"deployment_id": sess.DeploymentID,
				}).Warn("session: teardown stalled, re-driving terminate")
				if err := m.prov.Terminate(ctx, sess.DeploymentID); err != nil {
					m.fail(ctx, sess, "terminate re-drive failed: "+err.Error())
					break
				}
				// Reset the stall timer and keep waiting for the webhook.
				m.update(sess, nil)
				m.publish(ctx, sess)
			}
		case sess.State.Terminal():
			if m.now().Sub(sess.UpdatedAt) > m.opts.AuditWindow {
				m.evict(ctx, sess)
			}
		}
		lock.Unlock()
	}
}

// StartSweep runs Sweep on a ticker until ctx is cancelled.
func (m *Machine) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// SessionForRoom returns a snapshot of the room's latest session.
func (m *Machine) SessionForRoom(roomID string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byRoom[roomID]
	if !ok {
		return nil, false
	}
	sess, ok := m.sessions[sid]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Session returns a snapshot of one session by id.
func (m *Machine) Session(id string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// KnownDeployment reports whether a deployment id belongs to any tracked
// session. The webhook ingest consults this before publishing events.
func (m *Machine) KnownDeployment(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byDeployment[id]
	return ok
}

// get returns the live (not cloned) session record. Callers must hold the
// session's lock.
func (m *Machine) get(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// update applies mut to the session under m.mu, then bumps the version and
// timestamp. Every field write goes through here so the snapshot readers,
// which hold only m.mu, are safe against the lifecycle consumer. Caller holds
// the session's lock.
func (m *Machine) update(sess *models.Session, mut func()) {
	m.mu.Lock()
	if mut != nil {
		mut()
	}
	sess.UpdatedAt = m.now()
	sess.Version++
	m.mu.Unlock()
}

// fail moves a session to the Failed terminal state. Caller holds the lock.
func (m *Machine) fail(ctx context.Context, sess *models.Session, reason string) {
	m.update(sess, func() {
		sess.State = models.SessionFailed
		sess.FailureReason = reason
	})
	m.finalize(ctx, sess)
}

// finalize publishes a terminal snapshot with the audit TTL and archives it.
func (m *Machine) finalize(ctx context.Context, sess *models.Session) {
	if err := m.bus.PutSessionWithTTL(ctx, sess.Clone(), m.opts.AuditWindow); err != nil {
		m.log.WithError(err).WithField("session_id", sess.ID).Warn("session: terminal snapshot write failed")
	}
	if m.archive != nil {
		if err := m.archive.ArchiveSession(ctx, sess.Clone()); err != nil {
			m.log.WithError(err).WithField("session_id", sess.ID).Warn("session: audit archive failed")
		}
	}
}

// publish mirrors a non-terminal snapshot to the bus with a conditional
// write. A version conflict means some other writer touched the record, which
// must not happen (this machine is the sole writer); the in-memory state is
// authoritative, so the record is overwritten and the conflict logged.
func (m *Machine) publish(ctx context.Context, sess *models.Session) {
	snap := sess.Clone()
	err := m.bus.CompareAndSwapSession(ctx, snap)
	if err == nil {
		return
	}
	m.log.WithError(err).WithFields(logrus.Fields{
		"session_id": sess.ID,
		"version":    sess.Version,
	}).Warn("session: conditional snapshot write failed, overwriting")
	if err := m.bus.PutSession(ctx, snap); err != nil {
		m.log.WithError(err).WithField("session_id", sess.ID).Error("session: snapshot write failed")
	}
}

// evict drops a terminal session from memory once its audit window lapses.
// Caller holds the session lock.
func (m *Machine) evict(ctx context.Context, sess *models.Session) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	delete(m.locks, sess.ID)
	if m.byRoom[sess.RoomID] == sess.ID {
		delete(m.byRoom, sess.RoomID)
		delete(m.deployReqs, sess.RoomID)
	}
	if sess.DeploymentID != "" {
		delete(m.byDeployment, sess.DeploymentID)
	}
	m.mu.Unlock()
	if sess.DeploymentID != "" {
		if err := m.bus.DeleteDeploymentIndex(ctx, sess.DeploymentID); err != nil {
			m.log.WithError(err).Warn("session: deployment index cleanup failed")
		}
	}
}

func (m *Machine) dropApplied(sess *models.Session, evt models.LifecycleEvent) {
	m.log.WithFields(logrus.Fields{
		"session_id":    sess.ID,
		"deployment_id": evt.DeploymentID,
		"kind":          evt.Kind,
		"state":         sess.State,
	}).Debug("session: event already applied or superseded, no-op")
}

func (m *Machine) notifyUnmatched(roomID string) {
	if m.unmatched != nil {
		go m.unmatched(roomID)
	}
}
