// internal/session/machine_test.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bananabit-dev/bevygap/internal/models"
	"github.com/bananabit-dev/bevygap/internal/provider"
)

// fakeBus is an in-memory stand-in for the Redis bus.
type fakeBus struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	index    map[string]string
	events   chan models.LifecycleEvent
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		sessions: make(map[string]*models.Session),
		index:    make(map[string]string),
		events:   make(chan models.LifecycleEvent, 16),
	}
}

func (f *fakeBus) PutSession(_ context.Context, sess *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = sess.Clone()
	return nil
}

func (f *fakeBus) CompareAndSwapSession(_ context.Context, sess *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.sessions[sess.ID]; ok && cur.Version != sess.Version-1 {
		return errors.New("version conflict")
	}
	f.sessions[sess.ID] = sess.Clone()
	return nil
}

func (f *fakeBus) PutSessionWithTTL(ctx context.Context, sess *models.Session, _ time.Duration) error {
	return f.PutSession(ctx, sess)
}

func (f *fakeBus) SetDeploymentIndex(_ context.Context, deploymentID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[deploymentID] = sessionID
	return nil
}

func (f *fakeBus) DeleteDeploymentIndex(_ context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.index, deploymentID)
	return nil
}

func (f *fakeBus) SubscribeLifecycle(context.Context) (<-chan models.LifecycleEvent, error) {
	return f.events, nil
}

func (f *fakeBus) storedState(id string) models.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return ""
	}
	return sess.State
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []*models.Session
}

func (a *fakeArchive) ArchiveSession(_ context.Context, sess *models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, sess)
	return nil
}

func testMachine(prov provider.Client) (*Machine, *fakeBus) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := newFakeBus()
	m := New(prov, b, nil, Options{
		RetryMax:         1,
		ProvisionTimeout: time.Minute,
		AuditWindow:      time.Hour,
	}, logger)
	return m, b
}

func testRoom(id string) models.Room {
	return models.Room{
		ID:         id,
		HostName:   "Host",
		GameMode:   "FreeForAll",
		MaxPlayers: 4,
		Players:    []string{"Host"},
		Started:    true,
	}
}

func TestHappyPathToReady(t *testing.T) {
	fake := provider.NewFake()
	m, b := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))

	sess, ok := m.SessionForRoom("room1")
	require.True(t, ok)
	require.Equal(t, models.SessionRequested, sess.State)
	require.NotEmpty(t, sess.DeploymentID, "deploy ack must record the deployment id")
	require.True(t, m.KnownDeployment(sess.DeploymentID))

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: sess.DeploymentID, Kind: models.EventCreated})
	sess, _ = m.SessionForRoom("room1")
	require.Equal(t, models.SessionProvisioning, sess.State)

	m.Apply(ctx, models.LifecycleEvent{
		DeploymentID: sess.DeploymentID,
		Kind:         models.EventReady,
		Endpoint:     "203.0.113.9:7777",
	})
	sess, _ = m.SessionForRoom("room1")
	require.Equal(t, models.SessionReady, sess.State)
	require.Equal(t, "203.0.113.9:7777", sess.Endpoint)
	require.Equal(t, models.SessionReady, b.storedState(sess.ID), "bus snapshot must carry the endpoint state")
}

func TestRoomStartedReusesLiveSession(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	m.RoomStarted(ctx, testRoom("room1"))
	require.Equal(t, 1, fake.DeployCount(), "a live session must be reused, not redeployed")
}

func TestSynchronousDeployFailure(t *testing.T) {
	fake := provider.NewFake()
	fake.DeployErr = errors.New("quota exhausted")
	m, _ := testMachine(fake)
	ctx := context.Background()

	unmatched := make(chan string, 1)
	m.OnUnmatched(func(roomID string) { unmatched <- roomID })

	m.RoomStarted(ctx, testRoom("room1"))

	sess, ok := m.SessionForRoom("room1")
	require.True(t, ok)
	require.Equal(t, models.SessionFailed, sess.State)
	require.Contains(t, sess.FailureReason, "quota exhausted")

	select {
	case roomID := <-unmatched:
		require.Equal(t, "room1", roomID)
	case <-time.After(time.Second):
		t.Fatal("expected unmatched notification")
	}
}

func TestUnknownDeploymentEventDropped(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	before, _ := m.SessionForRoom("room1")

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: "dep-unknown", Kind: models.EventReady})

	after, _ := m.SessionForRoom("room1")
	require.Equal(t, before.State, after.State)
	require.Equal(t, before.Version, after.Version)
}

func TestErrorAfterReadyIsDropped(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	dep := sess.DeploymentID

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventReady, Endpoint: "h:1"})
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventError, Message: "late"})

	sess, _ = m.SessionForRoom("room1")
	require.Equal(t, models.SessionReady, sess.State, "stale error must not regress a ready session")
	require.Equal(t, 1, fake.DeployCount(), "no retry for a stale error")
}

func TestIdempotentRedelivery(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	dep := sess.DeploymentID

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})
	once, _ := m.SessionForRoom("room1")
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})
	twice, _ := m.SessionForRoom("room1")

	require.Equal(t, once.State, twice.State)
	require.Equal(t, once.Version, twice.Version, "re-applied event must be a pure no-op")
}

func TestErrorRetryCreatesNewSession(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	first, _ := m.SessionForRoom("room1")

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: first.DeploymentID, Kind: models.EventError, Message: "node died"})

	require.Eventually(t, func() bool {
		return fake.DeployCount() == 2
	}, time.Second, 10*time.Millisecond, "a fresh deploy must be issued")

	require.Eventually(t, func() bool {
		sess, ok := m.SessionForRoom("room1")
		return ok && sess.ID != first.ID && sess.RetryCount == 1 &&
			sess.State == models.SessionRequested && sess.DeploymentID != first.DeploymentID
	}, time.Second, 10*time.Millisecond, "retry must use a new session and deployment")

	failed, ok := m.Session(first.ID)
	require.True(t, ok)
	require.Equal(t, models.SessionFailed, failed.State)
}

func TestErrorRetryCeiling(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	m.opts.RetryMax = 0
	ctx := context.Background()

	unmatched := make(chan string, 1)
	m.OnUnmatched(func(roomID string) { unmatched <- roomID })

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: sess.DeploymentID, Kind: models.EventError})

	select {
	case <-unmatched:
	case <-time.After(time.Second):
		t.Fatal("expected unmatched notification at retry ceiling")
	}
	require.Equal(t, 1, fake.DeployCount(), "no deploy beyond the ceiling")
}

func TestTerminateFlow(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	dep := sess.DeploymentID
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventReady, Endpoint: "h:1"})

	require.NoError(t, m.TerminateSession(ctx, sess.ID))
	got, _ := m.Session(sess.ID)
	require.Equal(t, models.SessionTerminating, got.State)
	require.Equal(t, []string{dep}, fake.Terminated)

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventTerminated})
	got, _ = m.Session(sess.ID)
	require.Equal(t, models.SessionTerminated, got.State)

	// Terminal sessions are immutable.
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventReady, Endpoint: "h:2"})
	got, _ = m.Session(sess.ID)
	require.Equal(t, models.SessionTerminated, got.State)
}

func TestRoomDeletedTerminatesSession(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	room := testRoom("room1")
	m.RoomStarted(ctx, room)
	sess, _ := m.SessionForRoom("room1")
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: sess.DeploymentID, Kind: models.EventCreated})

	m.RoomDeleted(ctx, room)
	got, _ := m.Session(sess.ID)
	require.Equal(t, models.SessionTerminating, got.State)
	require.Equal(t, 1, fake.TerminateCount())
}

func TestTerminatePendingHonoredAfterDeploySettles(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	// Register a session whose deploy call has not settled yet.
	m.mu.Lock()
	sess := m.newSessionLocked("room1", 0)
	m.mu.Unlock()

	require.NoError(t, m.TerminateSession(ctx, sess.ID))
	got, _ := m.Session(sess.ID)
	require.True(t, got.TerminatePending)
	require.Equal(t, models.SessionRequested, got.State)
	require.Zero(t, fake.TerminateCount(), "no terminate call before the deployment exists")

	// Deploy settles now; the scheduled termination fires immediately after.
	m.deploy(ctx, sess.ID, provider.DeployRequest{RoomID: "room1"})
	got, _ = m.Session(sess.ID)
	require.Equal(t, models.SessionTerminating, got.State)
	require.Equal(t, 1, fake.TerminateCount())
}

func TestSweepTimesOutStuckSessions(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	unmatched := make(chan string, 1)
	m.OnUnmatched(func(roomID string) { unmatched <- roomID })

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.Sweep(ctx)

	got, _ := m.Session(sess.ID)
	require.Equal(t, models.SessionFailed, got.State)
	require.Equal(t, "provisioning timeout", got.FailureReason)
	select {
	case <-unmatched:
	case <-time.After(time.Second):
		t.Fatal("expected unmatched notification on timeout")
	}
}

func TestSweepEvictsExpiredTerminalSessions(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	dep := sess.DeploymentID
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventError})
	// Wait for the replacement deploy to settle before touching the clock.
	require.Eventually(t, func() bool {
		next, ok := m.SessionForRoom("room1")
		return ok && next.ID != sess.ID && next.DeploymentID != ""
	}, time.Second, 10*time.Millisecond)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	m.Sweep(ctx)

	_, ok := m.Session(sess.ID)
	require.False(t, ok, "terminal session must be evicted after the audit window")
	require.False(t, m.KnownDeployment(dep))
}

func TestTerminalSessionsArchived(t *testing.T) {
	fake := provider.NewFake()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := newFakeBus()
	archive := &fakeArchive{}
	m := New(fake, b, archive, Options{RetryMax: 0, ProvisionTimeout: time.Minute, AuditWindow: time.Hour}, logger)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	dep := sess.DeploymentID
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventReady, Endpoint: "h:1"})
	require.NoError(t, m.TerminateSession(ctx, sess.ID))
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventTerminated})

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Len(t, archive.archived, 1)
	require.Equal(t, models.SessionTerminated, archive.archived[0].State)
}

// TestConcurrentEventAndSnapshotAccess drives lifecycle events through one
// goroutine while another hammers the snapshot readers and the room-started
// reuse path. Run with -race; the readers and the event consumer must share
// a consistent view of every session.
func TestConcurrentEventAndSnapshotAccess(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		roomID := fmt.Sprintf("room-%d", i)
		m.RoomStarted(ctx, testRoom(roomID))
		sess, ok := m.SessionForRoom(roomID)
		require.True(t, ok)
		dep := sess.DeploymentID
		sessionID := sess.ID

		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})
			m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventReady, Endpoint: "h:1"})
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if snap, ok := m.SessionForRoom(roomID); ok {
					_ = snap.State.Rank()
				}
				if snap, ok := m.Session(sessionID); ok {
					_ = snap.Endpoint
				}
				m.RoomStarted(ctx, testRoom(roomID))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50, fake.DeployCount(), "reuse path must never redeploy a live session")
	for i := 0; i < 50; i++ {
		sess, ok := m.SessionForRoom(fmt.Sprintf("room-%d", i))
		require.True(t, ok)
		require.Equal(t, models.SessionReady, sess.State)
	}
}

func TestSweepRedrivesStalledTermination(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")
	dep := sess.DeploymentID
	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventCreated})

	// The first terminate call fails; the session parks in Terminating.
	fake.TermErr = errors.New("api flake")
	require.Error(t, m.TerminateSession(ctx, sess.ID))
	got, _ := m.Session(sess.ID)
	require.Equal(t, models.SessionTerminating, got.State)
	require.Zero(t, fake.TerminateCount())

	// Provider recovered; the sweep re-drives the terminate call.
	fake.TermErr = nil
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.Sweep(ctx)
	require.Equal(t, 1, fake.TerminateCount())
	got, _ = m.Session(sess.ID)
	require.Equal(t, models.SessionTerminating, got.State, "still awaiting the terminated webhook")

	m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: models.EventTerminated})
	got, _ = m.Session(sess.ID)
	require.Equal(t, models.SessionTerminated, got.State)
}

func TestSweepFailsUnterminableSession(t *testing.T) {
	fake := provider.NewFake()
	m, _ := testMachine(fake)
	ctx := context.Background()

	m.RoomStarted(ctx, testRoom("room1"))
	sess, _ := m.SessionForRoom("room1")

	fake.TermErr = errors.New("api down")
	require.Error(t, m.TerminateSession(ctx, sess.ID))

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.Sweep(ctx)

	got, _ := m.Session(sess.ID)
	require.Equal(t, models.SessionFailed, got.State,
		"a session that cannot be torn down must still terminalize so its room can be reaped")
	require.Contains(t, got.FailureReason, "api down")
}

func TestRunReturnsErrorWhenStreamCloses(t *testing.T) {
	fake := provider.NewFake()
	m, b := testMachine(fake)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	close(b.events)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLifecycleStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("Run must return when the event stream closes")
	}
}

// TestMonotonicNoRegression applies event permutations and checks the state
// rank never decreases.
func TestMonotonicNoRegression(t *testing.T) {
	kinds := []models.EventKind{
		models.EventCreated, models.EventReady, models.EventError, models.EventTerminated,
	}
	// A handful of adversarial orderings, including duplicates and reversals.
	sequences := [][]models.EventKind{
		{models.EventReady, models.EventCreated},
		{models.EventTerminated, models.EventReady, models.EventCreated},
		{models.EventCreated, models.EventReady, models.EventCreated},
		{models.EventReady, models.EventError, models.EventCreated},
		kinds,
	}

	for _, seq := range sequences {
		fake := provider.NewFake()
		m, _ := testMachine(fake)
		ctx := context.Background()

		m.RoomStarted(ctx, testRoom("room1"))
		sess, _ := m.SessionForRoom("room1")
		dep := sess.DeploymentID

		prevRank := sess.State.Rank()
		for _, kind := range seq {
			m.Apply(ctx, models.LifecycleEvent{DeploymentID: dep, Kind: kind, Endpoint: "h:1"})
			cur, ok := m.Session(sess.ID)
			require.True(t, ok)
			require.GreaterOrEqual(t, cur.State.Rank(), prevRank,
				"state must never move backward (seq %v)", seq)
			prevRank = cur.State.Rank()
		}
	}
}
