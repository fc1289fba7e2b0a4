// internal/bus/bus_test.go
package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bananabit-dev/bevygap/internal/apperr"
	"github.com/bananabit-dev/bevygap/internal/config"
	"github.com/bananabit-dev/bevygap/internal/models"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	srv := miniredis.RunT(t)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	b, err := Connect(context.Background(), config.Config{
		BusAddr:        srv.Addr(),
		BusInsecure:    true,
		BusMaxRetries:  1,
		BusRetryBase:   10 * time.Millisecond,
		BusEventPrefix: "bevygap",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestConnectFailsWithBusUnavailable(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	start := time.Now()
	_, err := Connect(context.Background(), config.Config{
		BusAddr:       "127.0.0.1:1",
		BusInsecure:   true,
		BusMaxRetries: 2,
		BusRetryBase:  20 * time.Millisecond,
	}, logger)
	require.Error(t, err)
	require.Equal(t, apperr.CodeBusUnavailable, apperr.CodeOf(err))
	// Two retries with doubling backoff: 20ms + 40ms minimum.
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRoomSnapshotRoundtrip(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	room := &models.Room{ID: "r1", HostName: "Host", MaxPlayers: 4, Players: []string{"Host"}, Version: 1}
	require.NoError(t, b.CompareAndSwapRoom(ctx, room))

	got, err := b.GetRoom(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, room, got)

	require.NoError(t, b.DeleteRoom(ctx, "r1"))
	got, err = b.GetRoom(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, got, "absent room reads as nil, nil")
}

func TestCompareAndSwapRoom(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	v2 := &models.Room{ID: "r1", HostName: "Host", MaxPlayers: 4, Players: []string{"Host", "P1"}, Version: 2}
	require.NoError(t, b.CompareAndSwapRoom(ctx, v2))

	// A reordered older snapshot must not clobber the newer one.
	v1 := &models.Room{ID: "r1", HostName: "Host", MaxPlayers: 4, Players: []string{"Host"}, Version: 1}
	require.ErrorIs(t, b.CompareAndSwapRoom(ctx, v1), ErrVersionConflict)

	got, err := b.GetRoom(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, []string{"Host", "P1"}, got.Players)

	// Version gaps are fine; only monotonicity matters.
	v5 := v2.Clone()
	v5.Version = 5
	require.NoError(t, b.CompareAndSwapRoom(ctx, v5))
}

func TestCompareAndSwapSession(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	sess := &models.Session{ID: "s1", RoomID: "r1", State: models.SessionRequested, Version: 1}
	require.NoError(t, b.CompareAndSwapSession(ctx, sess), "first write needs no predecessor")

	sess.State = models.SessionProvisioning
	sess.Version = 2
	require.NoError(t, b.CompareAndSwapSession(ctx, sess))

	// A write based on a version the store has moved past must be rejected.
	stale := &models.Session{ID: "s1", State: models.SessionReady, Version: 2}
	require.ErrorIs(t, b.CompareAndSwapSession(ctx, stale), ErrVersionConflict)

	got, err := b.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.SessionProvisioning, got.State, "conflicting write must not land")
}

func TestDeploymentIndex(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	require.NoError(t, b.SetDeploymentIndex(ctx, "dep-1", "s1"))
	sid, err := b.LookupDeployment(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, "s1", sid)

	sid, err = b.LookupDeployment(ctx, "dep-unknown")
	require.NoError(t, err)
	require.Empty(t, sid)

	require.NoError(t, b.DeleteDeploymentIndex(ctx, "dep-1"))
	sid, err = b.LookupDeployment(ctx, "dep-1")
	require.NoError(t, err)
	require.Empty(t, sid)
}

func TestLifecyclePubSub(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.SubscribeLifecycle(ctx)
	require.NoError(t, err)

	evt := models.LifecycleEvent{
		DeploymentID: "dep-1",
		Kind:         models.EventReady,
		Endpoint:     "203.0.113.5:7777",
		OccurredAt:   time.Now().UTC(),
	}
	require.NoError(t, b.PublishLifecycleEvent(ctx, evt))

	select {
	case got := <-events:
		require.Equal(t, evt.DeploymentID, got.DeploymentID)
		require.Equal(t, evt.Kind, got.Kind)
		require.Equal(t, evt.Endpoint, got.Endpoint)
		require.WithinDuration(t, evt.OccurredAt, got.OccurredAt, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("expected lifecycle event delivery")
	}
}
