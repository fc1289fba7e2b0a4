// internal/webhook/webhook_test.go
package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bananabit-dev/bevygap/internal/models"
)

type stubRegistry struct{ known map[string]bool }

func (s stubRegistry) KnownDeployment(id string) bool { return s.known[id] }

type capturePublisher struct {
	events []models.LifecycleEvent
	err    error
}

func (p *capturePublisher) PublishLifecycleEvent(_ context.Context, evt models.LifecycleEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/deployments", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		status string
		kind   models.EventKind
		ok     bool
	}{
		{"Status.READY", models.EventReady, true},
		{"READY", models.EventReady, true},
		{"running", models.EventReady, true},
		{"Status.CREATING", models.EventCreated, true},
		{"DEPLOYING", models.EventCreated, true},
		{"Status.ERROR", models.EventError, true},
		{"FAILED", models.EventError, true},
		{"Status.TERMINATED", models.EventTerminated, true},
		{"DELETED", models.EventTerminated, true},
		{"TERMINATING", "", false}, // teardown in progress, no event yet
		{"Status.WEIRD", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		kind, ok := MapStatus(tc.status)
		require.Equal(t, tc.ok, ok, "status %q", tc.status)
		if ok {
			require.Equal(t, tc.kind, kind, "status %q", tc.status)
		}
	}
}

func TestKnownDeploymentPublishes(t *testing.T) {
	pub := &capturePublisher{}
	h := Handler(quietLogger(), stubRegistry{known: map[string]bool{"dep-1": true}}, pub)

	w := post(t, h, `{"deployment_id":"dep-1","status":"Status.READY","host":"203.0.113.4","port":7777}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, pub.events, 1)
	require.Equal(t, models.EventReady, pub.events[0].Kind)
	require.Equal(t, "203.0.113.4:7777", pub.events[0].Endpoint)
	require.False(t, pub.events[0].OccurredAt.IsZero())
}

func TestUnknownDeploymentAckedAndDropped(t *testing.T) {
	pub := &capturePublisher{}
	h := Handler(quietLogger(), stubRegistry{known: map[string]bool{}}, pub)

	w := post(t, h, `{"deployment_id":"dep-mystery","status":"Status.READY"}`)
	require.Equal(t, http.StatusOK, w.Code, "provider must not be driven into retries")
	require.Empty(t, pub.events)
}

func TestUnmappedStatusAckedAndDropped(t *testing.T) {
	pub := &capturePublisher{}
	h := Handler(quietLogger(), stubRegistry{known: map[string]bool{"dep-1": true}}, pub)

	w := post(t, h, `{"deployment_id":"dep-1","status":"Status.PONDERING"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, pub.events)
}

func TestMalformedPayloadAcked(t *testing.T) {
	pub := &capturePublisher{}
	h := Handler(quietLogger(), stubRegistry{known: map[string]bool{}}, pub)

	require.Equal(t, http.StatusOK, post(t, h, `{not json`).Code)
	require.Equal(t, http.StatusOK, post(t, h, `{"status":"READY"}`).Code, "missing deployment_id")
	require.Empty(t, pub.events)
}

func TestPublishFailureStillAcked(t *testing.T) {
	pub := &capturePublisher{err: errors.New("bus down")}
	h := Handler(quietLogger(), stubRegistry{known: map[string]bool{"dep-1": true}}, pub)

	w := post(t, h, `{"deployment_id":"dep-1","status":"Status.ERROR","message":"boom"}`)
	require.Equal(t, http.StatusOK, w.Code, "internal failures are logged, never surfaced to the provider")
}
