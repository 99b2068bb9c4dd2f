package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentgrid/backend/internal/auth"
	"github.com/rentgrid/backend/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decode(t *testing.T, payload []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func TestHubRoutesByTopic(t *testing.T) {
	hub := NewHub(4, nil, testLogger())
	a := hub.NewSubscription()
	b := hub.NewSubscription()
	hub.Subscribe(a, HealthTopic("res-1"))
	hub.Subscribe(b, HealthTopic("res-2"))

	hub.Publish(HealthTopic("res-1"), EventHealth, map[string]any{"score": 91})

	select {
	case payload := <-a.C():
		ev := decode(t, payload)
		assert.Equal(t, "health:res-1", ev.Topic)
		assert.Equal(t, EventHealth, ev.Type)
	default:
		t.Fatal("expected event for res-1 subscriber")
	}
	assert.Len(t, b.C(), 0)
}

func TestHubDropsWhenSubscriberQueueFull(t *testing.T) {
	hub := NewHub(1, nil, testLogger())
	s := hub.NewSubscription()
	hub.Subscribe(s, TopicAlerts)

	hub.Publish(TopicAlerts, EventAlertCreated, "first")
	hub.Publish(TopicAlerts, EventAlertCreated, "second")

	ev := decode(t, <-s.C())
	assert.Equal(t, "first", ev.Data)
	assert.Len(t, s.C(), 0)
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	hub := NewHub(4, nil, testLogger())
	s := hub.NewSubscription()
	topic := MetricsTopic("res-1")
	hub.Subscribe(s, topic)
	require.Equal(t, 1, hub.Subscribers(topic))

	hub.Unsubscribe(s, topic)
	assert.Equal(t, 0, hub.Subscribers(topic))

	hub.Subscribe(s, topic)
	hub.Close(s)
	hub.Close(s)
	assert.Equal(t, 0, hub.Subscribers(topic))
	_, ok := <-s.C()
	assert.False(t, ok)

	hub.Subscribe(s, topic)
	assert.Equal(t, 0, hub.Subscribers(topic))
}

type recordingBridge struct{ topics []string }

func (b *recordingBridge) Forward(topic string, payload []byte) { b.topics = append(b.topics, topic) }

func TestHubForwardsToBridge(t *testing.T) {
	hub := NewHub(4, nil, testLogger())
	bridge := &recordingBridge{}
	hub.SetBridge(bridge)

	hub.Publish(TopicAlerts, EventAlertCreated, nil)
	assert.Equal(t, []string{TopicAlerts}, bridge.topics)
}

func TestRedisBridgeSkipsOwnEvents(t *testing.T) {
	hub := NewHub(4, nil, testLogger())
	s := hub.NewSubscription()
	hub.Subscribe(s, TopicAlerts)
	b := NewRedisBridge(nil, "rentgrid:realtime", hub, testLogger())

	own, _ := json.Marshal(envelope{Origin: b.origin, Topic: TopicAlerts, Payload: json.RawMessage(`{"type":"alert_created"}`)})
	b.receive(string(own))
	assert.Len(t, s.C(), 0)

	remote, _ := json.Marshal(envelope{Origin: "other", Topic: TopicAlerts, Payload: json.RawMessage(`{"type":"alert_created"}`)})
	b.receive(string(remote))
	require.Len(t, s.C(), 1)
	assert.Equal(t, EventAlertCreated, decode(t, <-s.C()).Type)

	b.receive("not json")
	assert.Len(t, s.C(), 0)
}

func TestTopicValidation(t *testing.T) {
	assert.True(t, validTopic("alerts"))
	assert.True(t, validTopic("health:res-1"))
	assert.True(t, validTopic("alerts:0xabc"))
	assert.False(t, validTopic("health:"))
	assert.False(t, validTopic("bookings"))
}

type stubMetrics struct {
	samples []*model.MetricsSample
	err     error
}

func (s stubMetrics) RecentMetrics(ctx context.Context, resourceID string, limit int) ([]*model.MetricsSample, error) {
	return s.samples, s.err
}

func newTestGateway(t *testing.T, metrics MetricsReader) (*Hub, *auth.JWTManager, *httptest.Server) {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)
	hub := NewHub(16, nil, testLogger())
	gw := NewGateway(hub, jwtMgr, metrics, nil, testLogger())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return hub, jwtMgr, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return decode(t, data)
}

func TestGatewayRejectsUnauthenticated(t *testing.T) {
	_, _, srv := newTestGateway(t, stubMetrics{})

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/ws?token=garbage")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestGatewaySubscribeAndReceive(t *testing.T) {
	hub, jwtMgr, srv := newTestGateway(t, stubMetrics{})
	token, err := jwtMgr.GenerateToken("0xconsumer", auth.RoleUser)
	require.NoError(t, err)
	conn := dial(t, srv, token)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Topic: HealthTopic("res-1")}))
	ev := readEvent(t, conn)
	require.Equal(t, EventSubscribed, ev.Type)

	hub.Publish(HealthTopic("res-1"), EventHealth, map[string]any{"status": "healthy"})
	ev = readEvent(t, conn)
	assert.Equal(t, EventHealth, ev.Type)
	assert.Equal(t, "health:res-1", ev.Topic)

	hub.Publish(UserAlertsTopic("0xconsumer"), EventAlertCreated, nil)
	assert.Equal(t, EventAlertCreated, readEvent(t, conn).Type)
}

func TestGatewayRejectsForeignAlertTopic(t *testing.T) {
	_, jwtMgr, srv := newTestGateway(t, stubMetrics{})
	token, err := jwtMgr.GenerateToken("0xconsumer", auth.RoleUser)
	require.NoError(t, err)
	conn := dial(t, srv, token)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Topic: UserAlertsTopic("0xsomeoneelse")}))
	assert.Equal(t, EventError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "dance"}))
	assert.Equal(t, EventError, readEvent(t, conn).Type)
}

func TestGatewayGetMetrics(t *testing.T) {
	samples := []*model.MetricsSample{{ResourceID: "res-1", CPUUsage: 42}}
	_, jwtMgr, srv := newTestGateway(t, stubMetrics{samples: samples})
	token, err := jwtMgr.GenerateToken("0xconsumer", auth.RoleUser)
	require.NoError(t, err)
	conn := dial(t, srv, token)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "get_metrics", ResourceID: "res-1", Limit: 5}))
	ev := readEvent(t, conn)
	assert.Equal(t, EventMetrics, ev.Type)
	assert.Equal(t, "metrics:res-1", ev.Topic)
	data, ok := ev.Data.([]any)
	require.True(t, ok)
	assert.Len(t, data, 1)
}

func TestGatewayGetMetricsError(t *testing.T) {
	_, jwtMgr, srv := newTestGateway(t, stubMetrics{err: errors.New("boom")})
	token, err := jwtMgr.GenerateToken("0xconsumer", auth.RoleUser)
	require.NoError(t, err)
	conn := dial(t, srv, token)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "get_metrics", ResourceID: "res-1"}))
	ev := readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, map[string]any{"message": "An unexpected error occurred"}, ev.Data)
}
