package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payflow-backend/application/ports"
	pkgerrors "payflow-backend/pkg/errors"
)

// fakeCreds satisfies ports.CredentialStore with a static session
type fakeCreds struct {
	err error
}

func (f *fakeCreds) Session(context.Context) (ports.Session, error) {
	if f.err != nil {
		return ports.Session{}, f.err
	}
	return ports.Session{Token: "test-token", UserID: "user-1"}, nil
}
func (f *fakeCreds) SaveSession(context.Context, ports.Session) error { return nil }
func (f *fakeCreds) SaveConfirmationMapping(context.Context, string, string) error {
	return nil
}
func (f *fakeCreds) LookupConfirmation(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeCreds) Close() error { return nil }

// wsServer is a minimal realtime feed: it acks subscribes and heartbeats and
// lets tests push status frames or kill connections.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	conns          []*websocket.Conn
	writeMu        map[*websocket.Conn]*sync.Mutex
	muteHeartbeats bool

	dials      chan struct{}
	subscribes chan frame
	auth       chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{
		t:          t,
		writeMu:    make(map[*websocket.Conn]*sync.Mutex),
		dials:      make(chan struct{}, 16),
		subscribes: make(chan frame, 16),
		auth:       make(chan string, 16),
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	ws.auth <- r.Header.Get("Authorization")

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws.mu.Lock()
	ws.conns = append(ws.conns, conn)
	ws.writeMu[conn] = &sync.Mutex{}
	ws.mu.Unlock()
	ws.dials <- struct{}{}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameSubscribe:
			ws.subscribes <- f
			ws.write(conn, frame{Type: frameSubscribed, Ref: f.Ref})
		case frameHeartbeat:
			ws.mu.Lock()
			muted := ws.muteHeartbeats
			ws.mu.Unlock()
			if !muted {
				ws.write(conn, frame{Type: frameHeartbeatAck})
			}
		}
	}
}

func (ws *wsServer) write(conn *websocket.Conn, f frame) {
	ws.mu.Lock()
	mu := ws.writeMu[conn]
	ws.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteJSON(f)
}

// push sends a status event on the most recent connection
func (ws *wsServer) push(evt ports.FlowStatusEvent) {
	ws.mu.Lock()
	conn := ws.conns[len(ws.conns)-1]
	ws.mu.Unlock()
	ws.write(conn, frame{Type: frameFlowStatus, Event: &evt})
}

// dropConnections kills every open connection
func (ws *wsServer) dropConnections() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, conn := range ws.conns {
		conn.Close()
	}
	ws.conns = nil
}

func testOptions(endpoint string) Options {
	return Options{
		Endpoint:          endpoint,
		DialTimeout:       time.Second,
		HeartbeatInterval: time.Minute, // keep heartbeats out of these tests
		HeartbeatTimeout:  time.Minute,
		MaxHeartbeatMiss:  3,
		JoinTimeout:       2 * time.Second,
		JoinAttempts:      1,
		ReconnectBase:     20 * time.Millisecond,
		ReconnectCap:      50 * time.Millisecond,
		ReconnectAttempts: 5,
		ConnectsPerWindow: 20,
		ConnectWindow:     time.Minute,
	}
}

func waitFor(t *testing.T, ch <-chan frame, what string) frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return frame{}
	}
}

func TestClient_EnsureConnection_SendsBearerToken(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()

	err := client.EnsureConnection(context.Background())

	require.NoError(t, err)
	assert.True(t, client.Connected())
	assert.Equal(t, "Bearer test-token", <-ws.auth)
}

func TestClient_EnsureConnection_Idempotent(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()

	require.NoError(t, client.EnsureConnection(context.Background()))
	require.NoError(t, client.EnsureConnection(context.Background()))

	<-ws.dials
	select {
	case <-ws.dials:
		t.Fatal("second EnsureConnection must not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_EnsureConnection_ReplacesHalfDeadConnection(t *testing.T) {
	ws := newWSServer(t)
	opts := testOptions(ws.url())
	opts.ProbeTimeout = 50 * time.Millisecond

	client := NewClient(opts, &fakeCreds{}, zap.NewNop())
	defer client.Close()
	require.NoError(t, client.EnsureConnection(context.Background()))
	<-ws.dials

	// The server goes silent without closing the socket
	ws.mu.Lock()
	ws.muteHeartbeats = true
	ws.mu.Unlock()

	require.NoError(t, client.EnsureConnection(context.Background()))

	select {
	case <-ws.dials:
	case <-time.After(3 * time.Second):
		t.Fatal("half-dead connection was not torn down and redialed")
	}
	assert.True(t, client.Connected())
}

func TestClient_EnsureConnection_NoSession(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{err: pkgerrors.NewNotFoundError("session")}, zap.NewNop())
	defer client.Close()

	err := client.EnsureConnection(context.Background())

	require.Error(t, err)
	assert.False(t, client.Connected())
}

func TestClient_SubscribeToFlowStatus_JoinAndDispatch(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()
	require.NoError(t, client.EnsureConnection(context.Background()))

	events := make(chan ports.FlowStatusEvent, 4)
	unsub, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{
		OnStatusUpdate: func(evt ports.FlowStatusEvent) { events <- evt },
	})
	require.NoError(t, err)
	defer unsub()

	join := waitFor(t, ws.subscribes, "join frame")
	assert.Equal(t, "booking-1", join.FlowID)
	assert.NotEmpty(t, join.Ref, "joins are ack-matched by ref")

	ws.push(ports.FlowStatusEvent{FlowID: "booking-1", Status: "processing"})

	select {
	case evt := <-events:
		assert.Equal(t, "processing", evt.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("status event never dispatched")
	}
}

func TestClient_Dispatch_RequiresActionCallback(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()
	require.NoError(t, client.EnsureConnection(context.Background()))

	actions := make(chan ports.FlowStatusEvent, 1)
	updates := make(chan ports.FlowStatusEvent, 1)
	unsub, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{
		OnStatusUpdate:   func(evt ports.FlowStatusEvent) { updates <- evt },
		OnActionRequired: func(evt ports.FlowStatusEvent) { actions <- evt },
	})
	require.NoError(t, err)
	defer unsub()
	waitFor(t, ws.subscribes, "join frame")

	ws.push(ports.FlowStatusEvent{FlowID: "booking-1", Status: "requires_action"})

	select {
	case evt := <-actions:
		assert.Equal(t, "requires_action", evt.Status)
	case <-updates:
		t.Fatal("requires_action must route to OnActionRequired")
	case <-time.After(3 * time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestClient_Dispatch_FallsBackToBookingID(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()
	require.NoError(t, client.EnsureConnection(context.Background()))

	events := make(chan ports.FlowStatusEvent, 1)
	unsub, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{
		OnStatusUpdate: func(evt ports.FlowStatusEvent) { events <- evt },
	})
	require.NoError(t, err)
	defer unsub()
	waitFor(t, ws.subscribes, "join frame")

	// The server already renamed the flow; only the booking id matches
	ws.push(ports.FlowStatusEvent{FlowID: "pre_abc", BookingID: "booking-1", Status: "succeeded"})

	select {
	case evt := <-events:
		assert.Equal(t, "succeeded", evt.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("event not matched by booking id")
	}
}

func TestClient_Reconnect_ReplaysSubscriptions(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()

	reconnected := make(chan struct{}, 1)
	client.OnReconnect = func() { reconnected <- struct{}{} }

	require.NoError(t, client.EnsureConnection(context.Background()))
	<-ws.dials

	unsub, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{
		OnStatusUpdate: func(ports.FlowStatusEvent) {},
	})
	require.NoError(t, err)
	defer unsub()
	waitFor(t, ws.subscribes, "initial join")

	ws.dropConnections()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}

	replayed := waitFor(t, ws.subscribes, "replayed join")
	assert.Equal(t, "booking-1", replayed.FlowID)
	assert.True(t, client.Connected())
}

func TestJoinRetryDelay_DoublesFromOneSecond(t *testing.T) {
	assert.Equal(t, time.Second, joinRetryDelay(2))
	assert.Equal(t, 2*time.Second, joinRetryDelay(3))
	assert.Equal(t, 4*time.Second, joinRetryDelay(4))
}

func TestClient_MissedHeartbeats_ForceReconnect(t *testing.T) {
	ws := newWSServer(t)
	ws.mu.Lock()
	ws.muteHeartbeats = true
	ws.mu.Unlock()

	opts := testOptions(ws.url())
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 30 * time.Millisecond

	client := NewClient(opts, &fakeCreds{}, zap.NewNop())
	defer client.Close()

	misses := make(chan struct{}, 16)
	client.OnHeartbeatMiss = func() { misses <- struct{}{} }

	require.NoError(t, client.EnsureConnection(context.Background()))
	<-ws.dials

	events := make(chan ports.FlowStatusEvent, 1)
	unsub, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{
		OnStatusUpdate: func(evt ports.FlowStatusEvent) { events <- evt },
	})
	require.NoError(t, err)
	defer unsub()
	waitFor(t, ws.subscribes, "initial join")

	for i := 0; i < 3; i++ {
		select {
		case <-misses:
		case <-time.After(3 * time.Second):
			t.Fatalf("heartbeat miss %d never reported", i+1)
		}
	}

	// The stale connection is torn down and redialed
	select {
	case <-ws.dials:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected after missed heartbeats")
	}

	// Let the fresh connection stay healthy
	ws.mu.Lock()
	ws.muteHeartbeats = false
	ws.mu.Unlock()

	replayed := waitFor(t, ws.subscribes, "replayed join")
	assert.Equal(t, "booking-1", replayed.FlowID)

	ws.push(ports.FlowStatusEvent{FlowID: "booking-1", Status: "succeeded"})
	select {
	case evt := <-events:
		assert.Equal(t, "succeeded", evt.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered after reconnect")
	}
}

func TestClient_SubscribeWhileDisconnected_IsDurable(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	defer client.Close()

	// Registration succeeds with no connection at all
	unsub, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{
		OnStatusUpdate: func(ports.FlowStatusEvent) {},
	})
	require.NoError(t, err)
	defer unsub()

	// The join is sent once the connection comes up
	require.NoError(t, client.EnsureConnection(context.Background()))
	join := waitFor(t, ws.subscribes, "join after connect")
	assert.Equal(t, "booking-1", join.FlowID)
}

func TestClient_Close_RejectsFurtherUse(t *testing.T) {
	ws := newWSServer(t)
	client := NewClient(testOptions(ws.url()), &fakeCreds{}, zap.NewNop())
	require.NoError(t, client.EnsureConnection(context.Background()))

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close(), "close is idempotent")

	assert.Error(t, client.EnsureConnection(context.Background()))
	_, err := client.SubscribeToFlowStatus("booking-1", ports.FlowStatusCallbacks{})
	assert.Error(t, err)
}
