package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/eventbus"
)

func event(id int64, workflowID, typ string) db.Event {
	return db.Event{ID: id, WorkflowID: workflowID, Type: typ, Payload: json.RawMessage(`{}`), CreatedAt: time.Now().UTC()}
}

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// nextNonPing skips heartbeats.
func nextNonPing(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type != MsgPing {
			return msg
		}
	}
}

// waitSubscribers blocks until the bus has n live subscribers, so a
// broadcast cannot race the connection setup.
func waitSubscribers(t *testing.T, bus *eventbus.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestEventStream_BackfillThenLive(t *testing.T) {
	log := &memLog{events: []db.Event{
		event(1, "wf-1", "workflow_created"),
		event(2, "wf-1", "planning_started"),
		event(3, "wf-1", "plan_ready"),
	}}
	server, bus := setupTestServer(t, newFakeWorkflows(5), log, Config{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "?since=1")

	for _, want := range []int64{2, 3} {
		msg := nextNonPing(t, conn)
		require.Equal(t, MsgEvent, msg.Type)
		require.NotNil(t, msg.Payload)
		assert.Equal(t, want, msg.Payload.ID)
	}
	msg := nextNonPing(t, conn)
	require.Equal(t, MsgBackfillComplete, msg.Type)
	require.NotNil(t, msg.Count)
	assert.Equal(t, 2, *msg.Count)

	waitSubscribers(t, bus, 1)
	// 3 was already replayed and must not be delivered twice
	bus.Broadcast(context.Background(), []db.Event{event(3, "wf-1", "plan_ready"), event(4, "wf-1", "plan_approved")})

	msg = nextNonPing(t, conn)
	require.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, int64(4), msg.Payload.ID)
	assert.Equal(t, "plan_approved", msg.Payload.Type)
}

func TestEventStream_BackfillExpired(t *testing.T) {
	log := &memLog{
		events:    []db.Event{event(11, "wf-1", "task_completed")},
		watermark: 10,
	}
	server, bus := setupTestServer(t, newFakeWorkflows(5), log, Config{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "?since=5")

	msg := nextNonPing(t, conn)
	assert.Equal(t, MsgBackfillExpired, msg.Type)
	assert.Contains(t, msg.Message, "purged")
	assert.Nil(t, msg.Payload)

	// the stream stays usable for live events
	waitSubscribers(t, bus, 1)
	bus.Broadcast(context.Background(), []db.Event{event(12, "wf-1", "review_started")})
	msg = nextNonPing(t, conn)
	require.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, int64(12), msg.Payload.ID)
}

func TestEventStream_NoSinceIsLiveOnly(t *testing.T) {
	log := &memLog{events: []db.Event{event(1, "wf-1", "workflow_created")}}
	server, bus := setupTestServer(t, newFakeWorkflows(5), log, Config{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	waitSubscribers(t, bus, 1)
	bus.Broadcast(context.Background(), []db.Event{event(2, "wf-1", "planning_started")})

	msg := nextNonPing(t, conn)
	require.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, int64(2), msg.Payload.ID)
}

func TestEventStream_SubscribeFilters(t *testing.T) {
	server, bus := setupTestServer(t, newFakeWorkflows(5), nil, Config{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	waitSubscribers(t, bus, 1)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe, WorkflowID: "wf-2"}))
	ack := nextNonPing(t, conn)
	require.Equal(t, MsgSubscribed, ack.Type)
	assert.Equal(t, "wf-2", ack.WorkflowID)

	bus.Broadcast(context.Background(), []db.Event{event(1, "wf-1", "planning_started"), event(2, "wf-2", "planning_started")})
	msg := nextNonPing(t, conn)
	require.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, "wf-2", msg.Payload.WorkflowID)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribeAll}))
	require.Equal(t, MsgSubscribed, nextNonPing(t, conn).Type)

	bus.Broadcast(context.Background(), []db.Event{event(3, "wf-1", "plan_ready")})
	msg = nextNonPing(t, conn)
	require.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, "wf-1", msg.Payload.WorkflowID)
}

func TestEventStream_UnknownMessage(t *testing.T) {
	server, _ := setupTestServer(t, newFakeWorkflows(5), nil, Config{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "dance"}))
	msg := nextNonPing(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "dance")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgSubscribe}))
	msg = nextNonPing(t, conn)
	assert.Equal(t, MsgError, msg.Type)
}

func TestEventStream_HeartbeatDisconnectsSilentClient(t *testing.T) {
	server, bus := setupTestServer(t, newFakeWorkflows(5), nil, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		PongGrace:         60 * time.Millisecond,
	})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	msg := readMessage(t, conn)
	assert.Equal(t, MsgPing, msg.Type)

	// never answer; the server gives up after the grace period
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	waitSubscribers(t, bus, 0)
}

func TestEventStream_PongKeepsConnectionAlive(t *testing.T) {
	server, bus := setupTestServer(t, newFakeWorkflows(5), nil, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		PongGrace:         60 * time.Millisecond,
	})
	srv := httptest.NewServer(server)
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == MsgPing {
			require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgPong}))
		}
	}

	waitSubscribers(t, bus, 1)
	bus.Broadcast(context.Background(), []db.Event{event(1, "wf-1", "planning_started")})
	msg := nextNonPing(t, conn)
	assert.Equal(t, MsgEvent, msg.Type)
}

func TestEventStream_InvalidSince(t *testing.T) {
	server, _ := setupTestServer(t, newFakeWorkflows(5), nil, Config{})
	srv := httptest.NewServer(server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?since=-3"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
