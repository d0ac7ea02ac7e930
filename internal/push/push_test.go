package push

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_NoSessionIsANoOp(t *testing.T) {
	c := New(time.Minute, time.Second, nil, testLogger())
	c.Send(1, "building.finished", map[string]any{"task_id": "town_hall"})
	assert.False(t, c.Connected(1))
}

func TestUpgrade_DeliversSentMessageToConnectedClient(t *testing.T) {
	c := New(time.Minute, time.Second, nil, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, c.Upgrade(w, r, 42))
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return c.Connected(42) }, time.Second, 10*time.Millisecond)

	c.Send(42, "building.finished", map[string]any{"task_id": "town_hall"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "building.finished", msg.Type)
	assert.Equal(t, int64(42), msg.UserNo)
}

func TestUpgrade_ReplacesPriorSessionForSameUser(t *testing.T) {
	c := New(time.Minute, time.Second, nil, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, c.Upgrade(w, r, 1))
	}))
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):]

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return c.Connected(1) }, time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return c.Connected(1) }, time.Second, 10*time.Millisecond)

	// The first connection should have been closed server-side when the
	// second session replaced it.
	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = first.ReadMessage()
	assert.Error(t, err)
}
