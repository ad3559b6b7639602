package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyward/internal/events"
)

func TestEventsHandler_StreamsPublishedEvents(t *testing.T) {
	hub := events.NewHub(discardLogger())
	hub.Start()
	defer hub.Stop()

	handler := NewEventsHandler(hub, nil, discardLogger())
	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Broadcast only after the hub has picked up the registration.
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	// The hub greets every registration with a connection event before
	// any broadcast.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var welcome events.Event
	require.NoError(t, json.Unmarshal(message, &welcome))
	require.Equal(t, events.TypeConnection, welcome.Type)

	hub.PublishEvent(context.Background(), events.TypeActivated, map[string]interface{}{
		"code": "TEAM1-00001",
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err = conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(message, &event))
	assert.Equal(t, events.TypeActivated, event.Type)
	assert.NotEmpty(t, event.Timestamp)

	data, ok := event.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "TEAM1-00001", data["code"])
}

func TestEventsHandler_OriginChecks(t *testing.T) {
	hub := events.NewHub(discardLogger())
	hub.Start()
	defer hub.Stop()

	handler := NewEventsHandler(hub, []string{"http://ops.example"}, discardLogger())
	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("allowed origin connects", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://ops.example"}}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()
		defer resp.Body.Close()
	})

	t.Run("unknown origin is rejected", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		if conn != nil {
			conn.Close()
		}
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("no origin header connects", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()
		defer resp.Body.Close()
	})
}
