package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEmit_DeliversToConnectedClient(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(bus.Handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return bus.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	bus.Emit("chat:token", map[string]string{"conversationId": "c1", "messageId": "m1", "token": "hi"})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var got envelope
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "chat:token", got.Name)
}

func TestEmit_NoConnectionsIsNoop(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Emit("model:status", map[string]string{"status": "ready"})
	require.Equal(t, 0, bus.ActiveConnections())
}

func TestActiveConnections_DropsOnClose(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(bus.Handler))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bus.ActiveConnections() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return bus.ActiveConnections() == 0 }, time.Second, 10*time.Millisecond)
}
