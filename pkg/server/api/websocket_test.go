package api

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
)

func startWebSocket(t *testing.T) (*WebSocketServer, *websocket.Conn) {
	t.Helper()
	ws := NewWebSocketServer("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ws.Start(ctx)
		close(done)
	}()

	srv := NewServer(":0", &mockService{}, time.Second, nil)
	srv.SetWebSocketServer(ws)
	httpSrv := httptest.NewServer(srv.Router())

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
		httpSrv.Close()
	})
	require.Eventually(t, func() bool { return ws.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return ws, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocket_PingPong(t *testing.T) {
	_, conn := startWebSocket(t)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "dance"}))
	assert.Equal(t, "error", readJSON(t, conn)["type"])
}

func TestWebSocket_ConsensusStream(t *testing.T) {
	ws, conn := startWebSocket(t)

	// subscribed to everything by default
	ws.Publish(sampleResponse())
	msg := readJSON(t, conn)
	assert.Equal(t, "consensus_update", msg["type"])
	assert.Equal(t, "ETH-USD", msg["feed"])
	assert.Equal(t, "3400.5", msg["price"])
	assert.Equal(t, "340050000000", msg["raw_price"])
	assert.Equal(t, true, msg["threshold_met"])
	assert.Equal(t, "req-1", msg["request_id"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", Feeds: []string{"btc/usdt"}}))
	ack := readJSON(t, conn)
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, []interface{}{"BTC-USD"}, ack["feeds"])

	// ETH-USD is now filtered out, BTC-USD is delivered
	ws.Publish(sampleResponse())
	btc := sampleResponse()
	btc.Result.FeedID = "BTC-USD"
	ws.Publish(btc)
	assert.Equal(t, "BTC-USD", readJSON(t, conn)["feed"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "unsubscribe", Feeds: []string{"*"}}))
	assert.Equal(t, "unsubscribed", readJSON(t, conn)["type"])

	ws.Publish(btc)
	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])
}
