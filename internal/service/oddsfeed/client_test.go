package oddsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
)

func TestParseFrame(t *testing.T) {
	evs, err := parseFrame([]byte(`{"type":"change","data":[
		{"edge_id":"e1","change_type":"suspension","magnitude":1.7,"t":1700000000000},
		{"edge_id":"","change_type":"price_move","magnitude":0.1},
		{"edge_id":"e2","change_type":"weird","magnitude":-1}
	]}`))
	require.NoError(t, err)
	require.Len(t, evs, 2)

	assert.Equal(t, models.EdgeID("e1"), evs[0].EdgeID)
	assert.Equal(t, models.ChangeSuspension, evs[0].ChangeType)
	assert.Equal(t, 1.0, evs[0].Magnitude)
	assert.Equal(t, int64(1700000000), evs[0].Timestamp.Unix())

	assert.Equal(t, models.ChangeOther, evs[1].ChangeType)
	assert.Equal(t, 0.0, evs[1].Magnitude)
	assert.True(t, evs[1].Timestamp.IsZero())

	evs, err = parseFrame([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Empty(t, evs)

	_, err = parseFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestClient_SubscribeAndRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 4)
	tokens := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Market

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"change","data":[{"edge_id":"e7","change_type":"price_move","magnitude":0.4}]}`))
		// hold the connection until the client closes it
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Config{
		APIKey:       "k1",
		WebSocketURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Markets:      []string{"football"},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	require.NoError(t, c.Subscribe(ctx))
	assert.Equal(t, "k1", <-tokens)
	assert.Equal(t, "football", <-subscribed)

	changes, _ := c.Read(ctx)
	select {
	case ev := <-changes:
		require.NotNil(t, ev)
		assert.Equal(t, models.EdgeID("e7"), ev.EdgeID)
		assert.InDelta(t, 0.4, ev.Magnitude, 1e-9)
	case <-ctx.Done():
		t.Fatal("no change received")
	}

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
}

func TestClient_SubscribeRequiresConnection(t *testing.T) {
	c := New(Config{WebSocketURL: "ws://127.0.0.1:1"}, nil)
	assert.ErrorIs(t, c.Subscribe(context.Background()), errNotConnected)
}
