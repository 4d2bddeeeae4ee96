package output

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

func TestLiveHub_PrimesNewSubscribersWithLatest(t *testing.T) {
	hub := NewLiveHub(nil)
	ctx := context.Background()
	require.NoError(t, hub.WriteVelocity(ctx, "ABCD", VelocityRecord{Horizontal: 1}))
	require.NoError(t, hub.WriteVelocity(ctx, "ABCD", VelocityRecord{Horizontal: 2}))

	_, ch := hub.Subscribe(1)
	msg := <-ch
	assert.Equal(t, MessageVelocity, msg.Type)
	assert.Equal(t, "ABCD", msg.Station)
	assert.Equal(t, 2.0, msg.Data.(VelocityRecord).Horizontal)
}

func TestLiveHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewLiveHub(nil)
	id, ch := hub.Subscribe(1)
	_, fast := hub.Subscribe(8)
	hub.Publish(Message{Type: MessageVelocity, Station: "A"})
	hub.Publish(Message{Type: MessageVelocity, Station: "B"})

	assert.Equal(t, 1, hub.Subscribers())
	<-ch
	_, ok := <-ch
	assert.False(t, ok, "slow subscriber channel closed")
	assert.Len(t, fast, 2)
	hub.Unsubscribe(id) // already gone; must not panic
}

func TestLiveHub_Shutdown(t *testing.T) {
	hub := NewLiveHub(nil)
	_, ch := hub.Subscribe(1)
	hub.Shutdown()
	_, ok := <-ch
	assert.False(t, ok)

	_, late := hub.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	hub.Publish(Message{Type: MessageEvent})
}

func TestLiveHub_WebSocket(t *testing.T) {
	hub := NewLiveHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := EventRecord{Station: "ABCD", PeakVelocity: 42, Duration: 3}
	require.NoError(t, hub.WriteEventDetection(context.Background(), ev))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type    string          `json:"type"`
		Station string          `json:"station"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, MessageEvent, got.Type)
	assert.Equal(t, "ABCD", got.Station)

	var rec EventRecord
	require.NoError(t, json.Unmarshal(got.Data, &rec))
	assert.Equal(t, 42.0, rec.PeakVelocity)
	assert.Equal(t, 3.0, rec.Duration)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}
