package output

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	MessageVelocity     = "velocity"
	MessageDisplacement = "displacement"
	MessageEvent        = "event"
	MessageEventStart   = "event_start"

	writeWait  = 2 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Message is one live-view frame sent to WebSocket clients.
type Message struct {
	Type    string `json:"type"`
	Station string `json:"station"`
	Data    any    `json:"data"`
}

// EventStart is the payload of an event_start message.
type EventStart struct {
	Start    time.Time `json:"start"`
	Velocity float64   `json:"velocity_mm_s"`
}

// Alerter is implemented by ports that want to hear about an event as soon
// as it opens, before its summary exists.
type Alerter interface {
	EventStarted(ctx context.Context, station string, start time.Time, velocityMMS float64) error
}

// LiveHub is the live-view output port. It fans records out to WebSocket
// subscribers and remembers the latest frame per station and type so new
// viewers draw immediately. Subscribers that fall behind are dropped.
//
// Connect and Close are no-ops: the hub outlives individual stations and is
// torn down with Shutdown.
type LiveHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	last   map[string]Message
	closed bool
}

func NewLiveHub(log *slog.Logger) *LiveHub {
	if log == nil {
		log = slog.Default()
	}
	return &LiveHub{
		log: log.With("component", "live_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[int]chan Message),
		last: make(map[string]Message),
	}
}

func (h *LiveHub) Connect(context.Context) error { return nil }
func (h *LiveHub) Close() error                  { return nil }

func (h *LiveHub) WriteVelocity(_ context.Context, station string, rec VelocityRecord) error {
	h.Publish(Message{Type: MessageVelocity, Station: station, Data: rec})
	return nil
}

func (h *LiveHub) WriteDisplacement(_ context.Context, station string, rec DisplacementRecord) error {
	h.Publish(Message{Type: MessageDisplacement, Station: station, Data: rec})
	return nil
}

func (h *LiveHub) WriteEventDetection(_ context.Context, ev EventRecord) error {
	h.Publish(Message{Type: MessageEvent, Station: ev.Station, Data: ev})
	return nil
}

func (h *LiveHub) EventStarted(_ context.Context, station string, start time.Time, velocityMMS float64) error {
	h.Publish(Message{Type: MessageEventStart, Station: station, Data: EventStart{Start: start, Velocity: velocityMMS}})
	return nil
}

// Publish delivers msg to every subscriber without blocking.
func (h *LiveHub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last[msg.Station+"/"+msg.Type] = msg
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			delete(h.subs, id)
			close(ch)
			h.log.Warn("slow_subscriber_dropped", "id", id)
		}
	}
}

// Subscribe registers a listener primed with the latest frames.
func (h *LiveHub) Subscribe(buffer int) (int, <-chan Message) {
	if buffer <= 0 {
		buffer = sendBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Message, buffer+len(h.last))
	if h.closed {
		close(ch)
		return -1, ch
	}
	for _, m := range h.last {
		ch <- m
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return id, ch
}

func (h *LiveHub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers reports the number of attached listeners.
func (h *LiveHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown disconnects every subscriber and rejects new ones.
func (h *LiveHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams frames as JSON.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket_upgrade_failed", "error", err)
		return
	}
	id, ch := h.Subscribe(sendBuffer)
	h.log.Debug("viewer_connected", "id", id, "remote", r.RemoteAddr)

	go h.readPump(conn, id)
	h.writePump(conn, ch)
}

// readPump discards client frames and keeps the read deadline alive via
// pongs; it unsubscribes when the client goes away.
func (h *LiveHub) readPump(conn *websocket.Conn, id int) {
	defer func() {
		h.Unsubscribe(id)
		_ = conn.Close()
	}()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("viewer_error", "id", id, "error", err)
			}
			return
		}
	}
}

func (h *LiveHub) writePump(conn *websocket.Conn, ch <-chan Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
