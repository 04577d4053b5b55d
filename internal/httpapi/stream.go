package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"soilmap/core-go/internal/readings"
)

const (
	streamBuffer       = 32
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 60 * time.Second
)

// StreamMessage is one event pushed to map stream clients.
type StreamMessage struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"` // "activated", "deactivated", "selected"
	Serial    string             `json:"serial_number,omitempty"`
	Device    *deviceView        `json:"device,omitempty"`
	Latest    *readings.Snapshot `json:"latest,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type streamClient struct {
	id   string
	send chan StreamMessage
}

// Hub fans hover and selection changes out to connected stream clients. It satisfies
// mapview.Listener and never blocks the caller: a client whose buffer is full misses the message.
type Hub struct {
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, now: time.Now, clients: make(map[*streamClient]struct{})}
}

func (h *Hub) OnDeviceHover(device readings.Device, rs []readings.Snapshot, hovering bool) {
	typ := "deactivated"
	if hovering {
		typ = "activated"
	}
	h.broadcast(h.message(typ, device, rs))
}

func (h *Hub) OnDeviceSelect(device readings.Device, rs []readings.Snapshot) {
	h.broadcast(h.message("selected", device, rs))
}

// Clients returns the number of connected stream clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) message(typ string, device readings.Device, rs []readings.Snapshot) StreamMessage {
	dv := toDeviceView(device)
	msg := StreamMessage{ID: uuid.NewString(), Type: typ, Serial: device.SerialNumber, Device: &dv, Timestamp: h.now().UTC()}
	if newest, ok := readings.Newest(rs); ok {
		msg.Latest = &newest
	}
	return msg
}

func (h *Hub) subscribe() *streamClient {
	c := &streamClient{id: uuid.NewString(), send: make(chan StreamMessage, streamBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) broadcast(msg StreamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn().Str("client_id", c.id).Str("type", msg.Type).Str("serial_number", msg.Serial).Msg("stream client too slow; dropping message")
		}
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "event stream not configured", nil)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	client := h.hub.subscribe()
	defer h.hub.unsubscribe(client)

	log := h.log.With().Str("client_id", client.id).Str("remote_addr", r.RemoteAddr).Logger()
	log.Info().Msg("map stream client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		var msg StreamMessage
		select {
		case <-ctx.Done():
			log.Info().Msg("map stream client disconnected")
			return
		case msg = <-client.send:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				log.Debug().Err(err).Msg("map stream ping failed")
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("map stream write failed")
			return
		}
	}
}

// readUntilClosed drains client frames so control messages are processed, and cancels once the
// connection goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	}
}

// checkOrigin allows same-origin requests and any origin listed in AllowedOrigins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
