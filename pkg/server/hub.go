package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/timespan"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Same origin, or no Origin header at all (curl, wscat, tests)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// Event is sent to websocket clients after every chart update attempt.
type Event struct {
	Type       string `json:"type"`
	Chart      string `json:"chart"`
	Resolution string `json:"resolution"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Points     int    `json:"points"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Event types
const (
	EventChartUpdated = "chart_updated"
	EventChartFailed  = "chart_update_failed"
)

// NewEvent describes an update result for websocket clients.
func NewEvent(res charts.Result) Event {
	ev := Event{
		Type:       EventChartUpdated,
		Chart:      res.Chart.Name,
		Resolution: res.Chart.Resolution.String(),
		Points:     res.Points,
		Skipped:    res.Skipped,
		Timestamp:  time.Now().Unix(),
	}
	if res.Window != nil {
		if !res.Window.From.IsZero() {
			ev.From = timespan.FormatBucket(res.Window.From)
		}
		if !res.Window.To.IsZero() {
			ev.To = timespan.FormatBucket(res.Window.To)
		}
	}
	if res.Err != nil {
		ev.Type = EventChartFailed
		ev.Error = res.Err.Error()
		ev.Retryable = chart.IsRetryable(res.Err)
	}
	return ev
}

// Hub manages websocket connections and fans chart update events out to them.
type Hub struct {
	// Registered clients
	clients map[*websocket.Conn]bool

	// Register requests from clients
	register chan *websocket.Conn

	// Unregister requests from clients
	unregister chan *websocket.Conn

	// Encoded events waiting to be sent
	broadcast chan []byte

	mu sync.RWMutex
}

// NewHub creates a new websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	lg := log.Get(ctx)
	for {
		select {
		case <-ctx.Done():
			// Close all client connections on shutdown
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			lg.Debug().Int("clients", count).Msg("websocket client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			lg.Debug().Int("clients", count).Msg("websocket client disconnected")
		case message := <-h.broadcast:
			h.mu.RLock()
			// Collect failed connections to unregister after releasing lock
			var failed []*websocket.Conn
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					lg.Debug().Err(err).Msg("websocket write failed")
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.mu.Lock()
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					_ = conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues an event for every connected client. Events are dropped
// when the queue is full.
func (h *Hub) Broadcast(ctx context.Context, data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		log.Get(ctx).Warn().Msg("broadcast channel full, dropping event")
	}
	return nil
}

// HasClients returns true if there are any connected websocket clients.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ChartUpdated implements charts.Observer.
func (h *Hub) ChartUpdated(ctx context.Context, res charts.Result) {
	if !h.HasClients() {
		return
	}
	if err := h.Broadcast(ctx, NewEvent(res)); err != nil {
		log.Get(ctx).Warn().Err(err).Str("chart", res.Chart.Name).Msg("failed to broadcast chart event")
	}
}

// HandleWebSocket handles GET /v1/ws
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	lg := log.Get(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keep the connection alive through proxies
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		default:
			// Hub is gone or saturated
			_ = conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	// Clients only send control frames; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				lg.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
