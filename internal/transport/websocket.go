package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/callbench/internal/bench"
)

// Event types pushed to WebSocket clients.
const (
	EventStatus       = "status"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
)

// statusInterval is how often status events are pushed while a run executes.
const statusInterval = 200 * time.Millisecond

// Event is one message pushed to WebSocket clients.
type Event struct {
	Type      string           `json:"type"`
	Status    *Status          `json:"status,omitempty"`
	Scenarios []string         `json:"scenarios,omitempty"`
	Run       *bench.RunResult `json:"run,omitempty"`
	Error     string           `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// WebSocketServer streams run events and live status to connected clients.
type WebSocketServer struct {
	status func() Status
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	writeMu   sync.Mutex

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewWebSocketServer creates a new WebSocket server. status is polled while a
// run executes.
func NewWebSocketServer(status func() Status, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		status:  status,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			ws.clientsMu.Unlock()
			conn.Close()
			ws.logger.Debug("WebSocket client disconnected")
		}()

		// Read until the client goes away; clients send nothing but control frames.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections. Safe to call
// more than once.
func (ws *WebSocketServer) Stop() {
	ws.once.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

// Publish queues an event for all clients. Events are dropped when the queue
// is full or the server is stopped.
func (ws *WebSocketServer) Publish(ev Event) {
	select {
	case <-ws.done:
	case ws.events <- ev:
	default:
		ws.logger.Debug("WebSocket event dropped", slog.String("type", ev.Type))
	}
}

func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case ev := <-ws.events:
			ws.broadcast(ev)
		case <-ticker.C:
			st := ws.status()
			if st.Running {
				ws.broadcast(Event{Type: EventStatus, Status: &st})
			}
		}
	}
}

func (ws *WebSocketServer) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		ws.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}

	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	for conn := range ws.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
