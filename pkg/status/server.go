// Package status provides the operator-facing HTTP and WebSocket API.
// Dashboards poll or subscribe for live winding telemetry and issue the
// operator commands over REST.
package status

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gobbyo/orthocyclic-winder/pkg/log"
	"github.com/gobbyo/orthocyclic-winder/pkg/supervisor"
)

// Winder is the control surface the server exposes. Implemented by the
// supervisor; queries never block the control tick.
type Winder interface {
	Snapshot() supervisor.Status
	Program() supervisor.ProgramInfo
	Start() error
	Pause() error
	Resume() error
	Abort() error
	EmergencyStop() error
	Reset() error
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7130").
	Addr string

	// BroadcastPeriod is the WebSocket telemetry push period.
	BroadcastPeriod time.Duration

	Winder Winder
	Logger *log.Logger
}

// Server serves telemetry and operator commands.
type Server struct {
	winder Winder
	logger *log.Logger

	httpServer *http.Server
	addr       string
	period     time.Duration

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a status Server.
func New(cfg Config) *Server {
	if cfg.BroadcastPeriod <= 0 {
		cfg.BroadcastPeriod = 250 * time.Millisecond
	}
	s := &Server{
		winder:    cfg.Winder,
		logger:    cfg.Logger,
		addr:      cfg.Addr,
		period:    cfg.BroadcastPeriod,
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler builds the route mux. Split out so tests can drive the
// endpoints without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/winder/info", s.handleInfo)
	mux.HandleFunc("/winder/status", s.handleStatus)
	mux.HandleFunc("/winder/program", s.handleProgram)
	mux.HandleFunc("/winder/start", s.command(func(w Winder) error { return w.Start() }))
	mux.HandleFunc("/winder/pause", s.command(func(w Winder) error { return w.Pause() }))
	mux.HandleFunc("/winder/resume", s.command(func(w Winder) error { return w.Resume() }))
	mux.HandleFunc("/winder/abort", s.command(func(w Winder) error { return w.Abort() }))
	mux.HandleFunc("/winder/emergency_stop", s.command(func(w Winder) error { return w.EmergencyStop() }))
	mux.HandleFunc("/winder/reset", s.command(func(w Winder) error { return w.Reset() }))
	mux.HandleFunc("/websocket", s.handleWebSocket)

	return s.corsMiddleware(mux)
}

// Start runs the HTTP server. Blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.Info("status server listening on %s", s.addr)

	go s.broadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop closes the server and all WebSocket clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	s.writeJSON(w, map[string]any{"result": map[string]any{
		"hostname":        hostname,
		"uptime":          time.Since(s.startTime).Seconds(),
		"websocket_count": clients,
	}})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.winder.Snapshot()})
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.winder.Program()})
}

// command wraps an operator command as a POST handler.
func (s *Server) command(fn func(Winder) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := fn(s.winder); err != nil {
			s.writeJSONError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"result": s.winder.Snapshot()})
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}

// notification is the WebSocket telemetry frame.
type notification struct {
	Type      string            `json:"type"`
	Status    supervisor.Status `json:"status"`
	EventTime float64           `json:"eventtime"`
}

// wsCommand is an inbound WebSocket command frame.
type wsCommand struct {
	Command string `json:"command"`
}

// wsAck acknowledges an inbound command.
type wsAck struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// send queues a message; a slow consumer drops frames rather than
// stalling the broadcast loop.
func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping frame to client %d (send queue full)", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read error: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage dispatches an inbound operator command frame.
func (c *wsClient) handleMessage(data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.send(wsAck{Type: "ack", Error: "parse error"})
		return
	}

	var err error
	switch cmd.Command {
	case "start":
		err = c.server.winder.Start()
	case "pause":
		err = c.server.winder.Pause()
	case "resume":
		err = c.server.winder.Resume()
	case "abort":
		err = c.server.winder.Abort()
	case "emergency_stop":
		err = c.server.winder.EmergencyStop()
	case "reset":
		err = c.server.winder.Reset()
	default:
		c.send(wsAck{Type: "ack", Command: cmd.Command, Error: "unknown command"})
		return
	}

	ack := wsAck{Type: "ack", Command: cmd.Command}
	if err != nil {
		ack.Error = err.Error()
	}
	c.send(ack)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error: %v", err)
		return
	}

	client := s.newWSClient(conn)

	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Debug("websocket client %d connected", client.id)

	go client.writePump()

	// Push the current state right away so the dashboard renders
	// without waiting for the first broadcast.
	client.send(notification{
		Type:      "status",
		Status:    s.winder.Snapshot(),
		EventTime: time.Since(s.startTime).Seconds(),
	})

	client.readPump()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.logger.Debug("websocket client %d disconnected", client.id)
}

// broadcastLoop pushes telemetry to every connected client.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C

		s.wsClientMu.RLock()
		if len(s.wsClients) == 0 {
			s.wsClientMu.RUnlock()
			continue
		}
		msg := notification{
			Type:      "status",
			Status:    s.winder.Snapshot(),
			EventTime: time.Since(s.startTime).Seconds(),
		}
		for _, client := range s.wsClients {
			client.send(msg)
		}
		s.wsClientMu.RUnlock()
	}
}
