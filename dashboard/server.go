package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Status is the /api/status payload. The Pipeline field is filled by the
// status provider the server was built with.
type Status struct {
	State       string      `json:"state"`
	Viewers     int         `json:"viewers"`
	Uptime      string      `json:"uptime"`
	Pipeline    interface{} `json:"pipeline,omitempty"`
	RecentLog   []string    `json:"recent_log,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Server wires the hub into HTTP handlers.
type Server struct {
	hub      *Hub
	started  time.Time
	stateFn  func() string
	statusFn func() interface{}
	logFn    func() []string
}

// NewServer creates a dashboard server. stateFn reports the pipeline state,
// statusFn supplies the stats payload and logFn the recent log lines; any of
// them may be nil.
func NewServer(hub *Hub, stateFn func() string, statusFn func() interface{}, logFn func() []string) *Server {
	return &Server{
		hub:      hub,
		started:  time.Now(),
		stateFn:  stateFn,
		statusFn: statusFn,
		logFn:    logFn,
	}
}

// Routes registers the dashboard endpoints on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
}

// handleWebsocket upgrades the connection and registers the viewer with the
// hub. The role and mute preference come from the query string.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugMsg("DASHBOARD", "WebSocket upgrade failed: "+err.Error())
		return
	}

	c := &client{
		conn:  conn,
		role:  ParseRole(r.URL.Query().Get("role")),
		muted: r.URL.Query().Get("muted") == "true",
	}
	s.hub.register <- c
	defer func() { s.hub.unregister <- c }()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		State:       "UNKNOWN",
		Viewers:     s.hub.ClientCount(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		GeneratedAt: time.Now(),
	}
	if s.stateFn != nil {
		st.State = s.stateFn()
	}
	if s.statusFn != nil {
		st.Pipeline = s.statusFn()
	}
	if s.logFn != nil {
		st.RecentLog = s.logFn()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
