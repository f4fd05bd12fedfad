// Package dashboardhttp exposes a dashboard.Manager's snapshot and live
// event stream over HTTP, as a host process may choose to do. The
// Dashboard Manager itself has no HTTP dependency; this package is the
// optional outer surface.
package dashboardhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"goa.design/coordctl/internal/dashboard"
	"goa.design/coordctl/internal/eventbus"
	"goa.design/coordctl/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves a read-only view of a dashboard.Manager.
type Server struct {
	manager *dashboard.Manager
	log     telemetry.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer constructs a Server over manager.
func NewServer(manager *dashboard.Manager, log telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Server{manager: manager, log: log, clients: make(map[*websocket.Conn]struct{})}
}

// Router builds the mux.Router exposing GET /snapshot and GET /stream.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.GetState()); err != nil {
		s.log.Warn("dashboardhttp: encode snapshot failed", zap.Error(err))
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("dashboardhttp: websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	sub, err := s.manager.Events().Register(eventbus.SubscriberFunc(func(ctx context.Context, event eventbus.Event) error {
		return conn.WriteJSON(map[string]any{"type": event.Type, "payload": event.Payload, "timestamp": event.Timestamp})
	}))
	if err != nil {
		conn.Close()
		return
	}
	defer func() {
		_ = sub.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(24 * time.Hour))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
