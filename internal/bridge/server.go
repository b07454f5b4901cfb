package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The embedded browser loads the UI from a local origin.
		return true
	},
}

// Server exposes the UI surface: the /ws socket the embedded browser
// speaks the command/event protocol over, and the REST endpoints the
// manual device picker consumes.
type Server struct {
	bridge *Bridge
	hub    *Hub
	router *http.ServeMux
	http   *http.Server
}

// NewServer wires the routes. Call Start to begin serving.
func NewServer(addr string, bridge *Bridge, hub *Hub) *Server {
	s := &Server{
		bridge: bridge,
		hub:    hub,
		router: http.NewServeMux(),
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/api/devices", corsMiddleware(s.handleDevices))
	s.router.HandleFunc("/api/devices/select", corsMiddleware(s.handleSelect))
	s.router.HandleFunc("/api/devices/cancel", corsMiddleware(s.handleCancel))
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start serves until Shutdown. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[bridge] websocket upgrade failed", "error", err)
		return
	}
	s.hub.AddClient(conn)
	go s.readLoop(conn)
}

// readLoop feeds inbound UI frames to the bridge until the socket closes.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.hub.RemoveClient(conn)
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.bridge.HandleMessage(raw)
	}
}

type deviceResponse struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type selectRequest struct {
	Address string `json:"address"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(errorResponse{Error: "Method not allowed"})
		return
	}

	refs := s.bridge.Candidates()
	devices := make([]deviceResponse, 0, len(refs))
	for _, ref := range refs {
		devices = append(devices, deviceResponse{Address: ref.Address, Name: ref.Name})
	}
	json.NewEncoder(w).Encode(devices)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(errorResponse{Error: "Method not allowed"})
		return
	}

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(errorResponse{Error: "Invalid request body"})
		return
	}

	if !s.bridge.SelectByAddress(req.Address) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(errorResponse{Error: "Unknown device address"})
		return
	}
	json.NewEncoder(w).Encode(okResponse{Status: "ok"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(errorResponse{Error: "Method not allowed"})
		return
	}

	s.bridge.CancelSelection()
	json.NewEncoder(w).Encode(okResponse{Status: "ok"})
}
