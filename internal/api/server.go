package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lanrelay/pkg/interfaces"
	"lanrelay/pkg/types"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// RoomLister is the read side of the room registry.
type RoomLister interface {
	Rooms() []types.RoomSummary
	GetStats() map[string]int
}

// ConnectionStats reports the live connection table.
type ConnectionStats interface {
	Stats() types.ConnectionStats
}

// JournalStats reports hub throughput counters.
type JournalStats interface {
	GetStats() map[string]int
}

// Dependencies wires the API to the running relay. Events, Journal and
// WebSocket are optional.
type Dependencies struct {
	Rooms       RoomLister
	Connections ConnectionStats
	Events      interfaces.EventStore
	Journal     JournalStats
	WebSocket   http.Handler
}

// Server is the read-only status API.
// ARCHITECTURAL DISCOVERY: there are no write endpoints; rooms are created only
// over the chat protocol.
type Server struct {
	deps      Dependencies
	router    *http.ServeMux
	startedAt time.Time
}

// NewServer builds the router for the given dependencies.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:      deps,
		router:    http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/rooms", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRooms))))
	s.router.Handle("/api/rooms/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRoomByName))))

	// the upgrade response must not carry JSON headers
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type RoomsResponse struct {
	Rooms []types.RoomSummary `json:"rooms"`
}

type EventsResponse struct {
	Room   string         `json:"room"`
	Events []*types.Event `json:"events"`
}

type HealthResponse struct {
	Status      string                `json:"status"`
	Timestamp   time.Time             `json:"timestamp"`
	Uptime      string                `json:"uptime"`
	Database    string                `json:"database"`
	Rooms       int                   `json:"rooms"`
	Members     int                   `json:"members"`
	Connections types.ConnectionStats `json:"connections"`
	Journal     map[string]int        `json:"journal,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/rooms
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms := s.deps.Rooms.Rooms()
	stats := s.deps.Connections.Stats()
	for i := range rooms {
		rooms[i].LiveConnections = stats.PerRoom[rooms[i].Name]
	}

	s.sendJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// GET /api/rooms/{name}/events?limit=N
func (s *Server) handleRoomByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// TECHNICAL DISCOVERY: room names may contain spaces or slashes, so the
	// escaped path is split before unescaping the name segment.
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/api/rooms/")
	escapedName, action, found := strings.Cut(rest, "/")
	if !found || action != "events" || escapedName == "" {
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}

	name, err := url.PathUnescape(escapedName)
	if err != nil || name == "" {
		s.sendError(w, "Invalid room name", http.StatusBadRequest)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	s.listRoomEvents(w, r, name, limit)
}

func (s *Server) listRoomEvents(w http.ResponseWriter, r *http.Request, room string, limit int) {
	if s.deps.Events == nil {
		s.sendError(w, "Event journal disabled", http.StatusServiceUnavailable)
		return
	}

	events, err := s.deps.Events.ListRoomEvents(r.Context(), room, limit)
	if err != nil {
		log.Printf("[API] Failed to list events: room=%q err=%v", room, err)
		s.sendError(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}

	s.sendJSON(w, http.StatusOK, EventsResponse{Room: room, Events: events})
}

// GET /health reports 503 when the journal database is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.deps.Events != nil {
		dbStatus = "healthy"
		if err := s.deps.Events.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	roomStats := s.deps.Rooms.GetStats()
	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Database:    dbStatus,
		Rooms:       roomStats["rooms"],
		Members:     roomStats["members"],
		Connections: s.deps.Connections.Stats(),
	}
	if s.deps.Journal != nil {
		response.Journal = s.deps.Journal.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows any origin; the API is read-only and LAN-local.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
