// Package api exposes the orchestrator over HTTP and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vibehq/agent-orchestrator/internal/devserver"
	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/genjob"
	"github.com/vibehq/agent-orchestrator/internal/instance"
	"github.com/vibehq/agent-orchestrator/internal/store"
	"github.com/vibehq/agent-orchestrator/internal/streamhub"
)

// Server is the HTTP API server.
type Server struct {
	store       *store.Store
	instances   *instance.Manager
	generations *genjob.Runner
	devservers  *devserver.Supervisor
	hub         *streamhub.Hub
	agent       string
	mux         *http.ServeMux
}

// NewServer wires the API over the orchestration services. agentCommand
// is only probed for availability before starting generations.
func NewServer(st *store.Store, instances *instance.Manager, generations *genjob.Runner, devservers *devserver.Supervisor, hub *streamhub.Hub, agentCommand string) *Server {
	s := &Server{
		store:       st,
		instances:   instances,
		generations: generations,
		devservers:  devservers,
		hub:         hub,
		agent:       agentCommand,
		mux:         http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	s.mux.HandleFunc("PATCH /api/projects/{id}", s.handleUpdateProject)
	s.mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)

	s.mux.HandleFunc("GET /api/tickets", s.handleListTickets)
	s.mux.HandleFunc("POST /api/tickets", s.handleCreateTicket)
	s.mux.HandleFunc("POST /api/tickets/reorder", s.handleReorderTickets)
	s.mux.HandleFunc("GET /api/tickets/{id}", s.handleGetTicket)
	s.mux.HandleFunc("PATCH /api/tickets/{id}", s.handleUpdateTicket)
	s.mux.HandleFunc("DELETE /api/tickets/{id}", s.handleDeleteTicket)
	s.mux.HandleFunc("PATCH /api/tickets/{id}/status", s.handleTicketStatus)
	s.mux.HandleFunc("POST /api/tickets/{id}/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/tickets/{id}/generation", s.handleGetGeneration)
	s.mux.HandleFunc("POST /api/tickets/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/tickets/{id}/launch", s.handleLaunch)
	s.mux.HandleFunc("GET /api/tickets/{id}/instance", s.handleGetTicketInstance)
	s.mux.HandleFunc("GET /api/tickets/{id}/changes", s.handleFileChanges)

	s.mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("GET /api/instances/{id}/logs", s.handleInstanceLogs)
	s.mux.HandleFunc("POST /api/instances/{id}/stop", s.handleStopInstance)
	s.mux.HandleFunc("POST /api/instances/{id}/cleanup", s.handleCleanup)
	s.mux.HandleFunc("POST /api/instances/{id}/cleanup-all", s.handleCleanupAll)
	s.mux.HandleFunc("POST /api/instances/{id}/dev-server", s.handleStartDevServer)
	s.mux.HandleFunc("GET /api/instances/{id}/dev-server", s.handleDevServerStatus)
	s.mux.HandleFunc("DELETE /api/instances/{id}/dev-server", s.handleStopDevServer)

	s.mux.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the assembled HTTP handler with CORS applied to the
// API routes.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// corsMiddleware allows the board UI, served from its own dev server,
// to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrNoDevScript),
		errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
