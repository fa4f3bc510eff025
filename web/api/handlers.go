package api

import (
	"net/http"
	"os"

	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/genjob"
	"github.com/vibehq/agent-orchestrator/internal/store"
	"github.com/vibehq/agent-orchestrator/internal/worktree"
)

// --- projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Path  string `json:"path"`
		Color string `json:"color"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" || body.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}

	project, err := s.store.CreateProject(body.Name, body.Path, body.Color)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Path  string `json:"path"`
		Color string `json:"color"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	project, err := s.store.UpdateProject(r.PathValue("id"), body.Name, body.Path, body.Color)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- tickets ---

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.store.ListTickets(r.URL.Query().Get("projectId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*domain.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID   string `json:"projectId"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ProjectID == "" || body.Title == "" || body.Description == "" {
		writeError(w, http.StatusBadRequest, "projectId, title, and description are required")
		return
	}

	ticket, err := s.store.CreateTicket(body.ProjectID, body.Title, body.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var body store.TicketUpdate
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Status != nil && !validTicketStatus(*body.Status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	ticket, err := s.store.UpdateTicket(r.PathValue("id"), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTicket(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleTicketStatus is the drag-and-drop endpoint: move one ticket to a
// column and position.
func (s *Server) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status   *domain.TicketStatus `json:"status"`
		Position *int                 `json:"position"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Status == nil || body.Position == nil {
		writeError(w, http.StatusBadRequest, "status and position are required")
		return
	}
	if !validTicketStatus(*body.Status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	ticket, err := s.store.UpdateTicket(r.PathValue("id"), store.TicketUpdate{
		Status:   body.Status,
		Position: body.Position,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleReorderTickets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates []struct {
			ID       string              `json:"id"`
			Status   domain.TicketStatus `json:"status"`
			Position int                 `json:"position"`
		} `json:"updates"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Updates == nil {
		writeError(w, http.StatusBadRequest, "updates array is required")
		return
	}

	moves := make([]store.TicketMove, 0, len(body.Updates))
	for _, u := range body.Updates {
		if !validTicketStatus(u.Status) {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		moves = append(moves, store.TicketMove{ID: u.ID, Status: u.Status, Position: u.Position})
	}

	if err := s.store.ReorderTickets(moves); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func validTicketStatus(status domain.TicketStatus) bool {
	switch status {
	case domain.TicketBacklog, domain.TicketUpNext, domain.TicketInReview,
		domain.TicketInProgress, domain.TicketInTesting, domain.TicketCompleted:
		return true
	}
	return false
}

// --- document generation ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	project, err := s.store.GetProject(ticket.ProjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if !genjob.IsAgentAvailable(s.agent) {
		writeError(w, http.StatusInternalServerError, "agent CLI not found, please install it")
		return
	}

	gen, err := s.generations.Start(ticket, project)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generationId": gen.ID,
		"status":       gen.Status,
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	gen, err := s.generations.GetForTicket(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "none"})
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

// --- launching agents ---

// handleApprove moves a reviewed ticket into progress by launching an
// agent for it. Unlike launch, it insists the ticket is actually in
// review.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ticket.Status != domain.TicketInReview {
		writeError(w, http.StatusBadRequest, "ticket must be in review status")
		return
	}
	s.launch(w, r, ticket)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.launch(w, r, ticket)
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request, ticket *domain.Ticket) {
	if ticket.PRDContent == "" {
		writeError(w, http.StatusBadRequest, "ticket has no generated document")
		return
	}
	project, err := s.store.GetProject(ticket.ProjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := s.instances.Create(r.Context(), ticket, project)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.instances.Start(res.Instance.ID); err != nil {
		writeDomainError(w, err)
		return
	}

	status := domain.TicketInProgress
	updated, err := s.store.UpdateTicket(ticket.ID, store.TicketUpdate{
		Status:     &status,
		BranchName: &res.BranchName,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ticket":   updated,
		"instance": res.Instance,
	})
}

func (s *Server) handleGetTicketInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstanceForTicket(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleFileChanges(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ticket.BranchName == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"changes": []domain.FileChange{}})
		return
	}
	project, err := s.store.GetProject(ticket.ProjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	changes, err := worktree.FileChanges(r.Context(), project.Path, ticket.BranchName)
	if err != nil || changes == nil {
		changes = []domain.FileChange{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// --- instances ---

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if inst.LogPath == "" {
		writeError(w, http.StatusNotFound, "no log file")
		return
	}

	data, err := os.ReadFile(inst.LogPath)
	if err != nil {
		data = nil
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": string(data)})
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.instances.Stop(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, _, err := s.instanceProject(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.instances.Cleanup(r.Context(), id, project.Path); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCleanupAll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, ticket, err := s.instanceProject(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.instances.CleanupAndDeleteBranch(r.Context(), id, project.Path, ticket.BranchName); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// instanceProject walks instance -> ticket -> project.
func (s *Server) instanceProject(instanceID string) (*domain.Project, *domain.Ticket, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return nil, nil, err
	}
	ticket, err := s.store.GetTicket(inst.TicketID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.store.GetProject(ticket.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return project, ticket, nil
}

// --- dev servers ---

func (s *Server) handleStartDevServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.store.GetInstance(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if inst.WorktreePath == "" {
		writeError(w, http.StatusBadRequest, "instance has no worktree")
		return
	}

	status, err := s.devservers.Start(id, inst.WorktreePath)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDevServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devservers.GetStatus(r.PathValue("id")))
}

func (s *Server) handleStopDevServer(w http.ResponseWriter, r *http.Request) {
	s.devservers.Stop(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
