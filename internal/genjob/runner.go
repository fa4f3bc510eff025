// Package genjob runs background document-generation jobs: one agent
// invocation that drafts an implementation plan for a ticket, streamed
// live to subscribers and written back onto the ticket when done.
// Generations are ephemeral by design; they live in memory and vanish
// on restart, since re-generating is cheap.
package genjob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/store"
	"github.com/vibehq/agent-orchestrator/internal/streamhub"
)

// Status of one generation job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Generation is the in-memory record of one job.
type Generation struct {
	ID          string     `json:"id"`
	TicketID    string     `json:"ticketId"`
	Status      Status     `json:"status"`
	LogPath     string     `json:"logPath"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Broadcaster receives live output and status changes. The stream hub
// implements this.
type Broadcaster interface {
	BroadcastLog(id string, chunk string)
	BroadcastStatus(id string, status string)
}

// Runner owns generation jobs. Safe for concurrent use.
type Runner struct {
	store        *store.Store
	hub          Broadcaster
	agentCommand string
	logDir       string

	mu     sync.Mutex
	active map[string]*Generation
}

// NewRunner creates a Runner writing logs under dataDir/generation-logs.
func NewRunner(st *store.Store, hub Broadcaster, agentCommand, dataDir string) *Runner {
	return &Runner{
		store:        st,
		hub:          hub,
		agentCommand: agentCommand,
		logDir:       filepath.Join(dataDir, "generation-logs"),
		active:       make(map[string]*Generation),
	}
}

// Start launches a generation for the ticket and returns immediately. A
// generation already running for the same ticket is returned as is, so
// double-clicks do not spawn duplicate agents.
func (r *Runner) Start(ticket *domain.Ticket, project *domain.Project) (*Generation, error) {
	id := streamhub.GenerationPrefix + ticket.ID
	gen := &Generation{
		ID:        id,
		TicketID:  ticket.ID,
		Status:    StatusRunning,
		LogPath:   filepath.Join(r.logDir, id+".log"),
		StartedAt: time.Now().UTC(),
	}

	// Reserve the id before any file I/O so two simultaneous starts
	// cannot both pass the check and both spawn an agent.
	r.mu.Lock()
	if existing, ok := r.active[id]; ok && existing.Status == StatusRunning {
		snapshot := *existing
		r.mu.Unlock()
		return &snapshot, nil
	}
	r.active[id] = gen
	r.mu.Unlock()

	if err := os.MkdirAll(r.logDir, 0755); err != nil {
		r.release(id, gen)
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	header := fmt.Sprintf("[%s] Starting document generation for: %s\n", time.Now().Format(time.RFC3339), ticket.Title)
	if err := os.WriteFile(gen.LogPath, []byte(header), 0644); err != nil {
		r.release(id, gen)
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	snapshot := *gen
	go r.run(gen, ticket, project)
	return &snapshot, nil
}

// release drops a reservation whose setup failed, leaving any newer
// generation for the same id alone.
func (r *Runner) release(id string, gen *Generation) {
	r.mu.Lock()
	if r.active[id] == gen {
		delete(r.active, id)
	}
	r.mu.Unlock()
}

func (r *Runner) run(gen *Generation, ticket *domain.Ticket, project *domain.Project) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[genjob] panic in generation %s: %v", gen.ID, rec)
			r.finish(gen, StatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	logf := func(format string, args ...interface{}) {
		line := fmt.Sprintf(format, args...) + "\n"
		r.appendLog(gen, line)
	}

	logf("[%s] Building prompt...", time.Now().Format(time.RFC3339))
	prompt := buildPrompt(ticket, project)
	logf("[%s] Prompt ready, starting agent...", time.Now().Format(time.RFC3339))
	logf("[%s] This may take a few minutes...\n", time.Now().Format(time.RFC3339))

	cmd := exec.Command(r.agentCommand, "--print", prompt)
	cmd.Dir = project.Path

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.finish(gen, StatusFailed, fmt.Sprintf("piping agent output: %v", err))
		return
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		r.finish(gen, StatusFailed, fmt.Sprintf("starting agent: %v", err))
		return
	}

	var output strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			output.WriteString(chunk)
			r.appendLog(gen, chunk)
		}
		if readErr != nil {
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		msg := fmt.Sprintf("agent failed: %v: %s", err, strings.TrimSpace(stderr.String()))
		logf("\n[%s] ERROR: %s", time.Now().Format(time.RFC3339), msg)
		r.finish(gen, StatusFailed, msg)
		return
	}

	logf("\n[%s] Document generation complete!", time.Now().Format(time.RFC3339))

	content := strings.TrimSpace(output.String())
	steps := ParseSteps(content)
	logf("[%s] Parsed %d steps from document", time.Now().Format(time.RFC3339), len(steps))

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		r.finish(gen, StatusFailed, fmt.Sprintf("encoding steps: %v", err))
		return
	}

	stepsContent := string(stepsJSON)
	status := domain.TicketInReview
	_, err = r.store.UpdateTicket(ticket.ID, store.TicketUpdate{
		PRDContent:   &content,
		StepsContent: &stepsContent,
		Status:       &status,
	})
	if err != nil {
		logf("\n[%s] ERROR: saving document: %v", time.Now().Format(time.RFC3339), err)
		r.finish(gen, StatusFailed, fmt.Sprintf("saving document: %v", err))
		return
	}

	r.finish(gen, StatusCompleted, "")
}

// appendLog writes to the log file and pushes the same bytes to live
// subscribers, in that order, so the hub's cursor stays ahead of no one.
func (r *Runner) appendLog(gen *Generation, chunk string) {
	f, err := os.OpenFile(gen.LogPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err == nil {
		f.WriteString(chunk)
		f.Close()
	}
	if r.hub != nil {
		r.hub.BroadcastLog(gen.ID, chunk)
	}
}

func (r *Runner) finish(gen *Generation, status Status, errMsg string) {
	now := time.Now().UTC()

	r.mu.Lock()
	gen.Status = status
	gen.CompletedAt = &now
	gen.Error = errMsg
	r.mu.Unlock()

	if r.hub != nil {
		r.hub.BroadcastStatus(gen.ID, string(status))
	}
	log.Printf("[genjob] generation %s %s", gen.ID, status)
}

// Get returns a snapshot of a generation by id, or domain.ErrNotFound.
func (r *Runner) Get(id string) (*Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gen, ok := r.active[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	snapshot := *gen
	return &snapshot, nil
}

// GetForTicket returns the generation for a ticket, or domain.ErrNotFound.
func (r *Runner) GetForTicket(ticketID string) (*Generation, error) {
	return r.Get(streamhub.GenerationPrefix + ticketID)
}

// Resolve implements the stream hub's source lookup for generation ids.
func (r *Runner) Resolve(id string) (streamhub.SourceInfo, error) {
	gen, err := r.Get(id)
	if err != nil {
		return streamhub.SourceInfo{}, err
	}
	return streamhub.SourceInfo{LogPath: gen.LogPath, Status: string(gen.Status)}, nil
}

// IsAgentAvailable reports whether the agent executable is on PATH.
func IsAgentAvailable(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}
