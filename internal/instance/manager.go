// Package instance creates, starts, stops, and cleans up agent instances:
// one worktree-isolated agent subprocess per ticket attempt.
package instance

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vibehq/agent-orchestrator/internal/config"
	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/store"
	"github.com/vibehq/agent-orchestrator/internal/streamhub"
	"github.com/vibehq/agent-orchestrator/internal/worktree"
)

// Manager owns agent subprocesses. Database rows are the durable record;
// the process table and exit codes live only in memory and are rebuilt
// (as absences) after a restart, which is what the monitor's crash
// recovery handles.
type Manager struct {
	store        *store.Store
	agentCommand string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
	exits map[string]int
}

// NewManager creates a Manager spawning agentCommand (the configured
// default; a project's .agent-orch.yml can override it per instance).
func NewManager(st *store.Store, agentCommand string) *Manager {
	return &Manager{
		store:        st,
		agentCommand: agentCommand,
		procs:        make(map[string]*exec.Cmd),
		exits:        make(map[string]int),
	}
}

// CreateResult is what instance creation hands back to the API layer.
type CreateResult struct {
	Instance   *domain.AgentInstance `json:"instance"`
	BranchName string                `json:"branchName"`
}

// Create provisions everything an agent run needs: a worktree on a fresh
// ticket branch, the instance directory with instructions, progress, and
// run script, and a pending database row. Failures after the worktree
// exists tear it down again.
func (m *Manager) Create(ctx context.Context, ticket *domain.Ticket, project *domain.Project) (*CreateResult, error) {
	info, err := worktree.Create(ctx, project.Path, ticket.ID, ticket.Title)
	if err != nil {
		return nil, &domain.CreationError{TicketID: ticket.ID, Err: err}
	}

	inst, err := m.provision(ctx, ticket, project, info)
	if err != nil {
		if derr := worktree.Delete(ctx, project.Path, info.WorktreePath, info.BranchName, true); derr != nil {
			log.Printf("[instance] rollback worktree for ticket %s: %v", ticket.ID, derr)
		}
		return nil, &domain.CreationError{TicketID: ticket.ID, Err: err}
	}

	return &CreateResult{Instance: inst, BranchName: info.BranchName}, nil
}

func (m *Manager) provision(ctx context.Context, ticket *domain.Ticket, project *domain.Project, info worktree.Info) (*domain.AgentInstance, error) {
	dir := filepath.Join(info.WorktreePath, InstanceDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating instance dir: %w", err)
	}

	instructions := ticket.PRDContent
	if instructions == "" {
		instructions = fmt.Sprintf("# %s\n\n%s\n", ticket.Title, ticket.Description)
	}

	instructionsPath := filepath.Join(dir, instructionsFile)
	progressPath := filepath.Join(dir, progressFile)
	scriptPath := filepath.Join(dir, scriptFile)
	logPath := filepath.Join(dir, logFile)

	if err := os.WriteFile(instructionsPath, []byte(instructions), 0644); err != nil {
		return nil, fmt.Errorf("writing instructions: %w", err)
	}
	if err := os.WriteFile(progressPath, nil, 0644); err != nil {
		return nil, fmt.Errorf("writing progress file: %w", err)
	}
	if err := os.WriteFile(logPath, nil, 0644); err != nil {
		return nil, fmt.Errorf("writing log file: %w", err)
	}

	command := m.agentCommand
	pc, err := config.LoadProject(project.Path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	if pc.AgentCommand != "" {
		command = pc.AgentCommand
	}

	script := buildRunScript(info.WorktreePath, command, instructionsPath, progressPath, filepath.Join(dir, stepsFile), logPath)
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return nil, fmt.Errorf("writing run script: %w", err)
	}

	inst := &domain.AgentInstance{
		ID:               uuid.NewString(),
		TicketID:         ticket.ID,
		Status:           domain.InstancePending,
		WorktreePath:     info.WorktreePath,
		LogPath:          logPath,
		InstructionsPath: instructionsPath,
		ScriptPath:       scriptPath,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.store.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("persisting instance: %w", err)
	}
	return inst, nil
}

// Start spawns the run script of a pending (or previously failed)
// instance and records the pid. The child is reaped in the background so
// pid liveness probes see its true state.
func (m *Manager) Start(id string) error {
	inst, err := m.store.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.Status == domain.InstanceRunning {
		return domain.ErrAlreadyRunning
	}
	if inst.ScriptPath == "" {
		return domain.ErrNotReady
	}

	cmd := exec.Command("bash", inst.ScriptPath)
	cmd.Dir = inst.WorktreePath

	// Reserve the id before spawning: two concurrent starts both read a
	// non-running row, but only one may own the process slot.
	m.mu.Lock()
	if _, ok := m.procs[id]; ok {
		m.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	m.procs[id] = cmd
	delete(m.exits, id)
	m.mu.Unlock()

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		if m.procs[id] == cmd {
			delete(m.procs, id)
		}
		m.mu.Unlock()
		return fmt.Errorf("spawning agent: %w", err)
	}

	go m.reap(id, cmd)

	if err := m.store.MarkInstanceRunning(id, cmd.Process.Pid, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking instance running: %w", err)
	}

	log.Printf("[instance] started %s (pid %d)", id, cmd.Process.Pid)
	return nil
}

// reap waits for the child and stashes its exit code for the monitor.
// Without the Wait the child would linger as a zombie and the pid probe
// would count it as alive forever.
func (m *Manager) reap(id string, cmd *exec.Cmd) {
	err := cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
	}

	m.mu.Lock()
	if m.procs[id] == cmd {
		delete(m.procs, id)
		m.exits[id] = code
	}
	m.mu.Unlock()
}

// ExitCode returns the stashed exit code of an instance whose process
// has ended, if this server started it.
func (m *Manager) ExitCode(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.exits[id]
	return code, ok
}

// Tracked reports whether this server currently owns a live process for
// the instance.
func (m *Manager) Tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[id]
	return ok
}

// Stop terminates a running instance and marks it failed. The signal is
// fire-and-forget: if the process already exited, the instance is still
// marked failed.
func (m *Manager) Stop(id string) error {
	if _, err := m.store.GetInstance(id); err != nil {
		return err
	}

	m.mu.Lock()
	cmd := m.procs[id]
	delete(m.procs, id)
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("[instance] signal %s: %v", id, err)
		}
	}

	return m.store.MarkInstanceFinished(id, domain.InstanceFailed, nil, time.Now().UTC())
}

// Shutdown signals every live child. Called on server exit so agent
// processes do not outlive their orchestrator unsupervised.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(m.procs))
	for _, cmd := range m.procs {
		cmds = append(cmds, cmd)
	}
	m.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

// IsProcessRunning probes a pid with signal 0. This answers for
// processes this server never spawned, which is what crash recovery
// needs.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Cleanup removes the instance's worktree but keeps its branch for
// review. The database row survives as the audit record.
func (m *Manager) Cleanup(ctx context.Context, id, projectPath string) error {
	inst, err := m.store.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.WorktreePath == "" {
		return nil
	}
	return worktree.Delete(ctx, projectPath, inst.WorktreePath, "", false)
}

// CleanupAndDeleteBranch removes both the worktree and the branch.
func (m *Manager) CleanupAndDeleteBranch(ctx context.Context, id, projectPath, branchName string) error {
	inst, err := m.store.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.WorktreePath == "" {
		return nil
	}
	return worktree.Delete(ctx, projectPath, inst.WorktreePath, branchName, true)
}

// Resolve implements the stream hub's source lookup for instance ids.
func (m *Manager) Resolve(id string) (streamhub.SourceInfo, error) {
	inst, err := m.store.GetInstance(id)
	if err != nil {
		return streamhub.SourceInfo{}, err
	}
	info := streamhub.SourceInfo{
		LogPath: inst.LogPath,
		Status:  string(inst.Status),
	}
	if inst.LogPath != "" {
		info.StepsPath = filepath.Join(filepath.Dir(inst.LogPath), stepsFile)
	}
	return info, nil
}
