package genjob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/store"
)

const sampleDoc = `# PRD: Add login

## Overview
Let users log in.

## Items

### 1. [Login form]
- [ ] Build the form
- Acceptance: form renders

### 2. Session handling
- [ ] Issue cookies

## Quality Requirements
- pnpm typecheck
`

func TestParseSteps(t *testing.T) {
	steps := ParseSteps(sampleDoc)
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}

	if steps[0].ID != "1" || steps[0].Title != "Login form" {
		t.Errorf("step 1 = %+v", steps[0])
	}
	if !strings.Contains(steps[0].Description, "Build the form") {
		t.Errorf("step 1 description = %q", steps[0].Description)
	}
	if steps[0].Status != "pending" {
		t.Errorf("step 1 status = %q, want pending", steps[0].Status)
	}

	if steps[1].ID != "2" || steps[1].Title != "Session handling" {
		t.Errorf("step 2 = %+v", steps[1])
	}
	// Description stops at the next second-level heading.
	if strings.Contains(steps[1].Description, "Quality Requirements") {
		t.Errorf("step 2 description leaked into next section: %q", steps[1].Description)
	}
}

func TestParseStepsEmptyAndMalformed(t *testing.T) {
	if got := ParseSteps(""); len(got) != 0 {
		t.Errorf("empty doc parsed to %d steps", len(got))
	}
	if got := ParseSteps("no headings at all"); len(got) != 0 {
		t.Errorf("plain text parsed to %d steps", len(got))
	}
}

type recordingHub struct {
	mu       sync.Mutex
	logs     []string
	statuses []string
}

func (h *recordingHub) BroadcastLog(id, chunk string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, chunk)
}

func (h *recordingHub) BroadcastStatus(id, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *recordingHub) lastStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		return ""
	}
	return h.statuses[len(h.statuses)-1]
}

// fakeAgent writes a script that prints doc on stdout, ignoring its
// arguments, and returns its path.
func fakeAgent(t *testing.T, doc string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := fmt.Sprintf("#!/bin/bash\ncat <<'DOC'\n%s\nDOC\nexit %d\n", doc, exitCode)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRunner(t *testing.T, agentCommand string) (*Runner, *store.Store, *recordingHub) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := &recordingHub{}
	return NewRunner(st, hub, agentCommand, t.TempDir()), st, hub
}

func seedTicket(t *testing.T, st *store.Store) (*domain.Ticket, *domain.Project) {
	t.Helper()
	project, err := st.CreateProject("demo", t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := st.CreateTicket(project.ID, "Add login", "Users need accounts")
	if err != nil {
		t.Fatal(err)
	}
	return ticket, project
}

func waitDone(t *testing.T, r *Runner, id string) *Generation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		gen, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if gen.Status != StatusRunning {
			return gen
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("generation did not finish")
	return nil
}

func TestGenerationWritesDocumentToTicket(t *testing.T) {
	agent := fakeAgent(t, sampleDoc, 0)
	r, st, hub := newTestRunner(t, agent)
	ticket, project := seedTicket(t, st)

	gen, err := r.Start(ticket, project)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gen.ID != "gen-"+ticket.ID {
		t.Errorf("generation id = %s, want gen-%s", gen.ID, ticket.ID)
	}

	final := waitDone(t, r, gen.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (error %q), want completed", final.Status, final.Error)
	}

	updated, err := st.GetTicket(ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.TicketInReview {
		t.Errorf("ticket status = %s, want in_review", updated.Status)
	}
	if !strings.Contains(updated.PRDContent, "## Items") {
		t.Errorf("document not saved: %q", updated.PRDContent)
	}
	if !strings.Contains(updated.StepsContent, "Login form") {
		t.Errorf("steps not saved: %q", updated.StepsContent)
	}

	if hub.lastStatus() != "completed" {
		t.Errorf("broadcast status = %q, want completed", hub.lastStatus())
	}

	// The agent's output was streamed and logged.
	logData, err := os.ReadFile(final.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logData), "## Items") {
		t.Error("agent output missing from log file")
	}
}

func TestGenerationFailureLeavesTicketUntouched(t *testing.T) {
	agent := fakeAgent(t, "half-written", 1)
	r, st, hub := newTestRunner(t, agent)
	ticket, project := seedTicket(t, st)

	gen, err := r.Start(ticket, project)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitDone(t, r, gen.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error == "" {
		t.Error("failed generation has no error message")
	}

	updated, err := st.GetTicket(ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.TicketBacklog || updated.PRDContent != "" {
		t.Errorf("failed generation mutated ticket: %+v", updated)
	}

	if hub.lastStatus() != "failed" {
		t.Errorf("broadcast status = %q, want failed", hub.lastStatus())
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	// An agent that blocks long enough for the second Start to land.
	path := filepath.Join(t.TempDir(), "slow-agent")
	if err := os.WriteFile(path, []byte("#!/bin/bash\nsleep 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, st, _ := newTestRunner(t, path)
	ticket, project := seedTicket(t, st)

	first, err := r.Start(ticket, project)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Start(ticket, project)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || second.Status != StatusRunning {
		t.Errorf("second Start = %+v, want the running generation %s", second, first.ID)
	}
}

func TestConcurrentStartSpawnsOneAgent(t *testing.T) {
	// An agent that records each spawn before blocking.
	dir := t.TempDir()
	marker := filepath.Join(dir, "spawns")
	path := filepath.Join(dir, "counting-agent")
	script := fmt.Sprintf("#!/bin/bash\necho spawned >> %q\nsleep 3\n", marker)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	r, st, _ := newTestRunner(t, path)
	ticket, project := seedTicket(t, st)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen, err := r.Start(ticket, project)
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ids[i] = gen.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if id != "gen-"+ticket.ID {
			t.Fatalf("generation id = %q, want gen-%s", id, ticket.ID)
		}
	}

	// Let every spawned agent reach the marker write.
	time.Sleep(300 * time.Millisecond)
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("no agent spawned: %v", err)
	}
	if n := strings.Count(string(data), "spawned"); n != 1 {
		t.Fatalf("agent subprocess spawned %d times for one ticket, want 1", n)
	}
}

func TestGetForTicketAndResolve(t *testing.T) {
	agent := fakeAgent(t, sampleDoc, 0)
	r, st, _ := newTestRunner(t, agent)
	ticket, project := seedTicket(t, st)

	if _, err := r.GetForTicket(ticket.ID); err != domain.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound before Start", err)
	}

	gen, err := r.Start(ticket, project)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.GetForTicket(ticket.ID)
	if err != nil {
		t.Fatalf("GetForTicket: %v", err)
	}
	if got.ID != gen.ID {
		t.Errorf("GetForTicket id = %s, want %s", got.ID, gen.ID)
	}

	info, err := r.Resolve(gen.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info.LogPath != gen.LogPath {
		t.Errorf("Resolve log path = %s, want %s", info.LogPath, gen.LogPath)
	}
}

func TestIsAgentAvailable(t *testing.T) {
	if !IsAgentAvailable("sh") {
		t.Error("sh reported unavailable")
	}
	if IsAgentAvailable("definitely-not-a-real-binary-xyz") {
		t.Error("nonexistent binary reported available")
	}
}
