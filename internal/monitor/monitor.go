// Package monitor watches running agent instances for process exit and
// settles their outcome. Agents are external processes that just stop;
// the monitor is what turns "the pid is gone" into a completed or failed
// instance and a ticket moved to the right column.
package monitor

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/instance"
	"github.com/vibehq/agent-orchestrator/internal/store"
)

// errorTokens are scanned in the final stretch of the log to classify a
// marker-less exit. Only the tail is checked: transient errors the agent
// recovered from earlier should not fail the run.
var errorTokens = []string{"error:", "Error:", "fatal:", "panic:", "Traceback"}

// tailBytes is how much of the log tail the error scan covers.
const tailBytes = 2000

// Notifier receives status transitions the monitor settles. The stream
// hub implements this.
type Notifier interface {
	BroadcastStatus(id string, status string)
}

// Monitor periodically sweeps running instances.
type Monitor struct {
	store    *store.Store
	manager  *instance.Manager
	notifier Notifier
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor sweeping at the given interval.
func New(st *store.Store, mgr *instance.Manager, notifier Notifier, interval time.Duration) *Monitor {
	return &Monitor{
		store:    st,
		manager:  mgr,
		notifier: notifier,
		interval: interval,
	}
}

// Start begins the periodic sweep, running one immediately. Calling
// Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	log.Printf("[monitor] starting, interval %s", m.interval)
	go m.run(ctx)
}

// Stop halts the sweep and waits for an in-flight one to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("[monitor] stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.Sweep()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep checks every running instance's pid and settles those whose
// process has exited.
func (m *Monitor) Sweep() {
	running, err := m.store.ListRunningInstances()
	if err != nil {
		log.Printf("[monitor] listing running instances: %v", err)
		return
	}

	for _, inst := range running {
		if inst.PID == 0 {
			continue
		}
		if instance.IsProcessRunning(inst.PID) {
			continue
		}
		m.settle(inst)
	}
}

// RecoverOrphans settles instances left in running state by a previous
// server process. Called once at boot, before the sweep starts, so a
// crash never strands a ticket in in_progress.
func (m *Monitor) RecoverOrphans() {
	running, err := m.store.ListRunningInstances()
	if err != nil {
		log.Printf("[monitor] listing instances for recovery: %v", err)
		return
	}

	for _, inst := range running {
		if inst.PID != 0 && instance.IsProcessRunning(inst.PID) {
			// Still alive from before the restart; the sweep owns it now.
			continue
		}
		log.Printf("[monitor] recovering orphaned instance %s", inst.ID)
		m.settle(inst)
	}
}

func (m *Monitor) settle(inst *domain.AgentInstance) {
	status := m.classify(inst)

	var exitCode *int
	if code, ok := m.manager.ExitCode(inst.ID); ok {
		exitCode = &code
	}
	if err := m.store.MarkInstanceFinished(inst.ID, status, exitCode, time.Now().UTC()); err != nil {
		log.Printf("[monitor] finishing instance %s: %v", inst.ID, err)
		return
	}

	// Completed work goes to testing; anything else needs human review.
	ticketStatus := domain.TicketInReview
	if status == domain.InstanceCompleted {
		ticketStatus = domain.TicketInTesting
	}
	if _, err := m.store.UpdateTicket(inst.TicketID, store.TicketUpdate{Status: &ticketStatus}); err != nil {
		log.Printf("[monitor] moving ticket %s: %v", inst.TicketID, err)
	}

	if m.notifier != nil {
		m.notifier.BroadcastStatus(inst.ID, string(status))
	}

	log.Printf("[monitor] instance %s %s, ticket -> %s", inst.ID, status, ticketStatus)
}

// classify reads the log to decide how a dead process ended: the
// completion marker anywhere wins, error tokens near the end fail it,
// and a quiet log counts as completed.
func (m *Monitor) classify(inst *domain.AgentInstance) domain.InstanceStatus {
	if inst.LogPath == "" {
		return domain.InstanceFailed
	}

	data, err := os.ReadFile(inst.LogPath)
	if err != nil {
		return domain.InstanceFailed
	}
	content := string(data)

	if strings.Contains(content, instance.CompleteMarker) {
		return domain.InstanceCompleted
	}

	tail := content
	if len(tail) > tailBytes {
		tail = tail[len(tail)-tailBytes:]
	}
	for _, token := range errorTokens {
		if strings.Contains(tail, token) {
			return domain.InstanceFailed
		}
	}
	return domain.InstanceCompleted
}
