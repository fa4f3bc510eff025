// Package store provides SQLite-backed persistence for projects, tickets,
// and agent instances.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vibehq/agent-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store wraps the database handle. All methods are safe for concurrent
// use; sqlite serializes writes internally.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const instanceCols = `id, ticket_id, status, worktree_path, log_path, instructions_path, script_path, pid, exit_code, started_at, completed_at, created_at`

// CreateInstance persists a new agent instance row.
func (s *Store) CreateInstance(inst *domain.AgentInstance) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_instances (id, ticket_id, status, worktree_path, log_path, instructions_path, script_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID,
		inst.TicketID,
		string(inst.Status),
		inst.WorktreePath,
		inst.LogPath,
		inst.InstructionsPath,
		inst.ScriptPath,
		inst.CreatedAt,
	)
	return err
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(id string) (*domain.AgentInstance, error) {
	row := s.db.QueryRow(`SELECT `+instanceCols+` FROM agent_instances WHERE id = ?`, id)
	return scanInstance(row)
}

// GetInstanceForTicket returns the most recent instance for a ticket.
func (s *Store) GetInstanceForTicket(ticketID string) (*domain.AgentInstance, error) {
	row := s.db.QueryRow(`
		SELECT `+instanceCols+` FROM agent_instances
		WHERE ticket_id = ? ORDER BY created_at DESC LIMIT 1
	`, ticketID)
	return scanInstance(row)
}

// ListRunningInstances returns every instance with status running.
func (s *Store) ListRunningInstances() ([]*domain.AgentInstance, error) {
	rows, err := s.db.Query(`SELECT `+instanceCols+` FROM agent_instances WHERE status = ?`, string(domain.InstanceRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*domain.AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// MarkInstanceRunning records a successful start: pid and startedAt.
func (s *Store) MarkInstanceRunning(id string, pid int, startedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE agent_instances SET status = ?, pid = ?, started_at = ? WHERE id = ?`,
		string(domain.InstanceRunning), pid, startedAt, id)
	return err
}

// MarkInstanceFinished records a terminal outcome. exitCode may be nil
// when the exit code was lost to a server restart.
func (s *Store) MarkInstanceFinished(id string, status domain.InstanceStatus, exitCode *int, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE agent_instances SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		string(status), exitCode, completedAt, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*domain.AgentInstance, error) {
	var inst domain.AgentInstance
	var status string
	var worktreePath, logPath, instructionsPath, scriptPath sql.NullString
	var pid, exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&inst.ID,
		&inst.TicketID,
		&status,
		&worktreePath,
		&logPath,
		&instructionsPath,
		&scriptPath,
		&pid,
		&exitCode,
		&startedAt,
		&completedAt,
		&inst.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inst.Status = domain.InstanceStatus(status)
	inst.WorktreePath = worktreePath.String
	inst.LogPath = logPath.String
	inst.InstructionsPath = instructionsPath.String
	inst.ScriptPath = scriptPath.String
	if pid.Valid {
		inst.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		inst.ExitCode = &code
	}
	if startedAt.Valid {
		t := startedAt.Time
		inst.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	return &inst, nil
}
