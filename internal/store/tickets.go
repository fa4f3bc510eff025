package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vibehq/agent-orchestrator/internal/domain"
)

const ticketCols = `id, project_id, title, description, status, prd_content, steps_content, branch_name, position, created_at, updated_at`

// TicketUpdate holds partial ticket mutations; nil fields are untouched.
// It doubles as the PATCH request body, so the fields carry wire names.
type TicketUpdate struct {
	Title        *string              `json:"title"`
	Description  *string              `json:"description"`
	Status       *domain.TicketStatus `json:"status"`
	PRDContent   *string              `json:"prdContent"`
	StepsContent *string              `json:"stepsContent"`
	BranchName   *string              `json:"branchName"`
	Position     *int                 `json:"position"`
}

// CreateTicket inserts a new ticket at the end of the backlog column.
func (s *Store) CreateTicket(projectID, title, description string) (*domain.Ticket, error) {
	pos, err := s.NextPosition(domain.TicketBacklog)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t := &domain.Ticket{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Title:       title,
		Description: description,
		Status:      domain.TicketBacklog,
		Position:    pos,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(`
		INSERT INTO tickets (id, project_id, title, description, status, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.Position, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(id string) (*domain.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketCols+` FROM tickets WHERE id = ?`, id)
	return scanTicket(row)
}

// ListTickets returns tickets, optionally filtered by project, ordered by
// column then position.
func (s *Store) ListTickets(projectID string) ([]*domain.Ticket, error) {
	query := `SELECT ` + ticketCols + ` FROM tickets`
	var args []interface{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY status, position`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// UpdateTicket applies a partial update and returns the fresh row.
func (s *Store) UpdateTicket(id string, upd TicketUpdate) (*domain.Ticket, error) {
	query := `UPDATE tickets SET updated_at = ?`
	args := []interface{}{time.Now()}

	add := func(col string, val interface{}) {
		query += fmt.Sprintf(", %s = ?", col)
		args = append(args, val)
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.PRDContent != nil {
		add("prd_content", *upd.PRDContent)
	}
	if upd.StepsContent != nil {
		add("steps_content", *upd.StepsContent)
	}
	if upd.BranchName != nil {
		add("branch_name", *upd.BranchName)
	}
	if upd.Position != nil {
		add("position", *upd.Position)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return s.GetTicket(id)
}

// DeleteTicket removes a ticket and, via cascade, its instances.
func (s *Store) DeleteTicket(id string) error {
	_, err := s.db.Exec(`DELETE FROM tickets WHERE id = ?`, id)
	return err
}

// TicketMove positions one ticket within a column.
type TicketMove struct {
	ID       string
	Status   domain.TicketStatus
	Position int
}

// ReorderTickets applies a batch of drag-and-drop moves atomically.
func (s *Store) ReorderTickets(moves []TicketMove) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range moves {
		if _, err := tx.Exec(`UPDATE tickets SET status = ?, position = ?, updated_at = ? WHERE id = ?`,
			string(m.Status), m.Position, time.Now(), m.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// NextPosition returns the next free position at the bottom of a column.
func (s *Store) NextPosition(status domain.TicketStatus) (int, error) {
	var maxPos sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(position) FROM tickets WHERE status = ?`, string(status)).Scan(&maxPos)
	if err != nil {
		return 0, err
	}
	if !maxPos.Valid {
		return 0, nil
	}
	return int(maxPos.Int64) + 1, nil
}

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var t domain.Ticket
	var status string
	var prd, steps, branch sql.NullString

	err := row.Scan(
		&t.ID,
		&t.ProjectID,
		&t.Title,
		&t.Description,
		&status,
		&prd,
		&steps,
		&branch,
		&t.Position,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Status = domain.TicketStatus(status)
	t.PRDContent = prd.String
	t.StepsContent = steps.String
	t.BranchName = branch.String
	return &t, nil
}
