package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/vibehq/agent-orchestrator/internal/domain"
)

const defaultProjectColor = "#3b82f6"

// CreateProject registers a codebase.
func (s *Store) CreateProject(name, path, color string) (*domain.Project, error) {
	if color == "" {
		color = defaultProjectColor
	}
	p := &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      path,
		Color:     color,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`INSERT INTO projects (id, name, path, color, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Color, p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*domain.Project, error) {
	row := s.db.QueryRow(`SELECT id, name, path, color, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects() ([]*domain.Project, error) {
	rows, err := s.db.Query(`SELECT id, name, path, color, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject applies non-empty fields.
func (s *Store) UpdateProject(id, name, path, color string) (*domain.Project, error) {
	p, err := s.GetProject(id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		p.Name = name
	}
	if path != "" {
		p.Path = path
	}
	if color != "" {
		p.Color = color
	}
	_, err = s.db.Exec(`UPDATE projects SET name = ?, path = ?, color = ? WHERE id = ?`,
		p.Name, p.Path, p.Color, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProject removes a project and, via cascade, its tickets.
func (s *Store) DeleteProject(id string) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	return err
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.Color, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
