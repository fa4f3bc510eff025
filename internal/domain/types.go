// Package domain defines the core types shared across the orchestrator:
// projects, tickets, agent instances, and the error taxonomy surfaced at
// the API boundary.
package domain

import "time"

// TicketStatus is a kanban column. The orchestration core treats it as an
// opaque string and never validates transitions; that policy lives in the
// board UI.
type TicketStatus string

const (
	TicketBacklog    TicketStatus = "backlog"
	TicketUpNext     TicketStatus = "up_next"
	TicketInReview   TicketStatus = "in_review"
	TicketInProgress TicketStatus = "in_progress"
	TicketInTesting  TicketStatus = "in_testing"
	TicketCompleted  TicketStatus = "completed"
)

// InstanceStatus is the agent-instance state machine:
// pending -> running -> completed | failed. An explicit stop is modeled as
// failed, not a fifth state. No transition leaves completed or failed.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Project is a codebase that can have tickets. Path is the absolute
// filesystem path used as the git repository root for worktree operations.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ticket is a work item moving through the kanban workflow.
type Ticket struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"projectId"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Status       TicketStatus `json:"status"`
	PRDContent   string       `json:"prdContent,omitempty"`
	StepsContent string       `json:"stepsContent,omitempty"`
	BranchName   string       `json:"branchName,omitempty"`
	Position     int          `json:"position"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// AgentInstance is one execution attempt of the coding agent against a
// ticket, bound to a dedicated worktree and branch. PID is set iff the
// instance has ever been running; ExitCode and CompletedAt are set iff the
// instance reached a terminal status. Rows are never deleted automatically:
// cleanup removes the worktree but keeps the row and branch for review.
type AgentInstance struct {
	ID               string         `json:"id"`
	TicketID         string         `json:"ticketId"`
	Status           InstanceStatus `json:"status"`
	WorktreePath     string         `json:"worktreePath,omitempty"`
	LogPath          string         `json:"logPath,omitempty"`
	InstructionsPath string         `json:"instructionsPath,omitempty"`
	ScriptPath       string         `json:"scriptPath,omitempty"`
	PID              int            `json:"pid,omitempty"`
	ExitCode         *int           `json:"exitCode,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Step is one entry of the structured progress record the agent maintains
// alongside its raw log, and of the step list parsed out of a generated
// document.
type Step struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// FileChangeStatus classifies one entry of a branch diff.
type FileChangeStatus string

const (
	FileAdded    FileChangeStatus = "added"
	FileModified FileChangeStatus = "modified"
	FileDeleted  FileChangeStatus = "deleted"
	FileRenamed  FileChangeStatus = "renamed"
)

// FileChange is one file touched on a ticket branch relative to the
// default branch. OldPath is set only for renames.
type FileChange struct {
	Path    string           `json:"path"`
	Status  FileChangeStatus `json:"status"`
	OldPath string           `json:"oldPath,omitempty"`
}

// WorktreeInfo describes one entry of `git worktree list`.
type WorktreeInfo struct {
	Path   string `json:"path"`
	Head   string `json:"head,omitempty"`
	Branch string `json:"branch,omitempty"`
}
