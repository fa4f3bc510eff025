// Package worktree manages isolated git working trees for agent
// instances: one worktree and branch per ticket, created from the
// caller's current branch and removed independently of the branch so a
// human can still review the work.
package worktree

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vibehq/agent-orchestrator/internal/domain"
	"github.com/vibehq/agent-orchestrator/internal/shell"
)

const (
	// BranchPrefix namespaces every branch the orchestrator creates.
	BranchPrefix = "agent/"

	// Dir is the directory under the project root holding all worktrees.
	Dir = ".agent-worktrees"

	maxSlugLen = 30
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Info is the result of a successful worktree creation.
type Info struct {
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
}

// BranchName derives the branch for a ticket: agent/<id>-<slug>, where the
// slug is the lowercased title with non-alphanumeric runs collapsed to
// hyphens and trimmed to 30 characters.
func BranchName(ticketID, ticketTitle string) string {
	slug := strings.ToLower(ticketTitle)
	slug = nonAlnum.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return fmt.Sprintf("%s%s-%s", BranchPrefix, ticketID, slug)
}

// Create adds a worktree with a fresh branch for the ticket, based on the
// project's current branch. The worktree lives at
// <projectPath>/.agent-worktrees/<ticketID>.
func Create(ctx context.Context, projectPath, ticketID, ticketTitle string) (Info, error) {
	branch := BranchName(ticketID, ticketTitle)
	wtPath := filepath.Join(projectPath, Dir, ticketID)

	if err := os.MkdirAll(filepath.Join(projectPath, Dir), 0755); err != nil {
		return Info{}, fmt.Errorf("creating worktree dir: %w", err)
	}

	base, err := currentBranch(ctx, projectPath)
	if err != nil {
		return Info{}, err
	}

	res, err := shell.Run(ctx, fmt.Sprintf("git worktree add -b %q %q %s", branch, wtPath, base), shell.Options{Dir: projectPath})
	if err != nil {
		return Info{}, fmt.Errorf("git worktree add: %w", err)
	}
	if res.ExitCode != 0 {
		return Info{}, &domain.WorktreeError{Op: "worktree add", Stderr: strings.TrimSpace(res.Stderr)}
	}

	return Info{WorktreePath: wtPath, BranchName: branch}, nil
}

// Delete removes a worktree, falling back to a forced directory delete
// plus `git worktree prune` when git's worktree registry has desynced from
// the filesystem. When deleteBranch is set the branch is force-deleted as
// well; a failed branch delete is logged, never propagated, since the
// worktree removal already succeeded.
func Delete(ctx context.Context, projectPath, worktreePath, branchName string, deleteBranch bool) error {
	res, err := shell.Run(ctx, fmt.Sprintf("git worktree remove %q --force", worktreePath), shell.Options{Dir: projectPath})
	if err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	if res.ExitCode != 0 {
		log.Printf("[worktree] remove failed (%s), falling back to manual cleanup", strings.TrimSpace(res.Stderr))
		if err := os.RemoveAll(worktreePath); err != nil {
			return fmt.Errorf("removing worktree dir: %w", err)
		}
		shell.Run(ctx, "git worktree prune", shell.Options{Dir: projectPath})
	}

	if deleteBranch && branchName != "" {
		res, err := shell.Run(ctx, fmt.Sprintf("git branch -D %q", branchName), shell.Options{Dir: projectPath})
		if err != nil || res.ExitCode != 0 {
			log.Printf("[worktree] branch delete failed for %s: %v %s", branchName, err, strings.TrimSpace(res.Stderr))
		}
	}

	return nil
}

// Prune drops stale worktree administrative entries, e.g. after a
// worktree directory was removed by hand.
func Prune(ctx context.Context, projectPath string) error {
	res, err := shell.Run(ctx, "git worktree prune", shell.Options{Dir: projectPath})
	if err != nil {
		return fmt.Errorf("git worktree prune: %w", err)
	}
	if res.ExitCode != 0 {
		return &domain.WorktreeError{Op: "prune", Stderr: strings.TrimSpace(res.Stderr)}
	}
	return nil
}

// List returns all orchestrator-managed worktrees of a project.
func List(ctx context.Context, projectPath string) ([]domain.WorktreeInfo, error) {
	res, err := shell.Run(ctx, "git worktree list --porcelain", shell.Options{Dir: projectPath})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}

	var all []domain.WorktreeInfo
	var cur domain.WorktreeInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				all = append(all, cur)
			}
			cur = domain.WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch ")
		}
	}
	if cur.Path != "" {
		all = append(all, cur)
	}

	var managed []domain.WorktreeInfo
	for _, wt := range all {
		if strings.Contains(wt.Path, Dir) {
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// FileChanges computes a name-status diff between the default branch and a
// ticket branch. Errors (including a missing branch) yield an empty list,
// not a failure, since a branch with no diff is a normal state.
func FileChanges(ctx context.Context, projectPath, branchName string) ([]domain.FileChange, error) {
	base, err := DefaultBranch(ctx, projectPath)
	if err != nil {
		return nil, nil
	}

	res, err := shell.Run(ctx, fmt.Sprintf("git diff --name-status %s...%q", base, branchName), shell.Options{Dir: projectPath})
	if err != nil || res.ExitCode != 0 {
		return nil, nil
	}

	var changes []domain.FileChange
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}

		code := fields[0]
		switch {
		case code == "A":
			changes = append(changes, domain.FileChange{Path: fields[1], Status: domain.FileAdded})
		case code == "M":
			changes = append(changes, domain.FileChange{Path: fields[1], Status: domain.FileModified})
		case code == "D":
			changes = append(changes, domain.FileChange{Path: fields[1], Status: domain.FileDeleted})
		case strings.HasPrefix(code, "R") && len(fields) >= 3:
			changes = append(changes, domain.FileChange{Path: fields[2], Status: domain.FileRenamed, OldPath: fields[1]})
		}
	}
	return changes, nil
}

// IsGitRepo reports whether path is inside a git repository.
func IsGitRepo(ctx context.Context, path string) bool {
	res, err := shell.Run(ctx, "git rev-parse --git-dir", shell.Options{Dir: path})
	return err == nil && res.ExitCode == 0
}

// DefaultBranch returns main if it exists, else master, else the current
// branch.
func DefaultBranch(ctx context.Context, projectPath string) (string, error) {
	for _, candidate := range []string{"main", "master"} {
		res, err := shell.Run(ctx, fmt.Sprintf("git rev-parse --verify %s", candidate), shell.Options{Dir: projectPath})
		if err == nil && res.ExitCode == 0 {
			return candidate, nil
		}
	}
	return currentBranch(ctx, projectPath)
}

func currentBranch(ctx context.Context, projectPath string) (string, error) {
	res, err := shell.Run(ctx, "git rev-parse --abbrev-ref HEAD", shell.Options{Dir: projectPath})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &domain.WorktreeError{Op: "rev-parse", Stderr: strings.TrimSpace(res.Stderr)}
	}
	return strings.TrimSpace(res.Stdout), nil
}
