package genjob

import (
	"fmt"

	"github.com/vibehq/agent-orchestrator/internal/domain"
)

const promptTemplate = `You are generating an implementation plan for an autonomous coding agent.

Project: %s
Codebase: %s

Feature Request:
Title: %s
Description:
%s

Generate a detailed plan in markdown format following this structure:

# PRD: %s

## Overview
Brief description of what needs to be implemented.

## Items
Break down into specific, actionable tasks. Each task should be completable in one agent iteration.

### 1. [Task Name]
- [ ] Detailed description
- Files to create/modify
- Acceptance criteria

### 2. [Task Name]
...

## Quality Requirements
- List specific quality checks (typecheck, lint, tests)
- Reference existing patterns in the codebase

## Priority Order
List tasks in recommended implementation order with brief reasoning.

## Notes
Any additional context the agent needs.

Keep the plan concise but specific enough for autonomous implementation. Focus on WHAT needs to be done, not HOW.`

func buildPrompt(ticket *domain.Ticket, project *domain.Project) string {
	return fmt.Sprintf(promptTemplate,
		project.Name, project.Path,
		ticket.Title, ticket.Description,
		ticket.Title)
}
