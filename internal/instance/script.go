package instance

import (
	"fmt"
	"strings"
)

// CompleteMarker is the token the agent is instructed to print once every
// item in its instructions is done. The monitor scans the log for it.
const CompleteMarker = "AGENT_COMPLETE"

// Instance-directory layout inside a worktree.
const (
	InstanceDir      = ".agent-instance"
	instructionsFile = "instructions.md"
	progressFile     = "progress.txt"
	scriptFile       = "run.sh"
	logFile          = "run.log"
	stepsFile        = "steps.json"
)

// buildRunScript renders the bash script that drives one agent run. The
// agent's combined output is teed into the log file, which is what the
// stream hub and the monitor read.
func buildRunScript(worktreePath, agentCommand, instructionsPath, progressPath, stepsPath, logPath string) string {
	prompt := fmt.Sprintf(`You are an autonomous coding agent.

Read the instructions at %s to understand what needs to be built.
Read the progress file at %s to see what has already been done.

Your task:
1. Identify the next incomplete item from the instructions
2. Implement it fully
3. Run any type checking or linting commands specified in the instructions
4. Commit your changes with a descriptive message
5. Update %s with what you completed
6. Keep %s current: a JSON array of {"id","title","description","status"}
   entries mirroring the instruction items, status pending/in_progress/done

If all items in the instructions are complete, output: %s

Work autonomously. Make decisions. Ship code.`,
		instructionsPath, progressPath, progressPath, stepsPath, CompleteMarker)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "cd %q\n\n", worktreePath)
	fmt.Fprintf(&b, "%s --dangerously-skip-permissions --print %q 2>&1 | tee -a %q\n",
		agentCommand, prompt, logPath)
	return b.String()
}
