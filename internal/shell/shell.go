// Package shell runs commands to completion with a hard wall-clock
// timeout, capturing stdout, stderr, and the exit code.
package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/vibehq/agent-orchestrator/internal/domain"
)

// DefaultTimeout bounds commands that do not specify their own budget.
const DefaultTimeout = 60 * time.Second

// Options controls where and how long a command runs.
type Options struct {
	Dir     string
	Timeout time.Duration
}

// Result holds the captured output of a finished command. A non-zero exit
// code is reported here, not as an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes command via bash -c and waits for it to finish. If the
// command outlives its budget the process is killed and a
// *domain.TimeoutError is returned.
func Run(ctx context.Context, command string, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = opts.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() == context.DeadlineExceeded {
		return res, &domain.TimeoutError{Command: command, Timeout: timeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}

	return res, nil
}
