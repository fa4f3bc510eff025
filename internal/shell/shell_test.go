package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vibehq/agent-orchestrator/internal/domain"
)

func TestRun_CapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), "echo hello; echo oops >&2", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q, want oops", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRun_NonZeroExitIsNotError(t *testing.T) {
	res, err := Run(context.Background(), "exit 3", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRun_Dir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), "pwd", Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("pwd = %q, want it under %q", res.Stdout, dir)
	}
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	_, err := Run(context.Background(), "sleep 10", Options{Timeout: 100 * time.Millisecond})

	var te *domain.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
}
