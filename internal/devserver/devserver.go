// Package devserver supervises one dev server per agent instance so a
// reviewer can poke at the agent's work in a browser. The command comes
// from the project's .agent-orch.yml override or from package.json
// script detection; the listening port is sniffed out of the server's
// own startup output.
package devserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vibehq/agent-orchestrator/internal/config"
	"github.com/vibehq/agent-orchestrator/internal/domain"
)

// sniffTimeout caps how long Start waits for the server to announce a
// port before returning without one.
const sniffTimeout = 15 * time.Second

// portPatterns match the port announcements of common dev servers. The
// first submatch is the port.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)localhost:(\d+)`),
	regexp.MustCompile(`(?i)127\.0\.0\.1:(\d+)`),
	regexp.MustCompile(`(?i)0\.0\.0\.0:(\d+)`),
	regexp.MustCompile(`(?i)port\s*[:\s]\s*(\d+)`),
	regexp.MustCompile(`(?i)running\s+(?:at|on)\s+.*:(\d+)`),
	regexp.MustCompile(`(?i)http://[^:]+:(\d+)`),
}

// scriptNames is the package.json script lookup order.
var scriptNames = []string{"dev", "start", "serve", "develop"}

// Status is what the API reports about one instance's dev server.
type Status struct {
	Running bool   `json:"running"`
	Port    int    `json:"port,omitempty"`
	URL     string `json:"url,omitempty"`
}

type server struct {
	cmd       *exec.Cmd
	port      int
	url       string
	startedAt time.Time
}

// Supervisor tracks at most one dev server per instance id.
type Supervisor struct {
	mu      sync.Mutex
	servers map[string]*server
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{servers: make(map[string]*server)}
}

// Start launches a dev server in worktreePath for the instance and
// waits up to 15 seconds for a port announcement. A server already
// running for the instance is returned as is. When a port is found, the
// URL is opened in the local browser on a best-effort basis.
func (s *Supervisor) Start(instanceID, worktreePath string) (Status, error) {
	// Reserve the id before command resolution and spawn so two
	// simultaneous starts cannot both launch a server.
	srv := &server{startedAt: time.Now()}
	s.mu.Lock()
	if existing, ok := s.servers[instanceID]; ok {
		status := Status{Running: true, Port: existing.port, URL: existing.url}
		s.mu.Unlock()
		return status, nil
	}
	s.servers[instanceID] = srv
	s.mu.Unlock()

	name, args, err := resolveCommand(worktreePath)
	if err != nil {
		s.release(instanceID, srv)
		return Status{}, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = worktreePath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.release(instanceID, srv)
		return Status{}, fmt.Errorf("piping dev server output: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.release(instanceID, srv)
		return Status{}, fmt.Errorf("piping dev server output: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.release(instanceID, srv)
		return Status{}, fmt.Errorf("starting dev server: %w", err)
	}
	go cmd.Wait()

	s.mu.Lock()
	srv.cmd = cmd
	s.mu.Unlock()

	log.Printf("[devserver] started %s %v for %s (pid %d)", name, args, instanceID, cmd.Process.Pid)

	port := sniffPort(stdout, stderr, sniffTimeout)
	if port > 0 {
		url := fmt.Sprintf("http://localhost:%d", port)
		s.mu.Lock()
		srv.port = port
		srv.url = url
		s.mu.Unlock()
		openBrowser(url)
		return Status{Running: true, Port: port, URL: url}, nil
	}

	return Status{Running: true}, nil
}

// Stop kills the dev server for an instance. It reports whether one was
// running.
func (s *Supervisor) Stop(instanceID string) bool {
	s.mu.Lock()
	srv, ok := s.servers[instanceID]
	delete(s.servers, instanceID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if srv.cmd != nil && srv.cmd.Process != nil {
		srv.cmd.Process.Kill()
	}
	return true
}

// release drops a reservation whose startup failed, leaving any newer
// server for the same instance alone.
func (s *Supervisor) release(instanceID string, srv *server) {
	s.mu.Lock()
	if s.servers[instanceID] == srv {
		delete(s.servers, instanceID)
	}
	s.mu.Unlock()
}

// StopAll kills every tracked dev server. Called on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// GetStatus reports the dev server state for an instance. A tracked
// server whose process has died is forgotten here.
func (s *Supervisor) GetStatus(instanceID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[instanceID]
	if !ok {
		return Status{}
	}
	if srv.cmd == nil {
		// Reserved but still starting up.
		return Status{Running: true}
	}
	if srv.cmd.Process == nil || syscall.Kill(srv.cmd.Process.Pid, 0) != nil {
		delete(s.servers, instanceID)
		return Status{}
	}
	return Status{Running: true, Port: srv.port, URL: srv.url}
}

// resolveCommand picks the dev command: the project override wins, then
// package.json script detection.
func resolveCommand(worktreePath string) (string, []string, error) {
	pc, err := config.LoadProject(worktreePath)
	if err == nil && pc.DevCommand != "" {
		return "bash", []string{"-c", pc.DevCommand}, nil
	}

	name, err := detectScript(worktreePath)
	if err != nil {
		return "", nil, err
	}
	return detectPackageManager(worktreePath), []string{"run", name}, nil
}

// detectScript finds the first known dev script in package.json.
func detectScript(worktreePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, "package.json"))
	if err != nil {
		return "", domain.ErrNoDevScript
	}

	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", domain.ErrNoDevScript
	}

	for _, name := range scriptNames {
		if pkg.Scripts[name] != "" {
			return name, nil
		}
	}
	return "", domain.ErrNoDevScript
}

// detectPackageManager infers the package manager from the lockfile.
func detectPackageManager(worktreePath string) string {
	switch {
	case fileExists(filepath.Join(worktreePath, "bun.lockb")):
		return "bun"
	case fileExists(filepath.Join(worktreePath, "pnpm-lock.yaml")):
		return "pnpm"
	case fileExists(filepath.Join(worktreePath, "yarn.lock")):
		return "yarn"
	default:
		return "npm"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// maxSniffBuffer caps how much startup output each stream accumulates
// while looking for a port, so a chatty server cannot grow the scan
// window without bound.
const maxSniffBuffer = 64 * 1024

// sniffPort scans both output streams for a port announcement, giving
// up after the timeout. Once a port is found or the timeout fires the
// readers stop accumulating and keep draining the streams so the
// server never blocks on a full pipe.
func sniffPort(stdout, stderr io.Reader, timeout time.Duration) int {
	found := make(chan int, 2)
	stop := make(chan struct{})

	var g errgroup.Group
	for _, r := range []io.Reader{stdout, stderr} {
		r := r
		g.Go(func() error {
			var buf string
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				select {
				case <-stop:
					io.Copy(io.Discard, r)
					return nil
				default:
				}
				buf += scanner.Text() + "\n"
				if len(buf) > maxSniffBuffer {
					buf = buf[len(buf)-maxSniffBuffer:]
				}
				if port := extractPort(buf); port > 0 {
					select {
					case found <- port:
					default:
					}
					io.Copy(io.Discard, r)
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(found)
	}()

	port := 0
	select {
	case p, ok := <-found:
		if ok {
			port = p
		}
	case <-time.After(timeout):
	}
	close(stop)
	return port
}

// extractPort returns the first valid port any pattern finds in text.
func extractPort(text string) int {
	for _, pattern := range portPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return 0
}

// openBrowser opens url in the local default browser. Failures are
// ignored; the URL is in the API response either way.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	default:
		return
	}
	if err := cmd.Start(); err == nil {
		go cmd.Wait()
	}
}
