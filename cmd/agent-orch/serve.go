package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vibehq/agent-orchestrator/internal/config"
	"github.com/vibehq/agent-orchestrator/internal/devserver"
	"github.com/vibehq/agent-orchestrator/internal/genjob"
	"github.com/vibehq/agent-orchestrator/internal/instance"
	"github.com/vibehq/agent-orchestrator/internal/monitor"
	"github.com/vibehq/agent-orchestrator/internal/store"
	"github.com/vibehq/agent-orchestrator/internal/streamhub"
	"github.com/vibehq/agent-orchestrator/internal/worktree"
	"github.com/vibehq/agent-orchestrator/web/api"
)

var (
	servePort int
	serveHost string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}

	if err := os.MkdirAll(cfg.General.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// One server per data dir; a second instance would race on the
	// database and double-monitor the same agents.
	lock := flock.New(filepath.Join(cfg.General.DataDir, "server.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another server is already running against %s", cfg.General.DataDir)
	}
	defer lock.Unlock()

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	manager := instance.NewManager(st, cfg.Agent.Command)
	hub := streamhub.New(manager, nil)
	runner := genjob.NewRunner(st, hub, cfg.Agent.Command, cfg.General.DataDir)
	hub.SetGenerations(runner)
	supervisor := devserver.NewSupervisor()

	mon := monitor.New(st, manager, hub, cfg.Agent.MonitorInterval())
	mon.RecoverOrphans()
	mon.Start()
	defer mon.Stop()

	janitor := startJanitor(st, cfg.General.PruneSchedule)
	if janitor != nil {
		defer janitor.Stop()
	}

	server := api.NewServer(st, manager, runner, supervisor, hub, cfg.Agent.Command)
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[serve] listening on http://%s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[serve] received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] http shutdown: %v", err)
	}

	supervisor.StopAll()
	manager.Shutdown()
	return nil
}

// startJanitor schedules a periodic `git worktree prune` across every
// project, clearing stale administrative entries left by manual worktree
// removals. An empty schedule disables it.
func startJanitor(st *store.Store, schedule string) *cron.Cron {
	if schedule == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		projects, err := st.ListProjects()
		if err != nil {
			log.Printf("[janitor] listing projects: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, p := range projects {
			if !worktree.IsGitRepo(ctx, p.Path) {
				continue
			}
			if err := worktree.Prune(ctx, p.Path); err != nil {
				log.Printf("[janitor] pruning %s: %v", p.Path, err)
			}
		}
	})
	if err != nil {
		log.Printf("[janitor] invalid schedule %q: %v", schedule, err)
		return nil
	}
	c.Start()
	return c
}
