package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/config"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/handlers"
	"github.com/ptyfleet/ptyfleet/internal/logging"
	"github.com/ptyfleet/ptyfleet/internal/paths"
	"github.com/ptyfleet/ptyfleet/internal/portfwd"
	"github.com/ptyfleet/ptyfleet/internal/sshconn"
	"github.com/ptyfleet/ptyfleet/internal/status"
	"github.com/ptyfleet/ptyfleet/internal/term"
)

func main() {
	config.Load()

	dataPath := paths.ExpandHome(config.Cfg.DataPath)

	logPath := config.Cfg.LogPath
	if logPath == "" {
		logPath = filepath.Join(dataPath, "server.log")
	}
	logging.Init(paths.ExpandHome(logPath))

	if err := database.Init(dataPath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	seedFleet()

	// No backend survives a restart: open instances respawn lazily on the
	// next attach, so recorded pids and forward rows are swept stale here.
	if n, err := database.ClearStalePids(); err != nil {
		log.Printf("[boot] clear stale pids: %v", err)
	} else if n > 0 {
		log.Printf("[boot] cleared %d stale pid(s)", n)
	}

	b := bus.New(config.Cfg.ClientQueueSize)
	conns := sshconn.NewManager(duration(config.Cfg.SSHConnectTimeout, 10*time.Second))
	terminals := term.NewManager(b, config.Cfg.ScrollbackBytes)
	window := status.NewWindow()
	reconciler := status.NewReconciler(b)
	forwards := portfwd.NewSupervisor(conns, b)
	forwards.SweepStale()

	handlers.Bus = b
	handlers.Conns = conns
	handlers.Terminals = terminals
	handlers.Reconciler = reconciler
	handlers.HookWindow = window
	handlers.Forwards = forwards

	logRoot := config.Cfg.SessionLogRoot
	threshold := duration(config.Cfg.IdleThreshold, 60*time.Second)
	localPoller := status.NewLocalPoller(reconciler, window, logRoot, threshold)
	remotePoller := status.NewRemotePoller(reconciler, window, conns, b, logRoot, threshold)

	// Overlapping ticks are skipped rather than queued; a slow SSH probe must
	// not pile up remote polls behind it.
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := sched.AddFunc("@every "+config.Cfg.LocalPollInterval, localPoller.Tick); err != nil {
		log.Fatalf("Schedule local poller: %v", err)
	}
	if _, err := sched.AddFunc("@every "+config.Cfg.RemotePollInterval, remotePoller.Tick); err != nil {
		log.Fatalf("Schedule remote poller: %v", err)
	}
	sched.Start()
	log.Printf("Pollers scheduled (local @every %s, remote @every %s, idle threshold %s)",
		config.Cfg.LocalPollInterval, config.Cfg.RemotePollInterval, threshold)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/ws", handlers.WS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", handlers.ListInstances)
			r.Post("/", handlers.CreateInstance)
			r.Put("/reorder", handlers.ReorderInstances)
			r.Get("/{id}", handlers.GetInstance)
			r.Patch("/{id}", handlers.UpdateInstance)
			r.Delete("/{id}", handlers.DeleteInstance)
			r.Post("/{id}/reset-status", handlers.ResetInstanceStatus)
			r.Get("/{id}/status-events", handlers.ListInstanceStatusEvents)
			r.Get("/{id}/ports", handlers.ListPortForwards)
			r.Post("/{id}/ports", handlers.CreatePortForward)
			r.Delete("/{id}/ports/{portId}", handlers.DeletePortForward)
		})

		r.Route("/hooks", func(r chi.Router) {
			r.Post("/status", handlers.HookStatus)
			r.Post("/stop", handlers.HookStop)
			r.Post("/notification", handlers.HookNotification)
		})

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", handlers.ListMachines)
			r.Post("/", handlers.CreateMachine)
			r.Get("/{id}", handlers.GetMachine)
			r.Patch("/{id}", handlers.UpdateMachine)
			r.Delete("/{id}", handlers.DeleteMachine)
			r.Post("/{id}/test", handlers.TestMachine)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", handlers.ListProjects)
			r.Post("/", handlers.CreateProject)
			r.Get("/{id}", handlers.GetProject)
			r.Delete("/{id}", handlers.DeleteProject)
			r.Post("/{id}/instances", handlers.LinkProjectInstance)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", handlers.ListTasks)
			r.Post("/", handlers.CreateTask)
			r.Put("/reorder", handlers.ReorderTasks)
			r.Patch("/{id}", handlers.UpdateTask)
			r.Delete("/{id}", handlers.DeleteTask)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", handlers.ListSessions)
			r.Post("/", handlers.CreateSession)
			r.Get("/{id}", handlers.GetSession)
			r.Delete("/{id}", handlers.DeleteSession)
			r.Get("/{id}/messages", handlers.ListSessionMessages)
			r.Post("/{id}/messages", handlers.AddSessionMessage)
		})

		r.Get("/activity", handlers.ListActivity)

		r.Get("/settings/credential", handlers.GetSettings)
		r.Put("/settings/credential", handlers.SetCredential)

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.Addr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Stop scheduling and wait out in-flight poller ticks before the SSH pool
	// goes away under them.
	<-sched.Stop().Done()

	forwards.CloseAll()
	terminals.KillAll()
	conns.CloseAll()
	b.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// duration parses a config duration string, falling back when unset or bad.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("WARNING: bad duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}

// seedFleet applies the optional fleet file, upserting machines by name so
// edits to the file land on existing rows at next boot.
func seedFleet() {
	if config.Cfg.FleetFile == "" {
		return
	}
	fleet, err := config.LoadFleetFile(paths.ExpandHome(config.Cfg.FleetFile))
	if err != nil {
		log.Printf("WARNING: fleet file: %v", err)
		return
	}
	for _, fm := range fleet.Machines {
		m := &database.RemoteMachine{
			Name:               fm.Name,
			Host:               fm.Host,
			Port:               fm.Port,
			Username:           fm.Username,
			ForwardCredentials: fm.ForwardCredentials,
			Status:             database.MachineUnknown,
		}
		if fm.KeyPath != "" {
			kp := fm.KeyPath
			m.KeyPath = &kp
		}
		if err := database.UpsertMachineByName(m); err != nil {
			log.Printf("WARNING: fleet machine %s: %v", fm.Name, err)
		}
	}
	if len(fleet.Machines) > 0 {
		log.Printf("Fleet file applied (%d machine(s))", len(fleet.Machines))
	}
}
