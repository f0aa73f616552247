package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/shellmux/internal/audit"
	"github.com/gluk-w/shellmux/internal/config"
	"github.com/gluk-w/shellmux/internal/database"
	"github.com/gluk-w/shellmux/internal/handlers"
	"github.com/gluk-w/shellmux/internal/logging"
	"github.com/gluk-w/shellmux/internal/middleware"
	"github.com/gluk-w/shellmux/internal/profiles"
	"github.com/gluk-w/shellmux/internal/sshfiles"
	"github.com/gluk-w/shellmux/internal/sshlogs"
	"github.com/gluk-w/shellmux/internal/sshsession"
	"github.com/gluk-w/shellmux/internal/sshterminal"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--export-profiles":
			runCLICommand("export-profiles")
			return
		case "--import-profiles":
			runCLICommand("import-profiles")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor := audit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)
	if err := auditor.StartPurgeSchedule(config.Cfg.AuditPurgeSchedule); err != nil {
		log.Printf("WARNING: audit purge schedule: %v", err)
	}
	defer auditor.Stop()

	hub := handlers.NewHub(config.Cfg.EventBuffer)
	dispatcher := sshsession.NewDispatcher(hub)
	handlers.Events = hub

	session := sshsession.New(dispatcher, sessionOptions())
	handlers.Session = session

	df := sshterminal.DefaultFlowConfig()
	flow := sshterminal.FlowConfig{
		BurstSize:      config.Cfg.ReadBurstSize,
		CoalesceWindow: config.Duration(config.Cfg.CoalesceWindow, df.CoalesceWindow),
		MaxEventBytes:  config.Cfg.MaxEventBytes,
		HighWatermark:  config.Cfg.HighWatermark,
		LowWatermark:   config.Cfg.LowWatermark,
		AckTimeout:     config.Duration(config.Cfg.AckTimeout, df.AckTimeout),
	}
	terminals := sshterminal.New(session, sshterminal.Config{
		MaxTerminals:   config.Cfg.MaxTerminals,
		JoinTimeout:    config.Duration(config.Cfg.ReaderJoinTimeout, sshterminal.DefaultJoinTimeout),
		InputTimeout:   config.Duration(config.Cfg.InputTimeout, sshterminal.DefaultInputTimeout),
		ScrollbackSize: int(config.Size(config.Cfg.ScrollbackSize, sshterminal.DefaultScrollbackSize)),
		Flow:           flow,
	})
	handlers.Terminals = terminals
	log.Printf("Terminal multiplexer initialized (max=%d, burst=%d, high=%d, low=%d)",
		config.Cfg.MaxTerminals, config.Cfg.ReadBurstSize, config.Cfg.HighWatermark, config.Cfg.LowWatermark)

	handlers.Files = sshfiles.New(session, sshfiles.Config{
		ReadCap:   config.Size(config.Cfg.SftpReadCap, sshfiles.DefaultReadCap),
		ChunkSize: config.Cfg.SftpChunkSize,
	})
	handlers.Logs = sshlogs.New(session)

	restrict, err := middleware.RestrictIPs(config.Cfg.AllowedIPs)
	if err != nil {
		log.Fatalf("Invalid SHELLMUX_ALLOWED_IPS: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(restrict)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(config.Cfg.APIToken))
		handlers.Routes(r)
	})
	if config.Cfg.APIToken == "" {
		log.Printf("WARNING: SHELLMUX_API_TOKEN is not set, the API is unauthenticated")
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	terminals.Shutdown()
	if n := terminals.Abandoned(); n > 0 {
		log.Printf("WARNING: %d terminal readers did not stop in time", n)
	}
	if err := session.Disconnect(); err != nil {
		log.Printf("SSH disconnect: %v", err)
	}
	dispatcher.Close()
	log.Println("Server stopped")
}

func sessionOptions() sshsession.Options {
	d := sshsession.DefaultOptions()
	return sshsession.Options{
		ConnectTimeout:      config.Duration(config.Cfg.ConnectTimeout, d.ConnectTimeout),
		KeepaliveSchedule:   config.Cfg.KeepaliveSchedule,
		DisconnectGrace:     config.Duration(config.Cfg.DisconnectGrace, d.DisconnectGrace),
		DashboardTimeout:    config.Duration(config.Cfg.DashboardTimeout, d.DashboardTimeout),
		DashboardQueueDepth: config.Cfg.DashboardQueueDepth,
		KnownHostsPath:      config.Cfg.KnownHostsPath,
		ConnectLimit: sshsession.ConnectLimitConfig{
			MaxAttemptsPerMinute: config.Cfg.ConnectAttemptsPerMinute,
			MaxConsecFailures:    config.Cfg.ConnectMaxFailures,
			BlockDuration:        config.Duration(config.Cfg.ConnectBlockDuration, sshsession.DefaultBlockDuration),
		},
	}
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	file := fs.String("file", "", "Profile document (YAML or JSON)")
	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Fprintf(os.Stderr, "Usage: shellmux --%s --file <path>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "export-profiles":
		data, err := profiles.Export()
		if err != nil {
			log.Fatalf("Failed to export profiles: %v", err)
		}
		if err := os.WriteFile(*file, data, 0600); err != nil {
			log.Fatalf("Failed to write %s: %v", *file, err)
		}
		fmt.Printf("Profiles exported to '%s'.\n", *file)

	case "import-profiles":
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *file, err)
		}
		n, err := profiles.Import(data)
		if err != nil {
			log.Fatalf("Failed to import profiles: %v", err)
		}
		fmt.Printf("%d profiles imported from '%s'.\n", n, *file)
	}
}
