// Command masterd is the master orchestrator: it accepts world-server and
// frontend connections, allocates persistent object IDs, tracks session
// keys, and launches/resolves/retires world-server instances against zone
// transfer requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brandobull/wonderland-master/control"
	"github.com/brandobull/wonderland-master/idalloc"
	"github.com/brandobull/wonderland-master/instance"
	"github.com/brandobull/wonderland-master/internal/adminapi"
	"github.com/brandobull/wonderland-master/internal/config"
	"github.com/brandobull/wonderland-master/session"
	"github.com/brandobull/wonderland-master/spawner"
	"github.com/brandobull/wonderland-master/store"
	"github.com/brandobull/wonderland-master/transport"
)

func main() {
	// Check for CLI subcommands before parsing server flags, mirroring the
	// CLI-first convention this codebase has always used.
	if len(os.Args) > 1 {
		cliCfg := config.Defaults()
		if RunCLI(os.Args[1:], cliCfg) {
			return
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "masterd: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "masterd: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.Error("masterd: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogDebugStatements {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.LogToConsole {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func run(cfg config.Config, log *slog.Logger) error {
	db, err := store.Open(cfg.SQLDSN, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// Upsert the master's own (ip, port) row so operators querying the
	// servers table see this process without waiting for a world server
	// to report in first.
	if err := db.UpsertServer(store.ServerRow{
		Name:    "master",
		IP:      cfg.ExternalIP,
		Port:    cfg.Port,
		State:   "running",
		Version: 1,
	}); err != nil {
		return fmt.Errorf("record master server row: %w", err)
	}

	allocator, err := idalloc.Load(db)
	if err != nil {
		return fmt.Errorf("load persistent-id allocator: %w", err)
	}

	sessions := session.NewRegistry()
	registry := instance.NewRegistry()
	spawn := spawner.New(log, cfg.WorldBinPath)
	instMgr := instance.NewManager(log, instance.Config{
		ChildIP:      cfg.ExternalIP,
		BasePort:     uint16(cfg.BasePort),
		PortSpan:     cfg.PortSpan,
		WorldBinPath: cfg.WorldBinPath,
		MaxPlayers:   cfg.MaxClients,
	}, registry, spawn)

	tr := transport.New(log)
	listenAddr := fmt.Sprintf("%s:%d", cfg.MasterIP, cfg.Port)
	go func() {
		if err := tr.Run(listenAddr); err != nil {
			log.Error("masterd: transport listener stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("masterd: shutdown signal received")
		cancel()
	}()

	loop := control.New(log, tr, sessions, instMgr, allocator, spawn, db)

	if cfg.AdminAddr != "" {
		admin := adminapi.New(log, &adminSnapshot{instances: instMgr, sessions: sessions, allocator: allocator})
		loop.SetPublisher(&adminPublisher{server: admin})
		go func() {
			if err := admin.Run(ctx, cfg.AdminAddr); err != nil {
				log.Error("masterd: admin server stopped", "error", err)
			}
		}()
		log.Info("masterd: admin surface listening", "addr", cfg.AdminAddr)
	}

	log.Info("masterd: listening", "addr", listenAddr, "version", Version)

	return loop.Run(ctx)
}
