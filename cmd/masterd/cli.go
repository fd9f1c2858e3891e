package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/brandobull/wonderland-master/internal/config"
	"github.com/brandobull/wonderland-master/store"
)

// Version is the masterd build identifier, overridable at link time via
// -ldflags "-X main.Version=...".
var Version = "dev"

// RunCLI handles subcommand execution ahead of the normal serve path.
// Returns true if a subcommand was handled.
func RunCLI(args []string, cfg config.Config) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("masterd %s\n", Version)
		return true
	case "status":
		return cliStatus(cfg)
	case "servers":
		return cliServers(args[1:], cfg)
	case "backup":
		return cliBackup(args[1:], cfg)
	default:
		return false
	}
}

func openCLIStore(cfg config.Config) *store.Store {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	st, err := store.Open(cfg.SQLDSN, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(cfg config.Config) bool {
	st := openCLIStore(cfg)
	defer st.Close()

	servers, err := st.ListServers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	highWater, err := st.LoadAllocatorHighWater()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", cfg.SQLDSN)
	fmt.Printf("Known servers: %d\n", len(servers))
	fmt.Printf("Allocator high water: %d\n", highWater)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliServers(args []string, cfg config.Config) bool {
	st := openCLIStore(cfg)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		servers, err := st.ListServers()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(servers) == 0 {
			fmt.Println("No servers recorded.")
			return true
		}
		out, _ := json.MarshalIndent(servers, "", "  ")
		fmt.Println(string(out))
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: masterd servers [list]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, cfg config.Config) bool {
	st := openCLIStore(cfg)
	defer st.Close()

	outPath := "masterd-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
