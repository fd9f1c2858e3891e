// Package config loads the master orchestrator's startup configuration
// from a flag set, with an optional TOML file for operators who prefer a
// file over a long flag list.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is read once at startup and never mutated afterward.
type Config struct {
	ExternalIP         string `toml:"external_ip"`
	MasterIP           string `toml:"master_ip"`
	Port               int    `toml:"port"`
	MaxClients         int    `toml:"max_clients"`
	PrestartServers    int    `toml:"prestart_servers"`
	LogToConsole       bool   `toml:"log_to_console"`
	LogDebugStatements bool   `toml:"log_debug_statements"`
	UseSudoAuth        bool   `toml:"use_sudo_auth"`
	UseSudoChat        bool   `toml:"use_sudo_chat"`

	SQLDriver string `toml:"sql_driver"`
	SQLDSN    string `toml:"sql_dsn"`

	ClientLocation string `toml:"client_location"`
	WorldBinPath   string `toml:"world_bin_path"`
	BasePort       int    `toml:"base_port"`
	PortSpan       int    `toml:"port_span"`

	AdminAddr string `toml:"admin_addr"`
}

// Defaults returns the configuration baseline before flags or a config file
// are applied.
func Defaults() Config {
	return Config{
		ExternalIP:      "127.0.0.1",
		MasterIP:        "127.0.0.1",
		Port:            9000,
		MaxClients:      500,
		PrestartServers: 0,
		LogToConsole:    true,
		SQLDriver:       "sqlite",
		SQLDSN:          "masterd.db",
		ClientLocation:  "",
		WorldBinPath:    "./worldserver",
		BasePort:        9100,
		PortSpan:        1000,
		AdminAddr:       ":8080",
	}
}

// Load parses args against a flag set seeded from Defaults(), applies an
// optional -config TOML file, and returns the final Config. Flags always
// override file values — the file is read first, then flags are parsed
// over it, matching "flags always override file values".
func Load(args []string) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("masterd", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional TOML config file")

	// A first pass just to find -config before flag values are bound, so
	// the file can seed cfg before the real flag parse overrides it.
	preScan := flag.NewFlagSet("masterd-prescan", flag.ContinueOnError)
	preScan.SetOutput(discardWriter{})
	preScanPath := preScan.String("config", "", "")
	_ = preScan.Parse(args)
	if *preScanPath != "" {
		if _, err := toml.DecodeFile(*preScanPath, &cfg); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", *preScanPath, err)
		}
	}

	fs.StringVar(&cfg.ExternalIP, "external_ip", cfg.ExternalIP, "externally routable IP advertised to clients")
	fs.StringVar(&cfg.MasterIP, "master_ip", cfg.MasterIP, "IP the master listens on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "master listen port")
	fs.IntVar(&cfg.MaxClients, "max_clients", cfg.MaxClients, "maximum concurrent client connections")
	fs.IntVar(&cfg.PrestartServers, "prestart_servers", cfg.PrestartServers, "number of world servers to prestart at boot")
	fs.BoolVar(&cfg.LogToConsole, "log_to_console", cfg.LogToConsole, "mirror structured logs to stderr")
	fs.BoolVar(&cfg.LogDebugStatements, "log_debug_statements", cfg.LogDebugStatements, "enable debug-level logging")
	fs.BoolVar(&cfg.UseSudoAuth, "use_sudo_auth", cfg.UseSudoAuth, "launch the auth frontend via sudo")
	fs.BoolVar(&cfg.UseSudoChat, "use_sudo_chat", cfg.UseSudoChat, "launch the chat relay via sudo")
	fs.StringVar(&cfg.SQLDSN, "sql_dsn", cfg.SQLDSN, "SQLite database path")
	fs.StringVar(&cfg.ClientLocation, "client_location", cfg.ClientLocation, "path to the client asset root")
	fs.StringVar(&cfg.WorldBinPath, "world_bin_path", cfg.WorldBinPath, "path to the world-server binary to launch")
	fs.IntVar(&cfg.BasePort, "base_port", cfg.BasePort, "first port in the world-server allocation range")
	fs.IntVar(&cfg.PortSpan, "port_span", cfg.PortSpan, "size of the world-server port allocation range")
	fs.StringVar(&cfg.AdminAddr, "admin_addr", cfg.AdminAddr, "read-only admin HTTP listen address (empty to disable)")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("config: parse flags: %w", err)
	}
	// The pre-scan stops at the first flag it does not know, so a -config
	// given after another flag is only seen by the full parse: read the file
	// now and parse the flags again so they still override it.
	if *configPath != "" && *configPath != *preScanPath {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", *configPath, err)
		}
		if err := fs.Parse(args); err != nil {
			return cfg, fmt.Errorf("config: parse flags: %w", err)
		}
	}

	return cfg, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Validate performs the minimal sanity checks needed before startup-fatal
// paths kick in further down main.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("config: invalid base_port %d", c.BasePort)
	}
	if c.WorldBinPath == "" {
		return fmt.Errorf("config: world_bin_path must not be empty")
	}
	return nil
}
