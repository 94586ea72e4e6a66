package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perry-workspaces/backend/internal/config"
	"github.com/perry-workspaces/backend/internal/db"
	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/registry"
)

var (
	configPath string
	addr       string
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "perry-server",
	Short: "Run and inspect coding agent sessions",
	Long: `perry-server hosts long-lived coding agent sessions (Claude Code,
OpenCode) on the host or inside workspace containers, and streams them to
chat clients over a websocket.

  perry-server serve                 # start the HTTP and websocket server
  perry-server sessions list         # list persisted sessions`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logger.Format(cfg.Logging.Format)
	if format != logger.FormatText && format != logger.FormatJSON {
		return nil, fmt.Errorf("invalid log format %q", cfg.Logging.Format)
	}
	return logger.New(
		logger.WithLevel(level),
		logger.WithFormat(format),
		logger.WithOutput(os.Stderr),
	), nil
}

// openRegistry opens the configured registry backend.
func openRegistry(cfg *config.Config, log logger.Logger) (*registry.Registry, error) {
	switch cfg.Registry.Backend {
	case config.RegistryBackendSQLite:
		sqlDB, err := db.Open(cfg.Registry.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry database: %w", err)
		}
		return registry.New(registry.NewSQLStore(sqlDB), log), nil
	default:
		return registry.New(registry.NewFileStore(cfg.Registry.Path, cfg.Registry.LockTimeout, log), log), nil
	}
}
