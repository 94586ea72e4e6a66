package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/perry-workspaces/backend/api/handlers"
	"github.com/perry-workspaces/backend/internal/adapter"
	"github.com/perry-workspaces/backend/internal/config"
	"github.com/perry-workspaces/backend/internal/session"
	"github.com/perry-workspaces/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Long: `Start the HTTP API and the chat websocket (GET /api/chat).

Sessions survive client disconnects. On SIGINT or SIGTERM the server stops
accepting connections, closes chat sockets and disposes every live session;
persisted records are kept so sessions can be restored on the next start.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	reg, err := openRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	factory := adapter.NewFactory(claudeOptions(cfg), openCodeOptions(cfg), log)
	defer factory.Close()

	manager := session.NewManager(factory, reg, session.Options{
		Config: cfg,
		Logger: log,
	})

	chat := ws.NewService(manager, log)
	chat.Handler().SetCheckOrigin(ws.AllowOrigins(cfg.Server.AllowedOrigins))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(manager, reg, chat.Handler(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Server.Addr, "registry", cfg.Registry.Backend, "registryPath", cfg.Registry.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			manager.DisposeAll()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	chat.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	manager.DisposeAll()
	log.Info("server stopped")
	return nil
}

func claudeOptions(cfg *config.Config) adapter.ClaudeOptions {
	c := cfg.Agents.Claude
	return adapter.ClaudeOptions{
		Binary:                 c.Binary,
		InitialResponseTimeout: c.InitialResponseTimeout,
		ActivityTimeout:        c.ActivityTimeout,
		OperationTimeout:       c.OperationTimeout,
	}
}

func openCodeOptions(cfg *config.Config) adapter.OpenCodeOptions {
	o := cfg.Agents.OpenCode
	return adapter.OpenCodeOptions{
		Binary:           o.Binary,
		Hostname:         o.Hostname,
		Port:             o.Port,
		URL:              o.URL,
		Username:         o.Username,
		Password:         o.Password,
		ReadinessTimeout: o.ReadinessTimeout,
		StreamTimeout:    o.StreamTimeout,
	}
}
