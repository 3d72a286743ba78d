// Package main is the entry point for the agent execution gateway. One
// process serves ACP over HTTP, WebSocket, and (optionally) stdio against a
// shared orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/acp"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/github"
	"github.com/agentgate/agentgate/internal/inflight"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tracing"
	"github.com/agentgate/agentgate/internal/transport"
	"github.com/agentgate/agentgate/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentgate",
		zap.String("version", cfg.Agent.Version),
		zap.Bool("persistent_workspace", cfg.Workspace.PersistentMode()),
		zap.Bool("stdio", cfg.Server.StdioEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()

	store, err := session.NewStore(cfg.Session, log)
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}
	defer store.Close()

	orch := orchestrator.New(cfg, store,
		workspace.NewService(cfg.Workspace, log),
		runtime.NewSelector(cfg.Runtime, log),
		inflight.NewRegistry(),
		provided.Bus,
		github.Provide(cfg.GitHub, log),
		log)

	acpServer := acp.NewServer(cfg, orch, log)
	httpServer := transport.NewHTTPServer(cfg, acpServer, orch, provided.Bus, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.Server.StdioEnabled {
		g.Go(func() error {
			err := transport.NewStdioServer(acpServer, log).Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()

	log.Info("shutting down agentgate")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Error("tracing shutdown error", zap.Error(terr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agentgate stopped")
	return nil
}
