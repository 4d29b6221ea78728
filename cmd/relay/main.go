package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"relay/internal/api"
	"relay/internal/backend"
	"relay/internal/config"
	"relay/internal/engine"
	"relay/internal/logging"
	"relay/internal/metrics"
	"relay/internal/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	minLevel := logging.LevelInfo
	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		minLevel = level
	}
	logBuffer := logging.NewBuffer(logging.DefaultBufferSize)
	logger := logging.NewWithOutput(logBuffer, minLevel, os.Stderr)

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("relay exited", map[string]string{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(cfg config.Config, configPath string, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := session.OpenSQLite(ctx, filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	registry := metrics.NewRegistry()

	pool, err := backend.NewPool(backend.Options{
		Launcher: &backend.ExecLauncher{
			Binary: cfg.Backend.Binary,
			Args:   cfg.Backend.Args,
			Dir:    cfg.Backend.WorkDir,
			Logger: logger,
		},
		PortBase:           cfg.Backend.PortBase,
		PortLimit:          cfg.Backend.PortLimit,
		HealthInterval:     cfg.Backend.HealthInterval(),
		IdleTimeout:        cfg.Backend.IdleTimeout(),
		MaxRestartAttempts: cfg.Backend.MaxRestartAttempts,
		Logger:             logger,
		Registry:           registry,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Store:     store,
		Pool:      pool,
		Transport: &engine.LogTransport{Logger: logger},
		Renderer:  &engine.MarkdownRenderer{},
		Logger:    logger,
		Registry:  registry,
	})
	if err != nil {
		return err
	}

	stopWatch, err := config.Watch(configPath, logger, func(next config.Config) {
		eng.ApplyConfig(next)
	})
	if err != nil {
		logger.Warn("config watch unavailable", map[string]string{
			"path":  configPath,
			"error": err.Error(),
		})
	} else {
		defer stopWatch()
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, eng, cfg.AuthToken, logger, registry)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", map[string]string{
			"addr": server.Addr,
		})
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	case serveErr := <-errCh:
		if serveErr != nil {
			return serveErr
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", map[string]string{
			"error": err.Error(),
		})
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", map[string]string{
			"error": err.Error(),
		})
	}
	return nil
}
