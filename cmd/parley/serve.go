package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
)

// runServe handles "parley serve": wire everything, then serve until
// SIGINT or SIGTERM. In-flight requests drain before the thread store
// closes.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting Parley",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)
	if cfgPath == "" {
		logger.Warn("no config file found, using defaults and environment")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("thread store close failed", "error", err)
		}
	}()

	if cfg.Agent.NewThreadSentinel != "" {
		logger.Warn("sentinel thread ids enabled", "sentinel", cfg.Agent.NewThreadSentinel)
	}

	server := api.NewServer(api.Options{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		CSRF:           cfg.API.CSRF,
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		MaxBodyBytes:   cfg.API.MaxBodyBytes(),
		AllowOrigins:   cfg.API.AllowOrigins,
	}, a.loop, a.bridge, a.gateway, a.metrics.Handler(), logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Parley stopped")
	return nil
}
