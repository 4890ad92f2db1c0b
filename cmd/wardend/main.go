// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/warden-project/warden/guard"
	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/config"
	"github.com/warden-project/warden/lib/httpserver"
	"github.com/warden-project/warden/lib/process"
	"github.com/warden-project/warden/lib/ratelimit"
	"github.com/warden-project/warden/lib/sqlitepool"
	"github.com/warden-project/warden/orchestrator"
	"github.com/warden-project/warden/session"
	"github.com/warden-project/warden/supervisor"
	"github.com/warden-project/warden/workspace"
)

// version is stamped at build time via -ldflags.
var version = "devel"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	var logLevel string

	flagSet := pflag.NewFlagSet("wardend", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the warden.yaml config file (overrides WARDEN_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("wardend %s\n", version)
		return nil
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	botPatterns, err := loadBotPatterns(cfg.Guard.BotPatternsFile)
	if err != nil {
		return err
	}

	admission := guard.New(guard.Config{
		AgentIdentity:   cfg.Guard.AgentIdentity,
		BotPatterns:     botPatterns,
		CausationWindow: cfg.Guard.CausationWindow.Std(),
	}, store,
		ratelimit.New("organization", cfg.Guard.OrgRateLimit, cfg.Guard.RateWindow.Std(), clk),
		ratelimit.New("actor", cfg.Guard.ActorRateLimit, cfg.Guard.RateWindow.Std(), clk),
		clk, logger)

	isolator := workspace.NewIsolator(cfg.Paths.Workspaces, logger)

	executor := supervisor.NewSubprocessExecutor(supervisor.SubprocessConfig{
		Command:      cfg.Execution.Command,
		EnvAllowList: cfg.Execution.EnvAllowList,
	}, logger)
	supervised := supervisor.New(executor, supervisor.Config{
		MaxOutputBytes:       cfg.Execution.MaxOutputKB * 1024,
		ArchiveOutput:        cfg.Execution.ArchiveOutput,
		DefaultExecutionTime: cfg.Execution.MaxExecutionTime.Std(),
	}, logger)

	engine := orchestrator.New(orchestrator.Config{
		AgentIdentity:       cfg.Guard.AgentIdentity,
		MaxAttempts:         cfg.Orchestration.MaxAttempts,
		MaxConcurrent:       cfg.Orchestration.MaxConcurrent,
		MaxConcurrentPerOrg: cfg.Orchestration.MaxConcurrentPerOrg,
		QueueCapacity:       cfg.Orchestration.QueueCapacity,
		InactivityTimeout:   cfg.Orchestration.InactivityTimeout.Std(),
		Retention:           cfg.Orchestration.Retention.Std(),
		ReapInterval:        cfg.Orchestration.ReapInterval.Std(),
		Security: session.SecurityContext{
			MaxMemoryMB:         cfg.Execution.MaxMemoryMB,
			MaxExecutionTime:    cfg.Execution.MaxExecutionTime.Std(),
			IsolatedEnvironment: cfg.IsolatedEnvironment(),
		},
	}, admission, store, isolator, supervised, orchestrator.NewLogReporter(logger), clk, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", NewWebhookHandler([]byte(cfg.Server.WebhookSecret), engine, clk, logger))
	newAPIHandler(store, engine, logger).register(mux)

	server := httpserver.New(httpserver.Config{
		Address:         cfg.Server.Address,
		Handler:         mux,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Logger:          logger,
	})

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
		logger.Info("wardend running",
			"version", version,
			"address", server.Addr().String(),
			"store", cfg.Store.Backend,
			"agent_identity", cfg.Guard.AgentIdentity,
		)
	case err := <-serverDone:
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-serverDone; err != nil {
		logger.Error("http server", "error", err)
	}
	// The orchestrator waits for in-flight sessions before
	// returning.
	if err := <-engineDone; err != nil {
		logger.Error("orchestrator", "error", err)
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// loadBotPatterns returns the built-in pattern set, extended by the
// configured pattern file when one is named.
func loadBotPatterns(path string) ([]*regexp.Regexp, error) {
	patterns := guard.DefaultBotPatterns
	if path == "" {
		return patterns, nil
	}
	extra, err := guard.LoadPatternFile(path)
	if err != nil {
		return nil, err
	}
	return append(patterns, extra...), nil
}

// openStore builds the configured session store and returns it with
// its shutdown hook.
func openStore(cfg *config.Config, logger *slog.Logger) (session.Store, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return session.NewMemoryStore(), func() {}, nil
	case "sqlite":
		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:      cfg.Store.Database,
			PoolSize:  cfg.Store.PoolSize,
			Logger:    logger,
			OnConnect: session.Schema,
		})
		if err != nil {
			return nil, nil, err
		}
		return session.NewSQLiteStore(pool), func() {
			if err := pool.Close(); err != nil {
				logger.Error("closing session database", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
