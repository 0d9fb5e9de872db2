// Overseer Control Plane — multi-tenant lifecycle, surveillance, and audit
// for worker agents.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/overseer/internal/config"
	"github.com/marcus-qen/overseer/internal/server"
	"github.com/marcus-qen/overseer/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (YAML or JSON)")
		genKey     = flag.Bool("gen-admin-key", false, "generate an admin API key and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	if *genKey {
		generateAdminKey(cfg, logger)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx,
		cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, server.Version)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("build server", zap.Error(err))
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func buildLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// generateAdminKey bootstraps the first admin API key. The plaintext is
// printed exactly once.
func generateAdminKey(cfg config.Config, logger *zap.Logger) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	ks, err := server.NewKeyStore(cfg.Storage.DataDir + "/auth.db")
	if err != nil {
		logger.Fatal("open key store", zap.Error(err))
	}
	defer ks.Close()

	if n, err := ks.Count(); err == nil && n > 0 {
		fmt.Printf("note: %d API key(s) already exist\n", n)
	}

	key, plaintext, err := ks.Create("bootstrap-admin", []server.Permission{server.PermAdmin}, nil)
	if err != nil {
		logger.Fatal("create admin key", zap.Error(err))
	}
	fmt.Printf("admin key created (id %s, prefix %s)\n", key.ID, key.KeyPrefix)
	fmt.Printf("API key (shown once): %s\n", plaintext)
}
