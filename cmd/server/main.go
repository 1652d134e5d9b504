package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"campuschat/internal/app"
)

func main() {
	cfgFile := flag.String("config", "campuschat", "config file name without extension")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "sqlite database path (overrides config)")
	flag.Parse()

	logger := app.NewLogger("info", os.Stderr)
	cfg, err := app.Load(logger, *cfgFile)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	logger = app.NewLogger(cfg.Server.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg.Server, logger)
	if err != nil {
		logger.Error("start server", "err", err)
		os.Exit(1)
	}
	logger.Info("campuschat server listening", "addr", handle.Addr(), "ws_path", app.NormalizeWSPath(cfg.Server.WSPath))

	if err := handle.Wait(); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}
