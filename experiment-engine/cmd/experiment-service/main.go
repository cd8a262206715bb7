package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/config"
	"github.com/fieldtofork/platform/experiment-engine/internal/httpserver"
	"github.com/fieldtofork/platform/experiment-engine/internal/logging"
	"github.com/fieldtofork/platform/experiment-engine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	rt, err := service.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("build runtime", zap.Error(err))
	}
	defer rt.Close()

	opts := []httpserver.Option{
		httpserver.WithLogger(logger),
		httpserver.WithGatherer(rt.Registry),
	}
	if rt.Verifier != nil {
		opts = append(opts, httpserver.WithAdminAuth(rt.Verifier.Middleware))
	} else {
		logger.Warn("ADMIN_JWT_PUBLIC_KEYS_FILE not set; admin routes are unauthenticated")
	}
	server := httpserver.New(rt.Engine, opts...)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("experiment service listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	waitForShutdown(httpServer, logger)
}

func waitForShutdown(srv *http.Server, logger *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
