// ebs-syncd serves the remote side of the sync engine: the pull and
// apply endpoints backed by Postgres (or an in-memory store for
// development).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/config"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/httpapi"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/remotestore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := remotestore.BuildStoreFromDSN(cfg.Server.StoreDSN)
	if err != nil {
		logger.Fatal("initialize store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	server, err := httpapi.NewServer(store, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	}, logger)
	if err != nil {
		logger.Fatal("initialize server", zap.Error(err))
	}

	httpServer := &http.Server{Addr: cfg.Server.Listen, Handler: server}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("sync server listening", zap.String("addr", cfg.Server.Listen))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("sync server stopped")
}
