package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medchat/voice-service/internal/app"
	"github.com/medchat/voice-service/internal/config"
	"github.com/medchat/voice-service/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logger error: %v", err)
	}

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"provider": built.Voice.Provider,
		"detail":   built.Voice.Detail,
		"bus":      built.Bus.Available(),
	}).Info("voice service configured")

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	go func() {
		if err := built.RunBus(runCtx); err != nil {
			logger.WithError(err).Warn("bus consumer stopped")
		}
	}()

	go func() {
		logger.Infof("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	built.Sessions.Shutdown(shutdownCtx)
	if err := built.Cleanup(); err != nil {
		logger.WithError(err).Warn("cleanup failed")
	}

	logger.Info("shutdown complete")
}
