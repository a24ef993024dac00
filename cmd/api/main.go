package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"votesync/api/internal/app"
	"votesync/api/internal/config"
	"votesync/api/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New("api", cfg.LogLevel)
	ctx := context.Background()

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer rt.Close()

	httpServer := app.NewHTTPServer(rt.Service, cfg.CORSOrigin, cfg.FunctionSecret, logging.New("http", cfg.LogLevel))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("votesync API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
