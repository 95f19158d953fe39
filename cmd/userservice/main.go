// Command userservice runs the reference user account service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quizapp/orchestrator/config"
	"github.com/quizapp/orchestrator/telemetry"
	"github.com/quizapp/orchestrator/userservice"
)

func main() {
	if err := run(); err != nil {
		slog.Error("user service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("ORCH_CONFIG"))
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Log, os.Stderr).With("component", "user_service")

	store, err := userservice.Open(cfg.Collaborator.UserDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Collaborator.UserAddr,
		Handler:           userservice.NewHandler(store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", srv.Addr, "db", cfg.Collaborator.UserDB)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
