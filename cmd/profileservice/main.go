// Command profileservice runs the reference profile service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quizapp/orchestrator/config"
	"github.com/quizapp/orchestrator/profileservice"
	"github.com/quizapp/orchestrator/telemetry"
)

func main() {
	seed := flag.String("seed-categories", "", "comma-separated category names to create at startup")
	flag.Parse()

	if err := run(*seed); err != nil {
		slog.Error("profile service stopped", "error", err)
		os.Exit(1)
	}
}

func run(seed string) error {
	cfg, err := config.Load(os.Getenv("ORCH_CONFIG"))
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Log, os.Stderr).With("component", "profile_service")

	store, err := profileservice.Open(cfg.Collaborator.ProfileDB)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, name := range strings.Split(seed, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		id, err := store.AddCategory(ctx, name)
		if err != nil {
			return err
		}
		logger.Info("category created", "id", id, "name", name)
	}

	srv := &http.Server{
		Addr:              cfg.Collaborator.ProfileAddr,
		Handler:           profileservice.NewHandler(store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", srv.Addr, "db", cfg.Collaborator.ProfileDB)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
