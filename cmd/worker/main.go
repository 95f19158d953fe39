// Command worker consumes the task queue and runs registration sagas.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quizapp/orchestrator/config"
	"github.com/quizapp/orchestrator/internal/bootstrap"
	"github.com/quizapp/orchestrator/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("ORCH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	worker, err := rt.NewWorker()
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	logger.Info("worker started",
		"queue", rt.Tasks.Queue(),
		"concurrency", cfg.Worker.Concurrency,
		"time_limit", cfg.Worker.TimeLimit,
	)

	<-ctx.Done()
	logger.Info("draining in-flight tasks")

	// Let a task that hits its time limit finish recording its failure.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.TimeLimit+10*time.Second)
	defer cancel()
	return errors.Join(
		worker.Stop(shutdownCtx),
		rt.Close(shutdownCtx),
		shutdownTelemetry(shutdownCtx),
	)
}
