// Command orchestrator serves the registration API, the readiness
// endpoints and the gRPC health service. With worker.embedded it also runs
// the saga worker in-process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quizapp/orchestrator/config"
	"github.com/quizapp/orchestrator/health"
	"github.com/quizapp/orchestrator/internal/bootstrap"
	"github.com/quizapp/orchestrator/task"
	"github.com/quizapp/orchestrator/telemetry"
	"google.golang.org/grpc"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("ORCH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("orchestrator stopped", "error", err)
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

	var worker *task.Worker
	if cfg.Worker.Embedded {
		if worker, err = rt.NewWorker(); err != nil {
			return err
		}
		if err := worker.Start(ctx); err != nil {
			return err
		}
		logger.Info("embedded worker started", "concurrency", cfg.Worker.Concurrency)
	}

	orch, err := rt.NewOrchestrator()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           rt.NewAPI(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reporter := health.NewGRPCReporter(rt.Health, health.DefaultReportInterval)
	grpcServer := grpc.NewServer()
	reporter.Register(grpcServer)
	go reporter.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			errCh <- err
			return
		}
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, runErr, httpServer.Shutdown(shutdownCtx))
	grpcServer.GracefulStop()
	if worker != nil {
		errs = append(errs, worker.Stop(shutdownCtx))
	}
	errs = append(errs, rt.Close(shutdownCtx), shutdownTelemetry(shutdownCtx))
	return errors.Join(errs...)
}
