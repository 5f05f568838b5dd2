// Package main provides the pipeline worker: every stage processor, the
// stuck-record recovery sweep and the cron health sweep on fixed intervals.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/stellar-lineage/internal/app"
	"github.com/stellar-lineage/internal/config"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg.Logging)
	logger.WithFields(map[string]interface{}{
		"backend":       cfg.Store.Backend,
		"stageInterval": cfg.Pipeline.StageInterval.String(),
	}).Info("Lineage worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	scheduler := worker.NewScheduler(a.Sink, cfg.Worker.RunImmediately)
	jobs := worker.StageJobs(a.Pipeline.Processors(), cfg.Pipeline.StageInterval)
	jobs = append(jobs,
		worker.RecoveryJob(a.Recovery, cfg.Recovery.Interval),
		worker.HealthSweepJob(a.Monitor, cfg.Health.Interval),
	)
	if err := scheduler.RegisterAll(jobs...); err != nil {
		logger.WithError(err).Fatal("Failed to register jobs")
	}

	var metricsServer *http.Server
	if cfg.Worker.MetricsAddr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
		router.Handle("/jobs", worker.StatusHandler(scheduler, a.Breakers)).Methods(http.MethodGet)

		metricsServer = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}
	logger.WithField("jobs", len(jobs)).Info("Worker started")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("Worker exited")
}
