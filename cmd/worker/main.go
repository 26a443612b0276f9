package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"analyzer-backend/internal/bootstrap"
	"analyzer-backend/internal/dispatch"
	"analyzer-backend/internal/shared/config"
	"analyzer-backend/internal/shared/telemetry"
)

const reconcileInterval = time.Minute

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	if app.Queue == nil {
		log.Fatal("worker requires a reachable redis dispatch queue")
	}

	workerID := workerIdentity()
	worker := dispatch.NewWorker(app.Queue, app.Runner.Run, dispatch.WorkerOptions{
		ID:          workerID,
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
	})

	reconciler := &dispatch.Reconciler{
		Queue:      app.Queue,
		Records:    app.JobsService,
		FailRecord: app.JobsService.FailRecord,
	}
	go reconcileLoop(ctx, reconciler)

	log.Printf("worker started id=%s queue=%s concurrency=%d", workerID, cfg.QueueName, cfg.WorkerConcurrency)

	if err := worker.Work(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker error: %v", err)
	}
	log.Printf("worker stopped id=%s", workerID)
}

func reconcileLoop(ctx context.Context, reconciler *dispatch.Reconciler) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
				telemetry.Error("worker.reconcile_failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
