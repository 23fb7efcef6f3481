// Command worker consumes document ingestion tasks from the asynq queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/pdfrag/internal/app"
	"github.com/markdave123-py/pdfrag/internal/config"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(
		logger.WithLevel(cfg.LogLevel),
		logger.WithEncoding(cfg.LogEncoding),
		logger.WithFile(cfg.LogFile),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.QueueBackend != "asynq" {
		log.Fatal("worker needs QUEUE_BACKEND=asynq", logger.String("queue", cfg.QueueBackend))
	}

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", logger.Error(err))
	}
	defer application.Close()

	application.Recover(ctx)
	if err := application.Worker().Run(ctx); err != nil {
		log.Error("worker exited", logger.Error(err))
	}
}
