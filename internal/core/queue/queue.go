// Package queue moves document ingestion out of the API process through an
// asynq task queue backed by Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

const TaskDocumentIngest = "document:ingest"

type IngestPayload struct {
	DocumentID string `json:"document_id"`
}

func NewIngestTask(docID string) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestPayload{DocumentID: docID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDocumentIngest, payload), nil
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) opt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// AsynqDispatcher enqueues ingestion tasks. Tasks are not retried: a failed
// document is already recorded as FAILED and the user re-uploads.
type AsynqDispatcher struct {
	client  *asynq.Client
	timeout time.Duration
	log     logger.Logger
}

func NewAsynqDispatcher(cfg RedisConfig, jobTimeout time.Duration, log logger.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{
		client:  asynq.NewClient(cfg.opt()),
		timeout: jobTimeout,
		log:     log.Named("queue"),
	}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, docID string) error {
	task, err := NewIngestTask(docID)
	if err != nil {
		return fmt.Errorf("build ingest task: %w", err)
	}
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.TaskID(docID),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.log.Debug("ingest task already queued", logger.String("document_id", docID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue ingest task: %w", err)
	}
	d.log.Debug("ingest task queued", logger.String("document_id", docID), logger.String("queue", info.Queue))
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// Processor runs one document through the pipeline.
type Processor interface {
	ProcessOne(ctx context.Context, docID string) error
}

// HandleIngest adapts a Processor to an asynq handler. Documents that no
// longer exist complete the task without error.
func HandleIngest(p Processor, log logger.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IngestPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: bad payload: %v", asynq.SkipRetry, err)
		}
		if payload.DocumentID == "" {
			return fmt.Errorf("%w: payload without document id", asynq.SkipRetry)
		}
		err := p.ProcessOne(ctx, payload.DocumentID)
		if errors.Is(err, core.ErrNotFound) {
			log.Warn("ingest task for unknown document", logger.String("document_id", payload.DocumentID))
			return nil
		}
		return err
	}
}

// Worker consumes ingestion tasks until its context ends.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    logger.Logger
}

func NewWorker(cfg RedisConfig, concurrency int, p Processor, log logger.Logger) *Worker {
	log = log.Named("worker")
	server := asynq.NewServer(cfg.opt(), asynq.Config{
		Concurrency:     max(concurrency, 1),
		Logger:          asynqLogger{log},
		ShutdownTimeout: 30 * time.Second,
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskDocumentIngest, HandleIngest(p, log))
	return &Worker{server: server, mux: mux, log: log}
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	w.log.Info("worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.log.Info("worker stopped")
	return nil
}

type asynqLogger struct{ log logger.Logger }

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal(fmt.Sprint(args...)) }
