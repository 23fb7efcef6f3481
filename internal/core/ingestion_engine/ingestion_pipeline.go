package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/events"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
)

const (
	msgInterrupted   = "processing interrupted"
	msgNoText        = "no extractable text"
	maxStatusMessage = 1000
	statusTimeout    = 15 * time.Second
)

var errIngestorStopped = errors.New("ingestor is shutting down")

func NewDocumentIngestor(
	db core.DbClient,
	obj core.ObjectClient,
	extractor core.DocumentExtractor,
	chunker *Chunker,
	embedder Embedder,
	index Indexer,
	pub events.Publisher,
	cfg *IngestConfig,
	log logger.Logger,
) *DocumentIngestor {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	workers := max(cfg.Workers, 1)
	return &DocumentIngestor{
		db: db, obj: obj, extractor: extractor, chunker: chunker,
		embedder: embedder, index: index, events: pub, cfg: cfg,
		log:     log.Named("ingestor"),
		sem:     semaphore.NewWeighted(int64(workers)),
		baseCtx: context.Background(),
		now:     time.Now,
	}
}

// Start binds in-process pipelines to ctx: cancelling it interrupts every
// running document, which is then recorded as FAILED.
func (i *DocumentIngestor) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.baseCtx = ctx
	go func() {
		<-ctx.Done()
		i.mu.Lock()
		i.stopped = true
		i.mu.Unlock()
	}()
}

// Dispatch runs the pipeline on its own goroutine. The caller's context is
// only a request scope and is deliberately not inherited.
func (i *DocumentIngestor) Dispatch(_ context.Context, docID string) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return errIngestorStopped
	}
	base := i.baseCtx
	i.wg.Add(1)
	i.mu.Unlock()

	go func() {
		defer i.wg.Done()
		if err := i.sem.Acquire(base, 1); err != nil {
			i.fail(base, docID, fmt.Errorf("%s: %w", msgInterrupted, err))
			return
		}
		defer i.sem.Release(1)

		if err := i.ProcessOne(base, docID); err != nil {
			i.log.Warn("document ingestion failed", logger.String("document_id", docID), logger.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched document has finished.
func (i *DocumentIngestor) Wait() {
	i.wg.Wait()
}

// RecoverStale fails documents left PROCESSING by a previous process.
func (i *DocumentIngestor) RecoverStale(ctx context.Context) (int64, error) {
	n, err := i.db.FailStaleDocuments(ctx, i.now().Add(-i.cfg.StaleAfter), msgInterrupted)
	if err != nil {
		return 0, fmt.Errorf("recover stale documents: %w", err)
	}
	if n > 0 {
		i.log.Warn("stale documents marked failed", logger.Int64("count", n))
	}
	return n, nil
}

// ProcessOne takes one PROCESSING document to COMPLETED or FAILED. Documents
// already deleted or no longer PROCESSING are skipped.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, docID string) (err error) {
	log := i.log.With(logger.String("document_id", docID))

	doc, err := i.db.GetDocumentByID(ctx, docID)
	if err != nil {
		i.fail(ctx, docID, fmt.Errorf("load document: %w", err))
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: document %s", core.ErrNotFound, docID)
	}
	if doc.Deleted() || doc.Status != models.StatusProcessing {
		log.Info("skipping document", logger.String("status", string(doc.Status)), logger.Bool("deleted", doc.Deleted()))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panic: %v", r)
			i.fail(ctx, doc.ID, err)
		}
	}()

	started := i.now()
	jobCtx, cancel := context.WithTimeout(ctx, i.cfg.JobTimeout)
	defer cancel()

	stats, err := i.run(jobCtx, doc)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", msgInterrupted, err)
		}
		i.fail(ctx, doc.ID, err)
		return err
	}
	if stats == nil {
		log.Info("document deleted during ingestion, passages removed")
		return nil
	}

	elapsed := i.now().Sub(started)
	log.Info("document ingested",
		logger.Int("chunks", stats.chunks),
		logger.Int("pages", stats.pages),
		logger.Int("tokens", stats.tokens),
		logger.Float64("cost", stats.cost),
		logger.Duration("elapsed", elapsed))
	events.Emit(ctx, i.events, i.log, events.Event{
		Type: events.DocumentCompleted, UserID: doc.UserID, DocumentID: doc.ID,
		Payload: map[string]any{
			"chunks": stats.chunks, "pages": stats.pages, "tokens": stats.tokens,
			"cost": stats.cost, "decoder": stats.decoder, "elapsed_ms": elapsed.Milliseconds(),
		},
	})
	return nil
}

type ingestStats struct {
	chunks  int
	pages   int
	tokens  int
	cost    float64
	decoder string
}

// run returns nil stats when the document was deleted before it could be
// marked COMPLETED.
func (i *DocumentIngestor) run(ctx context.Context, doc *models.Document) (*ingestStats, error) {
	data, err := i.obj.GetFile(ctx, i.cfg.Bucket, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch stored file: %w", err)
	}

	extracted, err := i.extractor.Extract(ctx, data, core.ExtractOptions{CleanText: true, UseFallback: i.cfg.UseFallback})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrExtraction, err)
	}

	chunks, err := i.chunker.Chunk(extracted.Text, i.cfg.Chunking)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrExtraction, msgNoText)
	}

	texts := make([]string, len(chunks))
	for n, ch := range chunks {
		texts[n] = ch.Content
	}
	emb, err := i.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(emb.Vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d passages", core.ErrEmbedding, len(emb.Vectors), len(chunks))
	}

	created := i.now().UTC()
	rows := make([]models.DocumentChunk, len(chunks))
	for n, ch := range chunks {
		page := ch.PageNumber
		rows[n] = models.DocumentChunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			ChunkIndex: ch.ChunkIndex,
			PageNumber: &page,
			TokenCount: ch.Tokens,
			Content:    ch.Content,
			Embedding:  emb.Vectors[n],
			CreatedAt:  created,
		}
	}

	if err := i.index.Insert(ctx, doc.ID, rows); err != nil {
		i.removePassages(ctx, doc.ID)
		return nil, err
	}

	ok, err := i.db.MarkDocumentCompleted(ctx, doc.ID, extracted.PageCount, i.now().UTC())
	if err != nil {
		i.removePassages(ctx, doc.ID)
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if !ok {
		i.removePassages(ctx, doc.ID)
		return nil, nil
	}

	return &ingestStats{
		chunks:  len(rows),
		pages:   extracted.PageCount,
		tokens:  emb.TotalTokens,
		cost:    emb.TotalCost,
		decoder: extracted.Decoder,
	}, nil
}

// removePassages is the compensation for a failed or abandoned document. It
// runs detached from ctx so a cancelled job still cleans up.
func (i *DocumentIngestor) removePassages(ctx context.Context, docID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()
	if _, err := i.index.DeleteByDocument(ctx, docID); err != nil {
		i.log.Error("passage cleanup failed", logger.String("document_id", docID), logger.Error(err))
	}
}

// fail records FAILED with the cause. The write uses a fresh context: a
// shutdown that cancelled the job must not leave the document PROCESSING.
func (i *DocumentIngestor) fail(ctx context.Context, docID string, cause error) {
	msg := []rune(cause.Error())
	if len(msg) > maxStatusMessage {
		msg = msg[:maxStatusMessage]
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()
	marked, err := i.db.MarkDocumentFailed(wctx, docID, string(msg))
	if err != nil {
		i.log.Error("could not record document failure",
			logger.String("document_id", docID), logger.Error(err), logger.String("cause", cause.Error()))
		return
	}
	if !marked {
		i.log.Warn("document no longer processing, failure not recorded",
			logger.String("document_id", docID), logger.Error(cause))
		return
	}
	i.log.Warn("document failed", logger.String("document_id", docID), logger.Error(cause))
	events.Emit(ctx, i.events, i.log, events.Event{
		Type: events.DocumentFailed, DocumentID: docID,
		Payload: map[string]any{"error": string(msg)},
	})
}
