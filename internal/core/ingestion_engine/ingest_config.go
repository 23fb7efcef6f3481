package ingestion_engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/embedding"
	"github.com/markdave123-py/pdfrag/internal/core/events"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
)

// IngestConfig tunes the background pipeline.
//
// Bucket:      object store bucket holding the uploaded files.
// Chunking:    chunk size, overlap and sentence preservation.
// UseFallback: let the extractor retry with the secondary PDF decoder.
// Workers:     documents processed concurrently by the in-process dispatcher.
// JobTimeout:  upper bound for one document, start to finish.
// StaleAfter:  PROCESSING documents older than this are failed on startup.
type IngestConfig struct {
	Bucket      string
	Chunking    ChunkOptions
	UseFallback bool
	Workers     int
	JobTimeout  time.Duration
	StaleAfter  time.Duration
}

func DefaultIngestConfig(bucket string) *IngestConfig {
	return &IngestConfig{
		Bucket:      bucket,
		Chunking:    DefaultChunkOptions(),
		UseFallback: true,
		Workers:     4,
		JobTimeout:  10 * time.Minute,
		StaleAfter:  30 * time.Minute,
	}
}

// Embedder is satisfied by *embedding.Client.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) (*embedding.BatchResult, error)
}

// Indexer is satisfied by *vectorindex.Index.
type Indexer interface {
	Insert(ctx context.Context, documentID string, chunks []models.DocumentChunk) error
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)
}

// DocumentIngestor orchestrates the background ingestion pipeline:
//
// db:        document rows and status transitions.
// obj:       object storage holding the uploaded bytes.
// extractor: PDF bytes -> cleaned text.
// chunker:   cleaned text -> token-bounded passages.
// embedder:  passages -> vectors.
// index:     vector persistence.
// events:    best-effort analytics.
// sem:       bounds in-process concurrency; wg tracks in-flight documents.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.DocumentExtractor
	chunker   *Chunker
	embedder  Embedder
	index     Indexer
	events    events.Publisher
	cfg       *IngestConfig
	log       logger.Logger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	mu      sync.Mutex
	baseCtx context.Context
	stopped bool
	now     func() time.Time
}
