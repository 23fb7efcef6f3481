package ingestion_engine

import "context"

// Dispatcher hands a stored PROCESSING document to whatever runs the
// pipeline. It must not block on the pipeline itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, docID string) error
}

type Ingestor interface {
	Dispatcher
	Start(ctx context.Context)
	ProcessOne(ctx context.Context, docID string) error
	RecoverStale(ctx context.Context) (int64, error)
	Wait()
}

var _ Ingestor = (*DocumentIngestor)(nil)
