// Package vectorindex stores embedded passages and answers owner-scoped
// nearest-neighbour queries over them.
package vectorindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
)

// Store is the slice of core.DbClient the index needs.
type Store interface {
	InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error
	DeleteChunksByDocument(ctx context.Context, documentID string) (int64, error)
	CountChunksByDocument(ctx context.Context, documentID string) (int, error)
	SearchChunks(ctx context.Context, q models.ChunkSearch) ([]models.SimilarityMatch, error)
}

type Options struct {
	Dimension       int
	InsertBatchSize int
	DefaultTopK     int
	MaxTopK         int
	MinSimilarity   float64
}

func DefaultOptions(dim int) Options {
	return Options{
		Dimension:       dim,
		InsertBatchSize: 50,
		DefaultTopK:     5,
		MaxTopK:         10,
		MinSimilarity:   0.3,
	}
}

// SearchOptions scopes a query. MinSimilarity nil means the index default.
type SearchOptions struct {
	OwnerID       string
	DocumentID    string
	TopK          int
	MinSimilarity *float64
}

type Index struct {
	store Store
	opts  Options
	log   logger.Logger
}

func New(store Store, opts Options, log logger.Logger) *Index {
	def := DefaultOptions(opts.Dimension)
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = def.InsertBatchSize
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = def.MaxTopK
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = def.DefaultTopK
	}
	opts.DefaultTopK = min(opts.DefaultTopK, opts.MaxTopK)
	return &Index{store: store, opts: opts, log: log.Named("vectorindex")}
}

func (ix *Index) Dimension() int { return ix.opts.Dimension }

// Insert writes passages for one document in groups. Every passage is
// checked before the first write so a bad vector never lands half a
// document.
func (ix *Index) Insert(ctx context.Context, documentID string, chunks []models.DocumentChunk) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id is required", core.ErrValidation)
	}
	for i := range chunks {
		ch := &chunks[i]
		if ch.DocumentID != documentID {
			return fmt.Errorf("%w: passage %d belongs to %q, not %q", core.ErrValidation, ch.ChunkIndex, ch.DocumentID, documentID)
		}
		if len(ch.Embedding) != ix.opts.Dimension {
			return fmt.Errorf("%w: passage %d has dimension %d, index expects %d",
				core.ErrValidation, ch.ChunkIndex, len(ch.Embedding), ix.opts.Dimension)
		}
	}

	size := ix.opts.InsertBatchSize
	for start := 0; start < len(chunks); start += size {
		group := chunks[start:min(start+size, len(chunks))]
		if err := ix.store.InsertDocumentChunks(ctx, group); err != nil {
			return fmt.Errorf("%w: insert passages %d-%d of document %s: %w",
				core.ErrIndex, start, start+len(group)-1, documentID, err)
		}
	}
	ix.log.Debug("passages indexed", logger.String("document_id", documentID), logger.Int("count", len(chunks)))
	return nil
}

// SearchSimilar over-fetches 2*topK candidates, drops those under the
// similarity floor and returns at most topK, most similar first.
func (ix *Index) SearchSimilar(ctx context.Context, vec []float32, opts SearchOptions) ([]models.SimilarityMatch, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", core.ErrValidation)
	}
	if len(vec) != ix.opts.Dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index expects %d", core.ErrValidation, len(vec), ix.opts.Dimension)
	}

	topK := ix.clampTopK(opts.TopK)
	floor := ix.opts.MinSimilarity
	if opts.MinSimilarity != nil {
		floor = *opts.MinSimilarity
	}

	candidates, err := ix.store.SearchChunks(ctx, models.ChunkSearch{
		UserID:     opts.OwnerID,
		DocumentID: opts.DocumentID,
		Embedding:  vec,
		Limit:      2 * topK,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: similarity search: %w", core.ErrIndex, err)
	}

	out := candidates[:0]
	for _, m := range candidates {
		if m.Similarity >= floor {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (ix *Index) clampTopK(k int) int {
	if k <= 0 {
		return ix.opts.DefaultTopK
	}
	return min(k, ix.opts.MaxTopK)
}

func (ix *Index) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	n, err := ix.store.DeleteChunksByDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete passages of %s: %w", core.ErrIndex, documentID, err)
	}
	return n, nil
}

func (ix *Index) Count(ctx context.Context, documentID string) (int, error) {
	n, err := ix.store.CountChunksByDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("%w: count passages of %s: %w", core.ErrIndex, documentID, err)
	}
	return n, nil
}
