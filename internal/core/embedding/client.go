// Package embedding turns text into vectors through a remote provider with
// validation, batching, pacing, retries, caching and cost accounting.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/tokenizer"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
)

type Options struct {
	BatchSize         int
	InterBatchDelay   time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxJitter         time.Duration
	RequestsPerSecond float64 // <= 0 disables pacing
}

func DefaultOptions() Options {
	return Options{
		BatchSize:         100,
		InterBatchDelay:   200 * time.Millisecond,
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxJitter:         time.Second,
		RequestsPerSecond: 5,
	}
}

// BatchResult keeps Vectors and Tokens in input order.
type BatchResult struct {
	Vectors     [][]float32
	Tokens      []int
	TotalTokens int
	TotalCost   float64
	Model       string
}

type Client struct {
	provider core.EmbeddingProvider
	counter  tokenizer.Counter
	cache    Cache
	limiter  *rate.Limiter
	opts     Options
	log      logger.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewClient wires a provider. cache may be nil.
func NewClient(provider core.EmbeddingProvider, counter tokenizer.Counter, cache Cache, opts Options, log logger.Logger) *Client {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Client{
		provider: provider,
		counter:  counter,
		cache:    cache,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		log:      log.Named("embedding"),
		sleep:    sleepCtx,
		jitter:   randomJitter,
	}
}

func (c *Client) Dimension() int { return c.provider.Dimension() }
func (c *Client) Model() string  { return c.provider.Model() }

func (c *Client) Embed(ctx context.Context, text string) (*models.EmbeddingResult, error) {
	res, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return &models.EmbeddingResult{
		Vector: res.Vectors[0],
		Tokens: res.Tokens[0],
		Model:  res.Model,
		Cost:   res.TotalCost,
		Cached: res.cached[0],
	}, nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	res, err := c.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	return &res.BatchResult, nil
}

type batchState struct {
	BatchResult
	cached []bool
}

func (c *Client) embed(ctx context.Context, texts []string) (*batchState, error) {
	res := &batchState{BatchResult: BatchResult{Model: c.provider.Model()}}
	if len(texts) == 0 {
		return res, nil
	}

	maxIn := c.provider.MaxInputTokens()
	res.Tokens = make([]int, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: text %d is empty", core.ErrValidation, i)
		}
		n := c.counter.Count(t)
		if maxIn > 0 && n > maxIn {
			return nil, fmt.Errorf("%w: text %d has %d tokens, limit is %d", core.ErrValidation, i, n, maxIn)
		}
		res.Tokens[i] = n
		res.TotalTokens += n
	}

	res.Vectors = make([][]float32, len(texts))
	res.cached = make([]bool, len(texts))
	keys := make([]string, len(texts))
	var pending []int
	for i, t := range texts {
		keys[i] = CacheKey(c.provider.Name(), c.provider.Model(), t)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			res.Vectors[i], res.cached[i] = vec, true
			continue
		}
		pending = append(pending, i)
	}

	size := c.opts.BatchSize
	if pm := c.provider.MaxBatchSize(); pm > 0 && pm < size {
		size = pm
	}
	billed := 0
	for start := 0; start < len(pending); start += size {
		if start > 0 && c.opts.InterBatchDelay > 0 {
			if err := c.sleep(ctx, c.opts.InterBatchDelay); err != nil {
				return nil, fmt.Errorf("%w: %w", core.ErrEmbedding, err)
			}
		}
		idx := pending[start:min(start+size, len(pending))]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		vecs, err := c.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: %s batch at %d: %w", core.ErrEmbedding, c.provider.Name(), start, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: %s returned %d vectors for %d inputs", core.ErrEmbedding, c.provider.Name(), len(vecs), len(batch))
		}
		for j, i := range idx {
			if len(vecs[j]) != c.provider.Dimension() {
				return nil, fmt.Errorf("%w: vector has dimension %d, expected %d", core.ErrEmbedding, len(vecs[j]), c.provider.Dimension())
			}
			res.Vectors[i] = vecs[j]
			billed += res.Tokens[i]
			c.store(ctx, keys[i], vecs[j])
		}
	}

	res.TotalCost = Cost(c.provider.Name(), c.provider.Model(), billed)
	return res, nil
}

func (c *Client) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vecs, err := c.provider.EmbedTexts(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryable(ctx, err) || attempt == c.opts.MaxAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.log.Warn("embedding request failed, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff is BaseDelay*2^(attempt-1) plus jitter in [0, MaxJitter).
func (c *Client) backoff(attempt int) time.Duration {
	return c.opts.BaseDelay<<(attempt-1) + c.jitter(c.opts.MaxJitter)
}

// retryable: provider errors decide for themselves, cancellation never
// retries, anything else is treated as a transport failure.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

func (c *Client) lookup(ctx context.Context, key string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	vec, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("embedding cache read failed", logger.Error(err))
		return nil, false
	}
	if ok && len(vec) != c.provider.Dimension() {
		return nil, false
	}
	return vec, ok
}

func (c *Client) store(ctx context.Context, key string, vec []float32) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, vec); err != nil {
		c.log.Warn("embedding cache write failed", logger.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
