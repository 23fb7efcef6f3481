// Package rag answers questions from a user's indexed documents, either as
// one buffered answer or as a stream of events.
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/events"
	"github.com/markdave123-py/pdfrag/internal/core/vectorindex"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
)

const NoResultsAnswer = "I couldn't find any relevant information in your documents to answer this question."

const systemPrompt = `You answer questions using only the document excerpts supplied in the context.
If the context does not contain the answer, say that the documents do not cover it.
Do not use outside knowledge. Cite sources as [Source n] where n is the number of the excerpt.`

type Embedder interface {
	Embed(ctx context.Context, text string) (*models.EmbeddingResult, error)
}

type Searcher interface {
	SearchSimilar(ctx context.Context, vec []float32, opts vectorindex.SearchOptions) ([]models.SimilarityMatch, error)
}

type QueryOptions struct {
	OwnerID    string
	DocumentID string
	TopK       int
}

type Source struct {
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkID       string  `json:"chunk_id"`
	ChunkIndex    int     `json:"chunk_index"`
	PageNumber    *int    `json:"page_number,omitempty"`
	Similarity    float64 `json:"similarity"`
	Excerpt       string  `json:"excerpt"`
}

type TokensUsed struct {
	Embedding  int `json:"embedding"`
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

type Answer struct {
	Answer     string     `json:"answer"`
	Sources    []Source   `json:"sources"`
	TokensUsed TokensUsed `json:"tokens_used"`
}

type Engine struct {
	embedder   Embedder
	index      Searcher
	llm        core.LLMProvider
	events     events.Publisher
	excerptLen int
	log        logger.Logger
}

func NewEngine(embedder Embedder, index Searcher, llm core.LLMProvider, pub events.Publisher, excerptLen int, log logger.Logger) *Engine {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if excerptLen <= 0 {
		excerptLen = 200
	}
	return &Engine{embedder: embedder, index: index, llm: llm, events: pub, excerptLen: excerptLen, log: log.Named("rag")}
}

func (e *Engine) Query(ctx context.Context, text string, opts QueryOptions) (*Answer, error) {
	matches, embedTokens, err := e.retrieve(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &Answer{Answer: NoResultsAnswer, Sources: []Source{}}, nil
	}

	gen, err := e.llm.Generate(ctx, systemPrompt, buildPrompt(text, matches))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrGeneration, err)
	}

	ans := &Answer{
		Answer:     gen.Text,
		Sources:    e.sources(matches),
		TokensUsed: usage(embedTokens, gen.Usage),
	}
	e.answered(ctx, opts, len(matches), ans.TokensUsed, false)
	return ans, nil
}

// retrieve embeds the question and returns the ranked matches with the
// embedding token count.
func (e *Engine) retrieve(ctx context.Context, text string, opts QueryOptions) ([]models.SimilarityMatch, int, error) {
	if strings.TrimSpace(text) == "" {
		return nil, 0, fmt.Errorf("%w: query is empty", core.ErrValidation)
	}
	if opts.OwnerID == "" {
		return nil, 0, fmt.Errorf("%w: owner is required", core.ErrValidation)
	}

	emb, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, 0, fmt.Errorf("embed query: %w", err)
	}
	matches, err := e.index.SearchSimilar(ctx, emb.Vector, vectorindex.SearchOptions{
		OwnerID:    opts.OwnerID,
		DocumentID: opts.DocumentID,
		TopK:       opts.TopK,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("retrieve passages: %w", err)
	}
	return matches, emb.Tokens, nil
}

func (e *Engine) sources(matches []models.SimilarityMatch) []Source {
	out := make([]Source, len(matches))
	for i, m := range matches {
		out[i] = Source{
			DocumentID:    m.DocumentID,
			DocumentTitle: m.DocumentTitle,
			ChunkID:       m.ChunkID,
			ChunkIndex:    m.ChunkIndex,
			PageNumber:    m.PageNumber,
			Similarity:    m.Similarity,
			Excerpt:       excerpt(m.Content, e.excerptLen),
		}
	}
	return out
}

func (e *Engine) answered(ctx context.Context, opts QueryOptions, sources int, used TokensUsed, streamed bool) {
	events.Emit(ctx, e.events, e.log, events.Event{
		Type: events.QueryAnswered, UserID: opts.OwnerID, DocumentID: opts.DocumentID,
		Payload: map[string]any{"sources": sources, "tokens": used.Total, "stream": streamed},
	})
}

func usage(embedTokens int, gen core.TokenUsage) TokensUsed {
	total := gen.Total
	if total == 0 {
		total = gen.Prompt + gen.Completion
	}
	return TokensUsed{
		Embedding:  embedTokens,
		Prompt:     gen.Prompt,
		Completion: gen.Completion,
		Total:      embedTokens + total,
	}
}

// buildPrompt numbers each passage and labels it with title, page and
// similarity so the model can cite it.
func buildPrompt(question string, matches []models.SimilarityMatch) string {
	blocks := make([]string, len(matches))
	for i, m := range matches {
		var hdr strings.Builder
		fmt.Fprintf(&hdr, "[Source %d: %s", i+1, m.DocumentTitle)
		if m.PageNumber != nil {
			fmt.Fprintf(&hdr, ", page %d", *m.PageNumber)
		}
		fmt.Fprintf(&hdr, ", similarity %.2f]", m.Similarity)
		blocks[i] = hdr.String() + "\n" + m.Content
	}
	return "Context:\n\n" + strings.Join(blocks, "\n\n---\n\n") + "\n\nQuestion: " + question
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
