package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/pdfrag/internal/core"
)

const (
	geminiProvider       = "gemini"
	defaultGeminiEmbed   = "text-embedding-004"
	geminiMaxInputTokens = 2048
	geminiMaxBatch       = 100
)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
}

// NewGeminiEmbedder builds the embedder. dim must match the model's native
// output size; it is checked against every response by the embedding client.
func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("gemini: embedding dimension must be positive")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = defaultGeminiEmbed
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbedder) Name() string        { return geminiProvider }
func (g *GeminiEmbedder) Model() string       { return g.modelName }
func (g *GeminiEmbedder) Dimension() int      { return g.dim }
func (g *GeminiEmbedder) MaxInputTokens() int { return geminiMaxInputTokens }
func (g *GeminiEmbedder) MaxBatchSize() int   { return geminiMaxBatch }

// EmbedTexts sends all texts in one BatchEmbedContents request.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, googleError(geminiProvider, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, malformedResponse(geminiProvider,
			fmt.Sprintf("%d embeddings for %d inputs", len(resp.Embeddings), len(texts)), nil)
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
