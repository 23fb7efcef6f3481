package core

import "context"

// EmbeddingProvider is a remote embedding API. Implementations return a
// *ProviderError when the provider rejected the request so callers can decide
// whether to retry.
type EmbeddingProvider interface {
	Name() string
	Model() string
	Dimension() int
	MaxInputTokens() int
	MaxBatchSize() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// TokenUsage is what a generation call consumed.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Generation is a buffered generation result.
type Generation struct {
	Text  string
	Usage TokenUsage
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (*Generation, error)
	// GenerateStream calls onChunk for every piece of generated text in order.
	// Returning an error from onChunk stops consuming the upstream stream.
	GenerateStream(ctx context.Context, systemPrompt string, userPrompt string, onChunk func(text string) error) (TokenUsage, error)
}
