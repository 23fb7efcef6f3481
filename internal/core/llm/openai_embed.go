package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markdave123-py/pdfrag/internal/core"
)

const (
	openAIProvider       = "openai"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIEmbed   = "text-embedding-3-small"
	openAIMaxInputTokens = 8191
	openAIMaxBatch       = 2048
)

type OpenAIEmbedderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OpenAIEmbedder talks to /embeddings over plain HTTPS.
type OpenAIEmbedder struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	dim     int
}

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("openai: embedding dimension must be positive")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIEmbed
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIEmbedder{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		dim:     cfg.Dimension,
	}, nil
}

func (o *OpenAIEmbedder) Name() string        { return openAIProvider }
func (o *OpenAIEmbedder) Model() string       { return o.model }
func (o *OpenAIEmbedder) Dimension() int      { return o.dim }
func (o *OpenAIEmbedder) MaxInputTokens() int { return openAIMaxInputTokens }
func (o *OpenAIEmbedder) MaxBatchSize() int   { return openAIMaxBatch }

func (o *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := openAIEmbeddingRequest{Model: o.model, Input: texts}
	if strings.HasPrefix(o.model, "text-embedding-3") {
		body.Dimensions = o.dim
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.ProviderError{Provider: openAIProvider, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.ProviderError{Provider: openAIProvider, Message: "read response: " + err.Error(), Err: err}
	}

	var parsed openAIEmbeddingResponse
	decodeErr := json.Unmarshal(payload, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(payload))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &core.ProviderError{Provider: openAIProvider, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, malformedResponse(openAIProvider, "decode response: "+decodeErr.Error(), decodeErr)
	}
	if len(parsed.Data) != len(texts) {
		return nil, malformedResponse(openAIProvider,
			fmt.Sprintf("%d embeddings for %d inputs", len(parsed.Data), len(texts)), nil)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, malformedResponse(openAIProvider, fmt.Sprintf("out-of-range index %d", d.Index), nil)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)
