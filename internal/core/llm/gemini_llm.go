package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/pdfrag/internal/core"
)

type GeminiLLM struct {
	client      *genai.Client
	modelName   string
	temperature float32
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string, temperature float64) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiLLM{client: cl, modelName: modelName, temperature: float32(temperature)}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiLLM) model(systemPrompt string) *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(g.temperature)
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	return m
}

func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (*core.Generation, error) {
	resp, err := g.model(systemPrompt).GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return nil, googleError(geminiProvider, err)
	}
	return &core.Generation{Text: responseText(resp), Usage: usageOf(resp)}, nil
}

// GenerateStream forwards every streamed piece to onChunk. Returning early
// (error or ctx cancellation) abandons the iterator; the request context
// tears down the upstream call.
func (g *GeminiLLM) GenerateStream(ctx context.Context, systemPrompt, userPrompt string, onChunk func(string) error) (core.TokenUsage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	iter := g.model(systemPrompt).GenerateContentStream(ctx, genai.Text(userPrompt))
	var usage core.TokenUsage
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return usage, nil
		}
		if err != nil {
			return usage, googleError(geminiProvider, err)
		}
		if u := usageOf(resp); u.Total > 0 {
			usage = u
		}
		if text := responseText(resp); text != "" {
			if err := onChunk(text); err != nil {
				return usage, err
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func usageOf(resp *genai.GenerateContentResponse) core.TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return core.TokenUsage{}
	}
	u := resp.UsageMetadata
	return core.TokenUsage{
		Prompt:     int(u.PromptTokenCount),
		Completion: int(u.CandidatesTokenCount),
		Total:      int(u.TotalTokenCount),
	}
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
