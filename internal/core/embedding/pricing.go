package embedding

import (
	"fmt"

	"github.com/markdave123-py/pdfrag/internal/core"
)

// USD per million input tokens.
var pricePerMillion = map[string]float64{
	"openai/text-embedding-3-small": 0.02,
	"openai/text-embedding-3-large": 0.13,
	"openai/text-embedding-ada-002": 0.10,
	"gemini/text-embedding-004":     0.025,
	"gemini/embedding-001":          0.025,
	"gemini/gemini-embedding-001":   0.15,
}

const defaultPricePerMillion = 0.10

var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"text-embedding-004":     768,
	"embedding-001":          768,
	"gemini-embedding-001":   3072,
}

// Cost prices tokens for a provider/model pair. Unknown models use the
// default rate so a cost is always reported.
func Cost(provider, model string, tokens int) float64 {
	price, ok := pricePerMillion[provider+"/"+model]
	if !ok {
		price = defaultPricePerMillion
	}
	return float64(tokens) / 1e6 * price
}

// Dimension returns the native vector size of a known embedding model.
func Dimension(model string) (int, error) {
	if d, ok := modelDimensions[model]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: unknown embedding model %q", core.ErrValidation, model)
}
