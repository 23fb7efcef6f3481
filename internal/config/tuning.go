package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the pipeline knobs that can be overridden from a YAML file
// (TUNING_FILE). Keys missing from the file keep their defaults.
type Tuning struct {
	Chunking  ChunkingTuning  `yaml:"chunking"`
	Cleaning  CleaningTuning  `yaml:"cleaning"`
	Embedding EmbeddingTuning `yaml:"embedding"`
	Search    SearchTuning    `yaml:"search"`
}

type ChunkingTuning struct {
	MaxTokens         int  `yaml:"max_tokens"`
	OverlapPercentage int  `yaml:"overlap_percentage"`
	PreserveSentences bool `yaml:"preserve_sentences"`
	UseFallback       bool `yaml:"use_fallback_decoder"`
}

type CleaningTuning struct {
	HeaderFooterThreshold float64 `yaml:"header_footer_threshold"`
}

type EmbeddingTuning struct {
	BatchSize         int           `yaml:"batch_size"`
	InterBatchDelay   time.Duration `yaml:"inter_batch_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxJitter         time.Duration `yaml:"max_jitter"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Tokenizer         string        `yaml:"tokenizer"`
}

type SearchTuning struct {
	TopK            int     `yaml:"top_k"`
	MaxTopK         int     `yaml:"max_top_k"`
	MinSimilarity   float64 `yaml:"min_similarity"`
	InsertBatchSize int     `yaml:"insert_batch_size"`
	ExcerptLength   int     `yaml:"excerpt_length"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Chunking: ChunkingTuning{
			MaxTokens:         512,
			OverlapPercentage: 20,
			PreserveSentences: true,
			UseFallback:       true,
		},
		Cleaning: CleaningTuning{HeaderFooterThreshold: 0.5},
		Embedding: EmbeddingTuning{
			BatchSize:         100,
			InterBatchDelay:   200 * time.Millisecond,
			MaxAttempts:       5,
			BaseDelay:         time.Second,
			MaxJitter:         time.Second,
			RequestsPerSecond: 5,
			Tokenizer:         "cl100k_base",
		},
		Search: SearchTuning{
			TopK:            5,
			MaxTopK:         10,
			MinSimilarity:   0.3,
			InsertBatchSize: 50,
			ExcerptLength:   200,
		},
	}
}

// LoadFile overlays the YAML file at path onto t.
func (t *Tuning) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(raw, t); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.Chunking.MaxTokens <= 0 {
		errs = append(errs, errors.New("chunking.max_tokens must be positive"))
	}
	if t.Chunking.OverlapPercentage < 0 || t.Chunking.OverlapPercentage >= 100 {
		errs = append(errs, errors.New("chunking.overlap_percentage must be in [0,100)"))
	}
	if t.Cleaning.HeaderFooterThreshold <= 0 || t.Cleaning.HeaderFooterThreshold > 1 {
		errs = append(errs, errors.New("cleaning.header_footer_threshold must be in (0,1]"))
	}
	if t.Embedding.BatchSize <= 0 {
		errs = append(errs, errors.New("embedding.batch_size must be positive"))
	}
	if t.Embedding.MaxAttempts <= 0 {
		errs = append(errs, errors.New("embedding.max_attempts must be positive"))
	}
	if t.Search.TopK <= 0 || t.Search.MaxTopK <= 0 || t.Search.TopK > t.Search.MaxTopK {
		errs = append(errs, errors.New("search.top_k must be in [1, search.max_top_k]"))
	}
	if t.Search.InsertBatchSize <= 0 {
		errs = append(errs, errors.New("search.insert_batch_size must be positive"))
	}
	return errors.Join(errs...)
}
