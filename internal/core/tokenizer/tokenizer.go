// Package tokenizer counts, truncates and splits text in model token units.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

// DefaultEncoding is the BPE used by the OpenAI embedding/chat families.
const DefaultEncoding = "cl100k_base"

type Counter interface {
	Count(text string) int
	// Truncate returns the longest prefix of text that fits in maxTokens.
	Truncate(text string, maxTokens int) string
	// SplitByTokens cuts text into windows of at most maxTokens, each window
	// starting overlapTokens before the end of the previous one.
	SplitByTokens(text string, maxTokens, overlapTokens int) ([]string, error)
	// Exact is false when counts are an estimate.
	Exact() bool
}

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

// New returns a tiktoken counter for the encoding, or the word estimator when
// the BPE table cannot be loaded (it is fetched on first use).
func New(encoding string, log logger.Logger) Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if encoding == "estimate" {
		return Estimator{}
	}
	enc, err := loadEncoding(encoding)
	if err != nil {
		log.Warn("exact tokenizer unavailable, token counts are estimates (ceil(words*0.75))",
			logger.String("encoding", encoding), logger.Error(err))
		return Estimator{}
	}
	return &tiktokenCounter{enc: enc}
}

func loadEncoding(name string) (*tiktoken.Tiktoken, error) {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	encCache[name] = enc
	return enc, nil
}

func checkWindow(maxTokens, overlapTokens int) error {
	if maxTokens <= 0 {
		return fmt.Errorf("%w: maxTokens must be positive, got %d", core.ErrValidation, maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return fmt.Errorf("%w: overlapTokens must be in [0,%d), got %d", core.ErrValidation, maxTokens, overlapTokens)
	}
	return nil
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Exact() bool { return true }

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// spans encodes text and returns the decoded bytes with the byte offset of
// every token boundary (off[i] is where token i starts, off[n] the end).
// Byte-level BPE splits many characters across tokens, so a boundary is only
// a valid cut when it falls on a rune start.
func (c *tiktokenCounter) spans(text string) (string, []int) {
	toks := c.enc.Encode(text, nil, nil)
	off := make([]int, len(toks)+1)
	var b strings.Builder
	b.Grow(len(text))
	for i, t := range toks {
		b.WriteString(c.enc.Decode([]int{t}))
		off[i+1] = b.Len()
	}
	return b.String(), off
}

func runeBoundary(s string, at int) bool {
	return at >= len(s) || utf8.RuneStart(s[at])
}

func (c *tiktokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	full, off := c.spans(text)
	if len(off)-1 <= maxTokens {
		return text
	}
	k := maxTokens
	for k > 0 && !runeBoundary(full, off[k]) {
		k--
	}
	return full[:off[k]]
}

// SplitByTokens cuts on token boundaries that are also rune boundaries, so
// every window is valid UTF-8. A window shrinks to the nearest such boundary;
// it only exceeds maxTokens when a single character spans more tokens than
// the window holds.
func (c *tiktokenCounter) SplitByTokens(text string, maxTokens, overlapTokens int) ([]string, error) {
	if err := checkWindow(maxTokens, overlapTokens); err != nil {
		return nil, err
	}
	full, off := c.spans(text)
	n := len(off) - 1
	if n == 0 {
		return nil, nil
	}
	var out []string
	start := 0
	for {
		end := min(start+maxTokens, n)
		for end > start && !runeBoundary(full, off[end]) {
			end--
		}
		if end == start {
			end = start + 1
			for end < n && !runeBoundary(full, off[end]) {
				end++
			}
		}
		out = append(out, full[off[start]:off[end]])
		if end == n {
			break
		}
		next := end - overlapTokens
		if next <= start {
			next = end
		}
		for !runeBoundary(full, off[next]) {
			next++
		}
		start = next
	}
	return out, nil
}

// Estimator approximates tokens as ceil(words * 0.75). It is not exact and
// reports so through Exact.
type Estimator struct{}

func (Estimator) Exact() bool { return false }

func (Estimator) Count(text string) int {
	return estimate(len(strings.Fields(text)))
}

func (Estimator) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := strings.Fields(text)
	n := wordsFor(maxTokens)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}

func (Estimator) SplitByTokens(text string, maxTokens, overlapTokens int) ([]string, error) {
	if err := checkWindow(maxTokens, overlapTokens); err != nil {
		return nil, err
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, nil
	}
	window := wordsFor(maxTokens)
	step := window - wordsFor(overlapTokens)
	var out []string
	for start := 0; start < len(words); start += step {
		end := min(start+window, len(words))
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out, nil
}

// estimate is ceil(words * 3/4) in integer arithmetic.
func estimate(words int) int {
	return (3*words + 3) / 4
}

// wordsFor is the largest word count whose estimate fits in tokens. For
// tokens >= 1 it is at least 1, and wordsFor(a) < wordsFor(b) when a < b.
func wordsFor(tokens int) int {
	return tokens * 4 / 3
}
