package ingestion_engine

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/textclean"
	"github.com/markdave123-py/pdfrag/internal/core/tokenizer"
)

// ChunkOptions tunes segmentation.
//
// MaxTokens:         hard upper bound per chunk.
// OverlapPercentage: share of MaxTokens carried into the next chunk, in [0,100).
// PreserveSentences: split oversized paragraphs on sentences before raw token windows.
type ChunkOptions struct {
	MaxTokens         int
	OverlapPercentage int
	PreserveSentences bool
}

func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{MaxTokens: 512, OverlapPercentage: 20, PreserveSentences: true}
}

// Chunk is one emitted passage. PageNumber is 1-based.
type Chunk struct {
	Content    string
	ChunkIndex int
	PageNumber int
	Tokens     int
}

// Chunker groups paragraphs into token-bounded, overlapping chunks.
type Chunker struct {
	counter tokenizer.Counter
}

func NewChunker(counter tokenizer.Counter) *Chunker {
	return &Chunker{counter: counter}
}

// Chunk splits cleaned text. The output is a pure function of text and opts.
func (c *Chunker) Chunk(text string, opts ChunkOptions) ([]Chunk, error) {
	if opts.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: maxTokens must be positive", core.ErrValidation)
	}
	if opts.OverlapPercentage < 0 || opts.OverlapPercentage >= 100 {
		return nil, fmt.Errorf("%w: overlapPercentage must be in [0,100)", core.ErrValidation)
	}

	b := &chunkBuilder{
		counter: c.counter,
		max:     opts.MaxTokens,
		overlap: opts.MaxTokens * opts.OverlapPercentage / 100,
	}
	for _, p := range splitParagraphs(text) {
		if c.counter.Count(p.text) <= opts.MaxTokens {
			b.add(p.text, p.page)
			continue
		}
		pieces, err := c.splitOversized(p.text, opts)
		if err != nil {
			return nil, err
		}
		for _, piece := range pieces {
			b.add(piece, p.page)
		}
	}
	b.flush()
	return b.out, nil
}

type chunkBuilder struct {
	counter tokenizer.Counter
	max     int
	overlap int

	buf  string
	page int
	out  []Chunk
}

func (b *chunkBuilder) add(seg string, page int) {
	if b.buf == "" {
		b.buf, b.page = seg, page
		return
	}
	if cand := b.buf + "\n\n" + seg; b.counter.Count(cand) <= b.max {
		b.buf = cand
		return
	}

	emitted := b.flush()
	if seed := b.overlapTail(emitted); seed != "" {
		if cand := seed + "\n\n" + seg; b.counter.Count(cand) <= b.max {
			b.buf, b.page = cand, page
			return
		}
	}
	b.buf, b.page = seg, page
}

func (b *chunkBuilder) flush() Chunk {
	if b.buf == "" {
		return Chunk{}
	}
	ch := Chunk{
		Content:    b.buf,
		ChunkIndex: len(b.out),
		PageNumber: b.page,
		Tokens:     b.counter.Count(b.buf),
	}
	b.out = append(b.out, ch)
	b.buf = ""
	return ch
}

// overlapTail takes roughly b.overlap tokens worth of trailing words from the
// chunk. The word count comes from the chunk's own words-per-token ratio, so
// the seed is an approximation of an overlap token slice, not an exact one.
// The caller still checks the seeded buffer against max.
func (b *chunkBuilder) overlapTail(ch Chunk) string {
	if b.overlap <= 0 || ch.Tokens <= 0 {
		return ""
	}
	words := strings.Fields(ch.Content)
	ratio := float64(len(words)) / float64(ch.Tokens)
	n := int(math.Round(float64(b.overlap) * ratio))
	if n <= 0 {
		return ""
	}
	n = min(n, len(words))
	return strings.Join(words[len(words)-n:], " ")
}

// splitOversized breaks a paragraph bigger than MaxTokens into pieces that
// each fit.
func (c *Chunker) splitOversized(text string, opts ChunkOptions) ([]string, error) {
	if !opts.PreserveSentences {
		return c.forceSplit(text, opts.MaxTokens)
	}

	var pieces []string
	cur := ""
	for _, s := range splitSentences(text) {
		if c.counter.Count(s) > opts.MaxTokens {
			if cur != "" {
				pieces = append(pieces, cur)
				cur = ""
			}
			parts, err := c.forceSplit(s, opts.MaxTokens)
			if err != nil {
				return nil, err
			}
			pieces = append(pieces, parts...)
			continue
		}
		if cur == "" {
			cur = s
			continue
		}
		if cand := cur + " " + s; c.counter.Count(cand) <= opts.MaxTokens {
			cur = cand
		} else {
			pieces = append(pieces, cur)
			cur = s
		}
	}
	if cur != "" {
		pieces = append(pieces, cur)
	}
	return pieces, nil
}

// forceSplit cuts by raw token windows. A decoded BPE window can re-encode
// slightly longer, so offenders are split again with a smaller window.
func (c *Chunker) forceSplit(text string, maxTokens int) ([]string, error) {
	parts, err := c.counter.SplitByTokens(text, maxTokens, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if maxTokens > 1 && c.counter.Count(p) > maxTokens {
			sub, err := c.forceSplit(p, maxTokens-1)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type paragraph struct {
	text string
	page int
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// splitParagraphs splits on blank lines and page breaks; page numbers count
// page breaks seen so far.
func splitParagraphs(text string) []paragraph {
	var out []paragraph
	for i, pageText := range strings.Split(text, textclean.PageBreak) {
		for _, p := range paragraphBreak.Split(pageText, -1) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, paragraph{text: p, page: i + 1})
			}
		}
	}
	return out
}

// splitSentences cuts after '.', '!' or '?' (plus closing quotes/brackets)
// followed by whitespace, and after the full-width '。', '！' and '？', which
// need no trailing space.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		wide := strings.ContainsRune("。！？", r)
		if !wide && r != '.' && r != '!' && r != '?' {
			i += size
			continue
		}
		j := i + size
		for j < len(text) {
			c, n := utf8.DecodeRuneInString(text[j:])
			if !strings.ContainsRune(`"')]」』）”`, c) {
				break
			}
			j += n
		}
		if !wide && j < len(text) && !isSpace(text[j]) {
			i += size
			continue
		}
		if s := strings.TrimSpace(text[start:j]); s != "" {
			out = append(out, s)
		}
		start = j
		i = j
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
