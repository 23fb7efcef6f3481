package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/textclean"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

var (
	ErrInvalidFormat    = errors.New("invalid format: not a PDF")
	ErrExtractionFailed = errors.New("extraction failed")
)

var pdfMagic = []byte("%PDF")

// pdfDecoder turns PDF bytes into page-delimited text.
type pdfDecoder interface {
	Name() string
	Decode(ctx context.Context, data []byte) (*core.ExtractedText, error)
}

var _ core.DocumentExtractor = (*PDFExtractor)(nil)

// PDFExtractor validates a PDF and decodes it with a primary decoder, falling
// back to a second one when asked to.
type PDFExtractor struct {
	primary  pdfDecoder
	fallback pdfDecoder
	clean    textclean.Options
	log      logger.Logger
}

func NewPDFExtractor(clean textclean.Options, log logger.Logger) *PDFExtractor {
	return &PDFExtractor{
		primary:  ledongthucDecoder{},
		fallback: docconvDecoder{},
		clean:    clean,
		log:      log.Named("pdf-extractor"),
	}
}

// IsPDF reports whether data starts with the PDF magic bytes.
func IsPDF(data []byte) bool {
	return len(data) >= len(pdfMagic) && bytes.Equal(data[:len(pdfMagic)], pdfMagic)
}

func (e *PDFExtractor) Extract(ctx context.Context, data []byte, opts core.ExtractOptions) (*core.ExtractedText, error) {
	if !IsPDF(data) {
		return nil, ErrInvalidFormat
	}

	out, err := e.primary.Decode(ctx, data)
	if err != nil {
		e.log.Warn("primary decoder failed", logger.String("decoder", e.primary.Name()), logger.Error(err))
		if !opts.UseFallback || e.fallback == nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, e.primary.Name(), err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		out, err = e.fallback.Decode(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, e.fallback.Name(), err)
		}
	}

	if opts.CleanText {
		out.Text = textclean.Clean(out.Text, e.clean)
	}
	return out, nil
}

type ledongthucDecoder struct{}

func (ledongthucDecoder) Name() string { return "ledongthuc/pdf" }

func (ledongthucDecoder) Decode(ctx context.Context, data []byte) (res *core.ExtractedText, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	n := r.NumPage()
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}

	return &core.ExtractedText{
		Text:      joinPages(pages),
		PageCount: n,
		Metadata:  infoMetadata(r.Trailer()),
		Decoder:   "ledongthuc/pdf",
	}, nil
}

func infoMetadata(trailer pdf.Value) core.DocumentMetadata {
	var md core.DocumentMetadata
	if trailer.IsNull() {
		return md
	}
	info := trailer.Key("Info")
	if info.IsNull() {
		return md
	}
	md.Title = strings.TrimSpace(info.Key("Title").Text())
	md.Author = strings.TrimSpace(info.Key("Author").Text())
	md.Creator = strings.TrimSpace(info.Key("Creator").Text())
	md.Producer = strings.TrimSpace(info.Key("Producer").Text())
	if t, ok := parsePDFDate(info.Key("CreationDate").Text()); ok {
		md.CreationDate = &t
	}
	return md
}

// docconvDecoder shells out to poppler through docconv.
type docconvDecoder struct{}

func (docconvDecoder) Name() string { return "docconv" }

func (docconvDecoder) Decode(ctx context.Context, data []byte) (*core.ExtractedText, error) {
	text, meta, err := docconv.ConvertPDF(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// pdftotext already separates pages with form feeds.
	text = strings.TrimRight(text, textclean.PageBreak+"\n ")
	pageCount := strings.Count(text, textclean.PageBreak) + 1
	if v, ok := meta["Pages"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			pageCount = n
		}
	}

	md := core.DocumentMetadata{
		Title:    strings.TrimSpace(meta["Title"]),
		Author:   strings.TrimSpace(meta["Author"]),
		Creator:  strings.TrimSpace(meta["Creator"]),
		Producer: strings.TrimSpace(meta["Producer"]),
	}
	if t, ok := parsePDFDate(meta["CreationDate"]); ok {
		md.CreationDate = &t
	}

	return &core.ExtractedText{
		Text:      text,
		PageCount: pageCount,
		Metadata:  md,
		Decoder:   "docconv",
	}, nil
}

func joinPages(pages []string) string {
	return strings.Join(pages, "\n"+textclean.PageBreak+"\n")
}

var pdfDate = regexp.MustCompile(`^D?:?(\d{4})(\d{2})?(\d{2})?(\d{2})?(\d{2})?(\d{2})?([Zz+\-])?(\d{2})?'?(\d{2})?'?$`)

// pdfinfo prints dates in ANSI C or RFC-ish layouts depending on version.
var pdfinfoLayouts = []string{
	time.ANSIC,
	"Mon Jan _2 15:04:05 2006 MST",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// parsePDFDate understands "D:YYYYMMDDHHmmSSOHH'mm'" and pdfinfo output.
// Anything else is reported as not ok.
func parsePDFDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if m := pdfDate.FindStringSubmatch(s); m != nil {
		num := func(v string, def int) int {
			if v == "" {
				return def
			}
			n, _ := strconv.Atoi(v)
			return n
		}
		year := num(m[1], 0)
		month, day := num(m[2], 1), num(m[3], 1)
		hour, minute, sec := num(m[4], 0), num(m[5], 0), num(m[6], 0)
		if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
			return time.Time{}, false
		}
		loc := time.UTC
		if m[7] == "+" || m[7] == "-" {
			offset := num(m[8], 0)*3600 + num(m[9], 0)*60
			if m[7] == "-" {
				offset = -offset
			}
			loc = time.FixedZone("", offset)
		}
		return time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc), true
	}
	for _, layout := range pdfinfoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
