// Package textclean normalizes text pulled out of PDFs. Every stage is a
// pure string -> string function and can be used on its own.
package textclean

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// PageBreak separates page segments in extracted text.
const PageBreak = "\f"

type Options struct {
	StripHeadersFooters bool
	// HeaderFooterThreshold is the share of page segments a line has to
	// appear in to be treated as a running header or footer.
	HeaderFooterThreshold float64
}

func DefaultOptions() Options {
	return Options{StripHeadersFooters: true, HeaderFooterThreshold: 0.5}
}

// Clean runs every stage. Hyphenation and ligature repair come before header
// and footer detection because they change line boundaries.
func Clean(text string, opts Options) string {
	text = NormalizeLineEndings(text)
	text = FixHyphenation(text)
	text = NormalizeLigatures(text)
	if opts.StripHeadersFooters {
		text = StripHeadersFooters(text, opts.HeaderFooterThreshold)
	}
	text = RemoveControlChars(text)
	text = NormalizeUnicode(text)
	text = CollapseSpaces(text)
	text = TrimLines(text)
	text = CollapseBlankLines(text)
	return text
}

func NormalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// RemoveControlChars drops C0/C1 controls and format characters, keeping
// newlines, tabs and the page break.
func RemoveControlChars(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\f':
			return r
		case '\u00ad': // soft hyphen
			return -1
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, text)
}

func NormalizeUnicode(text string) string {
	return norm.NFC.String(text)
}

var multiSpace = regexp.MustCompile(` {2,}`)

func CollapseSpaces(text string) string {
	text = strings.Map(func(r rune) rune {
		if r != ' ' && r != '\t' && r != '\n' && r != '\f' && unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, text)
	return multiSpace.ReplaceAllString(text, " ")
}

var blankRun = regexp.MustCompile(`\n{3,}`)

// CollapseBlankLines leaves at most one blank line between paragraphs.
func CollapseBlankLines(text string) string {
	return blankRun.ReplaceAllString(text, "\n\n")
}

// TrimLines trims spaces and tabs on every line and whitespace around the
// whole text.
func TrimLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Trim(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var hyphenBreak = regexp.MustCompile(`(\p{L})-[ \t]*\n[ \t]*(\p{Ll})`)

// FixHyphenation joins words broken across a line wrap ("exam-\nple").
// The continuation has to start lowercase so "Jean-\nPierre" stays split.
func FixHyphenation(text string) string {
	return hyphenBreak.ReplaceAllString(text, "${1}${2}")
}

var ligatures = strings.NewReplacer(
	"\ufb00", "ff",
	"\ufb01", "fi",
	"\ufb02", "fl",
	"\ufb03", "ffi",
	"\ufb04", "ffl",
	"\ufb05", "st",
	"\ufb06", "st",
	"\u2018", "'",
	"\u2019", "'",
	"\u201a", "'",
	"\u201b", "'",
	"\u201c", "\"",
	"\u201d", "\"",
	"\u201e", "\"",
	"\u201f", "\"",
	"\u2010", "-",
	"\u2011", "-",
	"\u2012", "-",
	"\u2013", "-",
	"\u2014", "-",
	"\u2015", "-",
	"\u2212", "-",
	"\u2026", "...",
	"\u00a0", " ",
)

func NormalizeLigatures(text string) string {
	return ligatures.Replace(text)
}

var digits = regexp.MustCompile(`\d+`)

// StripHeadersFooters removes the first and last non-empty line of each
// page segment when that line (with numbers masked, so "Page 3" matches
// "Page 4") shows up in at least threshold of the segments, and in two of
// them at minimum.
func StripHeadersFooters(text string, threshold float64) string {
	pages := strings.Split(text, PageBreak)
	if len(pages) < 2 {
		return text
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	need := max(2, int(math.Ceil(threshold*float64(len(pages)))))

	type edge struct{ first, last int }
	edges := make([]edge, len(pages))
	lines := make([][]string, len(pages))
	headCount := map[string]int{}
	footCount := map[string]int{}

	for i, p := range pages {
		lines[i] = strings.Split(p, "\n")
		edges[i] = edge{-1, -1}
		for j, l := range lines[i] {
			if strings.TrimSpace(l) != "" {
				if edges[i].first < 0 {
					edges[i].first = j
				}
				edges[i].last = j
			}
		}
		if edges[i].first >= 0 {
			headCount[lineKey(lines[i][edges[i].first])]++
			footCount[lineKey(lines[i][edges[i].last])]++
		}
	}

	for i := range pages {
		e := edges[i]
		if e.first < 0 {
			continue
		}
		if headCount[lineKey(lines[i][e.first])] >= need {
			lines[i][e.first] = ""
		}
		if e.last != e.first && footCount[lineKey(lines[i][e.last])] >= need {
			lines[i][e.last] = ""
		}
		pages[i] = strings.Join(lines[i], "\n")
	}
	return strings.Join(pages, PageBreak)
}

func lineKey(l string) string {
	return digits.ReplaceAllString(strings.Join(strings.Fields(l), " "), "#")
}
