package textclean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStages(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"line endings", NormalizeLineEndings, "a\r\nb\rc\n", "a\nb\nc\n"},
		{"control chars keep newline tab page break", RemoveControlChars, "a\x00b\x07\tc\n\fd\x1b\u200be\u00adf", "ab\tc\n\fdef"},
		{"unicode nfc", NormalizeUnicode, "cafe\u0301", "caf\u00e9"},
		{"collapse spaces", CollapseSpaces, "a    b  c\td", "a b c\td"},
		{"collapse blank lines", CollapseBlankLines, "a\n\n\n\n\nb\n\nc", "a\n\nb\n\nc"},
		{"trim lines", TrimLines, "  \n  a  \n\tb\t\n  ", "a\nb"},
		{"hyphenation", FixHyphenation, "an exam-\nple of hyphen-  \n  ation", "an example of hyphenation"},
		{"hyphenation keeps proper names", FixHyphenation, "Jean-\nPierre", "Jean-\nPierre"},
		{"ligatures and quotes", NormalizeLigatures, "\ufb01nd \ufb02ow \u201cquoted\u201d it\u2019s a\u2014b\u2026", "find flow \"quoted\" it's a-b..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.in))
		})
	}
}

func TestStripHeadersFooters(t *testing.T) {
	pages := []string{
		"ACME Annual Report\nRevenue grew.\nPage 1",
		"ACME Annual Report\nCosts fell.\nPage 2",
		"ACME Annual Report\nOutlook is good.\nPage 3",
		"Appendix\nTables.\nPage 4",
	}
	out := StripHeadersFooters(strings.Join(pages, PageBreak), 0.5)

	assert.NotContains(t, out, "ACME Annual Report")
	assert.NotContains(t, out, "Page ")
	assert.Contains(t, out, "Appendix")
	assert.Contains(t, out, "Revenue grew.")
	assert.Equal(t, 4, len(strings.Split(out, PageBreak)))
}

func TestStripHeadersFootersThresholdIsTunable(t *testing.T) {
	pages := []string{
		"Header\nbody one\nend",
		"Header\nbody two\nend",
		"Other\nbody three\nfin",
		"Other2\nbody four\nfin2",
	}
	text := strings.Join(pages, PageBreak)

	assert.NotContains(t, StripHeadersFooters(text, 0.5), "Header")
	assert.Contains(t, StripHeadersFooters(text, 0.75), "Header")
}

func TestStripHeadersFootersSinglePageUntouched(t *testing.T) {
	text := "Title\nbody\nfooter"
	assert.Equal(t, text, StripHeadersFooters(text, 0.5))
}

func TestCleanOrderingRepairsBeforeHeaderDetection(t *testing.T) {
	// The header is only identical across pages once the ligature is fixed.
	pages := []string{
		"\ufb01nancial Summary\nProfit was up by a sig-\nnificant margin.",
		"financial Summary\nCash   flow  improved.",
		"financial Summary\n\n\n\n\nDebt was reduced.",
	}
	out := Clean(strings.Join(pages, "\r\n"+PageBreak+"\r\n"), DefaultOptions())

	assert.NotContains(t, out, "Summary")
	assert.Contains(t, out, "significant margin.")
	assert.Contains(t, out, "Cash flow improved.")
	assert.NotContains(t, out, "\n\n\n")
	assert.NotContains(t, out, "\r")
}

func TestCleanIsIdempotent(t *testing.T) {
	in := "  Some  text with \ufb01x-\nes\r\n\r\n\r\n\r\nand more.  "
	once := Clean(in, DefaultOptions())
	assert.Equal(t, once, Clean(once, DefaultOptions()))
}
