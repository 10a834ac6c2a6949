// Package segment splits long text at the best available boundary within a
// character or byte budget, for backends whose payload limits differ in unit.
package segment

import (
	"strings"
	"unicode/utf8"

	"polyvox/pkg/model"
)

// BoundaryType is the kind of break a segment was cut at.
type BoundaryType string

const (
	BoundaryNone      BoundaryType = "none"
	BoundaryParagraph BoundaryType = "paragraph"
	BoundarySentence  BoundaryType = "sentence"
	BoundaryClause    BoundaryType = "clause"
	BoundaryHard      BoundaryType = "hard"
)

// Config selects the budget and its unit. Exactly one of MaxChars or
// MaxBytes must be positive; backends differ in which unit their limit uses.
type Config struct {
	MaxChars int
	MaxBytes int
}

// Segment is one ordered slice of the split text. Concatenating all
// segments in index order reproduces the original text exactly.
type Segment struct {
	Index    int
	Text     string
	Boundary BoundaryType
	Chars    int
	Bytes    int
}

// Sentence-ending and clause punctuation, CJK and Latin.
const (
	sentenceRunes = "。！？.!?"
	clauseRunes   = "，,；;"
)

// Split divides text into segments each measuring at most the configured
// budget, preferring paragraph breaks, then sentence punctuation, then
// clause punctuation, then a hard cut exactly at the budget. Each segment
// carries the boundary that terminated it; the final segment inherits the
// boundary that separated it from its predecessor, or BoundaryNone when the
// text was never split.
func Split(text string, cfg Config) ([]Segment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, model.NewValidationError("text is empty")
	}
	if (cfg.MaxChars > 0) == (cfg.MaxBytes > 0) {
		return nil, model.NewValidationError("exactly one of max_chars or max_bytes must be set")
	}

	var segs []Segment
	rest := text
	last := BoundaryNone
	for {
		window := budgetPrefix(rest, cfg)
		if window == "" {
			// A byte budget below the width of the next rune admits no cut
			// that makes progress.
			return nil, model.NewValidationError("byte budget of %d cannot fit the next character", cfg.MaxBytes)
		}
		if len(window) == len(rest) {
			segs = append(segs, makeSegment(len(segs), rest, last))
			return segs, nil
		}

		cut, boundary := bestCut(rest, window)
		segs = append(segs, makeSegment(len(segs), rest[:cut], boundary))
		rest = rest[cut:]
		last = boundary
	}
}

func makeSegment(index int, text string, boundary BoundaryType) Segment {
	return Segment{
		Index:    index,
		Text:     text,
		Boundary: boundary,
		Chars:    utf8.RuneCountInString(text),
		Bytes:    len(text),
	}
}

// budgetPrefix returns the longest prefix of s that fits the budget without
// splitting a UTF-8 sequence.
func budgetPrefix(s string, cfg Config) string {
	if cfg.MaxChars > 0 {
		n := 0
		for i := range s {
			if n == cfg.MaxChars {
				return s[:i]
			}
			n++
		}
		return s
	}

	if len(s) <= cfg.MaxBytes {
		return s
	}
	end := cfg.MaxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// bestCut finds the rightmost admissible cut point inside window, returning
// the byte offset into rest and the boundary type used. The window is a
// prefix of rest; the cut must leave a non-empty head.
func bestCut(rest, window string) (int, BoundaryType) {
	// Paragraph break: cut after the blank line.
	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return i + 2, BoundaryParagraph
	}

	if i := lastRuneCut(window, sentenceRunes); i > 0 {
		return i, BoundarySentence
	}

	if i := lastRuneCut(window, clauseRunes); i > 0 {
		return i, BoundaryClause
	}

	// No punctuation anywhere in the window: hard cut at the budget.
	return len(window), BoundaryHard
}

// lastRuneCut returns the byte offset just past the last occurrence in s of
// any rune in set, or 0 when none occurs.
func lastRuneCut(s, set string) int {
	if i := strings.LastIndexAny(s, set); i >= 0 {
		_, size := utf8.DecodeRuneInString(s[i:])
		return i + size
	}
	return 0
}
