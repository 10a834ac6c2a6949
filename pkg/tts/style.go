package tts

import (
	"regexp"
	"strings"
)

// styleVocabulary is the fixed set of inline style tokens the markup builder
// understands. Bracket tokens outside this set are literal text, not a
// style switch; the set mirrors the expressive styles the native backends
// actually accept.
var styleVocabulary = map[string]struct{}{
	"cheerful":   {},
	"excited":    {},
	"friendly":   {},
	"hopeful":    {},
	"sad":        {},
	"angry":      {},
	"terrified":  {},
	"shouting":   {},
	"whispering": {},
	"calm":       {},
	"serious":    {},
	"gentle":     {},
}

var styleTagRegex = regexp.MustCompile(`\[([a-zA-Z]+)\]`)

// StyledSpan is a run of text rendered in a single style. An empty Style
// means the speaker's default delivery.
type StyledSpan struct {
	Style string
	Text  string
}

// IsStyleToken reports whether token is in the fixed style vocabulary.
func IsStyleToken(token string) bool {
	_, ok := styleVocabulary[strings.ToLower(token)]
	return ok
}

// ParseStyleSpans splits text into styled spans at recognized bracket
// tokens. "[cheerful] Hi there [sad] alas" yields two spans; "[sigh]" is
// not in the vocabulary and stays literal inside its span.
func ParseStyleSpans(text string) []StyledSpan {
	matches := styleTagRegex.FindAllStringSubmatchIndex(text, -1)

	var spans []StyledSpan
	style := ""
	start := 0
	flush := func(end int) {
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			spans = append(spans, StyledSpan{Style: style, Text: chunk})
		}
	}

	for _, m := range matches {
		token := text[m[2]:m[3]]
		if !IsStyleToken(token) {
			continue
		}
		flush(m[0])
		style = strings.ToLower(token)
		start = m[1]
	}
	flush(len(text))

	if spans == nil {
		// Whitespace-only input still yields one span so callers never
		// silently drop a turn.
		spans = []StyledSpan{{Text: strings.TrimSpace(text)}}
	}
	return spans
}

// StripStyleTags removes recognized style tokens, for the segmented path
// which cannot render them. Unrecognized bracket tokens survive untouched.
func StripStyleTags(text string) string {
	out := styleTagRegex.ReplaceAllStringFunc(text, func(m string) string {
		token := m[1 : len(m)-1]
		if IsStyleToken(token) {
			return ""
		}
		return m
	})
	return strings.Join(strings.Fields(out), " ")
}

// CountStyleTags counts recognized style tokens, for size estimation.
func CountStyleTags(text string) int {
	n := 0
	for _, m := range styleTagRegex.FindAllStringSubmatch(text, -1) {
		if IsStyleToken(m[1]) {
			n++
		}
	}
	return n
}
