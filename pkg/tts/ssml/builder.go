// Package ssml builds one multi-voice markup document for backends that
// render a whole dialogue natively in a single request.
package ssml

import (
	"fmt"
	"sort"
	"strings"

	"polyvox/pkg/model"
	"polyvox/pkg/tts"
)

const docHeader = `<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xmlns:mstts='https://www.w3.org/2001/mstts' xml:lang='%s'>`

// xmlEscaper covers the five markup metacharacters.
var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&apos;",
)

// Builder constructs dialogue documents within one backend's limits.
type Builder struct {
	cap tts.Capability
}

// NewBuilder creates a builder bound to the given backend capability.
func NewBuilder(cap tts.Capability) *Builder {
	return &Builder{cap: cap}
}

// Build renders the turns as a single markup document: one voice block per
// turn in index order, style spans wrapped in style+prosody markup, and a
// fixed-duration break between turns (not after the last). The result is
// deterministic for identical input.
func (b *Builder) Build(turns []model.DialogueTurn, voices model.VoiceAssignment, language string, gapMs int) (string, error) {
	if len(turns) == 0 {
		return "", model.NewValidationError("dialogue has no turns")
	}
	if b.cap.MaxTurns > 0 && len(turns) > b.cap.MaxTurns {
		return "", model.NewValidationError("%d turns exceeds the %s limit of %d", len(turns), b.cap.Backend, b.cap.MaxTurns)
	}

	ordered := make([]model.DialogueTurn, len(turns))
	copy(ordered, turns)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	speakers := make(map[string]struct{})
	for i, t := range ordered {
		if i > 0 && t.Index == ordered[i-1].Index {
			return "", model.NewValidationError("duplicate turn index %d", t.Index)
		}
		speakers[t.Speaker] = struct{}{}
		if _, ok := voices[t.Speaker]; !ok {
			return "", model.NewValidationError("no voice assigned for speaker %q", t.Speaker)
		}
	}
	if b.cap.MaxSpeakers > 0 && len(speakers) > b.cap.MaxSpeakers {
		return "", model.NewValidationError("%d speakers exceeds the %s limit of %d", len(speakers), b.cap.Backend, b.cap.MaxSpeakers)
	}

	if language == "" {
		language = "en-US"
	}
	if gapMs <= 0 {
		gapMs = 300
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, docHeader, language)
	for i, t := range ordered {
		if i > 0 {
			fmt.Fprintf(&sb, "<break time='%dms'/>", gapMs)
		}
		b.writeTurn(&sb, t, voices[t.Speaker])
	}
	sb.WriteString("</speak>")

	doc := sb.String()
	if b.cap.MaxPayloadBytes > 0 && len(doc) > b.cap.MaxPayloadBytes {
		return "", model.NewValidationError("document is %d bytes, %s accepts at most %d", len(doc), b.cap.Backend, b.cap.MaxPayloadBytes)
	}
	return doc, nil
}

func (b *Builder) writeTurn(sb *strings.Builder, turn model.DialogueTurn, voice model.VoiceRef) {
	fmt.Fprintf(sb, "<voice name='%s'>", xmlEscaper.Replace(voice.VoiceID))
	for _, span := range tts.ParseStyleSpans(turn.Text) {
		style := span.Style
		if style == "" {
			style = voice.Style
		}
		text := xmlEscaper.Replace(span.Text)
		if style != "" && b.cap.SupportsStyles {
			fmt.Fprintf(sb, "<mstts:express-as style='%s'><prosody rate='medium'>%s</prosody></mstts:express-as>",
				xmlEscaper.Replace(style), text)
		} else {
			sb.WriteString(text)
		}
	}
	sb.WriteString("</voice>")
}
