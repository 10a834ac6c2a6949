package tts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyvox/pkg/model"
)

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()

	c, ok := r.Get("azure-speech")
	require.True(t, ok)
	assert.Equal(t, SupportNative, c.Support)

	_, ok = r.Get("no-such-backend")
	assert.False(t, ok)
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	caps := r.List()
	require.NotEmpty(t, caps)
	for i := 1; i < len(caps); i++ {
		assert.Less(t, caps[i-1].Backend, caps[i].Backend)
	}
}

func TestCanUseNative(t *testing.T) {
	r := NewRegistry()
	voices := model.VoiceAssignment{
		"A": {VoiceID: "en-US-AvaMultilingualNeural"},
		"B": {VoiceID: "en-US-AndrewMultilingualNeural"},
	}
	turns := []model.DialogueTurn{
		{Speaker: "A", Text: "Hello", Index: 0},
		{Speaker: "B", Text: "Hi", Index: 1},
		{Speaker: "A", Text: "How are you?", Index: 2},
	}

	azure, _ := r.Get("azure-speech")
	assert.True(t, r.CanUseNative(azure, turns, voices))

	edge, _ := r.Get("edge-tts")
	assert.False(t, r.CanUseNative(edge, turns, voices), "segmented backend is never native")

	// Too many turns.
	small := azure
	small.MaxTurns = 2
	assert.False(t, r.CanUseNative(small, turns, voices))

	// Too many speakers.
	small = azure
	small.MaxSpeakers = 1
	assert.False(t, r.CanUseNative(small, turns, voices))

	// Estimated size over the payload limit.
	big := []model.DialogueTurn{{Speaker: "A", Text: strings.Repeat("x", 70*1024), Index: 0}}
	assert.False(t, r.CanUseNative(azure, big, voices))
}

func TestCanUseNative_EstimateCountsStyles(t *testing.T) {
	r := NewRegistry()
	cap := Capability{
		Backend:         "test",
		Support:         SupportNative,
		MaxPayloadBytes: estDocOverhead + estTurnOverhead + estStyleOverhead + 50,
	}

	plain := []model.DialogueTurn{{Speaker: "A", Text: "short line", Index: 0}}
	styled := []model.DialogueTurn{{Speaker: "A", Text: "[cheerful] short [sad] line", Index: 0}}
	voices := model.VoiceAssignment{"A": {VoiceID: "v"}}

	assert.True(t, r.CanUseNative(cap, plain, voices))
	assert.False(t, r.CanUseNative(cap, styled, voices), "two style spans must push the estimate over")
}
