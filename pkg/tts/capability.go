package tts

import (
	"sort"

	"polyvox/pkg/model"
)

// SupportClass describes how a backend handles multi-speaker scripts.
type SupportClass string

const (
	// SupportNative renders multiple voices in a single request.
	SupportNative SupportClass = "NATIVE"
	// SupportSegmented needs one request per turn plus client-side merging.
	SupportSegmented SupportClass = "SEGMENTED"
	// SupportUnsupported cannot render dialogue at all.
	SupportUnsupported SupportClass = "UNSUPPORTED"
)

// Capability is the static description of one backend's limits.
type Capability struct {
	Backend         string       `json:"backend"`
	Support         SupportClass `json:"support"`
	MaxSpeakers     int          `json:"max_speakers"`
	MaxTurns        int          `json:"max_turns"`
	MaxPayloadBytes int          `json:"max_payload_bytes"`
	SupportsStyles  bool         `json:"supports_styles"`
	SupportsSSML    bool         `json:"supports_ssml"`
}

// Serialized-size estimate constants. These deliberately overshoot the real
// markup so the registry never routes a script down the native path only for
// the builder to reject it on size.
const (
	estDocOverhead   = 280 // document envelope
	estTurnOverhead  = 170 // voice block plus break marker
	estStyleOverhead = 110 // style and prosody wrapping per style span
)

// Registry is a static lookup of backend capabilities. It is constructed
// once and never mutated, so reads need no locking.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry creates a registry with the built-in backend table.
func NewRegistry() *Registry {
	return newRegistryWith(
		Capability{
			Backend:         "azure-speech",
			Support:         SupportNative,
			MaxSpeakers:     50,
			MaxTurns:        50,
			MaxPayloadBytes: 64 * 1024,
			SupportsStyles:  true,
			SupportsSSML:    true,
		},
		Capability{
			Backend:         "gemini-tts",
			Support:         SupportNative,
			MaxSpeakers:     2, // multi-speaker voice config caps at two voices
			MaxTurns:        100,
			MaxPayloadBytes: 32 * 1024,
			SupportsStyles:  false,
			SupportsSSML:    false,
		},
		Capability{
			Backend:         "edge-tts",
			Support:         SupportSegmented,
			MaxSpeakers:     0,
			MaxTurns:        0,
			MaxPayloadBytes: 8 * 1024,
			SupportsStyles:  false,
			SupportsSSML:    true,
		},
		Capability{
			Backend:         "fish-audio",
			Support:         SupportSegmented,
			MaxSpeakers:     0,
			MaxTurns:        0,
			MaxPayloadBytes: 16 * 1024,
			SupportsStyles:  false,
			SupportsSSML:    false,
		},
	)
}

func newRegistryWith(caps ...Capability) *Registry {
	m := make(map[string]Capability, len(caps))
	for _, c := range caps {
		m[c.Backend] = c
	}
	return &Registry{caps: m}
}

// Get looks up a backend's capability. The second return is false for
// unknown backends; absence is expected, not an error.
func (r *Registry) Get(name string) (Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

// List returns all capabilities sorted by backend name.
func (r *Registry) List() []Capability {
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// CanUseNative reports whether the script fits the backend's native
// multi-speaker limits, using a serialized-size estimate so the full
// document never has to be constructed just to pick a path.
func (r *Registry) CanUseNative(cap Capability, turns []model.DialogueTurn, voices model.VoiceAssignment) bool {
	if cap.Support != SupportNative || len(turns) == 0 {
		return false
	}
	if cap.MaxTurns > 0 && len(turns) > cap.MaxTurns {
		return false
	}

	speakers := make(map[string]struct{})
	size := estDocOverhead
	for _, t := range turns {
		speakers[t.Speaker] = struct{}{}
		size += estTurnOverhead + len(t.Text)
		if v, ok := voices[t.Speaker]; ok {
			size += len(v.VoiceID)
			if v.Style != "" {
				size += estStyleOverhead
			}
		}
		size += CountStyleTags(t.Text) * estStyleOverhead
	}

	if cap.MaxSpeakers > 0 && len(speakers) > cap.MaxSpeakers {
		return false
	}
	return cap.MaxPayloadBytes <= 0 || size <= cap.MaxPayloadBytes
}
