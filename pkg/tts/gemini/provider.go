// Package gemini adapts the Gemini speech generation models. The
// multi-speaker voice config renders two-voice dialogues natively in one
// request; the response is raw PCM that gets wrapped into WAV here.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"polyvox/pkg/audio"
	"polyvox/pkg/config"
	"polyvox/pkg/model"
	"polyvox/pkg/tts"
)

const backendName = "gemini-tts"

// Provider implements tts.DialogueProvider for Gemini speech models.
type Provider struct {
	client    *genai.Client
	modelName string
	cap       tts.Capability
}

// NewProvider creates a new Gemini TTS provider.
func NewProvider(ctx context.Context, cfg config.GeminiConfig, cap tts.Capability) (*Provider, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-2.5-flash-preview-tts"
	}
	return &Provider{client: client, modelName: modelName, cap: cap}, nil
}

func (p *Provider) Name() string { return backendName }

// Synthesize renders one voice speaking one text.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Voice == "" {
		return tts.Audio{}, model.NewValidationError("no voice for %s request", backendName)
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: req.Voice},
			},
		},
	}

	text := tts.StripStyleTags(req.Text)
	if req.Style != "" {
		// The speech models take style as a plain-language instruction.
		text = fmt.Sprintf("Say in a %s voice: %s", req.Style, text)
	}
	return p.generate(ctx, text, cfg)
}

// SynthesizeDialogue renders a two-voice script in one request using the
// multi-speaker voice config.
func (p *Provider) SynthesizeDialogue(ctx context.Context, req tts.DialogueRequest) (tts.Audio, error) {
	if len(req.Turns) == 0 {
		return tts.Audio{}, model.NewValidationError("dialogue has no turns")
	}

	ordered := make([]model.DialogueTurn, len(req.Turns))
	copy(ordered, req.Turns)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	speakers := make([]string, 0, 2)
	seen := make(map[string]struct{})
	for _, t := range ordered {
		if _, ok := req.Voices[t.Speaker]; !ok {
			return tts.Audio{}, model.NewValidationError("no voice assigned for speaker %q", t.Speaker)
		}
		if _, ok := seen[t.Speaker]; !ok {
			seen[t.Speaker] = struct{}{}
			speakers = append(speakers, t.Speaker)
		}
	}
	if p.cap.MaxSpeakers > 0 && len(speakers) > p.cap.MaxSpeakers {
		return tts.Audio{}, model.NewValidationError("%d speakers exceeds the %s limit of %d", len(speakers), backendName, p.cap.MaxSpeakers)
	}

	voiceConfigs := make([]*genai.SpeakerVoiceConfig, 0, len(speakers))
	for _, s := range speakers {
		voiceConfigs = append(voiceConfigs, &genai.SpeakerVoiceConfig{
			Speaker: s,
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: req.Voices[s].VoiceID},
			},
		})
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			MultiSpeakerVoiceConfig: &genai.MultiSpeakerVoiceConfig{
				SpeakerVoiceConfigs: voiceConfigs,
			},
		},
	}

	var sb strings.Builder
	sb.WriteString("TTS the following conversation:\n")
	for _, t := range ordered {
		fmt.Fprintf(&sb, "%s: %s\n", t.Speaker, tts.StripStyleTags(t.Text))
	}

	script := sb.String()
	if p.cap.MaxPayloadBytes > 0 && len(script) > p.cap.MaxPayloadBytes {
		return tts.Audio{}, model.NewValidationError("script is %d bytes, %s accepts at most %d", len(script), backendName, p.cap.MaxPayloadBytes)
	}
	return p.generate(ctx, script, cfg)
}

func (p *Provider) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (tts.Audio, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.modelName, genai.Text(prompt), cfg)
	if err != nil {
		tts.Trace("GEMINI", prompt, 0, err)
		return tts.Audio{}, mapError(err)
	}

	pcm, mimeType, err := extractAudio(resp)
	if err != nil {
		tts.Trace("GEMINI", prompt, 0, err)
		return tts.Audio{}, err
	}
	tts.Trace("GEMINI", prompt, 200, nil)

	// The models emit s16le PCM; the rate rides in the MIME type.
	wav, err := audio.PCMToWAV(pcm, pcmRate(mimeType), 1)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("wrapping pcm: %w", err)
	}
	return tts.Audio{Data: wav, ContentType: "audio/wav"}, nil
}

func extractAudio(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, "", model.NewProviderError(backendName, 0, "response has no candidates")
	}
	var data []byte
	var mimeType string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			data = append(data, part.InlineData.Data...)
			mimeType = part.InlineData.MIMEType
		}
	}
	if len(data) == 0 {
		return nil, "", model.NewProviderError(backendName, 0, "response has no audio parts")
	}
	return data, mimeType, nil
}

// pcmRate parses the sample rate out of a MIME type like
// "audio/L16;codec=pcm;rate=24000".
func pcmRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(param), "rate="); ok {
			if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return 24000
}

func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return &model.QuotaExceededError{Backend: backendName, Message: apiErr.Message}
		case apiErr.Code >= 500:
			return model.NewProviderError(backendName, apiErr.Code, "%s", apiErr.Message)
		case apiErr.Code >= 400:
			return model.NewValidationError("%s rejected the request (status %d): %s", backendName, apiErr.Code, apiErr.Message)
		}
	}
	return model.NewProviderError(backendName, 0, "generate content error: %v", err)
}

var _ tts.DialogueProvider = (*Provider)(nil)
