// Package azure adapts the Azure Speech REST API. It is the primary
// native multi-speaker backend: whole dialogues render in one request
// through the shared markup builder.
package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"polyvox/pkg/config"
	"polyvox/pkg/model"
	"polyvox/pkg/tts"
	"polyvox/pkg/tts/ssml"
)

const backendName = "azure-speech"

// Provider implements tts.DialogueProvider for Azure Speech.
type Provider struct {
	key     string
	client  *http.Client
	url     string
	builder *ssml.Builder
}

// NewProvider creates a new Azure Speech TTS provider.
func NewProvider(cfg config.AzureSpeechConfig, cap tts.Capability) *Provider {
	url := fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", cfg.Region)
	return &Provider{
		key:     cfg.Key,
		client:  &http.Client{Timeout: 60 * time.Second},
		url:     url,
		builder: ssml.NewBuilder(cap),
	}
}

func (p *Provider) Name() string { return backendName }

// Synthesize renders one voice speaking one text. It goes through the same
// document builder as the dialogue path, as a one-turn script.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Voice == "" {
		return tts.Audio{}, model.NewValidationError("no voice for %s request", backendName)
	}
	doc, err := p.builder.Build(
		[]model.DialogueTurn{{Speaker: "narrator", Text: req.Text, Index: 0}},
		model.VoiceAssignment{"narrator": {VoiceID: req.Voice, Style: req.Style}},
		req.Language, 0)
	if err != nil {
		return tts.Audio{}, err
	}
	return p.post(ctx, doc)
}

// SynthesizeDialogue renders a whole multi-speaker script in one request.
func (p *Provider) SynthesizeDialogue(ctx context.Context, req tts.DialogueRequest) (tts.Audio, error) {
	doc, err := p.builder.Build(req.Turns, req.Voices, req.Language, req.GapMs)
	if err != nil {
		return tts.Audio{}, err
	}
	return p.post(ctx, doc)
}

func (p *Provider) post(ctx context.Context, doc string) (tts.Audio, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", p.url, strings.NewReader(doc))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Ocp-Apim-Subscription-Key", p.key)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", "audio-24khz-160kbitrate-mono-mp3")
	req.Header.Set("User-Agent", "Polyvox")

	resp, err := p.client.Do(req)
	if err != nil {
		tts.Trace("AZURE", doc, 0, err)
		return tts.Audio{}, model.NewProviderError(backendName, 0, "api request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tts.Trace("AZURE", doc, resp.StatusCode, nil)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return tts.Audio{}, mapStatus(resp, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tts.Trace("AZURE", doc, resp.StatusCode, err)
		return tts.Audio{}, model.NewProviderError(backendName, 0, "reading audio: %v", err)
	}

	tts.Trace("AZURE", doc, 200, nil)
	return tts.Audio{Data: data, ContentType: "audio/mpeg"}, nil
}

// mapStatus translates an Azure error response into the shared taxonomy:
// 429 is a quota rejection, other 4xx are invalid input, 5xx are transient.
func mapStatus(resp *http.Response, body string) error {
	if body == "" {
		body = "[empty body]"
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &model.QuotaExceededError{Backend: backendName, RetryAfter: retryAfter, Message: body}
	case resp.StatusCode >= 500:
		return model.NewProviderError(backendName, resp.StatusCode, "%s", body)
	default:
		return model.NewValidationError("%s rejected the request (status %d): %s", backendName, resp.StatusCode, body)
	}
}

var _ tts.DialogueProvider = (*Provider)(nil)
