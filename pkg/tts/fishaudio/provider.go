// Package fishaudio adapts the Fish Audio HTTP API. Single voice per
// request; dialogues run through the segmented path.
package fishaudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"polyvox/pkg/config"
	"polyvox/pkg/model"
	"polyvox/pkg/tts"
)

const (
	backendName   = "fish-audio"
	defaultAPIURL = "https://api.fish.audio/v1/tts"
)

// Provider implements tts.Provider for Fish Audio.
type Provider struct {
	apiKey  string
	modelID string // Model ID (e.g. "s1")
	client  *http.Client
	url     string
}

// NewProvider creates a new Fish Audio TTS provider.
func NewProvider(cfg config.FishAudioConfig) *Provider {
	url := cfg.BaseURL
	if url == "" {
		url = defaultAPIURL
	}
	return &Provider{
		apiKey:  cfg.Key,
		modelID: cfg.Model,
		client:  &http.Client{Timeout: 60 * time.Second},
		url:     url,
	}
}

func (p *Provider) Name() string { return backendName }

// requestBody represents the JSON payload for Fish Audio TTS.
type requestBody struct {
	Text        string `json:"text"`
	ReferenceID string `json:"reference_id"`
	ModelID     string `json:"model,omitempty"`
	Format      string `json:"format"`
	Mp3Bitrate  int    `json:"mp3_bitrate,omitempty"`
	Latency     string `json:"latency,omitempty"`
}

// Synthesize generates speech from text using Fish Audio.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Voice == "" {
		return tts.Audio{}, model.NewValidationError("no voice for %s request", backendName)
	}

	// Style tags would be read out verbatim here.
	text := tts.StripStyleTags(req.Text)

	reqData := requestBody{
		Text:        text,
		ReferenceID: req.Voice,
		ModelID:     p.modelID,
		Format:      "mp3",
		Mp3Bitrate:  128, // Standard quality
		Latency:     "normal",
	}

	jsonData, err := json.Marshal(reqData)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		tts.Trace("FISH", string(jsonData), 0, err)
		return tts.Audio{}, model.NewProviderError(backendName, 0, "api request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		tts.Trace("FISH", string(jsonData), resp.StatusCode, nil)
		return tts.Audio{}, mapStatus(resp, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tts.Trace("FISH", string(jsonData), resp.StatusCode, err)
		return tts.Audio{}, model.NewProviderError(backendName, 0, "reading audio: %v", err)
	}
	if len(data) == 0 {
		tts.Trace("FISH", "Received empty audio (0 bytes)", 200, nil)
		return tts.Audio{}, model.NewProviderError(backendName, 0, "received empty audio")
	}

	tts.Trace("FISH", string(jsonData), 200, nil)
	return tts.Audio{Data: data, ContentType: "audio/mpeg"}, nil
}

func mapStatus(resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusPaymentRequired:
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

// Voices returns the configured voice. Fish Audio has thousands of
// community voices, so no static list is meaningful here.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	return []tts.Voice{}, nil
}

var _ tts.Provider = (*Provider)(nil)
