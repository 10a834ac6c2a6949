// Package edgetts adapts the Microsoft Edge read-aloud websocket service.
// It renders one voice per request, so dialogues go through the segmented
// path and are merged downstream.
package edgetts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polyvox/pkg/config"
	"polyvox/pkg/model"
	"polyvox/pkg/tts"
)

const backendName = "edge-tts"

// Provider implements tts.Provider for Microsoft Edge TTS.
type Provider struct {
	cfg config.EdgeTTSConfig
}

// NewProvider creates a new Edge TTS provider.
func NewProvider(cfg config.EdgeTTSConfig) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return backendName }

// Synthesize renders one voice speaking one text over the websocket
// protocol and returns the accumulated mp3 frames.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if req.Voice == "" {
		return tts.Audio{}, model.NewValidationError("no voice for %s request", backendName)
	}

	// The service has no style markup; tags are stripped so they are not
	// read aloud.
	text := tts.StripStyleTags(req.Text)

	conn, err := p.dial(ctx)
	if err != nil {
		return tts.Audio{}, model.NewProviderError(backendName, 0, "%v", err)
	}
	defer conn.Close()

	if err := p.sendConfig(conn); err != nil {
		return tts.Audio{}, model.NewProviderError(backendName, 0, "%v", err)
	}

	requestID := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := p.sendSSML(conn, req.Voice, text, req.Language, requestID); err != nil {
		return tts.Audio{}, model.NewProviderError(backendName, 0, "%v", err)
	}

	var buf bytes.Buffer
	if err := p.consumeResponses(ctx, conn, &buf); err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, model.NewProviderError(backendName, 0, "%v", err)
	}
	if buf.Len() == 0 {
		return tts.Audio{}, model.NewProviderError(backendName, 0, "no audio in response")
	}

	return tts.Audio{Data: buf.Bytes(), ContentType: "audio/mpeg"}, nil
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	if p.cfg.BaseURL == "" || p.cfg.TrustedClientToken == "" {
		return nil, fmt.Errorf("edge-tts base URL and trusted client token are required")
	}

	header := http.Header{}
	header.Set("Origin", p.cfg.Origin)
	header.Set("Pragma", "no-cache")
	header.Set("Cache-Control", "no-cache")
	header.Set("User-Agent", p.cfg.UserAgent)
	header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	header.Set("Accept-Language", "en-US,en;q=0.9")

	// MUID Cookie
	muid := strings.ReplaceAll(uuid.New().String(), "-", "")
	header.Set("Cookie", fmt.Sprintf("muid=%s", muid))

	token := generateSecMSGec(p.cfg.TrustedClientToken)
	url := fmt.Sprintf("%s?TrustedClientToken=%s&Sec-MS-GEC=%s&Sec-MS-GEC-Version=%s",
		p.cfg.BaseURL, p.cfg.TrustedClientToken, token, p.cfg.SecMSGecVersion)

	var conn *websocket.Conn
	var dialErr error
	for i := 0; i < 3; i++ {
		var resp *http.Response
		conn, resp, dialErr = websocket.DefaultDialer.DialContext(ctx, url, header)
		if dialErr == nil {
			return conn, nil
		}
		if resp != nil {
			slog.Warn("EdgeTTS: handshake failure", "status", resp.Status, "status_code", resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("websocket dial failed after retries: %w", dialErr)
}

// generateSecMSGec derives the handshake token: Windows epoch ticks rounded
// down to 5 minutes, concatenated with the client token and hashed.
func generateSecMSGec(trustedClientToken string) string {
	nowSec := float64(time.Now().Unix())
	ticks := nowSec + 11644473600
	ticks -= float64(int64(ticks) % 300)
	ticks *= 1e7

	strToHash := fmt.Sprintf("%.0f%s", ticks, trustedClientToken)

	hash := sha256.Sum256([]byte(strToHash))
	return strings.ToUpper(hex.EncodeToString(hash[:]))
}

func (p *Provider) sendConfig(conn *websocket.Conn) error {
	configMsg := "Content-Type:application/json; charset=utf-8\r\nPath:speech.config\r\n\r\n{\"context\":{\"synthesis\":{\"audio\":{\"metadataoptions\":{\"sentenceBoundaryEnabled\":\"false\",\"wordBoundaryEnabled\":\"false\"},\"outputFormat\":\"audio-24khz-48kbitrate-mono-mp3\"}}}}"
	if err := conn.WriteMessage(websocket.TextMessage, []byte(configMsg)); err != nil {
		return fmt.Errorf("failed to send speech.config: %w", err)
	}
	return nil
}

func (p *Provider) sendSSML(conn *websocket.Conn, voice, text, language, requestID string) error {
	ssml := buildSSML(voice, text, language)
	tts.Trace("EDGETTS", ssml, 0, nil)

	ssmlMsg := fmt.Sprintf("X-RequestId:%s\r\nContent-Type:application/ssml+xml\r\nPath:ssml\r\n\r\n%s", requestID, ssml)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMsg)); err != nil {
		return fmt.Errorf("failed to send ssml: %w", err)
	}
	return nil
}

func buildSSML(voice, text, language string) string {
	if language == "" {
		language = "en-US"
	}
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	escapedText := replacer.Replace(text)
	return fmt.Sprintf("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='%s'><voice name='%s'>%s</voice></speak>", language, voice, escapedText)
}

func (p *Provider) consumeResponses(ctx context.Context, conn *websocket.Conn, buf *bytes.Buffer) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message failed: %w", err)
		}

		if msgType == websocket.TextMessage {
			if strings.Contains(string(data), "Path:turn.end") {
				return nil
			}
		} else if msgType == websocket.BinaryMessage {
			appendBinaryMessage(data, buf)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// appendBinaryMessage strips the two-byte header-length prefix and the
// header itself, keeping only the audio payload.
func appendBinaryMessage(data []byte, buf *bytes.Buffer) {
	if len(data) < 2 {
		return
	}
	headerLength := int(uint16(data[0])<<8 | uint16(data[1]))
	if len(data) < 2+headerLength {
		return
	}
	buf.Write(data[2+headerLength:])
}

// Voices returns a list of high-quality neural voices.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	return []tts.Voice{
		{ID: "en-US-AvaMultilingualNeural", Name: "Ava (Multilingual)", Language: "en-US", IsNeural: true},
		{ID: "en-US-AndrewMultilingualNeural", Name: "Andrew (Multilingual)", Language: "en-US", IsNeural: true},
		{ID: "en-GB-SoniaNeural", Name: "Sonia (UK)", Language: "en-GB", IsNeural: true},
		{ID: "fr-FR-VivienneNeural", Name: "Vivienne (France)", Language: "fr-FR", IsNeural: true},
		{ID: "de-DE-SeraphinaNeural", Name: "Seraphina (Germany)", Language: "de-DE", IsNeural: true},
	}, nil
}

var _ tts.Provider = (*Provider)(nil)
