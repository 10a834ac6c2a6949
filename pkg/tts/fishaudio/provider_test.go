package fishaudio

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyvox/pkg/config"
	"polyvox/pkg/model"
	"polyvox/pkg/tts"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProvider(config.FishAudioConfig{Key: "k", Model: "s1", BaseURL: srv.URL})
}

func TestSynthesize(t *testing.T) {
	var got requestBody
	var auth string
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		auth = r.Header.Get("Authorization")
		w.Write([]byte("mp3"))
	})

	audio, err := p.Synthesize(context.Background(), tts.Request{
		Text:  "Hello [cheerful] world",
		Voice: "ref-123",
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("mp3"), audio.Data)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "ref-123", got.ReferenceID)
	assert.Equal(t, "s1", got.ModelID)
	// Style tags are stripped before submission.
	assert.Equal(t, "Hello world", got.Text)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.True(t, model.IsQuotaExceeded(err), "got %v", err)
		}},
		{http.StatusPaymentRequired, func(t *testing.T, err error) {
			assert.True(t, model.IsQuotaExceeded(err), "got %v", err)
		}},
		{http.StatusBadGateway, func(t *testing.T, err error) {
			assert.True(t, model.IsProvider(err), "got %v", err)
		}},
		{http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.True(t, model.IsValidation(err), "got %v", err)
		}},
	}

	for _, tc := range tests {
		p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := p.Synthesize(context.Background(), tts.Request{Text: "x", Voice: "v"})
		require.Error(t, err)
		tc.check(t, err)
	}
}

func TestEmptyAudioIsTransient(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := p.Synthesize(context.Background(), tts.Request{Text: "x", Voice: "v"})
	assert.True(t, model.IsProvider(err), "got %v", err)
}
