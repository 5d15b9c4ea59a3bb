package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

func newElevenLabsServer(t *testing.T, handler http.HandlerFunc) *speech.SpeechConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &speech.SpeechConfig{ElevenLabsAPIKey: "xi-key", ElevenLabsBaseURL: srv.URL}
}

func TestElevenLabsSynthesizeSpeech(t *testing.T) {
	var body elevenLabsRequest
	cfg := newElevenLabsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/text-to-speech/onwK4e9ZLuTAKqWW03F9/stream" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "xi-key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	})

	client := NewElevenLabsClient(cfg, nil)
	resp, err := client.SynthesizeSpeech(context.Background(), &speech.TTSRequest{
		SessionID: "sess-1",
		Text:      "One two three four five",
		Voice:     "onwK4e9ZLuTAKqWW03F9",
		Speed:     0.9,
	})
	if err != nil {
		t.Fatalf("synthesize failed: %v", err)
	}
	if string(resp.AudioData) != "mp3-bytes" || resp.Format != "mp3" || resp.Duration != 2000 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if body.ModelID != "eleven_multilingual_v2" || body.Text != "One two three four five" {
		t.Fatalf("unexpected body: %+v", body)
	}
	vs := body.VoiceSettings
	if vs.Stability != 0.5 || vs.SimilarityBoost != 0.75 || !vs.UseSpeakerBoost {
		t.Fatalf("unexpected voice settings: %+v", vs)
	}
	if vs.Speed == nil || *vs.Speed != float64(float32(0.9)) {
		t.Fatalf("expected speed to be forwarded, got %v", vs.Speed)
	}
}

func TestElevenLabsErrorStatus(t *testing.T) {
	cfg := newElevenLabsServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota_exceeded"}`, http.StatusTooManyRequests)
	})

	_, err := NewElevenLabsClient(cfg, nil).SynthesizeSpeech(context.Background(), &speech.TTSRequest{Text: "hi"})
	var apiErr *ElevenLabsError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected ElevenLabsError 429, got %v", err)
	}
}

func TestElevenLabsNotConfigured(t *testing.T) {
	client := NewElevenLabsClient(&speech.SpeechConfig{}, nil)
	if client.Enabled() {
		t.Fatalf("client without key must be disabled")
	}
	if _, err := client.SynthesizeSpeech(context.Background(), &speech.TTSRequest{Text: "hi"}); !errors.Is(err, ErrElevenLabsNotConfigured) {
		t.Fatalf("expected ErrElevenLabsNotConfigured, got %v", err)
	}
}

func TestServiceVoicesPrefersAccountList(t *testing.T) {
	cfg := newElevenLabsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"voices":[{"voice_id":"abc","name":"Custom Tutor"}]}`))
	})

	voices := NewService(cfg).Voices(context.Background())
	if len(voices) != 1 || voices[0].VoiceID != "abc" || voices[0].Labels == nil {
		t.Fatalf("unexpected voices: %+v", voices)
	}
}

func TestServiceVoicesFallsBackToPremade(t *testing.T) {
	cfg := newElevenLabsServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing permission voices_read", http.StatusUnauthorized)
	})

	voices := NewService(cfg).Voices(context.Background())
	if len(voices) != len(PremadeVoices) || len(voices) != 18 {
		t.Fatalf("expected premade list, got %d voices", len(voices))
	}
	if voices[0].Name != "Rachel" || voices[0].Labels["accent"] != "American" {
		t.Fatalf("unexpected first voice: %+v", voices[0])
	}

	noKey := NewService(&speech.SpeechConfig{}).Voices(context.Background())
	if len(noKey) != 18 {
		t.Fatalf("expected premade list without key, got %d", len(noKey))
	}
}

func TestServiceProviderRouting(t *testing.T) {
	s := NewService(&speech.SpeechConfig{})
	if got := s.Provider(""); got != ProviderVolcengine {
		t.Fatalf("default provider = %s", got)
	}
	if got := NewService(&speech.SpeechConfig{ElevenLabsAPIKey: "k"}).Provider(""); got != ProviderElevenLabs {
		t.Fatalf("provider with ElevenLabs key = %s", got)
	}
	if got := NewService(&speech.SpeechConfig{ElevenLabsAPIKey: "k", TTSProvider: "volcengine"}).Provider(""); got != ProviderVolcengine {
		t.Fatalf("configured provider should win, got %s", got)
	}
	if got := s.Provider("ElevenLabs"); got != ProviderElevenLabs {
		t.Fatalf("request provider should win, got %s", got)
	}
	if _, err := s.SynthesizeSpeech(context.Background(), &speech.TTSRequest{Text: "hi", Provider: "polly"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
