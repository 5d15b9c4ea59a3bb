package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigPort(t *testing.T) {
	cases := []struct {
		port    string
		want    string
		wantErr bool
	}{
		{port: "", want: ":8080"},
		{port: "9000", want: ":9000"},
		{port: "127.0.0.1:9000", want: "127.0.0.1:9000"},
		{port: "90 00", wantErr: true},
	}

	for _, tc := range cases {
		t.Setenv("PORT", tc.port)
		cfg, err := loadServerConfig()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("PORT=%q: expected error", tc.port)
			}
			continue
		}
		if err != nil {
			t.Fatalf("PORT=%q: unexpected error %v", tc.port, err)
		}
		if cfg.Addr != tc.want {
			t.Fatalf("PORT=%q: expected addr %q, got %q", tc.port, tc.want, cfg.Addr)
		}
	}
}

func TestLoadServerConfigAllowedOrigins(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://localhost:3000, ,https://tutor.example.com ")

	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "http://localhost:3000" || cfg.AllowedOrigins[1] != "https://tutor.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadSessionConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"SESSION_SILENCE_MS",
		"SESSION_SCRIPTED",
		"SESSION_MAX_CAPTURE_RESTARTS",
		"SESSION_PLAYBACK_GRACE_MS",
		"SESSION_FALLBACK_TEXT",
	} {
		t.Setenv(key, "")
	}

	cfg, err := loadSessionConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SilenceDelay != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s silence, got %v", cfg.SilenceDelay)
	}
	if cfg.MaxCaptureRestarts != 5 {
		t.Fatalf("expected 5 restarts, got %d", cfg.MaxCaptureRestarts)
	}
	if cfg.PlaybackGrace != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s grace, got %v", cfg.PlaybackGrace)
	}
	if cfg.FallbackText != DefaultFallbackText {
		t.Fatalf("unexpected fallback %q", cfg.FallbackText)
	}
	if cfg.Scripted {
		t.Fatal("scripted should default to false")
	}
}

func TestLoadSessionConfigOverrides(t *testing.T) {
	t.Setenv("SESSION_SILENCE_MS", "800")
	t.Setenv("SESSION_SCRIPTED", "true")
	t.Setenv("SESSION_MAX_CAPTURE_RESTARTS", "0")
	t.Setenv("SESSION_PLAYBACK_GRACE_MS", "250")

	cfg, err := loadSessionConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SilenceDelay != 800*time.Millisecond || !cfg.Scripted {
		t.Fatalf("unexpected session config %+v", cfg)
	}
	if cfg.MaxCaptureRestarts != 0 || cfg.PlaybackGrace != 250*time.Millisecond {
		t.Fatalf("unexpected session config %+v", cfg)
	}
}

func TestLoadSessionConfigRejectsBadSilence(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-5"} {
		t.Setenv("SESSION_SILENCE_MS", raw)
		if _, err := loadSessionConfig(); err == nil {
			t.Fatalf("SESSION_SILENCE_MS=%q: expected error", raw)
		}
	}
}

func TestLoadAIConfigProviderSelection(t *testing.T) {
	t.Setenv("AI_PROVIDER", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := loadAIConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != ProviderAnthropic || !cfg.Enabled() {
		t.Fatalf("expected anthropic provider enabled, got %+v", cfg)
	}

	t.Setenv("AI_PROVIDER", "openai")
	if _, err := loadAIConfig(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestSpeechServiceConfigMergesElevenLabs(t *testing.T) {
	cfg := &Config{
		Speech: SpeechConfig{
			AppID:       "app",
			AccessToken: "token",
			ASRLanguage: "en-US",
			TTSVoice:    "zh_female",
			Timeout:     30,
			TTSProvider: "elevenlabs",
		},
		ElevenLabs: ElevenLabsConfig{APIKey: "xi-key", Model: "eleven_multilingual_v2", BaseURL: "https://api.elevenlabs.io"},
	}

	out := cfg.SpeechServiceConfig()
	if out.AppID != "app" || out.AccessToken != "token" || out.TTSVoice != "zh_female" {
		t.Fatalf("volcengine fields not copied: %+v", out)
	}
	if out.ElevenLabsAPIKey != "xi-key" || out.ElevenLabsModel != "eleven_multilingual_v2" {
		t.Fatalf("elevenlabs fields not copied: %+v", out)
	}
	if out.TTSProvider != "elevenlabs" || out.Timeout != 30 {
		t.Fatalf("unexpected provider settings: %+v", out)
	}
}

func TestElevenLabsEnabled(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "")
	if loadElevenLabsConfig().Enabled() {
		t.Fatal("expected disabled without key")
	}

	t.Setenv("ELEVENLABS_API_KEY", " xi-key ")
	cfg := loadElevenLabsConfig()
	if !cfg.Enabled() || cfg.APIKey != "xi-key" {
		t.Fatalf("expected trimmed key, got %+v", cfg)
	}
	if cfg.BaseURL != "https://api.elevenlabs.io" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
}
