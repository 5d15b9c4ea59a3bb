package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultElevenLabsModel   = "eleven_multilingual_v2"
	// Rachel
	defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
)

// ErrElevenLabsNotConfigured 未配置 ElevenLabs 密钥
var ErrElevenLabsNotConfigured = errors.New("ElevenLabs API key not configured")

// ElevenLabsError ElevenLabs 接口返回非 2xx
type ElevenLabsError struct {
	StatusCode int
	Body       string
}

func (e *ElevenLabsError) Error() string {
	return fmt.Sprintf("elevenlabs: status %d: %s", e.StatusCode, e.Body)
}

// ElevenLabsClient ElevenLabs HTTP 流式合成客户端
type ElevenLabsClient struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
	http    *http.Client
}

type elevenLabsVoiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Style           float64  `json:"style"`
	UseSpeakerBoost bool     `json:"use_speaker_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

// NewElevenLabsClient 创建 ElevenLabs 客户端，httpClient 为空时使用默认超时
func NewElevenLabsClient(config *speech.SpeechConfig, httpClient *http.Client) *ElevenLabsClient {
	c := &ElevenLabsClient{
		model:   defaultElevenLabsModel,
		baseURL: defaultElevenLabsBaseURL,
		voice:   defaultElevenLabsVoice,
		http:    httpClient,
	}
	if config != nil {
		c.apiKey = strings.TrimSpace(config.ElevenLabsAPIKey)
		if m := strings.TrimSpace(config.ElevenLabsModel); m != "" {
			c.model = m
		}
		if u := strings.TrimSpace(config.ElevenLabsBaseURL); u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
	if c.http == nil {
		timeout := 60 * time.Second
		if config != nil && config.Timeout > 0 {
			timeout = time.Duration(config.Timeout) * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c
}

// Enabled 是否配置了密钥
func (c *ElevenLabsClient) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// SynthesizeSpeech 调用流式合成接口并读完全部音频
func (c *ElevenLabsClient) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if !c.Enabled() {
		return nil, ErrElevenLabsNotConfigured
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = c.voice
	}
	body, err := json.Marshal(buildElevenLabsRequest(c.model, req))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "marshal elevenlabs request")
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", c.baseURL, url.PathEscape(voice))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build elevenlabs request")
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "elevenlabs request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("[TTS] ElevenLabs error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return nil, &ElevenLabsError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read elevenlabs audio")
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: audio is empty")
	}

	requestID := resp.Header.Get("request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &speech.TTSResponse{
		SessionID: req.SessionID,
		AudioData: audio,
		Duration:  EstimateSpeechDuration(req.Text).Milliseconds(),
		Format:    "mp3",
		RequestID: requestID,
		CreatedAt: time.Now(),
	}, nil
}

func buildElevenLabsRequest(model string, req *speech.TTSRequest) elevenLabsRequest {
	settings := elevenLabsVoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		UseSpeakerBoost: true,
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		speed := float64(req.Speed)
		if speed < 0.7 {
			speed = 0.7
		}
		if speed > 1.2 {
			speed = 1.2
		}
		settings.Speed = &speed
	}
	// 学生情绪越强，语气起伏越明显
	if _, _, scale := emotionFor(req.Emotion); scale > 0 {
		settings.Style = float64(scale-1) / 10
	}
	return elevenLabsRequest{Text: req.Text, ModelID: model, VoiceSettings: settings}
}

type elevenLabsVoicesResponse struct {
	Voices []speech.Voice `json:"voices"`
}

// ListVoices 拉取账号下的音色列表
func (c *ElevenLabsClient) ListVoices(ctx context.Context) ([]speech.Voice, error) {
	if !c.Enabled() {
		return nil, ErrElevenLabsNotConfigured
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "build voices request")
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list voices")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ElevenLabsError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var payload elevenLabsVoicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, pkgerrors.Wrap(err, "decode voices")
	}
	for i := range payload.Voices {
		if payload.Voices[i].Labels == nil {
			payload.Voices[i].Labels = map[string]string{}
		}
	}
	return payload.Voices, nil
}
