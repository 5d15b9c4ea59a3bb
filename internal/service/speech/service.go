package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

// 合成服务提供方
const (
	ProviderVolcengine = "volcengine"
	ProviderElevenLabs = "elevenlabs"
)

// ErrUnknownProvider 未知的合成提供方
var ErrUnknownProvider = errors.New("unknown tts provider")

// Service 语音服务：火山引擎负责识别，合成按提供方路由
type Service struct {
	config     *speech.SpeechConfig
	ttsClient  *VolcengineTTSClient
	asrClient  *VolcengineASRClient
	elevenLabs *ElevenLabsClient
}

// NewService 创建语音服务实例
func NewService(config *speech.SpeechConfig) *Service {
	dialer := NewDialer(DefaultDialOptions())
	return &Service{
		config:     config,
		ttsClient:  NewVolcengineTTSClient(config, dialer),
		asrClient:  NewVolcengineASRClient(config, dialer),
		elevenLabs: NewElevenLabsClient(config, nil),
	}
}

// Provider 返回请求实际使用的合成提供方
func (s *Service) Provider(requested string) string {
	if p := strings.ToLower(strings.TrimSpace(requested)); p != "" {
		return p
	}
	if s.config != nil {
		if p := strings.ToLower(strings.TrimSpace(s.config.TTSProvider)); p != "" {
			return p
		}
	}
	if s.elevenLabs.Enabled() {
		return ProviderElevenLabs
	}
	return ProviderVolcengine
}

// SynthesizeSpeech 文字转语音
func (s *Service) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	switch provider := s.Provider(req.Provider); provider {
	case ProviderElevenLabs:
		return s.elevenLabs.SynthesizeSpeech(ctx, req)
	case ProviderVolcengine:
		return s.ttsClient.SynthesizeSpeech(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// TranscribeAudio 整段语音转文字
func (s *Service) TranscribeAudio(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	return s.asrClient.TranscribeAudio(ctx, req)
}

// OpenRecognition 打开一次流式识别
func (s *Service) OpenRecognition(ctx context.Context, sessionID, language, format string) (*Recognition, error) {
	return s.asrClient.OpenRecognition(ctx, sessionID, language, format)
}

// Voices 返回可选音色，优先使用 ElevenLabs 账号音色，失败时返回预置列表
func (s *Service) Voices(ctx context.Context) []speech.Voice {
	if s.elevenLabs.Enabled() {
		voices, err := s.elevenLabs.ListVoices(ctx)
		if err == nil {
			return voices
		}
		log.Printf("[TTS] list voices failed, using premade list: %v", err)
	}
	return append([]speech.Voice(nil), PremadeVoices...)
}

// Health 各提供方的配置状态
type Health struct {
	Recognition bool   `json:"recognition"`
	Synthesis   bool   `json:"synthesis"`
	Provider    string `json:"provider"`
}

// Health 返回当前语音能力的配置状态
func (s *Service) Health() Health {
	provider := s.Provider("")
	h := Health{Provider: provider}
	_, _, err := resolveCredentials(s.config)
	h.Recognition = err == nil
	switch provider {
	case ProviderElevenLabs:
		h.Synthesis = s.elevenLabs.Enabled()
	default:
		h.Synthesis = err == nil
	}
	return h
}
