package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/ai/anthropic"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server        ServerConfig
	AI            AIConfig
	Speech        SpeechConfig
	ElevenLabs    ElevenLabsConfig
	Session       SessionConfig
	Observability ObservabilityConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:        server,
		AI:            ai,
		Speech:        speech,
		ElevenLabs:    loadElevenLabsConfig(),
		Session:       session,
		Observability: loadObservabilityConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AllowedOrigins 为空时允许任意来源。
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// parseListEnv 解析逗号分隔的环境变量，忽略空项。
func parseListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AI provider names accepted by AI_PROVIDER.
const (
	ProviderArk       = "ark"
	ProviderAnthropic = "anthropic"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider              string
	APIKey                string
	AccessKey             string
	SecretKey             string
	Model                 string
	BaseURL               string
	Region                string
	Temperature           *float64
	TopP                  *float64
	MaxTokens             *int
	Anthropic             AnthropicConfig
	SentimentLLMEnabled   bool
	SentimentHistoryLimit int
	HistoryTokenBudget    int
}

// AnthropicConfig 描述 Anthropic Messages API 配置。
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID       string
	AccessToken string
	APIKey      string
	AccessKey   string
	SecretKey   string
	Region      string
	BaseURL     string
	ASRModel    string
	ASRLanguage string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
	Timeout     int
	Enabled     bool
	TTSProvider string
}

// ElevenLabsConfig 描述 ElevenLabs 语音合成配置。
type ElevenLabsConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Enabled 表示是否配置了 ElevenLabs 密钥。
func (c ElevenLabsConfig) Enabled() bool {
	return c.APIKey != ""
}

// SpeechServiceConfig 合并火山引擎与 ElevenLabs 配置，供语音服务使用。
func (c *Config) SpeechServiceConfig() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		AppID:             c.Speech.AppID,
		AccessToken:       c.Speech.AccessToken,
		APIKey:            c.Speech.APIKey,
		AccessKey:         c.Speech.AccessKey,
		SecretKey:         c.Speech.SecretKey,
		Region:            c.Speech.Region,
		BaseURL:           c.Speech.BaseURL,
		ASRModel:          c.Speech.ASRModel,
		ASRLanguage:       c.Speech.ASRLanguage,
		TTSVoice:          c.Speech.TTSVoice,
		TTSSpeed:          c.Speech.TTSSpeed,
		TTSVolume:         c.Speech.TTSVolume,
		TTSLanguage:       c.Speech.TTSLanguage,
		Timeout:           c.Speech.Timeout,
		TTSProvider:       c.Speech.TTSProvider,
		ElevenLabsAPIKey:  c.ElevenLabs.APIKey,
		ElevenLabsModel:   c.ElevenLabs.Model,
		ElevenLabsBaseURL: c.ElevenLabs.BaseURL,
	}
}

// SessionConfig 描述实时辅导会话的轮次控制参数。
type SessionConfig struct {
	SilenceDelay       time.Duration
	FallbackText       string
	Scripted           bool
	MaxCaptureRestarts int
	PlaybackGrace      time.Duration
}

// ObservabilityConfig 描述错误上报配置。
type ObservabilityConfig struct {
	RollbarToken string
	Environment  string
	Build        string
}

// DefaultFallbackText 是导师回复失败时展示的道歉语。
const DefaultFallbackText = "Sorry, I had trouble answering that. Could you say it again?"

// Enabled 表示所选提供方是否配置了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == ProviderAnthropic {
		return c.Anthropic.APIKey != ""
	}
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		if c.Provider == ProviderAnthropic {
			return nil, fmt.Errorf("缺少 ANTHROPIC_API_KEY")
		}
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	if c.Provider == ProviderAnthropic {
		return anthropic.NewChatModel(anthropic.Config{
			APIKey:      c.Anthropic.APIKey,
			Model:       c.Anthropic.Model,
			BaseURL:     c.Anthropic.BaseURL,
			MaxTokens:   c.Anthropic.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	sentimentEnabled, err := parseBoolEnv("AI_SENTIMENT_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	sentimentHistory := 6
	if historyOverride, err := parseOptionalIntEnv("AI_SENTIMENT_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if historyOverride != nil {
		if *historyOverride < 1 {
			sentimentHistory = 1
		} else {
			sentimentHistory = *historyOverride
		}
	}

	tokenBudget := 0
	if budget, err := parseOptionalIntEnv("AI_HISTORY_TOKEN_BUDGET"); err != nil {
		return AIConfig{}, err
	} else if budget != nil && *budget > 0 {
		tokenBudget = *budget
	}

	anthropicMaxTokens := 512
	if override, err := parseOptionalIntEnv("ANTHROPIC_MAX_TOKENS"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		anthropicMaxTokens = *override
	}

	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ""))
	anthropicKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	switch provider {
	case "":
		// 未指定时，有 Anthropic 密钥则优先使用
		provider = ProviderArk
		if anthropicKey != "" {
			provider = ProviderAnthropic
		}
	case ProviderArk, ProviderAnthropic:
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value: %q", provider)
	}

	return AIConfig{
		Provider:    provider,
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Anthropic: AnthropicConfig{
			APIKey:    anthropicKey,
			Model:     getEnvOrDefault("ANTHROPIC_MODEL", anthropic.DefaultModel),
			BaseURL:   getEnvOrDefault("ANTHROPIC_BASE_URL", anthropic.DefaultBaseURL),
			MaxTokens: anthropicMaxTokens,
		},
		SentimentLLMEnabled:   sentimentEnabled,
		SentimentHistoryLimit: sentimentHistory,
		HistoryTokenBudget:    tokenBudget,
	}, nil
}

func loadSpeechConfig() (SpeechConfig, error) {
	// 解析超时设置
	timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	// 解析TTS速度和音量
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0) // 默认1.0音量
	if volume != nil {
		ttsVolume = *volume
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	apiKey := strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	if accessToken == "" {
		accessToken = apiKey
	}

	accessKey := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("SPEECH_SECRET_KEY"))

	// 如果没有专门的语音配置，尝试使用AI配置
	if accessToken == "" && accessKey == "" {
		accessToken = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		apiKey = accessToken
		accessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		secretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
	}

	enabled := appID != "" && accessToken != ""

	return SpeechConfig{
		AppID:       appID,
		AccessToken: accessToken,
		APIKey:      apiKey,
		AccessKey:   accessKey,
		SecretKey:   secretKey,
		Region:      getEnvOrDefault("SPEECH_REGION", "cn-beijing"),
		BaseURL:     getEnvOrDefault("SPEECH_BASE_URL", ""),
		ASRModel:    getEnvOrDefault("SPEECH_ASR_MODEL", ""),
		ASRLanguage: getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		TTSVoice:    getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:    ttsSpeed,
		TTSVolume:   ttsVolume,
		TTSLanguage: getEnvOrDefault("SPEECH_TTS_LANGUAGE", "en-US"),
		Timeout:     timeoutSeconds,
		Enabled:     enabled,
		TTSProvider: strings.ToLower(getEnvOrDefault("SPEECH_TTS_PROVIDER", "")),
	}, nil
}

func loadElevenLabsConfig() ElevenLabsConfig {
	return ElevenLabsConfig{
		APIKey:  strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		Model:   getEnvOrDefault("ELEVENLABS_MODEL", "eleven_multilingual_v2"),
		BaseURL: getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
	}
}

func loadSessionConfig() (SessionConfig, error) {
	silenceMS := 1500
	if override, err := parseOptionalIntEnv("SESSION_SILENCE_MS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return SessionConfig{}, fmt.Errorf("invalid SESSION_SILENCE_MS value: %d", *override)
		}
		silenceMS = *override
	}

	scripted, err := parseBoolEnv("SESSION_SCRIPTED", false)
	if err != nil {
		return SessionConfig{}, err
	}

	restarts := 5
	if override, err := parseOptionalIntEnv("SESSION_MAX_CAPTURE_RESTARTS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override >= 0 {
		restarts = *override
	}

	graceMS := 1500
	if override, err := parseOptionalIntEnv("SESSION_PLAYBACK_GRACE_MS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override >= 0 {
		graceMS = *override
	}

	return SessionConfig{
		SilenceDelay:       time.Duration(silenceMS) * time.Millisecond,
		FallbackText:       getEnvOrDefault("SESSION_FALLBACK_TEXT", DefaultFallbackText),
		Scripted:           scripted,
		MaxCaptureRestarts: restarts,
		PlaybackGrace:      time.Duration(graceMS) * time.Millisecond,
	}, nil
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		RollbarToken: strings.TrimSpace(os.Getenv("ROLLBAR_TOKEN")),
		Environment:  getEnvOrDefault("APP_ENV", "development"),
		Build:        getEnvOrDefault("APP_BUILD", "dev"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
