package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

const (
	volcengineTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

	ttsResourceDefault = "volc.service_type.10029"
	ttsResourceMega    = "volc.megatts.default"
	ttsResourceSeed    = "seed-tts-2.0"

	defaultVolcengineVoice = "en_female_skye_emo_v2_mars_bigtts"
)

// ErrEmptyText 合成文本为空
var ErrEmptyText = errors.New("tts text is empty")

// VolcengineTTSClient 火山引擎单向流式 TTS 客户端
type VolcengineTTSClient struct {
	config *speech.SpeechConfig
	dialer *Dialer
	url    string
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Additions   string                   `json:"additions,omitempty"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	EnableTimestamp bool    `json:"enable_timestamp"`
	SpeedRatio      float32 `json:"speed_ratio,omitempty"`
	VolumeRatio     float32 `json:"volume_ratio,omitempty"`
	Emotion         string  `json:"emotion,omitempty"`
	EmotionScale    float32 `json:"emotion_scale,omitempty"`
}

// NewVolcengineTTSClient 创建火山引擎 TTS 客户端
func NewVolcengineTTSClient(config *speech.SpeechConfig, dialer *Dialer) *VolcengineTTSClient {
	if dialer == nil {
		dialer = NewDialer(DefaultDialOptions())
	}
	return &VolcengineTTSClient{config: config, dialer: dialer, url: volcengineTTSURL}
}

// SynthesizeSpeech 合成整段语音。音色与资源 ID 不匹配时依次尝试候选组合。
func (c *VolcengineTTSClient) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	speakers := resolveTTSSpeakerCandidates(req.Voice, c.fallbackVoice())
	var lastMismatch error
	for speakerIdx, speaker := range speakers {
		for resourceIdx, resourceID := range resolveTTSResourceCandidates(speaker) {
			resp, err := c.synthesize(ctx, req, appKey, accessKey, speaker, resourceID)
			if err == nil {
				if speakerIdx > 0 || resourceIdx > 0 {
					log.Printf("[TTS] fallback voice=%s resource=%s succeeded", speaker, resourceID)
				}
				return resp, nil
			}
			if !isResourceMismatchError(err) {
				return nil, err
			}
			log.Printf("[TTS] voice %s resource %s mismatch: %v", speaker, resourceID, err)
			lastMismatch = err
		}
	}
	if lastMismatch != nil {
		return nil, lastMismatch
	}
	return nil, fmt.Errorf("tts: no compatible resource for voices %v", speakers)
}

func (c *VolcengineTTSClient) fallbackVoice() string {
	if c.config != nil && strings.TrimSpace(c.config.TTSVoice) != "" {
		return NormalizeVoiceAlias(c.config.TTSVoice)
	}
	return defaultVolcengineVoice
}

func (c *VolcengineTTSClient) synthesize(ctx context.Context, req *speech.TTSRequest, appKey, accessKey, speaker, resourceID string) (*speech.TTSResponse, error) {
	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, err := c.dialer.Dial(ctx, c.url, header, "TTS")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := conn.CloseOnDone(ctx)
	defer stop()

	ttsReq, uid := buildTTSRequest(c.config, req, speaker)
	payload, err := json.Marshal(ttsReq)
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	if err := conn.WriteFrame(CreateFullClientRequest(payload, NoCompression)); err != nil {
		return nil, err
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)
	for {
		msg, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("tts: %w", err)
		}

		switch msg.Header.MessageType {
		case AudioOnlyServerResponse:
			chunk, err := msg.DecodedPayload()
			if err != nil {
				return nil, fmt.Errorf("tts audio chunk: %w", err)
			}
			audio.Write(chunk)

		case FullServerResponse:
			payload, err := msg.DecodedPayload()
			if err != nil {
				return nil, fmt.Errorf("tts response payload: %w", err)
			}
			var serverResp ttsServerMessage
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &serverResp); err != nil {
					log.Printf("[TTS] unreadable response payload: %v", err)
				} else {
					if serverResp.Code != 0 && serverResp.Code != 3000 && serverResp.Code != 20000000 {
						return nil, &ServerError{Code: uint32(serverResp.Code), Message: serverResp.Message}
					}
					if serverResp.ReqID != "" {
						reqID = serverResp.ReqID
					}
					if d, err := strconv.ParseInt(serverResp.Addition.Duration, 10, 64); err == nil {
						duration = d
					}
					if serverResp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(serverResp.Data)
						if err != nil {
							return nil, fmt.Errorf("tts base64 audio: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := (msg.Header.MessageFlags&WithEvent == WithEvent && msg.EventType == EventTypeSessionFinished) ||
				msg.IsLastPacket() || serverResp.Sequence < 0
			if !finished {
				continue
			}
			if audio.Len() == 0 {
				return nil, errors.New("tts: audio is empty")
			}
			if reqID == "" {
				reqID = connectID
			}
			if duration == 0 {
				duration = EstimateSpeechDuration(req.Text).Milliseconds()
			}
			sessionID := strings.TrimSpace(req.SessionID)
			if sessionID == "" {
				sessionID = uid
			}
			return &speech.TTSResponse{
				SessionID: sessionID,
				AudioData: audio.Bytes(),
				Duration:  duration,
				Format:    ttsReq.ReqParams.AudioParams.Format,
				RequestID: reqID,
				CreatedAt: time.Now(),
			}, nil

		default:
			log.Printf("[TTS] unexpected message type %d", msg.Header.MessageType)
		}
	}
}

// buildTTSRequest 组装请求参数，学生情绪会映射为支持情感的音色参数
func buildTTSRequest(cfg *speech.SpeechConfig, req *speech.TTSRequest, speaker string) (*volcengineTTSRequest, string) {
	ttsReq := &volcengineTTSRequest{}

	uid := strings.TrimSpace(req.SessionID)
	if uid == "" {
		uid = uuid.NewString()
	}
	ttsReq.User.UID = uid
	ttsReq.ReqParams.Speaker = speaker
	ttsReq.ReqParams.Text = req.Text

	params := &ttsReq.ReqParams.AudioParams
	params.Format = "mp3"
	if f := strings.TrimSpace(req.Format); f != "" && f != "wav" {
		params.Format = f
	}
	params.SampleRate = 24000
	params.EnableTimestamp = true

	speed, volume := req.Speed, req.Volume
	language := strings.TrimSpace(req.Language)
	if cfg != nil {
		if speed <= 0 {
			speed = cfg.TTSSpeed
		}
		if volume <= 0 {
			volume = cfg.TTSVolume
		}
		if language == "" {
			language = strings.TrimSpace(cfg.TTSLanguage)
		}
	}
	if speed > 0 && speed != 1.0 {
		params.SpeedRatio = speed
	}
	if volume > 0 && volume != 1.0 {
		params.VolumeRatio = volume
	}
	ttsReq.ReqParams.Language = language

	if enable, emotion, scale := EmotionParameters(speaker, req.Emotion); enable {
		params.Emotion = emotion
		params.EmotionScale = scale
	}

	ttsReq.ReqParams.Additions = `{"disable_markdown_filter":false}`
	return ttsReq, uid
}

func resolveTTSResourceCandidates(voice string) []string {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{ttsResourceDefault, ttsResourceSeed}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{ttsResourceMega}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "neptune", "mercury", "pluto", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{ttsResourceSeed, ttsResourceDefault}
		}
	}
	return []string{ttsResourceDefault, ttsResourceSeed}
}

// resolveTTSSpeakerCandidates 返回去重后的候选音色：请求音色优先，其次为默认音色
func resolveTTSSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(s string) {
		s = NormalizeVoiceAlias(s)
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}
	add(requested)
	add(fallback)
	return candidates
}

func isResourceMismatchError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}

// EstimateSpeechDuration 按每分钟约 150 词估算朗读时长，用于服务端未返回时长时的播放超时
func EstimateSpeechDuration(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return time.Duration(words) * 400 * time.Millisecond
}
